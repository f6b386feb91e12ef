package scheduler

import (
	"fmt"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
)

// NodeExecutionError reports a node whose tool did not complete.
type NodeExecutionError struct {
	Node     flowgraph.Node
	LogPath  string
	ExitCode int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("node %s failed: %v (log: %s)", e.Node, e.Err, e.LogPath)
	}
	return fmt.Sprintf("node %s failed with exit code %d (log: %s)", e.Node, e.ExitCode, e.LogPath)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }
