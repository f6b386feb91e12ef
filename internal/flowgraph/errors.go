package flowgraph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph  = errors.New("invalid flow graph")
	ErrCycleFound    = errors.New("cycle detected")
	ErrRemoteSubset  = errors.New("invalid remote node subset")
	ErrUnknownBounds = errors.New("unknown step")
)

// GraphError reports malformed topology or an unusable node selection.
type GraphError struct {
	Kind error
	Flow string
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	prefix := e.Kind.Error()
	if e.Flow != "" {
		prefix = fmt.Sprintf("flow %s: %s", e.Flow, prefix)
	}
	if e.Msg == "" {
		return prefix
	}
	return prefix + ": " + e.Msg
}

func (e *GraphError) Unwrap() error { return e.Kind }

func (g *Graph) errorf(kind error, format string, args ...any) error {
	return &GraphError{Kind: kind, Flow: g.name, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(flow string, path []Node) error {
	names := make([]string, len(path))
	for i, n := range path {
		names[i] = n.String()
	}
	return &GraphError{Kind: ErrCycleFound, Flow: flow, Msg: strings.Join(names, " -> ")}
}
