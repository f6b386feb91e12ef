package scheduler

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/tools"
	"github.com/3cpo-dev/chipflow/internal/workerpool"
)

// prepareJob settles the job name and directory for a run. When jobincr
// moves the run to a fresh job, the layout of the previous job is returned
// so untouched nodes can be carried over.
func (s *Scheduler) prepareJob(partial bool) (*jobdir.Layout, error) {
	clean := s.schema.GetBool("option", "clean")
	jobincr := s.schema.GetBool("option", "jobincr")
	resume := s.schema.GetBool("option", "resume")

	l := s.currentLayout()
	var prev *jobdir.Layout
	switch {
	case clean && jobincr && !resume && jobdir.Exists(l.JobDir()):
		old := l
		prev = &old
		l.JobName = NextJobName(l.DesignDir(), l.JobName)
		if err := s.schema.Set(l.JobName, "option", "jobname"); err != nil {
			return nil, err
		}
		log.Info().Str("from", old.JobName).Str("to", l.JobName).Msg("advancing job name")
	case clean && !resume && !partial:
		if err := os.RemoveAll(l.JobDir()); err != nil {
			return nil, fmt.Errorf("clean job dir: %w", err)
		}
	}
	if err := os.MkdirAll(l.JobDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create job dir: %w", err)
	}
	s.layout = l
	return prev, nil
}

// reuseFromJob copies a node that is not executed from the previous job,
// keeping modification times.
func (s *Scheduler) reuseFromJob(prev jobdir.Layout, n flowgraph.Node) error {
	src := prev.NodeDir(n)
	if !jobdir.Exists(src) {
		return nil
	}
	if err := jobdir.CopyTree(src, s.layout.NodeDir(n)); err != nil {
		return fmt.Errorf("copy %s from %s: %w", n, prev.JobName, err)
	}
	return nil
}

type nodeResult struct {
	Process workerpool.ProcessResult
	Metrics map[string]float64
}

// nodeJob is the part of a node run that happens off the scheduling
// goroutine. It only touches the node directory and its own snapshot.
type nodeJob struct {
	node     flowgraph.Node
	spec     flowgraph.NodeSpec
	driver   tools.Driver
	layout   jobdir.Layout
	sources  []string
	snapshot *schema.Schema
	echo     io.Writer
}

func (j *nodeJob) run(ctx context.Context) (nodeResult, error) {
	n := j.node
	if err := j.layout.Prepare(n); err != nil {
		return nodeResult{}, err
	}
	for _, src := range j.sources {
		if !jobdir.Exists(src) {
			continue
		}
		if err := jobdir.CopyTree(src, j.layout.Inputs(n)); err != nil {
			return nodeResult{}, fmt.Errorf("collect inputs: %w", err)
		}
	}
	if err := j.snapshot.WriteManifest(j.layout.InputManifestPath(n)); err != nil {
		return nodeResult{}, err
	}
	if j.driver.Builtin() {
		return nodeResult{}, nil
	}

	cmd, err := j.driver.Command(tools.Invocation{
		Node:   n,
		Tool:   j.spec.Tool,
		Task:   j.spec.Task,
		Schema: j.snapshot,
		Dir:    j.layout.NodeDir(n),
	})
	if err != nil {
		return nodeResult{}, err
	}
	cmd.Dir = j.layout.NodeDir(n)
	cmd.Echo = j.echo
	if err := os.WriteFile(j.layout.ScriptPath(n), []byte(tools.Script(cmd)), 0o755); err != nil {
		return nodeResult{}, fmt.Errorf("write rerun script: %w", err)
	}

	log.Debug().Str("node", n.String()).Str("exe", cmd.Path).Strs("args", cmd.Args).Msg("launching tool")
	res, err := workerpool.RunProcess(ctx, cmd, j.layout.LogPath(n))
	if err != nil {
		return nodeResult{Process: res}, err
	}
	out := nodeResult{Process: res}
	if res.Success() {
		if out.Metrics, err = j.layout.ReadMetrics(n); err != nil {
			return out, err
		}
	}
	return out, nil
}
