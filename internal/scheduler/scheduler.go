package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/telemetry"
	"github.com/3cpo-dev/chipflow/internal/tools"
	"github.com/3cpo-dev/chipflow/internal/workerpool"
)

// Status of a node within one run. A node without a status is idle.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Update describes one node status transition.
type Update struct {
	Node     flowgraph.Node
	Status   Status
	JobName  string
	Elapsed  time.Duration
	ExitCode int
	TimedOut bool
	// JobID is the node's run counter, set on done.
	JobID    int
	LogPath  string
}

// Observer is told about every node status transition. It is called from
// the scheduling goroutine and must not block.
type Observer interface {
	NodeUpdate(Update)
}

type ObserverFunc func(Update)

func (f ObserverFunc) NodeUpdate(u Update) { f(u) }

type Options struct {
	Registry *tools.Registry
	Observer Observer
	// Echo receives tool output in addition to the node log.
	Echo io.Writer
}

// Scheduler runs a flow on the local machine. It owns the schema for the
// duration of a run.
type Scheduler struct {
	schema   *schema.Schema
	graph    *flowgraph.Graph
	registry *tools.Registry
	observer Observer
	echo     io.Writer

	layout  jobdir.Layout
	status  map[flowgraph.Node]Status
	prevJob map[flowgraph.Node]int
	started map[flowgraph.Node]time.Time
}

// New builds the flow selected by option,flow.
func New(s *schema.Schema, opts Options) (*Scheduler, error) {
	if s.GetString("design") == "" {
		return nil, errors.New("design name is not set")
	}
	g, err := flowgraph.FromSchema(s, s.GetString("option", "flow"))
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = tools.NewRegistry()
	}
	sch := &Scheduler{
		schema:   s,
		graph:    g,
		registry: reg,
		observer: opts.Observer,
		echo:     opts.Echo,
		status:   map[flowgraph.Node]Status{},
	}
	sch.layout = sch.currentLayout()
	return sch, nil
}

func (s *Scheduler) Graph() *flowgraph.Graph { return s.graph }

func (s *Scheduler) Schema() *schema.Schema { return s.schema }

// Layout is the directory layout of the current job.
func (s *Scheduler) Layout() jobdir.Layout { return s.layout }

// Status returns the status of n in the last run.
func (s *Scheduler) Status(n flowgraph.Node) Status { return s.status[n] }

// Builtin reports whether n runs inline without a tool process.
func (s *Scheduler) Builtin(n flowgraph.Node) bool {
	spec, _ := s.graph.Spec(n)
	return s.registry.Get(spec.Tool).Builtin()
}

func (s *Scheduler) currentLayout() jobdir.Layout {
	return jobdir.Layout{
		BuildDir: s.schema.GetString("option", "builddir"),
		Design:   s.schema.GetString("design"),
		JobName:  s.schema.GetString("option", "jobname"),
	}
}

// Run executes the nodes selected by option,from, option,to and option,skip.
func (s *Scheduler) Run(ctx context.Context) error { return s.RunNodes(ctx, nil) }

// RunNodes is Run restricted to the nodes in only, when only is non-nil.
func (s *Scheduler) RunNodes(ctx context.Context, only []flowgraph.Node) error {
	from := s.schema.GetStrings("option", "from")
	selected, err := s.graph.NodesToExecute(from, s.schema.GetStrings("option", "to"), s.schema.GetStrings("option", "skip"))
	if err != nil {
		return err
	}
	// Nodes held back by only run elsewhere. They are neither carried over
	// from a previous job nor loaded from old manifests.
	deferred := map[flowgraph.Node]bool{}
	if only != nil {
		narrowed := intersect(selected, only)
		for _, n := range selected {
			deferred[n] = true
		}
		for _, n := range narrowed {
			delete(deferred, n)
		}
		selected = narrowed
	}
	executing := make(map[flowgraph.Node]bool, len(selected))
	for _, n := range selected {
		executing[n] = true
	}

	prev, err := s.prepareJob(len(from) > 0)
	if err != nil {
		return err
	}
	resume := s.schema.GetBool("option", "resume")

	s.status = map[flowgraph.Node]Status{}
	s.prevJob = map[flowgraph.Node]int{}
	s.started = map[flowgraph.Node]time.Time{}
	rerun := map[flowgraph.Node]bool{}
	for _, n := range s.graph.Nodes() {
		if deferred[n] {
			s.setStatus(Update{Node: n, Status: StatusSkipped})
			continue
		}
		if !executing[n] {
			if prev != nil {
				if err := s.reuseFromJob(*prev, n); err != nil {
					return err
				}
			}
			s.importManifest(n)
			s.setStatus(Update{Node: n, Status: StatusSkipped})
			continue
		}
		if resume && len(from) == 0 && !anyOf(s.graph.Predecessors(n), rerun) && s.completed(n) {
			log.Info().Str("node", n.String()).Msg("reusing completed node")
			s.importManifest(n)
			s.setStatus(Update{Node: n, Status: StatusDone})
			continue
		}
		rerun[n] = true
		s.setStatus(Update{Node: n, Status: StatusPending})
	}

	log.Info().
		Str("design", s.layout.Design).
		Str("job", s.layout.JobName).
		Str("flow", s.graph.Name()).
		Int("nodes", len(rerun)).
		Msg("starting local run")

	return s.execute(ctx)
}

func (s *Scheduler) execute(ctx context.Context) error {
	type outcome struct {
		node flowgraph.Node
		res  nodeResult
		err  error
	}
	pool := workerpool.New(s.schema.GetInt("option", "maxworkers"))
	results := make(chan outcome)
	keepGoing := s.schema.GetBool("option", "continue")

	var errs []error
	running := 0
	abort := false
	for {
		if !abort && ctx.Err() == nil {
			for _, n := range s.graph.Nodes() {
				if s.status[n] != StatusPending || !s.ready(n) {
					continue
				}
				job, err := s.launch(n)
				if err != nil {
					errs = append(errs, s.fail(n, nodeResult{Process: workerpool.ProcessResult{ExitCode: -1}}, err))
					if !keepGoing {
						abort = true
						break
					}
					continue
				}
				f := workerpool.Submit(ctx, pool, job.run)
				running++
				go func(n flowgraph.Node) {
					res, err := f.Wait()
					results <- outcome{node: n, res: res, err: err}
				}(n)
			}
		}
		if running == 0 {
			break
		}
		o := <-results
		running--
		if err := s.finish(o.node, o.res, o.err); err != nil {
			errs = append(errs, err)
			if !keepGoing {
				abort = true
			}
		}
	}
	pool.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("run interrupted: %w", err))
	}
	return multierr.Combine(errs...)
}

// ready reports whether every predecessor of n is done or skipped.
func (s *Scheduler) ready(n flowgraph.Node) bool {
	for _, p := range s.graph.Predecessors(n) {
		if st := s.status[p]; st != StatusDone && st != StatusSkipped {
			return false
		}
	}
	return true
}

// launch marks n running and captures everything its worker needs.
func (s *Scheduler) launch(n flowgraph.Node) (*nodeJob, error) {
	spec, _ := s.graph.Spec(n)
	driver := s.registry.Get(spec.Tool)

	prevID := s.schema.GetInt("record", n.Step, n.Index, "jobid")
	if m, err := schema.ReadManifest(s.layout.ManifestPath(n)); err == nil {
		if id := m.GetInt("record", n.Step, n.Index, "jobid"); id > prevID {
			prevID = id
		}
	}
	s.prevJob[n] = prevID

	var sources []string
	for _, p := range s.graph.Predecessors(n) {
		if s.Builtin(p) {
			sources = append(sources, s.layout.Inputs(p))
		} else {
			sources = append(sources, s.layout.Outputs(p))
		}
	}

	start := time.Now()
	s.started[n] = start
	if err := s.schema.Set(start.Format(time.RFC3339), "record", n.Step, n.Index, "starttime"); err != nil {
		return nil, err
	}
	s.setStatus(Update{Node: n, Status: StatusRunning})

	return &nodeJob{
		node:     n,
		spec:     spec,
		driver:   driver,
		layout:   s.layout,
		sources:  sources,
		snapshot: s.schema.Copy(),
		echo:     s.echo,
	}, nil
}

// finish folds a worker result back into the schema.
func (s *Scheduler) finish(n flowgraph.Node, res nodeResult, err error) error {
	if err != nil || !res.Process.Success() {
		return s.fail(n, res, err)
	}
	rec := func(v any, key string) {
		if err := s.schema.Set(v, "record", n.Step, n.Index, key); err != nil {
			log.Warn().Err(err).Str("node", n.String()).Msg("record value")
		}
	}
	end := time.Now()
	elapsed := end.Sub(s.started[n])
	rec(s.prevJob[n]+1, "jobid")
	rec(string(StatusDone), "status")
	rec(end.Format(time.RFC3339), "endtime")
	rec(0, "exitcode")
	_ = s.schema.Set(elapsed.Seconds(), "metric", n.Step, n.Index, "tasktime")
	for name, v := range res.Metrics {
		if err := s.schema.Set(v, "metric", n.Step, n.Index, name); err != nil {
			log.Warn().Err(err).Str("node", n.String()).Str("metric", name).Msg("dropping tool metric")
		}
	}
	if err := s.schema.WriteManifest(s.layout.ManifestPath(n)); err != nil {
		return s.fail(n, res, fmt.Errorf("write manifest: %w", err))
	}

	s.setStatus(Update{Node: n, Status: StatusDone, Elapsed: elapsed, JobID: s.prevJob[n] + 1, LogPath: s.layout.LogPath(n)})
	log.Info().Str("node", n.String()).Dur("elapsed", elapsed).Msg("node done")
	telemetry.CounterGlobal("chipflow_node_runs", 1, map[string]string{"step": n.Step, "status": string(StatusDone)})
	telemetry.TimerGlobal("chipflow_node_duration", elapsed, map[string]string{"step": n.Step})
	return nil
}

func (s *Scheduler) fail(n flowgraph.Node, res nodeResult, cause error) error {
	exit := res.Process.ExitCode
	if cause != nil && exit == 0 {
		exit = -1
	}
	logPath := s.layout.LogPath(n)
	if cause != nil {
		appendLog(logPath, cause)
	}
	_ = s.schema.Set(string(StatusError), "record", n.Step, n.Index, "status")
	_ = s.schema.Set(exit, "record", n.Step, n.Index, "exitcode")

	var elapsed time.Duration
	if t, ok := s.started[n]; ok {
		elapsed = time.Since(t)
	}
	s.setStatus(Update{Node: n, Status: StatusError, Elapsed: elapsed, ExitCode: exit, TimedOut: res.Process.TimedOut, LogPath: logPath})
	log.Error().Str("node", n.String()).Int("exit_code", exit).Str("log", logPath).Msg("node failed")
	telemetry.CounterGlobal("chipflow_node_runs", 1, map[string]string{"step": n.Step, "status": string(StatusError)})
	return &NodeExecutionError{Node: n, LogPath: logPath, ExitCode: exit, Err: cause}
}

func (s *Scheduler) setStatus(u Update) {
	s.status[u.Node] = u.Status
	if u.Status == StatusPending || u.Status == StatusRunning {
		_ = s.schema.Set(string(u.Status), "record", u.Node.Step, u.Node.Index, "status")
	}
	if s.observer != nil {
		u.JobName = s.layout.JobName
		s.observer.NodeUpdate(u)
	}
}

// completed reports whether n has a done manifest in the current job.
func (s *Scheduler) completed(n flowgraph.Node) bool {
	m, err := schema.ReadManifest(s.layout.ManifestPath(n))
	if err != nil {
		return false
	}
	return m.GetString("record", n.Step, n.Index, "status") == string(StatusDone)
}

func (s *Scheduler) importManifest(n flowgraph.Node) {
	path := s.layout.ManifestPath(n)
	if !jobdir.Exists(path) {
		return
	}
	m, err := schema.ReadManifest(path)
	if err != nil {
		log.Warn().Err(err).Str("node", n.String()).Msg("unreadable manifest")
		return
	}
	s.schema.MergeNode(m, n.Step, n.Index)
}

func appendLog(path string, err error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, ferr := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if ferr != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\nerror: %v\n", err)
}

func intersect(nodes, only []flowgraph.Node) []flowgraph.Node {
	keep := make(map[flowgraph.Node]bool, len(only))
	for _, n := range only {
		keep[n] = true
	}
	var out []flowgraph.Node
	for _, n := range nodes {
		if keep[n] {
			out = append(out, n)
		}
	}
	return out
}

func anyOf(nodes []flowgraph.Node, set map[flowgraph.Node]bool) bool {
	for _, n := range nodes {
		if set[n] {
			return true
		}
	}
	return false
}
