package core

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chipflow/internal/remote"
	"github.com/3cpo-dev/chipflow/internal/scheduler"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/store"
)

// Orchestrator runs one configured flow, locally or on a remote server,
// and keeps the run history.
type Orchestrator struct {
	schema  *schema.Schema
	history *store.Store
	out     io.Writer
	client  *remote.Client
}

type Option func(*Orchestrator)

// WithHistory records runs in st.
func WithHistory(st *store.Store) Option { return func(o *Orchestrator) { o.history = st } }

// WithOutput sets where tool output and remote notices are written.
func WithOutput(w io.Writer) Option { return func(o *Orchestrator) { o.out = w } }

// WithClient overrides the remote client built from option,credentials.
func WithClient(c *remote.Client) Option { return func(o *Orchestrator) { o.client = c } }

func NewOrchestrator(s *schema.Schema, opts ...Option) *Orchestrator {
	o := &Orchestrator{schema: s, out: io.Discard}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Schema() *schema.Schema { return o.schema }

// Run executes the flow and returns the first fatal error. Remote result
// fetch failures are logged as warnings.
func (o *Orchestrator) Run(ctx context.Context) error {
	s := o.schema
	isRemote := s.GetBool("option", "remote")
	runID := o.begin(ctx, isRemote)

	opts := scheduler.Options{}
	if runID != "" {
		opts.Observer = o.history.Recorder(runID)
	}
	if !s.GetBool("option", "quiet") {
		opts.Echo = o.out
	}
	sched, err := scheduler.New(s, opts)
	if err != nil {
		o.finish(ctx, runID, err)
		return err
	}

	if !isRemote {
		err = sched.Run(ctx)
		o.finish(ctx, runID, err)
		return err
	}

	client := o.client
	if client == nil {
		var credPath string
		if files := s.GetStrings("option", "credentials"); len(files) > 0 {
			credPath = files[0]
		}
		if client, err = remote.NewClient(credPath); err != nil {
			o.finish(ctx, runID, err)
			return err
		}
	}
	d := remote.NewDispatcher(sched, client, o.out)
	err = d.Run(ctx)
	if w := d.Warnings(); w != nil {
		log.Warn().Err(w).Msg("some remote results could not be fetched")
	}
	o.recordRemote(ctx, runID, sched)
	o.finish(ctx, runID, err)
	return err
}

func (o *Orchestrator) begin(ctx context.Context, isRemote bool) string {
	if o.history == nil {
		return ""
	}
	s := o.schema
	id, err := o.history.BeginRun(ctx, s.GetString("design"), s.GetString("option", "jobname"), s.GetString("option", "flow"), isRemote)
	if err != nil {
		log.Warn().Err(err).Msg("history unavailable")
		return ""
	}
	return id
}

// recordRemote stores the remote job hash and the merged node records,
// which the scheduler never observed.
func (o *Orchestrator) recordRemote(ctx context.Context, runID string, sched *scheduler.Scheduler) {
	if runID == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	s := o.schema
	if id := s.GetString("record", "remoteid"); id != "" {
		if err := o.history.SetRemoteID(ctx, runID, id); err != nil {
			log.Warn().Err(err).Msg("history")
		}
	}
	for _, n := range sched.Graph().Nodes() {
		status := s.GetString("record", n.Step, n.Index, "status")
		if status != string(scheduler.StatusDone) && status != string(scheduler.StatusError) {
			continue
		}
		err := o.history.RecordNode(ctx, runID, store.NodeRun{
			Step:    n.Step,
			Index:   n.Index,
			Status:  status,
			JobID:   s.GetInt("record", n.Step, n.Index, "jobid"),
			LogPath: sched.Layout().LogPath(n),
		})
		if err != nil {
			log.Warn().Err(err).Msg("history")
		}
	}
}

func (o *Orchestrator) finish(ctx context.Context, runID string, err error) {
	if runID == "" {
		return
	}
	status := store.RunSucceeded
	switch {
	case errors.Is(err, remote.ErrInterrupted), errors.Is(err, context.Canceled):
		status = store.RunInterrupted
	case err != nil:
		status = store.RunFailed
	}
	// ctx may already be canceled on interrupt.
	if ferr := o.history.FinishRun(context.WithoutCancel(ctx), runID, o.schema.GetString("option", "jobname"), status); ferr != nil {
		log.Warn().Err(ferr).Msg("history")
	}
}
