package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/3cpo-dev/chipflow/internal/archive"
	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/internal/scheduler"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/workerpool"
	"github.com/3cpo-dev/chipflow/pkg/api"
)

const defaultPollInterval = 30 * time.Second

// Handle identifies a job accepted by the server.
type Handle struct {
	JobHash      string
	PollInterval time.Duration
	EntryNodes   []flowgraph.Node
	// Successors are the nodes the server runs.
	Successors []flowgraph.Node
}

// Dispatcher runs a flow on a remote server. Entry nodes run locally through
// the scheduler; everything after them is uploaded, polled and fetched back.
type Dispatcher struct {
	client *Client
	sched  *scheduler.Scheduler
	schema *schema.Schema
	graph  *flowgraph.Graph
	pool   *workerpool.Pool
	out    io.Writer

	fetched  map[string]bool
	futures  []*workerpool.Future[struct{}]
	warnings error
}

// NewDispatcher wraps a scheduler that shares the run's schema. Terms of
// service and reconnect instructions are printed to out.
func NewDispatcher(sched *scheduler.Scheduler, client *Client, out io.Writer) *Dispatcher {
	if out == nil {
		out = io.Discard
	}
	s := sched.Schema()
	return &Dispatcher{
		client:  client,
		sched:   sched,
		schema:  s,
		graph:   sched.Graph(),
		pool:    workerpool.New(s.GetInt("option", "maxworkers")),
		out:     out,
		fetched: map[string]bool{},
	}
}

// Warnings holds every ResultFetchWarning of the last run loop.
func (d *Dispatcher) Warnings() error { return d.warnings }

// Run performs a complete remote run. With resume set and a known job hash
// it reattaches to the running job instead of uploading again.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.reattaching() {
		log.Info().Str("job_hash", d.schema.GetString("record", "remoteid")).Msg("reattaching to remote job")
	} else if err := d.Preprocess(ctx); err != nil {
		return err
	}
	h, err := d.StartRun(ctx)
	if err != nil {
		return err
	}
	return d.RunLoop(ctx, h)
}

func (d *Dispatcher) reattaching() bool {
	return d.schema.GetBool("option", "resume") && d.schema.GetString("record", "remoteid") != ""
}

// Preprocess validates the node selection, runs the entry nodes locally,
// collects input files into the job directory and moves option,from past
// the entry nodes. Nothing is sent over the network.
func (d *Dispatcher) Preprocess(ctx context.Context) error {
	nodes, err := d.selection()
	if err != nil {
		return setupError(err, "select remote nodes")
	}
	if err := d.graph.ValidateRemoteSubset(nodes); err != nil {
		return setupError(err, "invalid remote node selection")
	}

	entries := d.graph.EntryNodes()
	log.Info().Int("nodes", len(entries)).Msg("running entry nodes locally")
	if err := d.sched.RunNodes(ctx, entries); err != nil {
		return err
	}
	if err := d.collectInputs(); err != nil {
		return err
	}

	var steps []string
	seen := map[string]bool{}
	entry := map[flowgraph.Node]bool{}
	for _, n := range entries {
		entry[n] = true
	}
	for _, n := range d.graph.Nodes() {
		if entry[n] || seen[n.Step] {
			continue
		}
		for _, p := range d.graph.Predecessors(n) {
			if entry[p] {
				seen[n.Step] = true
				steps = append(steps, n.Step)
				break
			}
		}
	}
	return d.schema.Set(steps, "option", "from")
}

func (d *Dispatcher) selection() ([]flowgraph.Node, error) {
	return d.graph.NodesToExecute(
		d.schema.GetStrings("option", "from"),
		d.schema.GetStrings("option", "to"),
		d.schema.GetStrings("option", "skip"),
	)
}

// collectInputs copies every input,* file into the job directory and
// rewrites the values to job relative paths, so the upload is self
// contained.
func (d *Dispatcher) collectInputs() error {
	layout := d.sched.Layout()
	for _, keys := range d.schema.GetKeys("input") {
		files := d.schema.GetStrings(keys...)
		collected := make([]string, 0, len(files))
		for _, f := range files {
			abs, err := filepath.Abs(f)
			if err != nil {
				return err
			}
			if !jobdir.Exists(abs) {
				return setupError(nil, "input file %s not found", f)
			}
			sum := sha256.Sum256([]byte(abs))
			rel, dst := layout.Collected(hex.EncodeToString(sum[:6]) + "_" + filepath.Base(abs))
			if err := jobdir.CopyFile(abs, dst); err != nil {
				return fmt.Errorf("collect %s: %w", f, err)
			}
			collected = append(collected, rel)
		}
		if err := d.schema.Set(collected, keys...); err != nil {
			return err
		}
	}
	return nil
}

// StartRun checks the server and uploads the job, unless reattaching to a
// job the server already has.
func (d *Dispatcher) StartRun(ctx context.Context) (*Handle, error) {
	status, err := d.client.CheckServer(ctx)
	if err != nil {
		return nil, err
	}
	if status.Status != api.ServerReady {
		return nil, setupError(nil, "server is %s", status.Status)
	}
	interval := time.Duration(status.ProgressInterval * float64(time.Second))
	if interval <= 0 {
		interval = defaultPollInterval
	}

	if !d.reattaching() {
		printTerms(d.out, status.Terms)
		if pu := status.PreUpload; pu != nil {
			log.Info().Msg(pu.Message)
			if err := sleep(ctx, time.Duration(pu.Delay*float64(time.Second))); err != nil {
				return nil, err
			}
		}
		if err := d.upload(ctx); err != nil {
			return nil, err
		}
	}

	selected, err := d.selection()
	if err != nil {
		return nil, setupError(err, "select remote nodes")
	}
	// A reattach from a project file still has the original bounds, so the
	// entry nodes are dropped here rather than relying on option,from.
	entries := d.graph.EntryNodes()
	entry := make(map[flowgraph.Node]bool, len(entries))
	for _, n := range entries {
		entry[n] = true
	}
	var remote []flowgraph.Node
	for _, n := range selected {
		if !entry[n] {
			remote = append(remote, n)
		}
	}
	return &Handle{
		JobHash:      d.schema.GetString("record", "remoteid"),
		PollInterval: interval,
		EntryNodes:   entries,
		Successors:   remote,
	}, nil
}

func (d *Dispatcher) upload(ctx context.Context) error {
	layout := d.sched.Layout()
	tmp, err := os.MkdirTemp("", "chipflow_upload_")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	archivePath := filepath.Join(tmp, "import.tar.gz")
	size, err := archive.CreateFile(archivePath, layout.JobDir(), filepath.Join(layout.Design, layout.JobName), nil)
	if err != nil {
		return fmt.Errorf("archive job: %w", err)
	}
	log.Info().Str("job", layout.JobName).Str("size", humanize.Bytes(uint64(size))).Msg("uploading job")

	var manifest bytes.Buffer
	if err := d.schema.WriteJSON(&manifest); err != nil {
		return err
	}
	resp, err := d.client.Submit(ctx, manifest.Bytes(), archivePath)
	if err != nil {
		return err
	}
	if resp.Message != "" {
		log.Info().Msg(resp.Message)
	}
	if err := d.schema.Set(resp.JobHash, "record", "remoteid"); err != nil {
		return err
	}
	d.stampEntryManifests(resp.JobHash)
	log.Info().Str("job_hash", resp.JobHash).Msg("remote job started")
	return nil
}

// stampEntryManifests records the job hash and the remote bounds in every
// entry node manifest so a later run can reattach.
func (d *Dispatcher) stampEntryManifests(jobHash string) {
	layout := d.sched.Layout()
	for _, n := range d.graph.EntryNodes() {
		path := layout.ManifestPath(n)
		m, err := schema.ReadManifest(path)
		if err != nil {
			log.Warn().Err(err).Str("node", n.String()).Msg("entry manifest not updated")
			continue
		}
		err = multierr.Combine(
			m.Set(jobHash, "record", "remoteid"),
			m.Set(d.schema.GetStrings("option", "from"), "option", "from"),
			m.Set(d.schema.GetStrings("option", "to"), "option", "to"),
			m.WriteManifest(path),
		)
		if err != nil {
			log.Warn().Err(err).Str("node", n.String()).Msg("entry manifest not updated")
		}
	}
}

// Poll checks progress once. Failures never end a run: they count as busy.
func (d *Dispatcher) Poll(ctx context.Context) (completed []string, busy bool) {
	p, err := d.client.Progress(ctx, d.schema.GetString("record", "remoteid"), d.schema.GetString("option", "jobname"))
	if err != nil {
		log.Debug().Err(err).Msg("progress check failed")
		return nil, true
	}
	if p.Canceled {
		log.Info().Msg("job was canceled")
	}
	if p.Busy {
		logProgress(p)
	}
	return p.Completed, p.Busy
}

// Fetch schedules the results of one node, or of the whole job when node is
// empty. Nodes already scheduled are ignored.
func (d *Dispatcher) Fetch(ctx context.Context, node string) {
	if d.fetched[node] {
		return
	}
	d.fetched[node] = true
	jobHash := d.schema.GetString("record", "remoteid")
	buildDir := d.schema.GetString("option", "builddir")
	d.futures = append(d.futures, workerpool.Submit(ctx, d.pool, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.client.Fetch(ctx, jobHash, node, buildDir)
	}))
}

// join waits for every scheduled fetch.
func (d *Dispatcher) join() {
	var errs []error
	for _, f := range d.futures {
		if _, err := f.Wait(); err != nil {
			log.Warn().Err(err).Msg("result fetch")
			errs = append(errs, err)
		}
	}
	d.futures = nil
	d.warnings = multierr.Append(d.warnings, multierr.Combine(errs...))
}

// RunLoop polls until the server is done, fetching results as nodes
// complete, then merges every node manifest into the schema. Remote values
// win for the nodes the server ran.
func (d *Dispatcher) RunLoop(ctx context.Context, h *Handle) error {
	timer := time.NewTimer(h.PollInterval)
	defer timer.Stop()
	for busy := true; busy; {
		select {
		case <-ctx.Done():
			d.join()
			d.printReconnect(h)
			return fmt.Errorf("%w: job %s is still running on the server", ErrInterrupted, h.JobHash)
		case <-timer.C:
		}
		var completed []string
		completed, busy = d.Poll(ctx)
		for _, n := range completed {
			d.Fetch(ctx, n)
		}
		timer.Reset(h.PollInterval)
	}

	for _, n := range h.Successors {
		d.Fetch(ctx, n.String())
	}
	d.Fetch(ctx, "")
	d.join()

	layout := d.sched.Layout()
	for _, n := range d.graph.Nodes() {
		path := layout.ManifestPath(n)
		if !jobdir.Exists(path) {
			continue
		}
		m, err := schema.ReadManifest(path)
		if err != nil {
			log.Warn().Err(err).Str("node", n.String()).Msg("unreadable manifest")
			continue
		}
		d.schema.MergeNode(m, n.Step, n.Index)
	}
	if err := d.schema.Unset("option", "remote"); err != nil {
		return err
	}
	log.Info().Str("job_hash", h.JobHash).Msg("remote run finished")
	return nil
}

func (d *Dispatcher) printReconnect(h *Handle) {
	if len(h.EntryNodes) == 0 {
		return
	}
	manifest := d.sched.Layout().ManifestPath(h.EntryNodes[0])
	fmt.Fprintf(d.out, "Remote job %s is still running.\n", h.JobHash)
	fmt.Fprintf(d.out, "Reconnect with:\n  chipflow remote reconnect --cfg %s\n", manifest)
	fmt.Fprintf(d.out, "Cancel with:\n  chipflow remote cancel --cfg %s\n", manifest)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
