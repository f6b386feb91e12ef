package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/internal/scheduler"
	"github.com/3cpo-dev/chipflow/pkg/api"
)

// job tracks one uploaded run. It observes its scheduler, so node states
// are updated from the scheduling goroutine and read by HTTP handlers.
type job struct {
	hash    string
	started time.Time
	sched   *scheduler.Scheduler
	layout  jobdir.Layout // fixed before the scheduler starts
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	nodes     map[string]api.NodeState
	nodeStart map[string]time.Time
	canceled  bool
	finished  bool
	err       error
}

func newJob(hash string, started time.Time) *job {
	return &job{
		hash:      hash,
		started:   started,
		done:      make(chan struct{}),
		nodes:     map[string]api.NodeState{},
		nodeStart: map[string]time.Time{},
	}
}

// NodeUpdate maps scheduler states onto wire states. Skipped nodes ran on
// the client and are not reported.
func (j *job) NodeUpdate(u scheduler.Update) {
	name := u.Node.String()
	j.mu.Lock()
	defer j.mu.Unlock()
	switch u.Status {
	case scheduler.StatusPending:
		j.nodes[name] = api.NodePending
	case scheduler.StatusRunning:
		j.nodes[name] = api.NodeRunning
		j.nodeStart[name] = time.Now()
	case scheduler.StatusDone:
		j.nodes[name] = api.NodeCompleted
	case scheduler.StatusError:
		j.nodes[name] = api.NodeFailed
		if u.TimedOut {
			j.nodes[name] = api.NodeTimeout
		}
	}
}

func (j *job) finish(err error) {
	j.mu.Lock()
	j.finished = true
	j.err = err
	j.mu.Unlock()
	close(j.done)
}

func (j *job) markCanceled() {
	j.mu.Lock()
	j.canceled = true
	j.mu.Unlock()
}

func (j *job) state() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	switch {
	case j.canceled:
		return api.JobCanceled
	case j.finished:
		return api.JobCompleted
	}
	return api.JobRunning
}

func (j *job) progress(now time.Time) api.JobProgress {
	if st := j.state(); st != api.JobRunning {
		return api.JobProgress{Status: st, ElapsedTime: clock(now.Sub(j.started))}
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	p := api.JobProgress{ElapsedTime: clock(now.Sub(j.started)), Nodes: map[string]api.NodeProgress{}}
	for name, st := range j.nodes {
		np := api.NodeProgress{Status: st}
		if st == api.NodeRunning {
			np.ElapsedTime = clock(now.Sub(j.nodeStart[name]))
		}
		p.Nodes[name] = np
	}
	return p
}

// node resolves a wire node name such as "floorplan0".
func (j *job) node(name string) (flowgraph.Node, bool) {
	for _, n := range j.sched.Graph().Nodes() {
		if n.String() == name {
			return n, true
		}
	}
	return flowgraph.Node{}, false
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%02d:%02d:%02d", h, m, d/time.Second)
}
