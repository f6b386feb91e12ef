package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/scheduler"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Ping(ctx))

	id, err := s.BeginRun(ctx, "heartbeat", "job0", "asicflow", true)
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, id, "abc123"))
	require.NoError(t, s.FinishRun(ctx, id, "job1", RunSucceeded))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	require.Equal(t, "heartbeat", r.Design)
	require.True(t, r.Remote)
	require.Equal(t, RunSucceeded, r.Status)
	require.Equal(t, "abc123", r.RemoteID)
	require.Equal(t, "job1", r.JobName)
	require.False(t, r.FinishedAt.IsZero())

	require.ErrorIs(t, s.FinishRun(ctx, "missing", "", RunFailed), ErrNotFound)
}

func TestListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, job := range []string{"job0", "job1", "job2"} {
		_, err := s.BeginRun(ctx, "d", job, "f", false)
		require.NoError(t, err)
	}
	runs, err := s.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "job2", runs[0].JobName)
	require.Equal(t, "job1", runs[1].JobName)
}

func TestLatestRemoteID(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.LatestRemoteID(ctx, "d", "job0")
	require.ErrorIs(t, err, ErrNotFound)

	first, err := s.BeginRun(ctx, "d", "job0", "f", true)
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, first, "old"))
	second, err := s.BeginRun(ctx, "d", "job0", "f", true)
	require.NoError(t, err)
	require.NoError(t, s.SetRemoteID(ctx, second, "new"))
	_, err = s.BeginRun(ctx, "d", "job0", "f", true)
	require.NoError(t, err)

	id, err := s.LatestRemoteID(ctx, "d", "job0")
	require.NoError(t, err)
	require.Equal(t, "new", id)
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	id, err := s.BeginRun(ctx, "d", "job0", "f", false)
	require.NoError(t, err)

	rec := s.Recorder(id)
	syn := flowgraph.Node{Step: "syn", Index: "0"}
	rec.NodeUpdate(scheduler.Update{Node: syn, Status: scheduler.StatusRunning})
	rec.NodeUpdate(scheduler.Update{Node: syn, Status: scheduler.StatusError, Elapsed: time.Second, LogPath: "syn.log"})
	rec.NodeUpdate(scheduler.Update{Node: syn, Status: scheduler.StatusDone, Elapsed: 2 * time.Second, JobID: 2, LogPath: "syn.log"})
	rec.NodeUpdate(scheduler.Update{Node: flowgraph.Node{Step: "import", Index: "0"}, Status: scheduler.StatusSkipped})

	nodes, err := s.Nodes(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []NodeRun{{Step: "syn", Index: "0", Status: "done", JobID: 2, Elapsed: 2 * time.Second, LogPath: "syn.log"}}, nodes)
}
