package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/chipflow/internal/scheduler"

	_ "modernc.org/sqlite"
)

// Run states stored in runs.status.
const (
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// ErrNotFound is returned when no run matches a lookup.
var ErrNotFound = errors.New("no matching run")

// Store is a SQLite-backed history of runs.
type Store struct{ db *sql.DB }

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultPath resolves $XDG_DATA_HOME/chipflow/history.db or
// ~/.local/share/chipflow/history.db.
func DefaultPath() string {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "chipflow", "history.db")
}

func NewStore(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	for _, e := range entries {
		stmt, err := migrationFS.ReadFile("migrations/" + e.Name())
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(string(stmt)); err != nil {
			return fmt.Errorf("apply migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

// Run is one row of the runs table.
type Run struct {
	ID         string
	Design     string
	JobName    string
	Flow       string
	Remote     bool
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	RemoteID   string
}

// NodeRun is one node result within a run.
type NodeRun struct {
	Step    string
	Index   string
	Status  string
	JobID   int
	Elapsed time.Duration
	LogPath string
}

// BeginRun inserts a running run and returns its id.
func (s *Store) BeginRun(ctx context.Context, design, jobName, flow string, remote bool) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, design, jobname, flow, remote, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, design, jobName, flow, remote, RunRunning, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("begin run: %w", err)
	}
	return id, nil
}

// RecordNode stores the latest result of a node, replacing earlier ones.
func (s *Store) RecordNode(ctx context.Context, runID string, n NodeRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_runs (run_id, step, idx, status, jobid, elapsed_ms, log_path) VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (run_id, step, idx) DO UPDATE SET
		   status = excluded.status, jobid = excluded.jobid,
		   elapsed_ms = excluded.elapsed_ms, log_path = excluded.log_path`,
		runID, n.Step, n.Index, n.Status, n.JobID, n.Elapsed.Milliseconds(), n.LogPath)
	if err != nil {
		return fmt.Errorf("record node %s%s: %w", n.Step, n.Index, err)
	}
	return nil
}

func (s *Store) SetRemoteID(ctx context.Context, runID, remoteID string) error {
	return s.update(ctx, `UPDATE runs SET remote_id = ? WHERE id = ?`, remoteID, runID)
}

// FinishRun closes a run. jobName replaces the recorded one when set, since
// jobincr may move a run to a fresh job directory.
func (s *Store) FinishRun(ctx context.Context, runID, jobName, status string) error {
	return s.update(ctx,
		`UPDATE runs SET status = ?, finished_at = ?, jobname = COALESCE(NULLIF(?, ''), jobname) WHERE id = ?`,
		status, time.Now().UnixMilli(), jobName, runID)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit of 0 means all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, design, jobname, flow, remote, status, started_at, finished_at, remote_id
		 FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		var (
			r        Run
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Design, &r.JobName, &r.Flow, &r.Remote, &r.Status, &started, &finished, &r.RemoteID); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			r.FinishedAt = time.UnixMilli(finished.Int64)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Nodes returns the node results of a run in step order.
func (s *Store) Nodes(ctx context.Context, runID string) ([]NodeRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, idx, status, jobid, elapsed_ms, log_path FROM node_runs WHERE run_id = ? ORDER BY step, idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()
	var nodes []NodeRun
	for rows.Next() {
		var (
			n  NodeRun
			ms int64
		)
		if err := rows.Scan(&n.Step, &n.Index, &n.Status, &n.JobID, &ms, &n.LogPath); err != nil {
			return nil, err
		}
		n.Elapsed = time.Duration(ms) * time.Millisecond
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// LatestRemoteID returns the remote job hash of the newest remote run of
// design/jobName that has one.
func (s *Store) LatestRemoteID(ctx context.Context, design, jobName string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT remote_id FROM runs WHERE design = ? AND jobname = ? AND remote_id != ''
		 ORDER BY started_at DESC, rowid DESC LIMIT 1`, design, jobName).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

// Recorder adapts a run to the scheduler's Observer. Only terminal node
// states are written; failures to record are logged, never returned.
type Recorder struct {
	store *Store
	runID string
}

func (s *Store) Recorder(runID string) *Recorder { return &Recorder{store: s, runID: runID} }

func (r *Recorder) NodeUpdate(u scheduler.Update) {
	if u.Status != scheduler.StatusDone && u.Status != scheduler.StatusError {
		return
	}
	err := r.store.RecordNode(context.Background(), r.runID, NodeRun{
		Step:    u.Node.Step,
		Index:   u.Node.Index,
		Status:  string(u.Status),
		JobID:   u.JobID,
		Elapsed: u.Elapsed,
		LogPath: u.LogPath,
	})
	if err != nil {
		log.Warn().Err(err).Str("run", r.runID).Msg("history")
	}
}
