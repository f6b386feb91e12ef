package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/jobdir"
	"github.com/3cpo-dev/chipflow/internal/schema"
)

func node(step string) flowgraph.Node { return flowgraph.Node{Step: step, Index: "0"} }

// newChip declares a linear flow where every step runs sh with a script.
// Steps without a script write outputs/<step>.txt.
func newChip(t *testing.T, builddir string, steps []string, scripts map[string]string) *schema.Schema {
	t.Helper()
	s := schema.Default()
	require.NoError(t, s.Set("test", "design"))
	require.NoError(t, s.Set("lin", "option", "flow"))
	require.NoError(t, s.Set(builddir, "option", "builddir"))
	require.NoError(t, s.Set("sh", "tool", "sh", "exe"))
	for i, step := range steps {
		script, ok := scripts[step]
		if !ok {
			script = "echo " + step + " > outputs/" + step + ".txt"
		}
		require.NoError(t, s.Set("sh", "flowgraph", "lin", step, "0", "tool"))
		require.NoError(t, s.Set(step, "flowgraph", "lin", step, "0", "task"))
		require.NoError(t, s.Set(shOpt(script), "tool", "sh", "task", step, "option"))
		if i > 0 {
			require.NoError(t, s.Add([2]string{steps[i-1], "0"}, "flowgraph", "lin", step, "0", "input"))
		}
	}
	return s
}

// shOpt wraps a script as a single sh -c option entry.
func shOpt(script string) []string { return []string{"-c '" + script + "'"} }

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) NodeUpdate(u Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, u := range r.updates {
		if u.Status == StatusRunning {
			out = append(out, u.Node.String())
		}
	}
	return out
}

func run(t *testing.T, s *schema.Schema, obs Observer) (*Scheduler, error) {
	t.Helper()
	sch, err := New(s, Options{Observer: obs})
	require.NoError(t, err)
	return sch, sch.Run(context.Background())
}

func TestNextJobName(t *testing.T) {
	dir := t.TempDir()
	require.Equal(t, "job1", NextJobName(dir, "job0"))
	require.Equal(t, "test1", NextJobName(dir, "test"))
	require.Equal(t, "test1", NextJobName(dir, "test0"))
	require.Equal(t, "run10", NextJobName(dir, "run9"))

	// repeated calls agree until a directory appears
	require.Equal(t, NextJobName(dir, "job0"), NextJobName(dir, "job0"))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "job1"), 0o755))
	require.Equal(t, "job2", NextJobName(dir, "job0"))
}

func TestJobIncrementEndToEnd(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "floorplan"}, nil)
	require.NoError(t, s.Set(true, "option", "jobincr"))
	require.NoError(t, s.Set(true, "option", "clean"))

	_, err := run(t, s, nil)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(build, "test", "job0"))
	require.Equal(t, "job0", s.GetString("option", "jobname"))

	_, err = run(t, s, nil)
	require.NoError(t, err)
	require.DirExists(t, filepath.Join(build, "test", "job1"))
	require.Equal(t, "job1", s.GetString("option", "jobname"))

	_, err = run(t, s, nil)
	require.NoError(t, err)
	require.Equal(t, "job2", s.GetString("option", "jobname"))
}

func TestJobIncrementNeedsClean(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "floorplan"}, nil)
	require.NoError(t, s.Set(true, "option", "jobincr"))

	_, err := run(t, s, nil)
	require.NoError(t, err)
	_, err = run(t, s, nil)
	require.NoError(t, err)
	require.Equal(t, "job0", s.GetString("option", "jobname"))
	require.NoDirExists(t, filepath.Join(build, "test", "job1"))
}

func TestFailingNodeStopsRun(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "floorplan", "place"}, map[string]string{
		"floorplan": "echo placement blew up; exit 1",
	})

	sch, err := run(t, s, nil)
	require.Error(t, err)
	var nerr *NodeExecutionError
	require.True(t, errors.As(err, &nerr))
	require.Equal(t, node("floorplan"), nerr.Node)
	require.Equal(t, 1, nerr.ExitCode)
	require.FileExists(t, nerr.LogPath)
	require.Contains(t, err.Error(), "floorplan0")
	require.Contains(t, err.Error(), nerr.LogPath)

	logData, _ := os.ReadFile(nerr.LogPath)
	require.Contains(t, string(logData), "placement blew up")

	require.Equal(t, StatusDone, sch.Status(node("import")))
	require.Equal(t, StatusError, sch.Status(node("floorplan")))
	require.Equal(t, StatusPending, sch.Status(node("place")))
	require.NoFileExists(t, sch.Layout().ManifestPath(node("floorplan")))
	require.Equal(t, "error", s.GetString("record", "floorplan", "0", "status"))
	require.Equal(t, "pending", s.GetString("record", "place", "0", "status"))
}

func TestContinueOnError(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import"}, nil)
	for _, step := range []string{"lint", "syn"} {
		require.NoError(t, s.Set("sh", "flowgraph", "lin", step, "0", "tool"))
		require.NoError(t, s.Set(step, "flowgraph", "lin", step, "0", "task"))
		require.NoError(t, s.Add([2]string{"import", "0"}, "flowgraph", "lin", step, "0", "input"))
	}
	require.NoError(t, s.Set(shOpt("exit 2"), "tool", "sh", "task", "lint", "option"))
	require.NoError(t, s.Set(shOpt("echo ok > outputs/syn.txt"), "tool", "sh", "task", "syn", "option"))
	require.NoError(t, s.Set(true, "option", "continue"))
	require.NoError(t, s.Set(1, "option", "maxworkers"))

	sch, err := run(t, s, nil)
	require.Error(t, err)
	require.Equal(t, StatusError, sch.Status(node("lint")))
	require.Equal(t, StatusDone, sch.Status(node("syn")))
}

func TestSuccessRecordsJobIDAndMetrics(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "syn"}, map[string]string{
		"syn": `printf "{\"cells\": 42}" > reports/metrics.json; cp inputs/import.txt outputs/`,
	})

	sch, err := run(t, s, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.GetInt("record", "syn", "0", "jobid"))
	require.Equal(t, 42.0, s.GetFloat("metric", "syn", "0", "cells"))
	require.Equal(t, "done", s.GetString("record", "syn", "0", "status"))
	require.FileExists(t, filepath.Join(sch.Layout().Outputs(node("syn")), "import.txt"))
	require.FileExists(t, sch.Layout().ScriptPath(node("syn")))
	require.FileExists(t, sch.Layout().InputManifestPath(node("syn")))

	m, err := schema.ReadManifest(sch.Layout().ManifestPath(node("syn")))
	require.NoError(t, err)
	require.Equal(t, "done", m.GetString("record", "syn", "0", "status"))

	// a second run in the same job advances the counter
	_, err = run(t, s, nil)
	require.NoError(t, err)
	require.Equal(t, 2, s.GetInt("record", "syn", "0", "jobid"))
}

func TestBuiltinForwardsInputs(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "join", "syn"}, map[string]string{
		"syn": "cp inputs/import.txt outputs/seen.txt",
	})
	require.NoError(t, s.Set("builtin", "flowgraph", "lin", "join", "0", "tool"))

	sch, err := run(t, s, nil)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(sch.Layout().Outputs(node("syn")), "seen.txt"))
	require.NoFileExists(t, sch.Layout().LogPath(node("join")))
	require.FileExists(t, sch.Layout().ManifestPath(node("join")))
}

func modTimes(t *testing.T, l jobdir.Layout, nodes ...flowgraph.Node) map[string]int64 {
	t.Helper()
	out := map[string]int64{}
	for _, n := range nodes {
		dir := l.NodeDir(n)
		require.NoError(t, filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				out[path] = info.ModTime().UnixNano()
			}
			return nil
		}))
	}
	return out
}

func TestResumeFromKeepsUpstreamUntouched(t *testing.T) {
	build := t.TempDir()
	steps := []string{"import", "syn", "floorplan", "place"}
	s := newChip(t, build, steps, nil)

	sch, err := run(t, s, nil)
	require.NoError(t, err)
	before := modTimes(t, sch.Layout(), node("import"), node("syn"))
	require.NotEmpty(t, before)
	placeManifest := sch.Layout().ManifestPath(node("place"))

	require.NoError(t, s.Set(true, "option", "resume"))
	require.NoError(t, s.Set([]string{"floorplan"}, "option", "from"))
	rec := &recorder{}
	sch, err = run(t, s, rec)
	require.NoError(t, err)

	require.Equal(t, []string{"floorplan0", "place0"}, rec.ran())
	require.Equal(t, before, modTimes(t, sch.Layout(), node("import"), node("syn")))
	require.Equal(t, StatusSkipped, sch.Status(node("syn")))
	require.Equal(t, 2, s.GetInt("record", "floorplan", "0", "jobid"))
	require.Equal(t, 1, s.GetInt("record", "syn", "0", "jobid"))
	require.FileExists(t, placeManifest)
}

func TestResumeReusesCompletedNodes(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "syn", "floorplan"}, map[string]string{
		"floorplan": "exit 1",
	})
	_, err := run(t, s, nil)
	require.Error(t, err)

	require.NoError(t, s.Set(shOpt("echo fixed > outputs/floorplan.txt"), "tool", "sh", "task", "floorplan", "option"))
	require.NoError(t, s.Set(true, "option", "resume"))
	rec := &recorder{}
	sch, err := run(t, s, rec)
	require.NoError(t, err)
	require.Equal(t, []string{"floorplan0"}, rec.ran())
	require.Equal(t, StatusDone, sch.Status(node("import")))
	require.Equal(t, StatusDone, sch.Status(node("floorplan")))
}

func TestJobIncrementFromStepCopiesUpstream(t *testing.T) {
	build := t.TempDir()
	s := newChip(t, build, []string{"import", "syn", "floorplan"}, nil)
	require.NoError(t, s.Set(true, "option", "clean"))
	require.NoError(t, s.Set(true, "option", "jobincr"))

	first, err := run(t, s, nil)
	require.NoError(t, err)
	job0 := first.Layout()
	before := modTimes(t, job0, node("import"), node("syn"))

	require.NoError(t, s.Set([]string{"floorplan"}, "option", "from"))
	second, err := run(t, s, nil)
	require.NoError(t, err)
	job1 := second.Layout()
	require.Equal(t, "job1", job1.JobName)

	after := modTimes(t, job1, node("import"), node("syn"))
	require.Len(t, after, len(before))
	for path, mt := range before {
		rel, _ := filepath.Rel(job0.JobDir(), path)
		require.Equal(t, mt, after[filepath.Join(job1.JobDir(), rel)], rel)
	}
	require.FileExists(t, job1.ManifestPath(node("floorplan")))
	require.FileExists(t, job0.ManifestPath(node("floorplan")))
}

func TestUnknownFromStep(t *testing.T) {
	s := newChip(t, t.TempDir(), []string{"import", "syn"}, nil)
	require.NoError(t, s.Set([]string{"route"}, "option", "from"))
	_, err := run(t, s, nil)
	var gerr *flowgraph.GraphError
	require.True(t, errors.As(err, &gerr))
}
