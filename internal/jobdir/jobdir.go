package jobdir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
)

const (
	InputsDir  = "inputs"
	OutputsDir = "outputs"
	ReportsDir = "reports"

	// CollectedDir holds input files gathered for a remote run, relative
	// to the job directory.
	CollectedDir = "collected"
)

// Layout maps a job and its nodes onto the build directory:
// <builddir>/<design>/<jobname>/<step>/<index>/{inputs,outputs,reports}.
type Layout struct {
	BuildDir string
	Design   string
	JobName  string
}

// DesignDir holds every job of the design.
func (l Layout) DesignDir() string { return filepath.Join(l.BuildDir, l.Design) }

func (l Layout) JobDir() string { return filepath.Join(l.BuildDir, l.Design, l.JobName) }

// WithJob returns the layout of a sibling job.
func (l Layout) WithJob(name string) Layout {
	l.JobName = name
	return l
}

// Collected returns the job relative and absolute paths of a collected file.
func (l Layout) Collected(name string) (rel, abs string) {
	rel = filepath.ToSlash(filepath.Join(CollectedDir, name))
	return rel, filepath.Join(l.JobDir(), CollectedDir, name)
}

func (l Layout) NodeDir(n flowgraph.Node) string {
	return filepath.Join(l.JobDir(), n.Step, n.Index)
}

func (l Layout) Inputs(n flowgraph.Node) string  { return filepath.Join(l.NodeDir(n), InputsDir) }
func (l Layout) Outputs(n flowgraph.Node) string { return filepath.Join(l.NodeDir(n), OutputsDir) }
func (l Layout) Reports(n flowgraph.Node) string { return filepath.Join(l.NodeDir(n), ReportsDir) }

// ManifestPath is the completion manifest of a node.
func (l Layout) ManifestPath(n flowgraph.Node) string {
	return filepath.Join(l.Outputs(n), l.Design+".pkg.json")
}

// InputManifestPath is the snapshot handed to the tool before it runs.
func (l Layout) InputManifestPath(n flowgraph.Node) string {
	return filepath.Join(l.Inputs(n), l.Design+".pkg.json")
}

func (l Layout) LogPath(n flowgraph.Node) string {
	return filepath.Join(l.NodeDir(n), n.Step+".log")
}

// ScriptPath is the per-node rerun script.
func (l Layout) ScriptPath(n flowgraph.Node) string {
	return filepath.Join(l.NodeDir(n), "run.sh")
}

// MetricsPath is where tools report metrics as a flat JSON object.
func (l Layout) MetricsPath(n flowgraph.Node) string {
	return filepath.Join(l.Reports(n), "metrics.json")
}

// Prepare replaces the node directory with an empty one.
func (l Layout) Prepare(n flowgraph.Node) error {
	dir := l.NodeDir(n)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove node dir: %w", err)
	}
	for _, sub := range []string{InputsDir, OutputsDir, ReportsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create node dir: %w", err)
		}
	}
	return nil
}

// ReadMetrics returns the metrics a tool reported, or nil when it reported none.
func (l Layout) ReadMetrics(n flowgraph.Node) (map[string]float64, error) {
	data, err := os.ReadFile(l.MetricsPath(n))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	var m map[string]float64
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse metrics %s: %w", l.MetricsPath(n), err)
	}
	return m, nil
}

// Exists reports whether path exists.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HashFile returns the hex SHA-256 digest of a file.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CopyTree copies src into dst, keeping file modes and modification times.
// Existing files in dst are overwritten.
func CopyTree(src, dst string) error {
	type dirTime struct {
		path string
		info fs.FileInfo
	}
	var dirs []dirTime
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if err := os.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return err
			}
			dirs = append(dirs, dirTime{target, info})
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Symlink(link, target); err != nil {
				return err
			}
			return nil
		default:
			if err := CopyFile(path, target); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// directory times last, children have been written by now
	for i := len(dirs) - 1; i >= 0; i-- {
		_ = os.Chtimes(dirs[i].path, dirs[i].info.ModTime(), dirs[i].info.ModTime())
	}
	return nil
}

// CopyFile copies one regular file, keeping its mode and modification time.
func CopyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
