package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/chipflow/internal/schema"
)

// Project is the YAML form of a build configuration.
type Project struct {
	Design    string                  `yaml:"design"`
	Flow      string                  `yaml:"flow"`
	Options   map[string]any          `yaml:"options"`
	Inputs    map[string][]string     `yaml:"inputs"`
	Tools     map[string]ToolConfig   `yaml:"tools"`
	Flowgraph map[string][]NodeConfig `yaml:"flowgraph"`
}

type ToolConfig struct {
	Exe   string                `yaml:"exe"`
	Tasks map[string]TaskConfig `yaml:"tasks"`
}

type TaskConfig struct {
	Option  []string          `yaml:"option"`
	Env     map[string]string `yaml:"env"`
	Timeout float64           `yaml:"timeout"`
}

// NodeConfig declares one flowgraph node. Inputs name predecessors as
// "step" (index 0) or "step:index".
type NodeConfig struct {
	Step   string   `yaml:"step"`
	Index  string   `yaml:"index"`
	Tool   string   `yaml:"tool"`
	Task   string   `yaml:"task"`
	Inputs []string `yaml:"inputs"`
}

// DefaultProjectPath resolves $XDG_CONFIG_HOME/chipflow/project.yaml or
// ~/.config/chipflow/project.yaml.
func DefaultProjectPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chipflow", "project.yaml")
}

// LoadProject reads a YAML project into a fresh Schema. Relative input
// files and builddir resolve against the project file's directory.
func LoadProject(path string) (*schema.Schema, error) {
	if path == "" {
		path = DefaultProjectPath()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open project: %w", err)
	}
	var p Project
	if err := yaml.Unmarshal(content, &p); err != nil {
		return nil, fmt.Errorf("parse project: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	s, err := p.Schema(filepath.Dir(abs))
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", path, err)
	}
	return s, nil
}

// Schema converts the project into configuration keys. dir anchors
// relative paths.
func (p Project) Schema(dir string) (*schema.Schema, error) {
	s := schema.Default()
	if p.Design == "" {
		return nil, fmt.Errorf("design is required")
	}
	if err := s.Set(p.Design, "design"); err != nil {
		return nil, err
	}
	if p.Flow != "" {
		if err := s.Set(p.Flow, "option", "flow"); err != nil {
			return nil, err
		}
	}
	if err := s.Set(filepath.Join(dir, "build"), "option", "builddir"); err != nil {
		return nil, err
	}
	for _, key := range sortedKeys(p.Options) {
		v := p.Options[key]
		if key == "builddir" || key == "credentials" {
			v = anchor(dir, v)
		}
		if err := s.Set(v, "option", key); err != nil {
			return nil, fmt.Errorf("option %s: %w", key, err)
		}
	}
	for _, set := range sortedKeys(p.Inputs) {
		files := make([]string, len(p.Inputs[set]))
		for i, f := range p.Inputs[set] {
			files[i] = anchor(dir, f).(string)
		}
		if err := s.Set(files, "input", set); err != nil {
			return nil, fmt.Errorf("input %s: %w", set, err)
		}
	}
	for _, name := range sortedKeys(p.Tools) {
		if err := p.Tools[name].apply(s, name); err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
	}
	for _, flow := range sortedKeys(p.Flowgraph) {
		for _, n := range p.Flowgraph[flow] {
			if err := n.apply(s, flow); err != nil {
				return nil, fmt.Errorf("flowgraph %s: %w", flow, err)
			}
		}
	}
	return s, nil
}

func (t ToolConfig) apply(s *schema.Schema, name string) error {
	if t.Exe != "" {
		if err := s.Set(t.Exe, "tool", name, "exe"); err != nil {
			return err
		}
	}
	for _, task := range sortedKeys(t.Tasks) {
		cfg := t.Tasks[task]
		if len(cfg.Option) > 0 {
			if err := s.Set(cfg.Option, "tool", name, "task", task, "option"); err != nil {
				return err
			}
		}
		for _, k := range sortedKeys(cfg.Env) {
			if err := s.Add([2]string{k, cfg.Env[k]}, "tool", name, "task", task, "env"); err != nil {
				return err
			}
		}
		if cfg.Timeout > 0 {
			if err := s.Set(cfg.Timeout, "tool", name, "task", task, "timeout"); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n NodeConfig) apply(s *schema.Schema, flow string) error {
	if n.Step == "" || n.Tool == "" {
		return fmt.Errorf("node needs step and tool")
	}
	index := n.Index
	if index == "" {
		index = "0"
	}
	task := n.Task
	if task == "" {
		task = n.Step
	}
	if err := s.Set(n.Tool, "flowgraph", flow, n.Step, index, "tool"); err != nil {
		return err
	}
	if err := s.Set(task, "flowgraph", flow, n.Step, index, "task"); err != nil {
		return err
	}
	for _, in := range n.Inputs {
		step, idx, ok := strings.Cut(in, ":")
		if !ok {
			idx = "0"
		}
		if err := s.Add([2]string{step, idx}, "flowgraph", flow, n.Step, index, "input"); err != nil {
			return err
		}
	}
	return nil
}

func anchor(dir string, v any) any {
	switch p := v.(type) {
	case string:
		if p != "" && !filepath.IsAbs(p) {
			return filepath.Join(dir, p)
		}
	case []any:
		out := make([]any, len(p))
		for i, e := range p {
			out[i] = anchor(dir, e)
		}
		return out
	}
	return v
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
