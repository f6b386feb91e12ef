package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/3cpo-dev/chipflow/internal/flowgraph"
	"github.com/3cpo-dev/chipflow/internal/schema"
	"github.com/3cpo-dev/chipflow/internal/workerpool"
)

const Builtin = "builtin"

var ErrNoExecutable = errors.New("tool has no executable")

// Invocation is everything a driver may consult to build a command.
type Invocation struct {
	Node   flowgraph.Node
	Tool   string
	Task   string
	Schema *schema.Schema
	Dir    string
}

// Driver turns a node's tool binding into a process command.
type Driver interface {
	Name() string
	// Builtin drivers run inline and launch no process.
	Builtin() bool
	Command(inv Invocation) (workerpool.Command, error)
}

type Registry struct {
	drivers  map[string]Driver
	fallback Driver
}

// NewRegistry returns a registry holding the builtin driver, with the
// generic exec driver serving every other tool.
func NewRegistry() *Registry {
	r := &Registry{drivers: map[string]Driver{}, fallback: execDriver{}}
	r.Register(builtinDriver{})
	return r
}

func (r *Registry) Register(d Driver) {
	r.drivers[d.Name()] = d
}

// Get returns the driver for a tool. An empty tool name is builtin.
func (r *Registry) Get(name string) Driver {
	if name == "" {
		name = Builtin
	}
	if d, ok := r.drivers[name]; ok {
		return d
	}
	return r.fallback
}

// Names lists the explicitly registered drivers.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

type builtinDriver struct{}

func (builtinDriver) Name() string  { return Builtin }
func (builtinDriver) Builtin() bool { return true }
func (builtinDriver) Command(inv Invocation) (workerpool.Command, error) {
	return workerpool.Command{}, fmt.Errorf("%s: builtin node runs no command", inv.Node)
}

// execDriver runs tool,<tool>,exe with the task's options and environment.
type execDriver struct{}

func (execDriver) Name() string  { return "exec" }
func (execDriver) Builtin() bool { return false }

func (execDriver) Command(inv Invocation) (workerpool.Command, error) {
	s := inv.Schema
	exe := s.GetString("tool", inv.Tool, "exe")
	if exe == "" {
		return workerpool.Command{}, fmt.Errorf("%s: %w: %s", inv.Node, ErrNoExecutable, inv.Tool)
	}
	cmd := workerpool.Command{Path: exe, Dir: inv.Dir}
	if inv.Task != "" {
		for _, opt := range s.GetStrings("tool", inv.Tool, "task", inv.Task, "option") {
			args, err := shlex.Split(opt)
			if err != nil {
				return workerpool.Command{}, fmt.Errorf("%s: parse option %q: %w", inv.Node, opt, err)
			}
			cmd.Args = append(cmd.Args, args...)
		}
		for _, kv := range s.GetPairs("tool", inv.Tool, "task", inv.Task, "env") {
			cmd.Env = append(cmd.Env, kv[0]+"="+kv[1])
		}
		if secs := s.GetFloat("tool", inv.Tool, "task", inv.Task, "timeout"); secs > 0 {
			cmd.Timeout = time.Duration(secs * float64(time.Second))
		}
	}
	return cmd, nil
}

// Script renders cmd as a standalone shell script for rerunning a node by hand.
func Script(cmd workerpool.Command) string {
	var b strings.Builder
	b.WriteString("#!/usr/bin/env bash\n")
	if cmd.Dir != "" {
		fmt.Fprintf(&b, "cd %s\n", quote(cmd.Dir))
	}
	for _, kv := range cmd.Env {
		name, value, _ := strings.Cut(kv, "=")
		fmt.Fprintf(&b, "export %s=%s\n", name, quote(value))
	}
	parts := []string{quote(cmd.Path)}
	for _, a := range cmd.Args {
		parts = append(parts, quote(a))
	}
	b.WriteString(strings.Join(parts, " "))
	b.WriteString(" \"$@\"\n")
	return b.String()
}

func quote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' || r == '=' || r == ':' || r == ',' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
