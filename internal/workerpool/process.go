package workerpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// Command is one external tool invocation.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
	// Echo additionally receives the tool output.
	Echo io.Writer
}

// ProcessResult is what the scheduler learns about a finished process.
type ProcessResult struct {
	ExitCode int
	Elapsed  time.Duration
	TimedOut bool
}

func (r ProcessResult) Success() bool { return r.ExitCode == 0 }

// RunProcess runs c as a separate OS process with stdout and stderr sent to
// logPath. Start failures and timeouts are written to the log and reported
// as exit code -1; the error return is reserved for log file failures.
func RunProcess(ctx context.Context, c Command, logPath string) (ProcessResult, error) {
	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return ProcessResult{ExitCode: -1}, fmt.Errorf("open log: %w", err)
	}
	defer logf.Close()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	var out io.Writer = logf
	if c.Echo != nil {
		out = io.MultiWriter(logf, c.Echo)
	}
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err = cmd.Run()
	res := ProcessResult{Elapsed: time.Since(start)}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.TimedOut = true
		fmt.Fprintf(logf, "\n%s timed out after %s\n", c.Path, c.Timeout)
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		fmt.Fprintf(logf, "\nfailed to run %s: %v\n", c.Path, err)
	}
	return res, nil
}
