// Package runner executes shell command lines under a hard timeout.
//
// Commands run through the host interpreter with no sanitization; callers are
// expected to have obtained human approval first.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultTimeout applies when Run is called with a non-positive timeout.
const DefaultTimeout = 30 * time.Second

// DefaultMaxOutputBytes caps each captured stream.
const DefaultMaxOutputBytes = 1 << 20

var (
	// ErrExecution marks a command that could not be run to completion.
	ErrExecution = errors.New("execution error")
	// ErrTimeout marks a command killed because its timeout elapsed.
	ErrTimeout = errors.New("execution timeout")
)

// TimeoutError is returned when a command exceeds its timeout.
// It matches both ErrTimeout and ErrExecution.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Command timed out after %d seconds", int(e.Timeout.Round(time.Second).Seconds()))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout || target == ErrExecution
}

// Result holds the captured outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Runner runs command lines through a shell.
type Runner struct {
	// Shell is the interpreter and its flag, e.g. ["/bin/sh", "-c"].
	Shell []string
	// Dir is the working directory; empty means the current directory.
	Dir string
	// MaxOutputBytes caps stdout and stderr individually.
	MaxOutputBytes int
	// WaitDelay bounds how long Run waits for output pipes after the process is killed.
	WaitDelay time.Duration
}

// New returns a Runner with default settings.
func New() *Runner {
	return &Runner{}
}

// Run executes command and waits for it to finish or for timeout to elapse.
// A non-zero exit status is not an error: it is reported in Result.ExitCode.
// On timeout the whole process group is killed and a *TimeoutError is returned
// along with whatever output was captured.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	shell := r.Shell
	if len(shell) == 0 {
		shell = defaultShell
	}
	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	waitDelay := r.WaitDelay
	if waitDelay <= 0 {
		waitDelay = 2 * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, shell[1:]...), command)
	cmd := exec.CommandContext(runCtx, shell[0], args...)
	cmd.Dir = r.Dir
	configureCommandProcess(cmd)
	cmd.Cancel = func() error { return terminateCommandProcess(cmd) }
	cmd.WaitDelay = waitDelay

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.ExitCode = -1
		return res, &TimeoutError{Timeout: timeout}
	}
	if err != nil && ctx.Err() != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %w", ErrExecution, ctx.Err())
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		return res, fmt.Errorf("%w: %w", ErrExecution, err)
	}
	return res, nil
}

// cappedBuffer keeps at most limit bytes and silently drops the rest so a
// chatty command cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
