package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout applies when a request carries no timeout
	DefaultTimeout = 30 * time.Second

	// MaxTimeout caps any requested timeout
	MaxTimeout = 10 * time.Minute

	// TailBytes is how much trailing output a failed command reports
	TailBytes = 2000

	// MaxOutputBytes caps the combined output kept in memory
	MaxOutputBytes = 1 << 20

	waitDelay = 2 * time.Second
)

// ExecRequest describes one shell command
type ExecRequest struct {
	Command string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// ExecResult is the outcome of a command that ran to exit
type ExecResult struct {
	Output    []byte
	Truncated bool
	ExitCode  int
	Duration  time.Duration
}

// Tail returns the last TailBytes of output
func (r ExecResult) Tail() string {
	if len(r.Output) <= TailBytes {
		return string(r.Output)
	}
	return string(r.Output[len(r.Output)-TailBytes:])
}

// HostSandbox runs shell commands on the host, confined to a working directory
// and a minimal environment. The whole process group is killed on timeout or
// cancellation.
type HostSandbox struct {
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewHostSandbox creates a host sandbox. Zero durations take the package defaults.
func NewHostSandbox(defaultTimeout, maxTimeout time.Duration) (*HostSandbox, error) {
	if defaultTimeout < 0 || maxTimeout < 0 {
		return nil, ErrInvalidTimeout
	}
	if defaultTimeout == 0 {
		defaultTimeout = DefaultTimeout
	}
	if maxTimeout == 0 {
		maxTimeout = MaxTimeout
	}
	if defaultTimeout > maxTimeout {
		defaultTimeout = maxTimeout
	}
	return &HostSandbox{defaultTimeout: defaultTimeout, maxTimeout: maxTimeout}, nil
}

// EffectiveTimeout applies the default and the cap to a requested timeout
func (h *HostSandbox) EffectiveTimeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return h.defaultTimeout
	}
	if requested > h.maxTimeout {
		return h.maxTimeout
	}
	return requested
}

// Exec runs req.Command with /bin/sh -c. Every chunk written to stdout or stderr
// is passed to onOutput as it arrives; onOutput is never called concurrently.
// A non-zero exit is reported through ExecResult.ExitCode, not as an error.
func (h *HostSandbox) Exec(ctx context.Context, req ExecRequest, onOutput func([]byte)) (ExecResult, error) {
	if req.Timeout < 0 {
		return ExecResult{}, ErrInvalidTimeout
	}
	timeout := h.EffectiveTimeout(req.Timeout)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "/bin/sh", "-c", req.Command)
	cmd.Dir = req.Dir
	cmd.Env = buildEnvironment(req.Dir, req.Env)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = waitDelay

	out := &streamWriter{onChunk: onOutput, limit: MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	result := ExecResult{
		Output:    out.bytes(),
		Truncated: out.truncated(),
		ExitCode:  -1,
		Duration:  duration,
	}

	if ctx.Err() != nil {
		return result, ErrExecutionAborted
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w after %s", ErrExecutionTimeout, timeout)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("failed to run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	} else {
		result.ExitCode = 0
	}

	log.Debug().
		Str("dir", req.Dir).
		Int("exit_code", result.ExitCode).
		Dur("duration", duration).
		Int("output_bytes", len(result.Output)).
		Msg("Command executed in sandbox")

	return result, nil
}

// buildEnvironment builds the environment variables for the command
func buildEnvironment(home string, env map[string]string) []string {
	if home == "" {
		home = "/tmp"
	}
	result := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"LANG=C.UTF-8",
	}

	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result = append(result, fmt.Sprintf("%s=%s", key, env[key]))
	}

	return result
}

// streamWriter forwards chunks to a callback and keeps a bounded copy
type streamWriter struct {
	mu      sync.Mutex
	onChunk func([]byte)
	buf     []byte
	limit   int
	dropped bool
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.onChunk != nil && len(p) > 0 {
		chunk := make([]byte, len(p))
		copy(chunk, p)
		w.onChunk(chunk)
	}

	w.buf = append(w.buf, p...)
	if len(w.buf) > w.limit {
		// keep the tail, it carries the error output
		w.buf = append([]byte(nil), w.buf[len(w.buf)-w.limit:]...)
		w.dropped = true
	}
	return len(p), nil
}

func (w *streamWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.buf...)
}

func (w *streamWriter) truncated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}
