// Package executor runs external commands with a timeout and bounded output
// capture. Pipeline stages depend on the Executor interface so tests can
// substitute a fake without spawning processes.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultOutputLimit caps each captured stream when Command.OutputLimit is zero.
const DefaultOutputLimit = 1 << 20

var (
	// ErrTimeout indicates the command exceeded Command.Timeout and was killed.
	ErrTimeout = errors.New("command timed out")

	// ErrExitStatus indicates the command ran and exited non-zero.
	ErrExitStatus = errors.New("command exited with non-zero status")
)

// Command describes one external invocation.
type Command struct {
	Name        string
	Args        []string
	Dir         string
	Env         map[string]string // appended to the current environment
	Timeout     time.Duration     // zero means bounded only by ctx
	OutputLimit int               // per stream; zero means DefaultOutputLimit
}

// String renders the command line for logs.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds the exit code and bounded output of a command.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// Executor runs commands.
type Executor interface {
	// Run executes cmd. A non-nil Result is returned whenever the process
	// started, even when err is non-nil. Non-zero exits wrap ErrExitStatus,
	// deadline overruns wrap ErrTimeout.
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// Split turns a configured command line such as "npm ci --no-audit" into a
// name and arguments. No shell is involved.
func Split(line string) (string, []string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, errors.New("empty command")
	}
	return fields[0], fields[1:], nil
}

// OSExecutor implements Executor with os/exec.
type OSExecutor struct{}

// New returns an executor backed by os/exec.
func New() *OSExecutor {
	return &OSExecutor{}
}

func (e *OSExecutor) Run(ctx context.Context, c Command) (*Result, error) {
	if c.Name == "" {
		return nil, errors.New("command name is empty")
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	limit := c.OutputLimit
	if limit <= 0 {
		limit = DefaultOutputLimit
	}
	stdout := newCappedBuffer(limit)
	stderr := newCappedBuffer(limit)

	cmd := exec.CommandContext(runCtx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()

	result := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  time.Since(start),
	}

	switch {
	case err == nil:
		return result, nil
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, c.Timeout, c)
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, fmt.Errorf("%s: %w", c, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%w %d: %s", ErrExitStatus, result.ExitCode, c)
	}
	result.ExitCode = -1
	return result, fmt.Errorf("failed to run %s: %w", c, err)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// cappedBuffer keeps the first limit bytes written and discards the rest
// without failing the writer, so a chatty process is never blocked.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *cappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

var _ Executor = (*OSExecutor)(nil)
