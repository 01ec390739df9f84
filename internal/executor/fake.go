package executor

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scriptable Executor for tests. Handlers are matched by command
// name; unmatched commands succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, cmd Command) (*Result, error)
	calls    []Command
}

// NewFake creates an empty fake executor.
func NewFake() *Fake {
	return &Fake{handlers: make(map[string]func(context.Context, Command) (*Result, error))}
}

// On registers fn for every invocation of the named program.
func (f *Fake) On(name string, fn func(ctx context.Context, cmd Command) (*Result, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[name] = fn
}

// Fail makes the named program exit with code and stderr.
func (f *Fake) Fail(name string, code int, stderr string) {
	f.On(name, func(_ context.Context, cmd Command) (*Result, error) {
		return &Result{ExitCode: code, Stderr: stderr}, fmt.Errorf("%w %d: %s", ErrExitStatus, code, cmd)
	})
}

// Calls returns a copy of every command run so far.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Command, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *Fake) Run(ctx context.Context, cmd Command) (*Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	fn := f.handlers[cmd.Name]
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn == nil {
		return &Result{}, nil
	}
	return fn(ctx, cmd)
}

var _ Executor = (*Fake)(nil)
