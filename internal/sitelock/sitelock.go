// Package sitelock serializes work on a single site id. A held lock means a
// generation pipeline or a config snapshot write is in progress for the site.
package sitelock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned by TryLock when the key is already held.
var ErrLocked = errors.New("site is locked")

// Unlock releases a held lock. It is safe to call more than once.
type Unlock func()

// Locker provides per-key mutual exclusion.
type Locker interface {
	// TryLock acquires key without waiting, or returns ErrLocked.
	TryLock(ctx context.Context, key string) (Unlock, error)

	// Lock waits until key is acquired or ctx is done.
	Lock(ctx context.Context, key string) (Unlock, error)
}

// MemoryLocker is a process-local Locker.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]chan struct{})}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, ErrLocked
	}
	return l.acquireLocked(key), nil
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlock, error) {
	for {
		l.mu.Lock()
		released, ok := l.held[key]
		if !ok {
			unlock := l.acquireLocked(key)
			l.mu.Unlock()
			return unlock, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-released:
		}
	}
}

// acquireLocked must be called with l.mu held.
func (l *MemoryLocker) acquireLocked(key string) Unlock {
	ch := make(chan struct{})
	l.held[key] = ch

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
			close(ch)
		})
	}
}

var _ Locker = (*MemoryLocker)(nil)
