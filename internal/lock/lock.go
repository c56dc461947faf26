// Package lock provides per-alert exclusive execution locks with try-lock
// semantics: a busy key fails immediately instead of waiting.
package lock

import (
	"context"
	"sync"

	"github.com/linnemanlabs/argus/internal/fault"
)

// ErrBusy is returned when the key is already held. It is an invalid_state
// fault so every surface reports contention as a conflict.
var ErrBusy error = &fault.Error{Kind: fault.KindInvalidState, Op: "lock", Msg: "analysis already running for this alert"}

// Unlock releases a held lock. Calling it more than once is a no-op.
type Unlock func(ctx context.Context) error

// Locker acquires exclusive locks by key.
type Locker interface {
	Acquire(ctx context.Context, key string) (Unlock, error)
}

// Local is an in-process Locker. It is sufficient for a single replica.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

// Acquire takes key or returns ErrBusy.
func (l *Local) Acquire(_ context.Context, key string) (Unlock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrBusy
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}

// Held reports whether key is currently held.
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}
