// Package memory provides a process-local Locker with TTL semantics.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	es "github.com/policyhub/eventsourcing"
)

var _ es.Locker = (*Locker)(nil)

type lease struct {
	token     string
	expiresAt time.Time
}

// Locker keeps leases in a map. Expired leases are replaced lazily.
type Locker struct {
	mu     sync.Mutex
	leases map[es.LockKey]lease
	now    func() time.Time
}

// Option configures a Locker.
type Option func(*Locker)

// WithClock replaces time.Now, letting tests expire leases.
func WithClock(now func() time.Time) Option {
	return func(l *Locker) { l.now = now }
}

func NewLocker(opts ...Option) *Locker {
	l := &Locker{leases: make(map[es.LockKey]lease), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements es.Locker.
func (l *Locker) Acquire(ctx context.Context, key es.LockKey, ttl time.Duration) (*es.LockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = es.DefaultLockTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expiresAt) {
		return nil, &es.LockConflictError{Key: key}
	}
	held := lease{token: uuid.NewString(), expiresAt: now.Add(ttl)}
	l.leases[key] = held
	return &es.LockHandle{Key: key, Token: held.token, ExpiresAt: held.expiresAt}, nil
}

// Release implements es.Locker.
func (l *Locker) Release(_ context.Context, handle *es.LockHandle) error {
	if handle == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[handle.Key]; ok && cur.token == handle.Token {
		delete(l.leases, handle.Key)
	}
	return nil
}

// Refresh implements es.Locker.
func (l *Locker) Refresh(_ context.Context, handle *es.LockHandle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = es.DefaultLockTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cur, ok := l.leases[handle.Key]
	if !ok || cur.token != handle.Token || !now.Before(cur.expiresAt) {
		return fmt.Errorf("refresh lock %q: %w", handle.Key, es.ErrLockLost)
	}
	cur.expiresAt = now.Add(ttl)
	l.leases[handle.Key] = cur
	handle.ExpiresAt = cur.expiresAt
	return nil
}

// Held reports whether key has an unexpired lease.
func (l *Locker) Held(key es.LockKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.leases[key]
	return ok && l.now().Before(cur.expiresAt)
}
