package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultLockTTL bounds how long a crashed writer can block an aggregate.
const DefaultLockTTL = 30 * time.Second

// LockKey identifies a lock, formatted as {tenantId}:{aggregateType}:{aggregateId}.
type LockKey string

// LockHandle is proof of ownership of a lock key until ExpiresAt.
type LockHandle struct {
	Key       LockKey
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the lease has run out at t.
func (h *LockHandle) Expired(t time.Time) bool {
	return !t.Before(h.ExpiresAt)
}

// Locker grants exclusive, time-bounded ownership of lock keys across processes.
type Locker interface {
	// Acquire takes the lock in a single round trip and never waits.
	// It returns a LockConflictError (ErrConcurrencyConflict) when the key is held.
	Acquire(ctx context.Context, key LockKey, ttl time.Duration) (*LockHandle, error)

	// Release frees the lock if the handle still owns it. Releasing an expired
	// or stolen handle is a no-op.
	Release(ctx context.Context, handle *LockHandle) error

	// Refresh extends the lease of a handle that still owns its key, and
	// returns ErrLockLost otherwise.
	Refresh(ctx context.Context, handle *LockHandle, ttl time.Duration) error
}

// releaseTimeout bounds the detached release performed by WithLock.
var releaseTimeout = 5 * time.Second

// WithLock runs fn while holding key and releases the lock on every exit path,
// including panics and cancellation of ctx.
//
// The lease is refreshed every third of ttl while fn runs. If it is lost, the
// context passed to fn is cancelled with ErrLockLost as its cause and WithLock
// returns an error matching ErrLockLost.
//
// A ttl of 0 means DefaultLockTTL.
func WithLock(ctx context.Context, locker Locker, key LockKey, ttl time.Duration, fn func(ctx context.Context) error) (err error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	handle, err := locker.Acquire(ctx, key, ttl)
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", key, err)
	}

	lctx, cancel := context.WithCancelCause(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		keepAlive(lctx, locker, handle, ttl, cancel)
	}()

	defer func() {
		cancel(nil)
		<-stopped
		// ctx may already be cancelled; release on a detached context.
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer rcancel()
		_ = locker.Release(rctx, handle)
	}()

	err = fn(lctx)
	if cause := context.Cause(lctx); errors.Is(cause, ErrLockLost) {
		return errors.Join(fmt.Errorf("lock %q: %w", key, cause), err)
	}
	return err
}

// keepAlive refreshes the lease until ctx is done. Transient refresh failures
// are retried on the next tick; a lost lease cancels ctx.
func keepAlive(ctx context.Context, locker Locker, handle *LockHandle, ttl time.Duration, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(max(ttl/3, time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := locker.Refresh(ctx, handle, ttl); errors.Is(err, ErrLockLost) {
				cancel(err)
				return
			}
		}
	}
}
