package eventsourcing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingLocker struct {
	held       map[LockKey]string
	released   []LockKey
	releaseErr error
	ttl        time.Duration
}

func newRecordingLocker() *recordingLocker {
	return &recordingLocker{held: map[LockKey]string{}}
}

func (l *recordingLocker) Acquire(ctx context.Context, key LockKey, ttl time.Duration) (*LockHandle, error) {
	l.ttl = ttl
	if _, ok := l.held[key]; ok {
		return nil, &LockConflictError{Key: key}
	}
	l.held[key] = "token"
	return &LockHandle{Key: key, Token: "token", ExpiresAt: time.Now().Add(ttl)}, nil
}

func (l *recordingLocker) Release(ctx context.Context, h *LockHandle) error {
	l.releaseErr = ctx.Err()
	l.released = append(l.released, h.Key)
	delete(l.held, h.Key)
	return nil
}

func (l *recordingLocker) Refresh(ctx context.Context, h *LockHandle, ttl time.Duration) error {
	return nil
}

func TestWithLock_ReleasesOnEveryPath(t *testing.T) {
	key := LockKey("t1:Quote:q1")
	boom := errors.New("business rule")

	t.Run("success", func(t *testing.T) {
		l := newRecordingLocker()
		if err := WithLock(t.Context(), l, key, 0, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatal(err)
		}
		if len(l.released) != 1 || l.ttl != DefaultLockTTL {
			t.Fatalf("expected release with default ttl, got %v %v", l.released, l.ttl)
		}
	})

	t.Run("error", func(t *testing.T) {
		l := newRecordingLocker()
		err := WithLock(t.Context(), l, key, time.Second, func(ctx context.Context) error { return boom })
		if !errors.Is(err, boom) || len(l.released) != 1 {
			t.Fatalf("expected error and release, got %v %v", err, l.released)
		}
	})

	t.Run("panic", func(t *testing.T) {
		l := newRecordingLocker()
		func() {
			defer func() { _ = recover() }()
			_ = WithLock(t.Context(), l, key, time.Second, func(ctx context.Context) error { panic("boom") })
		}()
		if len(l.released) != 1 {
			t.Fatalf("expected release after panic")
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		l := newRecordingLocker()
		ctx, cancel := context.WithCancel(t.Context())
		_ = WithLock(ctx, l, key, time.Second, func(ctx context.Context) error {
			cancel()
			return ctx.Err()
		})
		if len(l.released) != 1 {
			t.Fatalf("expected release after cancellation")
		}
		if l.releaseErr != nil {
			t.Fatalf("release must run on a live context, got %v", l.releaseErr)
		}
	})
}

// leaseLocker counts refreshes and can have its lock taken away.
type leaseLocker struct {
	mu        sync.Mutex
	token     string
	refreshes int
	released  bool
}

func (l *leaseLocker) Acquire(ctx context.Context, key LockKey, ttl time.Duration) (*LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = "mine"
	return &LockHandle{Key: key, Token: l.token, ExpiresAt: time.Now().Add(ttl)}, nil
}

func (l *leaseLocker) Release(ctx context.Context, h *LockHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

func (l *leaseLocker) Refresh(ctx context.Context, h *LockHandle, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != h.Token {
		return ErrLockLost
	}
	l.refreshes++
	h.ExpiresAt = time.Now().Add(ttl)
	return nil
}

func (l *leaseLocker) steal() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.token = "someone-else"
}

func (l *leaseLocker) refreshCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}

func TestWithLock_RefreshesWhileRunning(t *testing.T) {
	l := &leaseLocker{}
	key := LockKey("t1:Quote:q1")

	err := WithLock(t.Context(), l, key, 30*time.Millisecond, func(ctx context.Context) error {
		deadline := time.Now().Add(2 * time.Second)
		for l.refreshCount() < 2 {
			if time.Now().After(deadline) {
				return errors.New("lease was not refreshed")
			}
			time.Sleep(5 * time.Millisecond)
		}
		return ctx.Err()
	})
	if err != nil {
		t.Fatal(err)
	}

	after := l.refreshCount()
	time.Sleep(50 * time.Millisecond)
	if l.refreshCount() != after {
		t.Fatal("refreshing must stop once the lock is released")
	}
	if !l.released {
		t.Fatal("expected release")
	}
}

func TestWithLock_LostLeaseCancelsWork(t *testing.T) {
	l := &leaseLocker{}
	key := LockKey("t1:Quote:q1")

	var cause error
	err := WithLock(t.Context(), l, key, 30*time.Millisecond, func(ctx context.Context) error {
		l.steal()
		select {
		case <-ctx.Done():
			cause = context.Cause(ctx)
			return ctx.Err()
		case <-time.After(2 * time.Second):
			return errors.New("work was not cancelled")
		}
	})
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if !errors.Is(cause, ErrLockLost) {
		t.Fatalf("expected ErrLockLost as the cancellation cause, got %v", cause)
	}
	if !l.released {
		t.Fatal("expected release")
	}
}

func TestWithLock_HeldFailsFast(t *testing.T) {
	l := newRecordingLocker()
	key := LockKey("t1:Quote:q1")
	l.held[key] = "other"

	called := false
	err := WithLock(t.Context(), l, key, time.Second, func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrConcurrencyConflict) || called {
		t.Fatalf("expected conflict without running fn, got %v called=%v", err, called)
	}
	if len(l.released) != 0 {
		t.Fatalf("a lock that was never acquired must not be released")
	}
}

func TestStreamID_Keys(t *testing.T) {
	s := StreamID{TenantID: "acme", AggregateType: Policy, AggregateID: "p-9"}
	if s.LockKey() != "acme:Policy:p-9" {
		t.Fatalf("unexpected lock key %q", s.LockKey())
	}
	if s.String() != "acme-Policy-p-9" {
		t.Fatalf("unexpected stream name %q", s.String())
	}
}
