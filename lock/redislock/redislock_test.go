package redislock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	red "github.com/redis/go-redis/v9"

	es "github.com/policyhub/eventsourcing"
)

const quoteKey = es.LockKey("t1:Quote:q1")

func newTestRedis(t *testing.T) (*red.Client, *miniredis.Miniredis) {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	client := red.NewClient(&red.Options{Addr: server.Addr()})

	t.Cleanup(func() {
		_ = client.Close()
		server.Close()
	})

	return client, server
}

func TestLocker_AcquireSetsKeyWithTTL(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client)

	handle, err := locker.Acquire(t.Context(), quoteKey, 10*time.Second)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}
	if handle.Key != quoteKey || handle.Token == "" {
		t.Fatalf("unexpected handle %+v", handle)
	}

	got, err := server.Get("lock:t1:Quote:q1")
	if err != nil {
		t.Fatalf("lock key not written: %v", err)
	}
	if got != handle.Token {
		t.Fatalf("expected token %q, got %q", handle.Token, got)
	}
	if ttl := server.TTL("lock:t1:Quote:q1"); ttl <= 0 || ttl > 10*time.Second {
		t.Fatalf("expected ttl within (0, 10s], got %v", ttl)
	}
}

func TestLocker_DefaultTTL(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client)

	if _, err := locker.Acquire(t.Context(), quoteKey, 0); err != nil {
		t.Fatal(err)
	}
	if ttl := server.TTL("lock:t1:Quote:q1"); ttl != es.DefaultLockTTL {
		t.Fatalf("expected default ttl, got %v", ttl)
	}
}

func TestLocker_SecondAcquireFailsFast(t *testing.T) {
	client, _ := newTestRedis(t)
	locker := NewLocker(client)

	if _, err := locker.Acquire(t.Context(), quoteKey, time.Minute); err != nil {
		t.Fatal(err)
	}

	_, err := locker.Acquire(t.Context(), quoteKey, time.Minute)
	if !errors.Is(err, es.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	var conflict *es.LockConflictError
	if !errors.As(err, &conflict) || conflict.Key != quoteKey {
		t.Fatalf("expected LockConflictError for %q, got %v", quoteKey, err)
	}
}

func TestLocker_ReleaseThenReacquire(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client)

	handle, err := locker.Acquire(t.Context(), quoteKey, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if err := locker.Release(t.Context(), handle); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	if server.Exists("lock:t1:Quote:q1") {
		t.Fatalf("expected key to be deleted")
	}
	if _, err := locker.Acquire(t.Context(), quoteKey, time.Minute); err != nil {
		t.Fatalf("expected reacquire to succeed, got %v", err)
	}
}

func TestLocker_ExpiredLockCanBeTaken(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client)

	stale, err := locker.Acquire(t.Context(), quoteKey, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	server.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(t.Context(), quoteKey, time.Minute)
	if err != nil {
		t.Fatalf("expected acquire after expiry, got %v", err)
	}

	// the stale owner must not free the new owner's lock
	if err := locker.Release(t.Context(), stale); err != nil {
		t.Fatalf("Release returned error: %v", err)
	}
	got, err := server.Get("lock:t1:Quote:q1")
	if err != nil || got != fresh.Token {
		t.Fatalf("stale release removed the new lock: %q, %v", got, err)
	}

	if err := locker.Refresh(t.Context(), stale, time.Minute); !errors.Is(err, es.ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestLocker_Refresh(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client)

	handle, err := locker.Acquire(t.Context(), quoteKey, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	before := handle.ExpiresAt

	if err := locker.Refresh(t.Context(), handle, time.Minute); err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if ttl := server.TTL("lock:t1:Quote:q1"); ttl <= time.Second {
		t.Fatalf("expected ttl to be extended, got %v", ttl)
	}
	if !handle.ExpiresAt.After(before) {
		t.Fatalf("expected handle expiry to move forward")
	}
}

func TestLocker_KeyPrefix(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client, WithKeyPrefix("policyhub:lock:"))

	if _, err := locker.Acquire(t.Context(), quoteKey, time.Minute); err != nil {
		t.Fatal(err)
	}
	if !server.Exists("policyhub:lock:t1:Quote:q1") {
		t.Fatalf("expected prefixed key, have %v", server.Keys())
	}
}

func TestLocker_BackendDown(t *testing.T) {
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	addr := server.Addr()
	server.Close()

	client := red.NewClient(&red.Options{Addr: addr, MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	locker := NewLocker(client)

	_, err = locker.Acquire(t.Context(), quoteKey, time.Minute)
	if !errors.Is(err, es.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

func TestLocker_MutualExclusion(t *testing.T) {
	client, _ := newTestRedis(t)
	locker := NewLocker(client)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := locker.Acquire(context.Background(), quoteKey, time.Minute); err == nil {
				mu.Lock()
				owners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if owners != 1 {
		t.Fatalf("expected exactly one owner, got %d", owners)
	}
}

func TestWithLock_OverRedis(t *testing.T) {
	client, server := newTestRedis(t)
	locker := NewLocker(client)

	err := es.WithLock(t.Context(), locker, quoteKey, 0, func(ctx context.Context) error {
		if !server.Exists("lock:t1:Quote:q1") {
			t.Fatalf("lock not held inside WithLock")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if server.Exists("lock:t1:Quote:q1") {
		t.Fatalf("lock not released after WithLock")
	}
}
