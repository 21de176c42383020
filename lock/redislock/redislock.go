// Package redislock implements es.Locker on Redis with SET NX PX and
// token-checked release.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	es "github.com/policyhub/eventsourcing"
)

// DefaultKeyPrefix namespaces lock keys in a shared Redis.
const DefaultKeyPrefix = "lock:"

var _ es.Locker = (*Locker)(nil)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// refreshScript extends the key only while it still holds our token.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Option configures a Locker.
type Option func(*Locker)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// Locker is a single-instance Redis lock. It does not wait for held keys.
type Locker struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	token  func() string
}

// NewLocker constructs a Locker using the provided Redis client.
func NewLocker(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
		token:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire implements es.Locker.
func (l *Locker) Acquire(ctx context.Context, key es.LockKey, ttl time.Duration) (*es.LockHandle, error) {
	if ttl <= 0 {
		ttl = es.DefaultLockTTL
	}
	token := l.token()
	started := l.now()

	ok, err := l.client.SetNX(ctx, l.key(key), token, ttl).Result()
	if err != nil {
		return nil, es.WrapStorageError("acquire lock", fmt.Errorf("redis set nx: %w", err))
	}
	if !ok {
		return nil, &es.LockConflictError{Key: key}
	}
	return &es.LockHandle{Key: key, Token: token, ExpiresAt: started.Add(ttl)}, nil
}

// Release implements es.Locker.
func (l *Locker) Release(ctx context.Context, handle *es.LockHandle) error {
	if handle == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, l.client, []string{l.key(handle.Key)}, handle.Token).Err(); err != nil {
		return es.WrapStorageError("release lock", fmt.Errorf("redis release: %w", err))
	}
	return nil
}

// Refresh implements es.Locker.
func (l *Locker) Refresh(ctx context.Context, handle *es.LockHandle, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = es.DefaultLockTTL
	}
	started := l.now()
	n, err := refreshScript.Run(ctx, l.client, []string{l.key(handle.Key)}, handle.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return es.WrapStorageError("refresh lock", fmt.Errorf("redis refresh: %w", err))
	}
	if n == 0 {
		return fmt.Errorf("refresh lock %q: %w", handle.Key, es.ErrLockLost)
	}
	handle.ExpiresAt = started.Add(ttl)
	return nil
}

func (l *Locker) key(key es.LockKey) string {
	return l.prefix + string(key)
}
