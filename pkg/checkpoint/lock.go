package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockNotHeld is returned when releasing or extending a lock this
// process does not currently hold (already expired or held by another
// token).
var ErrLockNotHeld = errors.New("checkpoint: lock not held")

// releaseScript only deletes the key if its value still matches the
// caller's token, so a lock cannot release another holder's lease after
// its own lease expired and someone else acquired it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// extendScript only refreshes the TTL if the token still matches.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// DistributedLock is a Redis-backed mutual exclusion lock scoped to a
// single key, identified by a random token so only the acquiring process
// can release or extend its own lease.
type DistributedLock struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration
}

// NewDistributedLock creates a lock handle for name. Acquire must be
// called before Release/Extend are meaningful.
func NewDistributedLock(client *redis.Client, name string, ttl time.Duration) *DistributedLock {
	return &DistributedLock{
		client: client,
		key:    keyPrefixLock + name,
		ttl:    ttl,
	}
}

// Acquire attempts to take the lock, returning false if another holder
// currently has it.
func (l *DistributedLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("checkpoint: lock acquire: %w", err)
	}
	if ok {
		l.token = token
	}
	return ok, nil
}

// Release drops the lock if this handle still owns it.
func (l *DistributedLock) Release(ctx context.Context) error {
	if l.token == "" {
		return ErrLockNotHeld
	}
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("checkpoint: lock release: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	l.token = ""
	return nil
}

// Extend refreshes the lock's TTL if this handle still owns it.
func (l *DistributedLock) Extend(ctx context.Context, ttl time.Duration) error {
	if l.token == "" {
		return ErrLockNotHeld
	}
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("checkpoint: lock extend: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// WithLock acquires the lock, runs fn, and releases the lock afterward. It
// returns false without running fn if the lock could not be acquired.
func WithLock(ctx context.Context, client *redis.Client, name string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	lock := NewDistributedLock(client, name, ttl)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	defer func() {
		_ = lock.Release(ctx)
	}()
	return true, fn(ctx)
}
