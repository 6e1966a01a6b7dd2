package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrLockBusy surfaces as a retryable conflict: another process is working
// on the same aggregate right now.
var ErrLockBusy = errors.New("resource is locked by another process")

// releaseScript deletes the lock only if the caller still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`

// Token proves ownership of an acquired lock.
type Token struct {
	Key   string
	Owner string
}

// Store is the subset of the go-redis client the locker needs.
type Store interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Locker is a TTL-based distributed lock. The TTL bounds how long a crashed
// holder can block others; holders must re-load aggregate state after
// acquiring because the lock says nothing about in-memory freshness.
type Locker struct {
	store  Store
	ttl    time.Duration
	logger *zap.Logger
}

func NewLocker(store Store, ttl time.Duration, logger *zap.Logger) *Locker {
	return &Locker{store: store, ttl: ttl, logger: logger}
}

func storageKey(resource string) string {
	return "lock:" + resource
}

func (l *Locker) Acquire(ctx context.Context, resource string) (*Token, error) {
	owner := uuid.NewString()
	acquired, err := l.store.SetNX(ctx, storageKey(resource), owner, l.ttl).Result()
	if err != nil {
		l.logger.Error("Lock store unavailable", zap.String("resource", resource), zap.Error(err))
		return nil, fmt.Errorf("failed to acquire lock for %s: %w", resource, err)
	}
	if !acquired {
		return nil, ErrLockBusy
	}
	return &Token{Key: storageKey(resource), Owner: owner}, nil
}

func (l *Locker) Release(ctx context.Context, token *Token) error {
	if token == nil {
		return nil
	}
	res, err := l.store.Eval(ctx, releaseScript, []string{token.Key}, token.Owner).Result()
	if err != nil {
		l.logger.Error("Failed to release lock", zap.String("key", token.Key), zap.Error(err))
		return fmt.Errorf("failed to release lock %s: %w", token.Key, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		// Lock expired and may have been taken over; nothing to release.
		l.logger.Warn("Lock was no longer held at release", zap.String("key", token.Key))
	}
	return nil
}
