package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes a named tick across processes. TryLock returns false
// when another process holds the name; locks self-expire so a crashed
// holder never wedges the tick.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, name string) error
}

// RedisLocker claims ticks with SET NX EX.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker wraps the given client.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func lockKey(name string) string {
	return "scheduler:lock:" + name
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.rdb.SetNX(ctx, lockKey(name), 1, ttl).Result()
}

func (l *RedisLocker) Unlock(ctx context.Context, name string) error {
	return l.rdb.Del(ctx, lockKey(name)).Err()
}

// MemoryLocker backs tests and single-process deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time
}

// NewMemoryLocker creates an empty lock table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time)}
}

func (l *MemoryLocker) TryLock(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if until, ok := l.locks[name]; ok && time.Now().Before(until) {
		return false, nil
	}
	l.locks[name] = time.Now().Add(ttl)
	return true, nil
}

func (l *MemoryLocker) Unlock(_ context.Context, name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, name)
	return nil
}
