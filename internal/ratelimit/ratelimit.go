// Package ratelimit implements fixed-window request budgets keyed by caller.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter reports whether another request fits the budget for key.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// KeyPrefix namespaces limiter counters.
const KeyPrefix = "ratelimit:"

// RedisClient is the subset of go-redis used by RedisLimiter.
type RedisClient interface {
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisLimiter counts with INCR and starts the window with EXPIRE NX in the
// same MULTI, so a counter never outlives its window without a TTL.
type RedisLimiter struct {
	client RedisClient
}

// NewRedisLimiter constructs a Redis-backed limiter.
func NewRedisLimiter(client RedisClient) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	redisKey := KeyPrefix + key
	var incr *redis.IntCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.ExpireNX(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return false, err
	}
	return incr.Val() <= int64(limit), nil
}

// MemoryLimiter is a process-local fixed-window limiter.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

// NewMemoryLimiter constructs an in-memory limiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{now: time.Now, windows: make(map[string]*window)}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, limit int, win time.Duration) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		l.windows[key] = w
	}
	w.count++
	return w.count <= limit, nil
}
