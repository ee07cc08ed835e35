package payments

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"storefront/internal/domain"

	"github.com/redis/go-redis/v9"
)

// DefaultIdempotencyTTL is how long an initiated payment stays cached by key.
const DefaultIdempotencyTTL = time.Hour

// IdempotencyCache remembers initiated payments by idempotency key. It is a
// shortcut only; the store's unique keys are authoritative.
type IdempotencyCache interface {
	Get(ctx context.Context, key string) (domain.Payment, bool, error)
	Set(ctx context.Context, key string, p domain.Payment) error
}

func idempotencyKey(key string) string {
	return "payment:idempotency:" + key
}

// RedisIdempotencyCache stores payments as JSON with a TTL.
type RedisIdempotencyCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisIdempotencyCache constructs a Redis-backed cache.
func NewRedisIdempotencyCache(client redis.Cmdable, ttl time.Duration) *RedisIdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &RedisIdempotencyCache{client: client, ttl: ttl}
}

func (c *RedisIdempotencyCache) Get(ctx context.Context, key string) (domain.Payment, bool, error) {
	raw, err := c.client.Get(ctx, idempotencyKey(key)).Bytes()
	if err == redis.Nil {
		return domain.Payment{}, false, nil
	}
	if err != nil {
		return domain.Payment{}, false, err
	}
	var p domain.Payment
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Payment{}, false, err
	}
	return p, true, nil
}

func (c *RedisIdempotencyCache) Set(ctx context.Context, key string, p domain.Payment) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, idempotencyKey(key), raw, c.ttl).Err()
}

// MemoryIdempotencyCache is a process-local cache.
type MemoryIdempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cachedPayment
}

type cachedPayment struct {
	payment domain.Payment
	expires time.Time
}

// NewMemoryIdempotencyCache constructs an in-memory cache.
func NewMemoryIdempotencyCache(ttl time.Duration) *MemoryIdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	return &MemoryIdempotencyCache{ttl: ttl, now: time.Now, entries: make(map[string]cachedPayment)}
}

func (c *MemoryIdempotencyCache) Get(ctx context.Context, key string) (domain.Payment, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !c.now().Before(e.expires) {
		delete(c.entries, key)
		return domain.Payment{}, false, nil
	}
	return e.payment, true, nil
}

func (c *MemoryIdempotencyCache) Set(ctx context.Context, key string, p domain.Payment) error {
	c.mu.Lock()
	c.entries[key] = cachedPayment{payment: p, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}
