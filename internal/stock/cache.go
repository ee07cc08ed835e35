package stock

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"storefront/internal/domain"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how stale a cached product may be.
const DefaultCacheTTL = 300 * time.Second

// Cache is an advisory product cache. It is never consulted for reservations.
type Cache interface {
	Get(ctx context.Context, id int64) (domain.Product, bool, error)
	Set(ctx context.Context, p domain.Product) error
	Invalidate(ctx context.Context, id int64) error
}

func cacheKey(id int64) string {
	return "product:" + strconv.FormatInt(id, 10)
}

// RedisCache stores products as JSON under product:{id}.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache constructs a Redis-backed cache.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, id int64) (domain.Product, bool, error) {
	raw, err := c.client.Get(ctx, cacheKey(id)).Bytes()
	if err == redis.Nil {
		return domain.Product{}, false, nil
	}
	if err != nil {
		return domain.Product{}, false, err
	}
	var p domain.Product
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.Product{}, false, err
	}
	return p, true, nil
}

func (c *RedisCache) Set(ctx context.Context, p domain.Product) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(p.ID), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, id int64) error {
	return c.client.Del(ctx, cacheKey(id)).Err()
}

// MemoryCache is a process-local cache with per-entry expiry.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]memoryEntry
}

type memoryEntry struct {
	product domain.Product
	expires time.Time
}

// NewMemoryCache constructs an in-memory cache.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[int64]memoryEntry)}
}

func (c *MemoryCache) Get(ctx context.Context, id int64) (domain.Product, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !c.now().Before(e.expires) {
		delete(c.entries, id)
		return domain.Product{}, false, nil
	}
	return e.product, true, nil
}

func (c *MemoryCache) Set(ctx context.Context, p domain.Product) error {
	c.mu.Lock()
	c.entries[p.ID] = memoryEntry{product: p, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context, id int64) error {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
	return nil
}
