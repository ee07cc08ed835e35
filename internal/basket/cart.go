package basket

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"storefront/internal/domain"

	"github.com/redis/go-redis/v9"
)

// Cart holds the draft lines of every user's basket.
type Cart interface {
	Lines(ctx context.Context, userID int64) ([]domain.CartLine, error)
	Quantity(ctx context.Context, userID, productID int64) (int, bool, error)
	Set(ctx context.Context, userID, productID int64, qty int) error
	Remove(ctx context.Context, userID, productID int64) error
	Clear(ctx context.Context, userID int64) error
	// RemoveProduct drops productID from every cart and returns how many
	// carts held it.
	RemoveProduct(ctx context.Context, productID int64) (int, error)
}

func cartKey(userID int64) string {
	return "cart:" + strconv.FormatInt(userID, 10)
}

func productIndexKey(productID int64) string {
	return "cart:product:" + strconv.FormatInt(productID, 10)
}

func sortLines(lines []domain.CartLine) {
	sort.Slice(lines, func(i, j int) bool { return lines[i].ProductID < lines[j].ProductID })
}

// RedisCart keeps each cart in a hash of productId -> quantity and a reverse
// set per product listing the users holding it.
type RedisCart struct {
	client redis.Cmdable
}

// NewRedisCart constructs a Redis-backed cart.
func NewRedisCart(client redis.Cmdable) *RedisCart {
	return &RedisCart{client: client}
}

func (c *RedisCart) Lines(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	raw, err := c.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	lines := make([]domain.CartLine, 0, len(raw))
	for field, value := range raw {
		pid, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.Atoi(value)
		if err != nil {
			continue
		}
		lines = append(lines, domain.CartLine{ProductID: pid, Quantity: qty})
	}
	sortLines(lines)
	return lines, nil
}

func (c *RedisCart) Quantity(ctx context.Context, userID, productID int64) (int, bool, error) {
	qty, err := c.client.HGet(ctx, cartKey(userID), strconv.FormatInt(productID, 10)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return qty, true, nil
}

func (c *RedisCart) Set(ctx context.Context, userID, productID int64, qty int) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, cartKey(userID), strconv.FormatInt(productID, 10), qty)
		pipe.SAdd(ctx, productIndexKey(productID), userID)
		return nil
	})
	return err
}

func (c *RedisCart) Remove(ctx context.Context, userID, productID int64) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, cartKey(userID), strconv.FormatInt(productID, 10))
		pipe.SRem(ctx, productIndexKey(productID), userID)
		return nil
	})
	return err
}

func (c *RedisCart) Clear(ctx context.Context, userID int64) error {
	fields, err := c.client.HKeys(ctx, cartKey(userID)).Result()
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, field := range fields {
			pid, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				continue
			}
			pipe.SRem(ctx, productIndexKey(pid), userID)
		}
		pipe.Del(ctx, cartKey(userID))
		return nil
	})
	return err
}

func (c *RedisCart) RemoveProduct(ctx context.Context, productID int64) (int, error) {
	members, err := c.client.SMembers(ctx, productIndexKey(productID)).Result()
	if err != nil {
		return 0, err
	}
	field := strconv.FormatInt(productID, 10)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, member := range members {
			uid, err := strconv.ParseInt(member, 10, 64)
			if err != nil {
				continue
			}
			pipe.HDel(ctx, cartKey(uid), field)
		}
		pipe.Del(ctx, productIndexKey(productID))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// MemoryCart is a process-local Cart.
type MemoryCart struct {
	mu    sync.Mutex
	carts map[int64]map[int64]int
}

// NewMemoryCart constructs an empty in-memory cart store.
func NewMemoryCart() *MemoryCart {
	return &MemoryCart{carts: make(map[int64]map[int64]int)}
}

func (c *MemoryCart) Lines(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := make([]domain.CartLine, 0, len(c.carts[userID]))
	for pid, qty := range c.carts[userID] {
		lines = append(lines, domain.CartLine{ProductID: pid, Quantity: qty})
	}
	sortLines(lines)
	return lines, nil
}

func (c *MemoryCart) Quantity(ctx context.Context, userID, productID int64) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qty, ok := c.carts[userID][productID]
	return qty, ok, nil
}

func (c *MemoryCart) Set(ctx context.Context, userID, productID int64, qty int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.carts[userID] == nil {
		c.carts[userID] = make(map[int64]int)
	}
	c.carts[userID][productID] = qty
	return nil
}

func (c *MemoryCart) Remove(ctx context.Context, userID, productID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carts[userID], productID)
	return nil
}

func (c *MemoryCart) Clear(ctx context.Context, userID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.carts, userID)
	return nil
}

func (c *MemoryCart) RemoveProduct(ctx context.Context, productID int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for _, lines := range c.carts {
		if _, ok := lines[productID]; ok {
			delete(lines, productID)
			removed++
		}
	}
	return removed, nil
}
