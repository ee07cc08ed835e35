package basket

import (
	"context"
	"testing"
	"time"

	"storefront/internal/domain"
	"storefront/internal/lock"
	"storefront/internal/ratelimit"
	"storefront/internal/stock"
	"storefront/internal/store/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	store  *memory.Store
	ledger *stock.Ledger
	cart   Cart
}

func newFixture(t *testing.T, cart Cart, cfg Config) fixture {
	t.Helper()
	store := memory.New()
	locks := lock.NewManager(lock.NewMemoryLocker(), lock.Config{TTL: time.Second, RetryCount: 50, RetryDelay: time.Millisecond}, nil)
	ledger := stock.NewLedger(store, locks, nil, nil, nil)
	return fixture{
		svc:    NewService(store, locks, cart, ratelimit.NewMemoryLimiter(), cfg, nil),
		store:  store,
		ledger: ledger,
		cart:   cart,
	}
}

func (f fixture) product(t *testing.T, stockQty int) domain.Product {
	t.Helper()
	p, err := f.ledger.CreateProduct(context.Background(), stock.NewProduct{Name: "item", Price: 1000, Stock: stockQty})
	require.NoError(t, err)
	return p
}

func unlimited() Config {
	return Config{RateLimit: 0, RateWindow: time.Minute}
}

func TestAdd_ValidatesProductAndDuplicates(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), unlimited())
	ctx := context.Background()
	p := f.product(t, 3)
	empty := f.product(t, 0)

	lines, err := f.svc.Add(ctx, 1, p.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: p.ID, Quantity: 2}}, lines)

	_, err = f.svc.Add(ctx, 1, p.ID, 1)
	assert.ErrorIs(t, err, domain.ErrDuplicateItem)

	_, err = f.svc.Add(ctx, 1, empty.ID, 1)
	assert.ErrorIs(t, err, domain.ErrProductUnavailable)

	_, err = f.svc.Add(ctx, 2, p.ID, 4)
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)

	_, err = f.svc.Add(ctx, 1, 999, 1)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = f.svc.Add(ctx, 1, p.ID, 0)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)
}

func TestAdd_IgnoresStaleProductCache(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), unlimited())
	ctx := context.Background()
	p := f.product(t, 3)

	locks := lock.NewManager(lock.NewMemoryLocker(), lock.Config{TTL: time.Second, RetryCount: 50, RetryDelay: time.Millisecond}, nil)
	cached := stock.NewLedger(f.store, locks, stock.NewMemoryCache(time.Minute), nil, nil)
	_, err := cached.GetProduct(ctx, p.ID)
	require.NoError(t, err)

	// Written behind the cache's back, so the cached copy stays AVAILABLE.
	require.NoError(t, f.store.Products().UpdateStock(ctx, p.ID, 0, domain.ProductOutOfStock))
	stale, err := cached.GetProduct(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, domain.ProductAvailable, stale.Status)

	_, err = f.svc.Add(ctx, 1, p.ID, 1)
	assert.ErrorIs(t, err, domain.ErrProductUnavailable)
}

func TestUpdateAndRemove(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), unlimited())
	ctx := context.Background()
	p := f.product(t, 5)

	_, err := f.svc.Update(ctx, 1, p.ID, 2)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
	_, err = f.svc.Remove(ctx, 1, p.ID)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)

	_, err = f.svc.Add(ctx, 1, p.ID, 1)
	require.NoError(t, err)
	lines, err := f.svc.Update(ctx, 1, p.ID, 4)
	require.NoError(t, err)
	assert.Equal(t, 4, lines[0].Quantity)

	lines, err = f.svc.Remove(ctx, 1, p.ID)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestMutations_RateLimited(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), Config{RateLimit: 2, RateWindow: time.Minute})
	ctx := context.Background()
	p := f.product(t, 5)

	_, err := f.svc.Add(ctx, 1, p.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.Update(ctx, 1, p.ID, 2)
	require.NoError(t, err)
	_, err = f.svc.Remove(ctx, 1, p.ID)
	assert.ErrorIs(t, err, domain.ErrRateLimited)

	_, err = f.svc.Add(ctx, 2, p.ID, 1)
	assert.NoError(t, err, "budget is per user")
}

func TestFinalize(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), unlimited())
	ctx := context.Background()
	a := f.product(t, 5)
	b := f.product(t, 5)

	_, err := f.svc.Finalize(ctx, 1)
	require.ErrorIs(t, err, domain.ErrEmptyBasket)

	_, err = f.svc.Add(ctx, 1, a.ID, 1)
	require.NoError(t, err)
	first, err := f.svc.Finalize(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	_, err = f.svc.Add(ctx, 1, b.ID, 2)
	require.NoError(t, err)
	again, err := f.svc.Finalize(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "unordered basket is reused")
	require.Len(t, again.Items, 2)

	active, err := f.svc.ActiveBasket(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, active.Items, 2)
}

func TestFinalize_ReplacesOrderedBasket(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), unlimited())
	ctx := context.Background()
	p := f.product(t, 5)

	_, err := f.svc.Add(ctx, 1, p.ID, 1)
	require.NoError(t, err)
	first, err := f.svc.Finalize(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, f.store.Orders().Create(ctx, &domain.Order{UserID: 1, BasketID: first.ID, Status: domain.OrderPending}))

	second, err := f.svc.Finalize(ctx, 1)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	active, err := f.svc.ActiveBasket(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestPurgeProduct(t *testing.T) {
	f := newFixture(t, NewMemoryCart(), unlimited())
	ctx := context.Background()
	a := f.product(t, 5)
	b := f.product(t, 5)

	for _, uid := range []int64{1, 2} {
		_, err := f.svc.Add(ctx, uid, a.ID, 1)
		require.NoError(t, err)
		_, err = f.svc.Add(ctx, uid, b.ID, 1)
		require.NoError(t, err)
		_, err = f.svc.Finalize(ctx, uid)
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.PurgeProduct(ctx, a.ID))
	require.NoError(t, f.svc.PurgeProduct(ctx, a.ID))

	for _, uid := range []int64{1, 2} {
		lines, err := f.svc.Get(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, []domain.CartLine{{ProductID: b.ID, Quantity: 1}}, lines)

		active, err := f.svc.ActiveBasket(ctx, uid)
		require.NoError(t, err)
		require.Len(t, active.Items, 1)
		assert.Equal(t, b.ID, active.Items[0].ProductID)
	}
}

func TestRedisCart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cart := NewRedisCart(client)
	ctx := context.Background()

	require.NoError(t, cart.Set(ctx, 1, 10, 2))
	require.NoError(t, cart.Set(ctx, 1, 11, 1))
	require.NoError(t, cart.Set(ctx, 2, 10, 5))

	lines, err := cart.Lines(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []domain.CartLine{{ProductID: 10, Quantity: 2}, {ProductID: 11, Quantity: 1}}, lines)

	qty, ok, err := cart.Quantity(ctx, 2, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, qty)

	removed, err := cart.RemoveProduct(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.False(t, mr.Exists("cart:product:10"))

	_, ok, err = cart.Quantity(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cart.Clear(ctx, 1))
	assert.False(t, mr.Exists("cart:1"))
	members, _ := client.SMembers(ctx, "cart:product:11").Result()
	assert.Empty(t, members)
}
