// Package basket manages a user's draft cart and the durable basket an order
// is placed from.
package basket

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/domain"
	"storefront/internal/lock"
	"storefront/internal/ratelimit"

	"go.uber.org/zap"
)

// Config limits how often a user may change their cart.
type Config struct {
	RateLimit  int
	RateWindow time.Duration
}

// DefaultConfig allows five mutations per minute.
func DefaultConfig() Config {
	return Config{RateLimit: 5, RateWindow: time.Minute}
}

// Service is the basket aggregate.
type Service struct {
	store    domain.Store
	locks   *lock.Manager
	cart    Cart
	limiter ratelimit.Limiter
	cfg     Config
	logger  *zap.Logger
}

// NewService constructs a basket Service. limiter may be nil to disable rate
// limiting.
func NewService(store domain.Store, locks *lock.Manager, cart Cart, limiter ratelimit.Limiter, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultConfig().RateWindow
	}
	return &Service{
		store:   store,
		locks:   locks,
		cart:    cart,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger,
	}
}

func (s *Service) allow(ctx context.Context, userID int64) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, "basket:"+strconv.FormatInt(userID, 10), s.cfg.RateLimit, s.cfg.RateWindow)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if !ok {
		return domain.ErrRateLimited
	}
	return nil
}

// checkProduct reads the store, not the product cache: a stale cached
// AVAILABLE must not let a sold-out product into the cart.
func (s *Service) checkProduct(ctx context.Context, productID int64, qty int) error {
	p, err := s.store.Products().Get(ctx, productID)
	if err != nil {
		return err
	}
	if p.Status != domain.ProductAvailable {
		return fmt.Errorf("%w: product %d is %s", domain.ErrProductUnavailable, productID, p.Status)
	}
	if p.Stock < qty {
		return fmt.Errorf("%w: product %d has %d", domain.ErrInsufficientStock, productID, p.Stock)
	}
	return nil
}

// mutate rate-limits the user and runs fn under the basket lock.
func (s *Service) mutate(ctx context.Context, userID int64, fn func(ctx context.Context) error) ([]domain.CartLine, error) {
	if err := s.allow(ctx, userID); err != nil {
		return nil, err
	}
	var lines []domain.CartLine
	err := s.locks.WithLock(ctx, lock.BasketKey(userID), func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		var err error
		lines, err = s.cart.Lines(ctx, userID)
		return err
	})
	return lines, err
}

// Add puts a new product line in the cart.
func (s *Service) Add(ctx context.Context, userID, productID int64, qty int) ([]domain.CartLine, error) {
	if qty < 1 {
		return nil, domain.ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, func(ctx context.Context) error {
		if _, ok, err := s.cart.Quantity(ctx, userID, productID); err != nil {
			return err
		} else if ok {
			return domain.ErrDuplicateItem
		}
		if err := s.checkProduct(ctx, productID, qty); err != nil {
			return err
		}
		return s.cart.Set(ctx, userID, productID, qty)
	})
}

// Update changes the quantity of an existing line.
func (s *Service) Update(ctx context.Context, userID, productID int64, qty int) ([]domain.CartLine, error) {
	if qty < 1 {
		return nil, domain.ErrInvalidQuantity
	}
	return s.mutate(ctx, userID, func(ctx context.Context) error {
		if _, ok, err := s.cart.Quantity(ctx, userID, productID); err != nil {
			return err
		} else if !ok {
			return domain.ErrItemNotFound
		}
		if err := s.checkProduct(ctx, productID, qty); err != nil {
			return err
		}
		return s.cart.Set(ctx, userID, productID, qty)
	})
}

// Remove drops a line. Unavailable products can always be removed.
func (s *Service) Remove(ctx context.Context, userID, productID int64) ([]domain.CartLine, error) {
	return s.mutate(ctx, userID, func(ctx context.Context) error {
		if _, ok, err := s.cart.Quantity(ctx, userID, productID); err != nil {
			return err
		} else if !ok {
			return domain.ErrItemNotFound
		}
		return s.cart.Remove(ctx, userID, productID)
	})
}

// Get returns the draft lines.
func (s *Service) Get(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	return s.cart.Lines(ctx, userID)
}

// Clear empties the draft cart.
func (s *Service) Clear(ctx context.Context, userID int64) error {
	return s.locks.WithLock(ctx, lock.BasketKey(userID), func(ctx context.Context) error {
		return s.cart.Clear(ctx, userID)
	})
}

// ActiveBasket returns the durable basket with its finalized lines.
func (s *Service) ActiveBasket(ctx context.Context, userID int64) (domain.Basket, error) {
	return s.store.Baskets().FindActiveByUser(ctx, userID)
}

// Finalize copies the cart into the durable basket. A basket that already
// produced an order is closed and replaced, so each checkout gets its own
// basket.
func (s *Service) Finalize(ctx context.Context, userID int64) (domain.Basket, error) {
	var out domain.Basket
	err := s.locks.WithLock(ctx, lock.BasketKey(userID), func(ctx context.Context) error {
		lines, err := s.cart.Lines(ctx, userID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return domain.ErrEmptyBasket
		}
		return s.store.WithinTx(ctx, func(tx domain.Repositories) error {
			b, err := openBasket(ctx, tx, userID)
			if err != nil {
				return err
			}
			items, err := tx.Baskets().ReplaceItems(ctx, b.ID, lines)
			if err != nil {
				return err
			}
			b.Items = items
			out = b
			return nil
		})
	})
	if err != nil {
		return domain.Basket{}, err
	}
	s.logger.Debug("basket finalized", zap.Int64("user_id", userID), zap.Int64("basket_id", out.ID), zap.Int("lines", len(out.Items)))
	return out, nil
}

func openBasket(ctx context.Context, tx domain.Repositories, userID int64) (domain.Basket, error) {
	b, err := tx.Baskets().FindActiveByUser(ctx, userID)
	if errors.Is(err, domain.ErrBasketNotFound) {
		return tx.Baskets().Create(ctx, userID)
	}
	if err != nil {
		return domain.Basket{}, err
	}
	_, err = tx.Orders().FindByBasketID(ctx, b.ID)
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return b, nil
	case err != nil:
		return domain.Basket{}, err
	}
	if err := tx.Baskets().SoftDelete(ctx, b.ID); err != nil {
		return domain.Basket{}, err
	}
	return tx.Baskets().Create(ctx, userID)
}

// PurgeProduct removes productID from every durable basket and every cart.
// It is safe to repeat.
func (s *Service) PurgeProduct(ctx context.Context, productID int64) error {
	baskets, err := s.store.Baskets().RemoveProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("purge product %d from baskets: %w", productID, err)
	}
	carts, err := s.cart.RemoveProduct(ctx, productID)
	if err != nil {
		return fmt.Errorf("purge product %d from carts: %w", productID, err)
	}
	if baskets > 0 || carts > 0 {
		s.logger.Info("product purged from baskets",
			zap.Int64("product_id", productID),
			zap.Int64("basket_items", baskets),
			zap.Int("carts", carts))
	}
	return nil
}
