// Package stock owns product stock. Every change runs under the product's
// inventory lock and writes the new stock, the recomputed status and a ledger
// movement in one transaction.
package stock

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/lock"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Ledger applies stock movements and serves product reads.
type Ledger struct {
	store     domain.Store
	locks     *lock.Manager
	cache     Cache
	publisher events.Publisher
	logger    *zap.Logger
	fill      singleflight.Group
}

// NewLedger constructs a Ledger. cache and publisher may be nil.
func NewLedger(store domain.Store, locks *lock.Manager, cache Cache, publisher events.Publisher, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:     store,
		locks:     locks,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
	}
}

// NewProduct describes a product to create.
type NewProduct struct {
	Name     string
	Category string
	Price    int64
	Discount int64
	Stock    int
}

// ProductUpdate changes catalog fields. Nil fields are left as they are.
type ProductUpdate struct {
	Name     *string
	Category *string
	Price    *int64
	Discount *int64
}

// AuditReport compares a product's stock with its movement history.
type AuditReport struct {
	ProductID  int64 `json:"productId"`
	Initial    int   `json:"initial"`
	Movements  int   `json:"movements"`
	Stock      int   `json:"stock"`
	Consistent bool  `json:"consistent"`
}

func validate(name string, price, discount int64, stock int) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name required", domain.ErrInvalidProduct)
	case price < 0:
		return fmt.Errorf("%w: negative price", domain.ErrInvalidProduct)
	case discount < 0 || discount > domain.MaxDiscount:
		return fmt.Errorf("%w: discount out of range", domain.ErrInvalidProduct)
	case stock < 0:
		return fmt.Errorf("%w: negative stock", domain.ErrInvalidProduct)
	}
	return nil
}

// CreateProduct inserts a product and records its initial stock.
func (l *Ledger) CreateProduct(ctx context.Context, in NewProduct) (domain.Product, error) {
	if err := validate(in.Name, in.Price, in.Discount, in.Stock); err != nil {
		return domain.Product{}, err
	}
	p := domain.Product{
		Name:     in.Name,
		Category: in.Category,
		Price:    in.Price,
		Discount: in.Discount,
		Stock:    in.Stock,
		Status:   domain.StatusForStock(false, in.Stock),
	}
	err := l.store.WithinTx(ctx, func(tx domain.Repositories) error {
		if err := tx.Products().Create(ctx, &p); err != nil {
			return err
		}
		if p.Stock > 0 {
			return tx.Movements().Append(ctx, &domain.StockMovement{
				ProductID: p.ID,
				Change:    p.Stock,
				Reason:    domain.ReasonInitialStock,
			})
		}
		return nil
	})
	if err != nil {
		return domain.Product{}, fmt.Errorf("create product: %w", err)
	}
	l.NotifyChanged(ctx, p)
	return p, nil
}

// Reserve takes qty units for an order.
func (l *Ledger) Reserve(ctx context.Context, productID int64, qty int) (domain.Product, error) {
	if qty < 1 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}
	return l.apply(ctx, productID, -qty, domain.ReasonOrderPlaced, "")
}

// Release returns qty units from a cancelled or failed order.
func (l *Ledger) Release(ctx context.Context, productID int64, qty int) (domain.Product, error) {
	if qty < 1 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}
	return l.apply(ctx, productID, qty, domain.ReasonOrderCancelled, "")
}

// Adjust applies a signed manual correction. reason is stored on the movement.
func (l *Ledger) Adjust(ctx context.Context, productID int64, delta int, reason string) (domain.Product, error) {
	if delta == 0 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}
	if strings.TrimSpace(reason) == "" {
		return domain.Product{}, domain.ErrRestockReasonRequired
	}
	return l.apply(ctx, productID, delta, domain.ReasonStockAdjustment, reason)
}

// Restock adds qty units. A note explaining the delivery is required.
func (l *Ledger) Restock(ctx context.Context, productID int64, qty int, note string) (domain.Product, error) {
	if qty < 1 {
		return domain.Product{}, domain.ErrInvalidQuantity
	}
	if strings.TrimSpace(note) == "" {
		return domain.Product{}, domain.ErrRestockReasonRequired
	}
	return l.apply(ctx, productID, qty, domain.ReasonStockAdjustment, note)
}

func (l *Ledger) apply(ctx context.Context, productID int64, delta int, reason domain.MovementReason, note string) (domain.Product, error) {
	var updated domain.Product
	err := l.locks.WithLock(ctx, lock.InventoryKey(productID), func(ctx context.Context) error {
		return l.store.WithinTx(ctx, func(tx domain.Repositories) error {
			p, err := l.ApplyTx(ctx, tx, productID, delta, reason, note)
			if err != nil {
				return err
			}
			updated = p
			return nil
		})
	})
	if err != nil {
		return domain.Product{}, err
	}
	l.NotifyChanged(ctx, updated)
	return updated, nil
}

// ApplyTx changes stock inside tx. The caller must hold the product's
// inventory lock and call NotifyChanged after commit.
func (l *Ledger) ApplyTx(ctx context.Context, tx domain.Repositories, productID int64, delta int, reason domain.MovementReason, note string) (domain.Product, error) {
	p, err := tx.Products().GetForUpdate(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	stock := p.Stock + delta
	if stock < 0 {
		return domain.Product{}, fmt.Errorf("%w: product %d has %d, need %d", domain.ErrInsufficientStock, productID, p.Stock, -delta)
	}
	status := domain.StatusForStock(p.Discontinued(), stock)
	if err := tx.Products().UpdateStock(ctx, productID, stock, status); err != nil {
		return domain.Product{}, err
	}
	if err := tx.Movements().Append(ctx, &domain.StockMovement{
		ProductID: productID,
		Change:    delta,
		Reason:    reason,
		Note:      note,
	}); err != nil {
		return domain.Product{}, err
	}
	p.Stock = stock
	p.Status = status
	return p, nil
}

// NotifyChanged drops the cached product and announces its stock. Both are
// best effort.
func (l *Ledger) NotifyChanged(ctx context.Context, p domain.Product) {
	l.invalidate(ctx, p.ID)
	if l.publisher == nil {
		return
	}
	err := events.Publish(ctx, l.publisher, events.TopicProductStockChanged, strconv.FormatInt(p.ID, 10), events.ProductStockChanged{
		ProductID: p.ID,
		NewStock:  p.Stock,
		Status:    string(p.Status),
	})
	if err != nil {
		l.logger.Warn("publish stock change failed", zap.Int64("product_id", p.ID), zap.Error(err))
	}
}

func (l *Ledger) invalidate(ctx context.Context, id int64) {
	if l.cache == nil {
		return
	}
	if err := l.cache.Invalidate(ctx, id); err != nil {
		l.logger.Warn("product cache invalidate failed", zap.Int64("product_id", id), zap.Error(err))
	}
}

// UpdateProduct changes catalog fields under the inventory lock.
func (l *Ledger) UpdateProduct(ctx context.Context, id int64, in ProductUpdate) (domain.Product, error) {
	var updated domain.Product
	err := l.locks.WithLock(ctx, lock.InventoryKey(id), func(ctx context.Context) error {
		return l.store.WithinTx(ctx, func(tx domain.Repositories) error {
			p, err := tx.Products().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if in.Name != nil {
				p.Name = *in.Name
			}
			if in.Category != nil {
				p.Category = *in.Category
			}
			if in.Price != nil {
				p.Price = *in.Price
			}
			if in.Discount != nil {
				p.Discount = *in.Discount
			}
			if err := validate(p.Name, p.Price, p.Discount, p.Stock); err != nil {
				return err
			}
			if err := tx.Products().Update(ctx, p); err != nil {
				return err
			}
			updated = p
			return nil
		})
	})
	if err != nil {
		return domain.Product{}, err
	}
	l.invalidate(ctx, id)
	return updated, nil
}

// Discontinue stops a product from being sold. A product without stock stays
// OUT_OF_STOCK, and returning stock later makes it DISCONTINUED rather than
// AVAILABLE.
func (l *Ledger) Discontinue(ctx context.Context, id int64) (domain.Product, error) {
	var updated domain.Product
	err := l.locks.WithLock(ctx, lock.InventoryKey(id), func(ctx context.Context) error {
		return l.store.WithinTx(ctx, func(tx domain.Repositories) error {
			p, err := tx.Products().GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			p.Status = domain.StatusForStock(true, p.Stock)
			if err := tx.Products().Discontinue(ctx, id, p.Status); err != nil {
				return err
			}
			updated, err = tx.Products().Get(ctx, id)
			return err
		})
	})
	if err != nil {
		return domain.Product{}, err
	}
	l.NotifyChanged(ctx, updated)
	return updated, nil
}

// DeleteProduct tombstones a product. It is announced with zero stock so
// baskets drop it.
func (l *Ledger) DeleteProduct(ctx context.Context, id int64) error {
	err := l.locks.WithLock(ctx, lock.InventoryKey(id), func(ctx context.Context) error {
		return l.store.Products().SoftDelete(ctx, id)
	})
	if err != nil {
		return err
	}
	l.NotifyChanged(ctx, domain.Product{ID: id, Stock: 0, Status: domain.ProductOutOfStock})
	return nil
}

// GetProduct reads through the cache. Concurrent misses for one product share
// a single store read.
func (l *Ledger) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if l.cache != nil {
		p, ok, err := l.cache.Get(ctx, id)
		if err != nil {
			l.logger.Warn("product cache read failed", zap.Int64("product_id", id), zap.Error(err))
		} else if ok {
			return p, nil
		}
	}

	v, err, _ := l.fill.Do(cacheKey(id), func() (interface{}, error) {
		p, err := l.store.Products().Get(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		if l.cache != nil {
			if err := l.cache.Set(ctx, p); err != nil {
				l.logger.Warn("product cache fill failed", zap.Int64("product_id", id), zap.Error(err))
			}
		}
		return p, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// Movements lists a product's ledger in insertion order.
func (l *Ledger) Movements(ctx context.Context, productID int64) ([]domain.StockMovement, error) {
	return l.store.Movements().ListByProduct(ctx, productID)
}

// Audit checks that stock equals initial stock plus every later movement.
func (l *Ledger) Audit(ctx context.Context, productID int64) (AuditReport, error) {
	p, err := l.store.Products().Get(ctx, productID)
	if err != nil {
		return AuditReport{}, err
	}
	moves, err := l.store.Movements().ListByProduct(ctx, productID)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{ProductID: productID, Stock: p.Stock}
	for _, m := range moves {
		if m.Reason == domain.ReasonInitialStock {
			report.Initial += m.Change
			continue
		}
		report.Movements += m.Change
	}
	report.Consistent = report.Initial+report.Movements == report.Stock
	return report, nil
}
