package domain

import (
	"context"
	"time"
)

// ProductRepository persists products. Reads never return soft-deleted rows.
type ProductRepository interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id int64) (Product, error)
	// GetForUpdate reads the product and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id int64) (Product, error)
	Update(ctx context.Context, p Product) error
	UpdateStock(ctx context.Context, id int64, stock int, status ProductStatus) error
	// Discontinue sets the discontinued flag and status. It is idempotent and
	// keeps the first discontinuation time.
	Discontinue(ctx context.Context, id int64, status ProductStatus) error
	SoftDelete(ctx context.Context, id int64) error
}

// MovementRepository is the append-only stock ledger.
type MovementRepository interface {
	Append(ctx context.Context, m *StockMovement) error
	ListByProduct(ctx context.Context, productID int64) ([]StockMovement, error)
}

// BasketRepository persists durable baskets and their finalized lines.
type BasketRepository interface {
	FindActiveByUser(ctx context.Context, userID int64) (Basket, error)
	Create(ctx context.Context, userID int64) (Basket, error)
	ReplaceItems(ctx context.Context, basketID int64, lines []CartLine) ([]BasketItem, error)
	SoftDelete(ctx context.Context, basketID int64) error
	RemoveProduct(ctx context.Context, productID int64) (int64, error)
}

// OrderRepository persists orders and their items.
type OrderRepository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id int64) (Order, error)
	FindByBasketID(ctx context.Context, basketID int64) (Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	// UpdateStatus moves an order from one status to another and fails with
	// ErrInvalidTransition when the stored status is no longer from.
	UpdateStatus(ctx context.Context, id int64, from, to OrderStatus) error
}

// PaymentRepository persists payments.
type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id int64) (Payment, error)
	FindByOrderID(ctx context.Context, orderID int64) (Payment, error)
	FindByIdempotencyKey(ctx context.Context, key string, userID int64) (Payment, error)
	FindByGatewayRef(ctx context.Context, ref string) (Payment, error)
	// UpdateStatus is conditional on the stored status being from.
	UpdateStatus(ctx context.Context, id int64, from, to PaymentStatus, reason string) error
}

// OutboxRepository stores payment events awaiting dispatch.
type OutboxRepository interface {
	Append(ctx context.Context, e *OutboxEvent) error
	ListPending(ctx context.Context, limit int) ([]OutboxEvent, error)
	ListByPayment(ctx context.Context, paymentID int64) ([]OutboxEvent, error)
	MarkDispatched(ctx context.Context, id int64, at time.Time) error
}

// Repositories groups the repositories that share one unit of work.
type Repositories interface {
	Products() ProductRepository
	Movements() MovementRepository
	Baskets() BasketRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Outbox() OutboxRepository
}

// Store is the relational source of truth. Repositories returned directly run
// each call on its own; WithinTx runs fn atomically and rolls back when fn
// returns an error.
type Store interface {
	Repositories
	WithinTx(ctx context.Context, fn func(tx Repositories) error) error
}
