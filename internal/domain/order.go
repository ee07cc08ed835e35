package domain

import "time"

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderCompleted OrderStatus = "COMPLETED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderCompleted, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition out of s is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderFailed
}

// CanTransition reports whether from -> to is a legal order edge.
func CanTransition(from, to OrderStatus) bool {
	if from != OrderPending {
		return false
	}
	return to.Terminal()
}

// Order is a placed order with price-snapshotted items.
type Order struct {
	ID          int64       `json:"id" db:"id"`
	UserID      int64       `json:"userId" db:"user_id"`
	BasketID    int64       `json:"basketId" db:"basket_id"`
	Address     string      `json:"address" db:"address"`
	TotalAmount int64       `json:"totalAmount" db:"total_amount"`
	Status      OrderStatus `json:"status" db:"status"`
	CreatedAt   time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt   time.Time   `json:"updatedAt" db:"updated_at"`
	DeletedAt   *time.Time  `json:"deletedAt,omitempty" db:"deleted_at"`
	Items       []OrderItem `json:"items" db:"-"`
}

// OrderItem is an order line with the unit price captured at order time.
type OrderItem struct {
	ID        int64 `json:"id" db:"id"`
	OrderID   int64 `json:"orderId" db:"order_id"`
	ProductID int64 `json:"productId" db:"product_id"`
	Quantity  int   `json:"quantity" db:"quantity"`
	Price     int64 `json:"price" db:"price"`
}

// Subtotal returns price * quantity.
func (i OrderItem) Subtotal() int64 {
	return i.Price * int64(i.Quantity)
}

// ItemsTotal sums item subtotals.
func ItemsTotal(items []OrderItem) int64 {
	var total int64
	for _, item := range items {
		total += item.Subtotal()
	}
	return total
}
