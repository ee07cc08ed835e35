package domain

import "time"

// ProductStatus is the sellable state of a product.
type ProductStatus string

const (
	ProductAvailable    ProductStatus = "AVAILABLE"
	ProductOutOfStock   ProductStatus = "OUT_OF_STOCK"
	ProductDiscontinued ProductStatus = "DISCONTINUED"
)

// Valid reports whether s is a known product status.
func (s ProductStatus) Valid() bool {
	switch s {
	case ProductAvailable, ProductOutOfStock, ProductDiscontinued:
		return true
	}
	return false
}

// MovementReason classifies a stock movement.
type MovementReason string

const (
	ReasonInitialStock    MovementReason = "INITIAL_STOCK"
	ReasonOrderPlaced     MovementReason = "ORDER_PLACED"
	ReasonOrderCancelled  MovementReason = "ORDER_CANCELLED"
	ReasonStockAdjustment MovementReason = "STOCK_ADJUSTMENT"
)

// Valid reports whether r is a known movement reason.
func (r MovementReason) Valid() bool {
	switch r {
	case ReasonInitialStock, ReasonOrderPlaced, ReasonOrderCancelled, ReasonStockAdjustment:
		return true
	}
	return false
}

// MaxDiscount is a 100% discount expressed in basis points.
const MaxDiscount = 10000

// Product is a sellable item. Price is in minor currency units and Discount in
// basis points. DiscontinuedAt is kept apart from Status so it survives the
// product running out of stock.
type Product struct {
	ID             int64         `json:"id" db:"id"`
	Name           string        `json:"name" db:"name"`
	Category       string        `json:"category" db:"category"`
	Price          int64         `json:"price" db:"price"`
	Discount       int64         `json:"discount" db:"discount"`
	Stock          int           `json:"stock" db:"stock"`
	Status         ProductStatus `json:"status" db:"status"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
	DeletedAt      *time.Time    `json:"deletedAt,omitempty" db:"deleted_at"`
	DiscontinuedAt *time.Time    `json:"discontinuedAt,omitempty" db:"discontinued_at"`
}

// Discontinued reports whether the product was withdrawn from sale.
func (p Product) Discontinued() bool {
	return p.DiscontinuedAt != nil
}

// FinalPrice is the per-unit price after discount, floored to a minor unit.
func (p Product) FinalPrice() int64 {
	discount := p.Discount
	if discount < 0 {
		discount = 0
	}
	if discount > MaxDiscount {
		discount = MaxDiscount
	}
	return p.Price * (MaxDiscount - discount) / MaxDiscount
}

// StatusForStock returns the status a product must carry for the given stock.
// OUT_OF_STOCK holds exactly when stock <= 0.
func StatusForStock(discontinued bool, stock int) ProductStatus {
	if stock <= 0 {
		return ProductOutOfStock
	}
	if discontinued {
		return ProductDiscontinued
	}
	return ProductAvailable
}

// StockMovement is an immutable ledger entry for a product's stock.
type StockMovement struct {
	ID        int64          `json:"id" db:"id"`
	ProductID int64          `json:"productId" db:"product_id"`
	Change    int            `json:"change" db:"change"`
	Reason    MovementReason `json:"reason" db:"reason"`
	Note      string         `json:"note,omitempty" db:"note"`
	CreatedAt time.Time      `json:"createdAt" db:"created_at"`
}
