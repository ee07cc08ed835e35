package domain

import "time"

// Basket is the durable checkout basket of a user.
type Basket struct {
	ID        int64        `json:"id" db:"id"`
	UserID    int64        `json:"userId" db:"user_id"`
	CreatedAt time.Time    `json:"createdAt" db:"created_at"`
	DeletedAt *time.Time   `json:"deletedAt,omitempty" db:"deleted_at"`
	Items     []BasketItem `json:"items" db:"-"`
}

// BasketItem is one finalized line of a basket.
type BasketItem struct {
	ID        int64      `json:"id" db:"id"`
	BasketID  int64      `json:"basketId" db:"basket_id"`
	ProductID int64      `json:"productId" db:"product_id"`
	Quantity  int        `json:"quantity" db:"quantity"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
	DeletedAt *time.Time `json:"deletedAt,omitempty" db:"deleted_at"`
}

// CartLine is a draft basket line before finalization.
type CartLine struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}
