package domain

import "errors"

// Validation errors.
var (
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrInvalidQuantity        = errors.New("quantity must be at least 1")
	ErrInvalidWebhook         = errors.New("invalid webhook payload")
	ErrRestockReasonRequired  = errors.New("restock reason required")
	ErrInvalidProduct         = errors.New("invalid product")
)

// Conflict and not-found errors.
var (
	ErrProductNotFound       = errors.New("product not found")
	ErrProductUnavailable    = errors.New("product not available")
	ErrBasketNotFound        = errors.New("basket not found")
	ErrEmptyBasket           = errors.New("basket is empty")
	ErrDuplicateItem         = errors.New("product already in basket")
	ErrItemNotFound          = errors.New("product not in basket")
	ErrOrderNotFound         = errors.New("order not found")
	ErrCannotCancelCompleted = errors.New("completed orders cannot be cancelled")
	ErrInvalidTransition     = errors.New("invalid status transition")
	ErrOrderNotPayable       = errors.New("order is not awaiting payment")
	ErrAmountMismatch        = errors.New("amount does not match order total")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrOutboxEventNotFound   = errors.New("outbox event not found")
	ErrForbidden             = errors.New("resource belongs to another user")
	ErrAlreadyExists         = errors.New("record already exists")
)

// Contention and transient errors.
var (
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Invariant errors.
var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
)
