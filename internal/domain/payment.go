package domain

import (
	"encoding/json"
	"time"
)

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// PaymentMethod is the instrument used for a payment.
type PaymentMethod string

const MethodCreditCard PaymentMethod = "CREDIT_CARD"

// Payment is a single payment attempt for an order.
type Payment struct {
	ID             int64         `json:"id" db:"id"`
	UserID         int64         `json:"userId" db:"user_id"`
	OrderID        int64         `json:"orderId" db:"order_id"`
	Amount         int64         `json:"amount" db:"amount"`
	Currency       string        `json:"currency" db:"currency"`
	Method         PaymentMethod `json:"method" db:"method"`
	Status         PaymentStatus `json:"status" db:"status"`
	IdempotencyKey string        `json:"idempotencyKey" db:"idempotency_key"`
	GatewayRef     string        `json:"gatewayRef" db:"gateway_ref"`
	RedirectURL    string        `json:"redirectUrl" db:"redirect_url"`
	Reason         string        `json:"reason,omitempty" db:"reason"`
	CreatedAt      time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time     `json:"updatedAt" db:"updated_at"`
}

// OutboxEvent is a pending or dispatched payment event.
type OutboxEvent struct {
	ID           int64           `json:"id" db:"id"`
	PaymentID    int64           `json:"paymentId" db:"payment_id"`
	Type         PaymentStatus   `json:"type" db:"type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	DispatchedAt *time.Time      `json:"dispatchedAt,omitempty" db:"dispatched_at"`
}

// PaymentEventPayload is the body stored in the outbox and published on the bus.
type PaymentEventPayload struct {
	PaymentID int64         `json:"paymentId"`
	OrderID   int64         `json:"orderId"`
	UserID    int64         `json:"userId"`
	Amount    int64         `json:"amount"`
	Method    PaymentMethod `json:"method"`
	Status    PaymentStatus `json:"status"`
	Reason    string        `json:"reason,omitempty"`
}

// NewOutboxEvent builds the outbox row for the current state of p.
func NewOutboxEvent(p Payment) (OutboxEvent, error) {
	payload, err := json.Marshal(PaymentEventPayload{
		PaymentID: p.ID,
		OrderID:   p.OrderID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Method:    p.Method,
		Status:    p.Status,
		Reason:    p.Reason,
	})
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{
		PaymentID: p.ID,
		Type:      p.Status,
		Payload:   payload,
	}, nil
}
