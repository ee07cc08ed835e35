// Package consumers holds the bus handlers that advance the sagas. Every
// handler is safe to run more than once for the same message.
package consumers

import (
	"context"
	"errors"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/notify"
	"storefront/internal/observability"
	"storefront/internal/payments"

	"go.uber.org/zap"
)

// OrderSaga reacts to payment outcomes.
type OrderSaga interface {
	OnPaymentCompleted(ctx context.Context, orderID int64) error
	OnPaymentFailed(ctx context.Context, orderID int64, reason string) error
}

// BasketPurger removes a product from every basket.
type BasketPurger interface {
	PurgeProduct(ctx context.Context, productID int64) error
}

// PaymentInitiator opens payments for new orders.
type PaymentInitiator interface {
	InitiatePayment(ctx context.Context, principal, orderID, amount int64, key string) (domain.Payment, error)
}

// Deps are the collaborators the handlers call. Nil members leave their
// topics unregistered.
type Deps struct {
	Orders   OrderSaga
	Baskets  BasketPurger
	Payments PaymentInitiator
	Notifier notify.Notifier
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Register adds the handler table to reg.
func Register(reg *events.Registry, deps Deps) {
	h := &handlers{deps: deps, logger: deps.Logger}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if deps.Orders != nil {
		reg.Register(events.TopicPaymentCompleted, "orders.on-payment-completed", h.track(h.paymentCompleted))
		reg.Register(events.TopicPaymentFailed, "orders.on-payment-failed", h.track(h.paymentFailed))
	}
	if deps.Baskets != nil {
		reg.Register(events.TopicProductStockChanged, "baskets.purge-unavailable", h.track(h.stockChanged))
	}
	if deps.Payments != nil {
		reg.Register(events.TopicOrderCreated, "payments.initiate", h.track(h.orderCreated))
	}
	if deps.Notifier != nil {
		reg.Register(events.TopicNotification, "notify.deliver", h.track(h.notification))
	}
}

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

func (h *handlers) track(next events.Handler) events.Handler {
	return func(ctx context.Context, msg events.Message) error {
		span := h.deps.Metrics.Start("Consumer/" + msg.Topic)
		err := next(ctx, msg)
		span.End(err)
		if err != nil {
			h.deps.Metrics.Inc(observability.CounterConsumerFailures)
		}
		return err
	}
}

// ack logs and swallows errors that redelivery cannot fix.
func (h *handlers) ack(msg events.Message, err error, permanent ...error) error {
	if err == nil {
		return nil
	}
	for _, target := range permanent {
		if errors.Is(err, target) {
			h.logger.Warn("message dropped",
				zap.String("topic", msg.Topic),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			return nil
		}
	}
	return err
}

func (h *handlers) paymentCompleted(ctx context.Context, msg events.Message) error {
	var body domain.PaymentEventPayload
	if err := msg.Decode(&body); err != nil {
		return h.malformed(msg, err)
	}
	err := h.deps.Orders.OnPaymentCompleted(ctx, body.OrderID)
	return h.ack(msg, err, domain.ErrOrderNotFound, domain.ErrInvalidTransition)
}

func (h *handlers) paymentFailed(ctx context.Context, msg events.Message) error {
	var body domain.PaymentEventPayload
	if err := msg.Decode(&body); err != nil {
		return h.malformed(msg, err)
	}
	err := h.deps.Orders.OnPaymentFailed(ctx, body.OrderID, body.Reason)
	return h.ack(msg, err, domain.ErrOrderNotFound, domain.ErrInvalidTransition)
}

func (h *handlers) stockChanged(ctx context.Context, msg events.Message) error {
	var body events.ProductStockChanged
	if err := msg.Decode(&body); err != nil {
		return h.malformed(msg, err)
	}
	if body.NewStock > 0 && body.Status != string(domain.ProductOutOfStock) {
		return nil
	}
	return h.deps.Baskets.PurgeProduct(ctx, body.ProductID)
}

func (h *handlers) orderCreated(ctx context.Context, msg events.Message) error {
	var body events.OrderEvent
	if err := msg.Decode(&body); err != nil {
		return h.malformed(msg, err)
	}
	key := payments.DeriveIdempotencyKey(body.UserID, body.OrderID)
	p, err := h.deps.Payments.InitiatePayment(ctx, body.UserID, body.OrderID, body.TotalAmount, key)
	if err != nil {
		return h.ack(msg, err,
			domain.ErrOrderNotFound,
			domain.ErrOrderNotPayable,
			domain.ErrAmountMismatch,
			domain.ErrForbidden,
			domain.ErrInvalidAmount)
	}
	h.logger.Debug("payment opened for order",
		zap.Int64("order_id", body.OrderID),
		zap.Int64("payment_id", p.ID))
	return nil
}

func (h *handlers) notification(ctx context.Context, msg events.Message) error {
	var body events.Notification
	if err := msg.Decode(&body); err != nil {
		return h.malformed(msg, err)
	}
	h.deps.Notifier.Notify(ctx, body.UserID, body.Channel, body.Message)
	return nil
}

func (h *handlers) malformed(msg events.Message, err error) error {
	h.logger.Error("malformed message dropped",
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
		zap.Error(err))
	return nil
}
