package orders

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/lock"

	"go.uber.org/zap"
)

// StockLedger applies stock movements inside a caller's transaction.
type StockLedger interface {
	ApplyTx(ctx context.Context, tx domain.Repositories, productID int64, delta int, reason domain.MovementReason, note string) (domain.Product, error)
	NotifyChanged(ctx context.Context, p domain.Product)
}

// CartClearer empties a user's draft cart.
type CartClearer interface {
	Clear(ctx context.Context, userID int64) error
}

// OrderService places orders from baskets and drives the order state machine.
type OrderService struct {
	store     domain.Store
	locks     *lock.Manager
	stock     StockLedger
	cart      CartClearer
	publisher events.Publisher
	logger    *zap.Logger
}

// NewOrderService constructs an OrderService. cart may be nil.
func NewOrderService(store domain.Store, locks *lock.Manager, stock StockLedger, cart CartClearer, publisher events.Publisher, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		store:     store,
		locks:     locks,
		stock:     stock,
		cart:      cart,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateOrder places an order from the user's active basket. Repeating the
// call for the same basket returns the existing order with created=false and
// reserves nothing.
func (s *OrderService) CreateOrder(ctx context.Context, userID int64, address string) (domain.Order, bool, error) {
	var (
		order   domain.Order
		created bool
		touched []domain.Product
	)
	err := s.locks.WithLock(ctx, lock.BasketKey(userID), func(ctx context.Context) error {
		basket, err := s.store.Baskets().FindActiveByUser(ctx, userID)
		if errors.Is(err, domain.ErrBasketNotFound) {
			return domain.ErrEmptyBasket
		}
		if err != nil {
			return err
		}
		existing, err := s.store.Orders().FindByBasketID(ctx, basket.ID)
		if err == nil {
			order = existing
			return nil
		}
		if !errors.Is(err, domain.ErrOrderNotFound) {
			return err
		}
		if len(basket.Items) == 0 {
			return domain.ErrEmptyBasket
		}

		keys := make([]string, 0, len(basket.Items))
		for _, item := range basket.Items {
			keys = append(keys, lock.InventoryKey(item.ProductID))
		}
		return s.locks.WithLocks(ctx, keys, func(ctx context.Context) error {
			return s.store.WithinTx(ctx, func(tx domain.Repositories) error {
				o, products, err := s.placeTx(ctx, tx, userID, address, basket)
				if err != nil {
					return err
				}
				order, touched, created = o, products, true
				return nil
			})
		})
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	if !created {
		return order, false, nil
	}

	for _, p := range touched {
		s.stock.NotifyChanged(ctx, p)
	}
	s.publish(ctx, events.TopicOrderCreated, order, "")
	if s.cart != nil {
		if err := s.cart.Clear(ctx, userID); err != nil {
			s.logger.Warn("clear cart after order failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.Int64("user_id", userID),
		zap.Int64("total_amount", order.TotalAmount))
	return order, true, nil
}

func (s *OrderService) placeTx(ctx context.Context, tx domain.Repositories, userID int64, address string, basket domain.Basket) (domain.Order, []domain.Product, error) {
	items := make([]domain.OrderItem, 0, len(basket.Items))
	for _, line := range basket.Items {
		p, err := tx.Products().GetForUpdate(ctx, line.ProductID)
		if err != nil {
			return domain.Order{}, nil, err
		}
		if p.Discontinued() {
			return domain.Order{}, nil, fmt.Errorf("%w: product %d is discontinued", domain.ErrProductUnavailable, p.ID)
		}
		items = append(items, domain.OrderItem{
			ProductID: p.ID,
			Quantity:  line.Quantity,
			Price:     p.FinalPrice(),
		})
	}

	order := domain.Order{
		UserID:      userID,
		BasketID:    basket.ID,
		Address:     address,
		TotalAmount: domain.ItemsTotal(items),
		Status:      domain.OrderPending,
		Items:       items,
	}
	if err := tx.Orders().Create(ctx, &order); err != nil {
		return domain.Order{}, nil, fmt.Errorf("insert order: %w", err)
	}

	products := make([]domain.Product, 0, len(items))
	note := "order #" + strconv.FormatInt(order.ID, 10)
	for _, item := range order.Items {
		p, err := s.stock.ApplyTx(ctx, tx, item.ProductID, -item.Quantity, domain.ReasonOrderPlaced, note)
		if err != nil {
			return domain.Order{}, nil, err
		}
		products = append(products, p)
	}
	return order, products, nil
}

// GetOrder returns an order with its items.
func (s *OrderService) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return s.store.Orders().Get(ctx, id)
}

// GetOrderFor returns an order owned by principal.
func (s *OrderService) GetOrderFor(ctx context.Context, principal, id int64) (domain.Order, error) {
	o, err := s.store.Orders().Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if o.UserID != principal {
		return domain.Order{}, domain.ErrForbidden
	}
	return o, nil
}

// ListUserOrders returns the user's orders, newest first.
func (s *OrderService) ListUserOrders(ctx context.Context, userID int64) ([]domain.Order, error) {
	return s.store.Orders().ListByUser(ctx, userID)
}

// UpdateOrderStatus moves a PENDING order to a terminal status. Setting the
// current status is a no-op. Stock is returned when the order ends CANCELLED
// or FAILED.
func (s *OrderService) UpdateOrderStatus(ctx context.Context, id int64, status domain.OrderStatus) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidTransition, status)
	}
	var (
		out     domain.Order
		changed bool
	)
	err := s.locks.WithLock(ctx, lock.OrderStatusKey(id), func(ctx context.Context) error {
		o, err := s.store.Orders().Get(ctx, id)
		if err != nil {
			return err
		}
		if o.Status == status {
			out = o
			return nil
		}
		if !domain.CanTransition(o.Status, status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, o.Status, status)
		}
		out, err = s.settle(ctx, o, status)
		changed = err == nil
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	if changed {
		switch status {
		case domain.OrderCompleted:
			s.publish(ctx, events.TopicOrderCompleted, out, "")
		case domain.OrderFailed:
			s.publish(ctx, events.TopicOrderFailed, out, "")
		}
	}
	return out, nil
}

// CancelOrder cancels a PENDING order and returns its stock. Cancelling a
// cancelled order is a no-op.
func (s *OrderService) CancelOrder(ctx context.Context, id int64) (domain.Order, error) {
	var (
		out     domain.Order
		changed bool
	)
	err := s.locks.WithLock(ctx, lock.OrderStatusKey(id), func(ctx context.Context) error {
		o, err := s.store.Orders().Get(ctx, id)
		if err != nil {
			return err
		}
		switch o.Status {
		case domain.OrderCompleted:
			return domain.ErrCannotCancelCompleted
		case domain.OrderCancelled:
			out = o
			return nil
		case domain.OrderFailed:
			return fmt.Errorf("%w: order %d already failed", domain.ErrInvalidTransition, id)
		}
		out, err = s.settle(ctx, o, domain.OrderCancelled)
		changed = err == nil
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	if changed {
		s.publish(ctx, events.TopicOrderCancelled, out, "")
		s.logger.Info("order cancelled", zap.Int64("order_id", id))
	}
	return out, nil
}

// OnPaymentCompleted completes the order of a settled payment.
func (s *OrderService) OnPaymentCompleted(ctx context.Context, orderID int64) error {
	return s.onPayment(ctx, orderID, domain.OrderCompleted, "")
}

// OnPaymentFailed fails the order of a failed payment and returns its stock.
func (s *OrderService) OnPaymentFailed(ctx context.Context, orderID int64, reason string) error {
	return s.onPayment(ctx, orderID, domain.OrderFailed, reason)
}

func (s *OrderService) onPayment(ctx context.Context, orderID int64, target domain.OrderStatus, reason string) error {
	var (
		out     domain.Order
		changed bool
	)
	err := s.locks.WithLock(ctx, lock.OrderStatusKey(orderID), func(ctx context.Context) error {
		o, err := s.store.Orders().Get(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == target {
			return nil
		}
		if o.Status.Terminal() {
			s.logger.Warn("payment outcome for settled order ignored; needs manual review",
				zap.Int64("order_id", orderID),
				zap.String("order_status", string(o.Status)),
				zap.String("payment_outcome", string(target)))
			return nil
		}
		out, err = s.settle(ctx, o, target)
		changed = err == nil
		return err
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	topic := events.TopicOrderCompleted
	if target == domain.OrderFailed {
		topic = events.TopicOrderFailed
	}
	s.publish(ctx, topic, out, reason)
	return nil
}

// settle writes the transition of o to status, returning stock first when the
// order will not be fulfilled. The caller holds the order status lock.
func (s *OrderService) settle(ctx context.Context, o domain.Order, status domain.OrderStatus) (domain.Order, error) {
	releases := status == domain.OrderCancelled || status == domain.OrderFailed
	if !releases || len(o.Items) == 0 {
		if err := s.store.Orders().UpdateStatus(ctx, o.ID, o.Status, status); err != nil {
			return domain.Order{}, err
		}
		o.Status = status
		return o, nil
	}

	keys := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		keys = append(keys, lock.InventoryKey(item.ProductID))
	}
	var touched []domain.Product
	err := s.locks.WithLocks(ctx, keys, func(ctx context.Context) error {
		return s.store.WithinTx(ctx, func(tx domain.Repositories) error {
			touched = touched[:0]
			note := "order #" + strconv.FormatInt(o.ID, 10)
			for _, item := range o.Items {
				p, err := s.stock.ApplyTx(ctx, tx, item.ProductID, item.Quantity, domain.ReasonOrderCancelled, note)
				if errors.Is(err, domain.ErrProductNotFound) {
					s.logger.Warn("stock not returned for deleted product",
						zap.Int64("order_id", o.ID), zap.Int64("product_id", item.ProductID))
					continue
				}
				if err != nil {
					return err
				}
				touched = append(touched, p)
			}
			return tx.Orders().UpdateStatus(ctx, o.ID, o.Status, status)
		})
	})
	if err != nil {
		return domain.Order{}, err
	}
	for _, p := range touched {
		s.stock.NotifyChanged(ctx, p)
	}
	o.Status = status
	return o, nil
}

func (s *OrderService) publish(ctx context.Context, topic string, o domain.Order, reason string) {
	if s.publisher == nil {
		return
	}
	err := events.Publish(ctx, s.publisher, topic, strconv.FormatInt(o.ID, 10), events.OrderEvent{
		OrderID:     o.ID,
		UserID:      o.UserID,
		TotalAmount: o.TotalAmount,
		Reason:      reason,
	})
	if err != nil {
		s.logger.Warn("publish order event failed",
			zap.String("topic", topic),
			zap.Int64("order_id", o.ID),
			zap.Error(err))
	}
}
