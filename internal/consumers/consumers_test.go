package consumers

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"storefront/internal/basket"
	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/gateway"
	"storefront/internal/lock"
	"storefront/internal/notify"
	"storefront/internal/orders"
	"storefront/internal/outbox"
	"storefront/internal/payments"
	"storefront/internal/stock"
	"storefront/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

type approvingBank struct {
	*gateway.FakeBank
}

func (approvingBank) Verify(ctx context.Context, ref string) (gateway.VerifyStatus, error) {
	return gateway.VerifySuccess, nil
}

type saga struct {
	store      *memory.Store
	ledger     *stock.Ledger
	baskets    *basket.Service
	orders     *orders.OrderService
	payments   *payments.Service
	dispatcher *outbox.Dispatcher
	bus        *events.Recorder
	registry   *events.Registry
	bank       *gateway.FakeBank
	delivered  *[]string
}

func newSaga(t *testing.T) saga {
	t.Helper()
	store := memory.New()
	bus := events.NewRecorder()
	locks := lock.NewManager(lock.NewMemoryLocker(), lock.Config{TTL: time.Second, RetryCount: 50, RetryDelay: time.Millisecond}, nil)
	ledger := stock.NewLedger(store, locks, nil, bus, nil)
	cart := basket.NewMemoryCart()
	bank := gateway.NewFakeBank("secret", "")
	delivered := &[]string{}

	s := saga{
		store:     store,
		ledger:    ledger,
		baskets:   basket.NewService(store, locks, cart, nil, basket.Config{}, nil),
		orders:    orders.NewOrderService(store, locks, ledger, cart, bus, nil),
		payments:  payments.NewService(store, locks, approvingBank{bank}, nil, bus, payments.Config{}, nil),
		bus:       bus,
		registry:  events.NewRegistry(),
		bank:      bank,
		delivered: delivered,
	}
	s.dispatcher = outbox.NewDispatcher(store, locks, bus, notify.NewBus(bus, nil), nil, outbox.Config{}, nil)
	Register(s.registry, Deps{
		Orders:   s.orders,
		Baskets:  s.baskets,
		Payments: s.payments,
		Notifier: notify.Func(func(ctx context.Context, userID int64, channel, message string) {
			*delivered = append(*delivered, message)
		}),
	})
	return s
}

// drain dispatches every recorded message for topic through the registry.
func (s saga) drain(t *testing.T, topic string) {
	t.Helper()
	for _, msg := range s.bus.Messages(topic) {
		require.NoError(t, s.registry.Dispatch(context.Background(), msg))
	}
}

func (s saga) placeOrder(t *testing.T, userID int64, stockQty, qty int) (domain.Product, domain.Order) {
	t.Helper()
	ctx := context.Background()
	p, err := s.ledger.CreateProduct(ctx, stock.NewProduct{Name: "lamp", Price: 2500, Stock: stockQty})
	require.NoError(t, err)
	_, err = s.baskets.Add(ctx, userID, p.ID, qty)
	require.NoError(t, err)
	_, err = s.baskets.Finalize(ctx, userID)
	require.NoError(t, err)
	o, created, err := s.orders.CreateOrder(ctx, userID, "1 Main St")
	require.NoError(t, err)
	require.True(t, created)
	return p, o
}

func TestRegister_Table(t *testing.T) {
	s := newSaga(t)
	assert.Equal(t, []string{
		events.TopicNotification,
		events.TopicOrderCreated,
		events.TopicPaymentCompleted,
		events.TopicPaymentFailed,
		events.TopicProductStockChanged,
	}, s.registry.Topics())

	partial := events.NewRegistry()
	Register(partial, Deps{Orders: s.orders})
	assert.Equal(t, []string{events.TopicPaymentCompleted, events.TopicPaymentFailed}, partial.Topics())
}

func TestSaga_PaymentCompletesOrder(t *testing.T) {
	s := newSaga(t)
	ctx := context.Background()
	_, o := s.placeOrder(t, 1, 5, 2)

	s.drain(t, events.TopicOrderCreated)
	s.drain(t, events.TopicOrderCreated) // duplicate delivery

	p, err := s.store.Payments().FindByOrderID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.TotalAmount, p.Amount)

	_, err = s.payments.VerifyPayment(ctx, p.ID)
	require.NoError(t, err)
	_, err = s.dispatcher.PublishPending(ctx, 10)
	require.NoError(t, err)

	s.drain(t, events.TopicPaymentCompleted)
	s.drain(t, events.TopicPaymentCompleted)
	s.drain(t, events.TopicNotification)

	got, err := s.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, got.Status)
	assert.Len(t, s.bus.Messages(events.TopicOrderCompleted), 1)

	want := "Payment #" + itoa(p.ID) + " for order #" + itoa(o.ID) + " was completed successfully."
	assert.Equal(t, []string{want}, *s.delivered)
}

func TestSaga_GatewayCancelReleasesStock(t *testing.T) {
	s := newSaga(t)
	ctx := context.Background()
	product, o := s.placeOrder(t, 2, 5, 3)
	s.drain(t, events.TopicOrderCreated)

	p, err := s.store.Payments().FindByOrderID(ctx, o.ID)
	require.NoError(t, err)

	raw := []byte(`{"gatewayRef":"` + p.GatewayRef + `","status":"cancel","timestamp":` + itoa(time.Now().UnixMilli()) + `}`)
	_, err = s.payments.HandleWebhook(ctx, raw, s.bank.Sign(raw))
	require.NoError(t, err)
	_, err = s.dispatcher.PublishPending(ctx, 10)
	require.NoError(t, err)
	s.drain(t, events.TopicPaymentFailed)

	got, err := s.orders.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFailed, got.Status)

	restored, err := s.ledger.GetProduct(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, restored.Stock)

	failed := s.bus.Messages(events.TopicOrderFailed)
	require.Len(t, failed, 1)
	var body events.OrderEvent
	require.NoError(t, failed[0].Decode(&body))
	assert.Equal(t, payments.ReasonCancelledByGateway, body.Reason)
}

func TestSaga_CancelledOrderIsNotCharged(t *testing.T) {
	s := newSaga(t)
	ctx := context.Background()
	_, o := s.placeOrder(t, 3, 5, 1)

	_, err := s.orders.CancelOrder(ctx, o.ID)
	require.NoError(t, err)
	s.drain(t, events.TopicOrderCreated)

	_, err = s.store.Payments().FindByOrderID(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
}

func TestSaga_SoldOutProductLeavesBaskets(t *testing.T) {
	s := newSaga(t)
	ctx := context.Background()
	p, err := s.ledger.CreateProduct(ctx, stock.NewProduct{Name: "last one", Price: 100, Stock: 1})
	require.NoError(t, err)

	_, err = s.baskets.Add(ctx, 10, p.ID, 1)
	require.NoError(t, err)
	_, err = s.baskets.Add(ctx, 11, p.ID, 1)
	require.NoError(t, err)
	_, err = s.baskets.Finalize(ctx, 10)
	require.NoError(t, err)
	_, _, err = s.orders.CreateOrder(ctx, 10, "addr")
	require.NoError(t, err)

	s.drain(t, events.TopicProductStockChanged)

	lines, err := s.baskets.Get(ctx, 11)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

type failingOrders struct{ err error }

func (f failingOrders) OnPaymentCompleted(ctx context.Context, orderID int64) error { return f.err }
func (f failingOrders) OnPaymentFailed(ctx context.Context, orderID int64, reason string) error {
	return f.err
}

func TestHandlers_AckPermanentErrorsOnly(t *testing.T) {
	ctx := context.Background()
	msg, err := events.NewMessage(events.TopicPaymentCompleted, "1", domain.PaymentEventPayload{OrderID: 1})
	require.NoError(t, err)

	reg := events.NewRegistry()
	Register(reg, Deps{Orders: failingOrders{err: domain.ErrOrderNotFound}})
	assert.NoError(t, reg.Dispatch(ctx, msg))

	reg = events.NewRegistry()
	Register(reg, Deps{Orders: failingOrders{err: lock.ErrLockUnavailable}})
	assert.ErrorIs(t, reg.Dispatch(ctx, msg), lock.ErrLockUnavailable)

	bad := events.Message{ID: "x", Topic: events.TopicPaymentFailed, Payload: []byte("{")}
	assert.NoError(t, reg.Dispatch(ctx, bad), "malformed messages are dropped")

	reg = events.NewRegistry()
	Register(reg, Deps{Orders: failingOrders{err: errors.New("db down")}})
	assert.Error(t, reg.Dispatch(ctx, msg))
}
