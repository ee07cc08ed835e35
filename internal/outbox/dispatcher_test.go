package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/lock"
	"storefront/internal/notify"
	"storefront/internal/observability"
	"storefront/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type note struct {
	userID  int64
	channel string
	message string
}

type fixture struct {
	d       *Dispatcher
	store   *memory.Store
	events  *events.Recorder
	locker  *lock.MemoryLocker
	metrics *observability.Metrics
	notes   *[]note
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := memory.New()
	rec := events.NewRecorder()
	locker := lock.NewMemoryLocker()
	locks := lock.NewManager(locker, lock.Config{TTL: time.Second, RetryCount: 1, RetryDelay: time.Millisecond}, nil)
	metrics := observability.NewMetrics()
	notes := &[]note{}
	notifier := notify.Func(func(ctx context.Context, userID int64, channel, message string) {
		*notes = append(*notes, note{userID, channel, message})
	})
	return fixture{
		d:       NewDispatcher(store, locks, rec, notifier, metrics, Config{Interval: 10 * time.Millisecond}, nil),
		store:   store,
		events:  rec,
		locker:  locker,
		metrics: metrics,
		notes:   notes,
	}
}

func (f fixture) row(t *testing.T, paymentID, orderID int64, status domain.PaymentStatus, reason string) domain.OutboxEvent {
	t.Helper()
	evt, err := domain.NewOutboxEvent(domain.Payment{
		ID:      paymentID,
		OrderID: orderID,
		UserID:  42,
		Amount:  1000,
		Method:  domain.MethodCreditCard,
		Status:  status,
		Reason:  reason,
	})
	require.NoError(t, err)
	require.NoError(t, f.store.Outbox().Append(context.Background(), &evt))
	return evt
}

func (f fixture) pendingIDs(t *testing.T) []int64 {
	t.Helper()
	rows, err := f.store.Outbox().ListPending(context.Background(), 100)
	require.NoError(t, err)
	ids := make([]int64, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestTopicFor(t *testing.T) {
	topic, ok := TopicFor(domain.PaymentCompleted)
	assert.True(t, ok)
	assert.Equal(t, events.TopicPaymentCompleted, topic)

	topic, ok = TopicFor(domain.PaymentFailed)
	assert.True(t, ok)
	assert.Equal(t, events.TopicPaymentFailed, topic)

	_, ok = TopicFor(domain.PaymentPending)
	assert.False(t, ok)
}

func TestPublishPending_PartialFailureLeavesRowPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.row(t, 1, 11, domain.PaymentCompleted, "")
	second := f.row(t, 2, 12, domain.PaymentCompleted, "")
	f.row(t, 3, 13, domain.PaymentFailed, "verification_failed")

	f.events.FailWith = func(msg events.Message) error {
		if msg.Key == "12" {
			return errors.New("broker unavailable")
		}
		return nil
	}

	res, err := f.d.PublishPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Published: 2, Failed: 1}, res)
	assert.Equal(t, []int64{second.ID}, f.pendingIDs(t))

	completed := f.events.Messages(events.TopicPaymentCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "11", completed[0].Key)
	failed := f.events.Messages(events.TopicPaymentFailed)
	require.Len(t, failed, 1)
	var body domain.PaymentEventPayload
	require.NoError(t, failed[0].Decode(&body))
	assert.Equal(t, "verification_failed", body.Reason)

	f.events.FailWith = nil
	res, err = f.d.PublishPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Published: 1}, res)
	assert.Empty(t, f.pendingIDs(t))

	snap := f.metrics.Snapshot()
	assert.Equal(t, int64(3), snap.Counters[observability.CounterOutboxPublished])
	assert.Equal(t, int64(1), snap.Counters[observability.CounterOutboxFailed])
}

func TestPublishPending_PendingRowsAreMarkedOnly(t *testing.T) {
	f := newFixture(t)
	f.row(t, 1, 11, domain.PaymentPending, "")

	res, err := f.d.PublishPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Skipped: 1}, res)
	assert.Empty(t, f.events.Messages(""))
	assert.Empty(t, *f.notes)
	assert.Empty(t, f.pendingIDs(t))
}

func TestPublishPending_NotifiesUser(t *testing.T) {
	f := newFixture(t)
	f.row(t, 5, 9, domain.PaymentCompleted, "")
	f.row(t, 6, 10, domain.PaymentFailed, "cancelled_by_gateway")

	_, err := f.d.PublishPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []note{
		{42, notify.ChannelEmail, "Payment #5 for order #9 was completed successfully."},
		{42, notify.ChannelEmail, "Payment #6 for order #10 failed. Reason: cancelled_by_gateway."},
	}, *f.notes)
}

func TestPublishPending_RespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	first := f.row(t, 1, 1, domain.PaymentCompleted, "")
	f.row(t, 2, 2, domain.PaymentCompleted, "")

	res, err := f.d.PublishPending(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	msgs := f.events.Messages("")
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].Key)
	assert.NotContains(t, f.pendingIDs(t), first.ID)
}

func TestRunOnce_SkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.row(t, 1, 1, domain.PaymentCompleted, "")
	ctx := context.Background()

	lease, err := f.locker.TryAcquire(ctx, lock.OutboxKey, time.Minute)
	require.NoError(t, err)

	_, ok, err := f.d.RunOnce(ctx, 10)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Len(t, f.pendingIDs(t), 1)

	require.NoError(t, lease.Release(ctx))
	res, ok, err := f.d.RunOnce(ctx, 10)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, res.Published)
}

func TestRun_DrainsOnWake(t *testing.T) {
	f := newFixture(t)
	f.d.cfg.Interval = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.d.Run(ctx) }()

	f.row(t, 1, 1, domain.PaymentCompleted, "")
	f.d.Wake()

	require.Eventually(t, func() bool {
		return len(f.events.Messages(events.TopicPaymentCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
