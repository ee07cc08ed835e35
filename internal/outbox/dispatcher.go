// Package outbox publishes committed payment outbox rows to the bus and marks
// them dispatched.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"storefront/internal/domain"
	"storefront/internal/events"
	"storefront/internal/lock"
	"storefront/internal/notify"
	"storefront/internal/observability"

	"go.uber.org/zap"
)

// Config controls polling.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// LeaseTTL bounds one pass under the dispatcher lock.
	LeaseTTL time.Duration
}

// DefaultConfig polls every two seconds, 100 rows at a time.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second, BatchSize: 100, LeaseTTL: 30 * time.Second}
}

// Result counts what one pass did.
type Result struct {
	Published int
	Skipped   int
	Failed    int
}

// TopicFor maps an outbox row type to its bus topic. PENDING rows are audit
// records and have no topic.
func TopicFor(t domain.PaymentStatus) (string, bool) {
	switch t {
	case domain.PaymentCompleted:
		return events.TopicPaymentCompleted, true
	case domain.PaymentFailed:
		return events.TopicPaymentFailed, true
	default:
		return "", false
	}
}

// Dispatcher drains the payment outbox.
type Dispatcher struct {
	store     domain.Store
	locks     *lock.Manager
	publisher events.Publisher
	notifier  notify.Notifier
	metrics   *observability.Metrics
	cfg       Config
	wake      chan struct{}
	now       func() time.Time
	logger    *zap.Logger
}

// NewDispatcher constructs a Dispatcher. notifier and metrics may be nil.
func NewDispatcher(store domain.Store, locks *lock.Manager, publisher events.Publisher, notifier notify.Notifier, metrics *observability.Metrics, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = def.LeaseTTL
	}
	return &Dispatcher{
		store:     store,
		locks:     locks,
		publisher: publisher,
		notifier:  notifier,
		metrics:   metrics,
		cfg:       cfg,
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		logger:    logger,
	}
}

// PublishPending dispatches up to batchSize rows, oldest first. A row that
// fails stays pending and the batch continues.
func (d *Dispatcher) PublishPending(ctx context.Context, batchSize int) (Result, error) {
	if batchSize <= 0 {
		batchSize = d.cfg.BatchSize
	}
	rows, err := d.store.Outbox().ListPending(ctx, batchSize)
	if err != nil {
		return Result{}, fmt.Errorf("list pending outbox: %w", err)
	}

	var res Result
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		published, err := d.dispatch(ctx, row)
		switch {
		case err != nil:
			res.Failed++
			d.metrics.Inc(observability.CounterOutboxFailed)
			d.logger.Error("outbox dispatch failed",
				zap.Int64("outbox_id", row.ID),
				zap.Int64("payment_id", row.PaymentID),
				zap.String("type", string(row.Type)),
				zap.Error(err))
		case published:
			res.Published++
			d.metrics.Inc(observability.CounterOutboxPublished)
		default:
			res.Skipped++
			d.metrics.Inc(observability.CounterOutboxSkipped)
		}
	}
	if len(rows) > 0 {
		d.logger.Debug("outbox pass",
			zap.Int("published", res.Published),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, row domain.OutboxEvent) (bool, error) {
	topic, ok := TopicFor(row.Type)
	if !ok {
		return false, d.store.Outbox().MarkDispatched(ctx, row.ID, d.now())
	}

	var body domain.PaymentEventPayload
	msg := events.Message{Topic: topic, Payload: row.Payload}
	if err := msg.Decode(&body); err != nil {
		return false, err
	}

	span := d.metrics.Start("Outbox/" + topic)
	err := events.Publish(ctx, d.publisher, topic, strconv.FormatInt(body.OrderID, 10), body)
	span.End(err)
	if err != nil {
		return false, fmt.Errorf("publish %s: %w", topic, err)
	}

	d.notify(ctx, body)
	if err := d.store.Outbox().MarkDispatched(ctx, row.ID, d.now()); err != nil {
		return false, fmt.Errorf("mark dispatched: %w", err)
	}
	return true, nil
}

func (d *Dispatcher) notify(ctx context.Context, body domain.PaymentEventPayload) {
	if d.notifier == nil {
		return
	}
	var text string
	switch body.Status {
	case domain.PaymentCompleted:
		text = fmt.Sprintf("Payment #%d for order #%d was completed successfully.", body.PaymentID, body.OrderID)
	case domain.PaymentFailed:
		text = fmt.Sprintf("Payment #%d for order #%d failed. Reason: %s.", body.PaymentID, body.OrderID, body.Reason)
	default:
		return
	}
	d.notifier.Notify(ctx, body.UserID, notify.ChannelEmail, text)
}

// RunOnce runs one pass under the dispatcher lock. When another process holds
// the lock the pass is skipped and ok is false.
func (d *Dispatcher) RunOnce(ctx context.Context, batchSize int) (res Result, ok bool, err error) {
	err = d.locks.WithLockTimeout(ctx, lock.OutboxKey, d.cfg.LeaseTTL, func(ctx context.Context) error {
		var err error
		res, err = d.PublishPending(ctx, batchSize)
		return err
	})
	if errors.Is(err, lock.ErrLockUnavailable) {
		d.metrics.Inc(observability.CounterLockUnavailable)
		return Result{}, false, nil
	}
	if err != nil {
		return res, true, err
	}
	return res, true, nil
}

// Wake asks Run to start a pass without waiting for the next tick.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()
	d.logger.Info("outbox dispatcher started",
		zap.Duration("interval", d.cfg.Interval),
		zap.Int("batch_size", d.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
		if _, _, err := d.RunOnce(ctx, d.cfg.BatchSize); err != nil && ctx.Err() == nil {
			d.logger.Warn("outbox pass failed", zap.Error(err))
		}
	}
}
