// Package memory is an in-process event bus on top of watermill's go channel
// pub/sub.
package memory

import (
	"context"
	"sync"
	"time"

	"storefront/internal/events"
	"storefront/internal/reliability"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

const (
	metaKey       = "key"
	metaCreatedAt = "created_at"
)

// Bus delivers messages to in-process subscribers.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
	retry  reliability.RetryPolicy
	wg     sync.WaitGroup
}

// NewBus constructs an in-process bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, NewLoggerAdapter(logger)),
		logger: logger,
		retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
		},
	}
}

func (b *Bus) Publish(ctx context.Context, msg events.Message) error {
	wm := message.NewMessage(msg.ID, msg.Payload)
	wm.Metadata.Set(metaKey, msg.Key)
	wm.Metadata.Set(metaCreatedAt, msg.CreatedAt.Format(time.RFC3339Nano))
	return b.pubsub.Publish(msg.Topic, wm)
}

// Start subscribes to every registered topic and returns once the
// subscriptions exist. Delivery continues until ctx ends.
func (b *Bus) Start(ctx context.Context, reg *events.Registry) error {
	for _, topic := range reg.Topics() {
		ch, err := b.pubsub.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		b.wg.Add(1)
		go b.deliver(ctx, topic, ch, reg)
	}
	return nil
}

// Consume is Start followed by waiting for ctx to end.
func (b *Bus) Consume(ctx context.Context, reg *events.Registry) error {
	if err := b.Start(ctx, reg); err != nil {
		return err
	}
	<-ctx.Done()
	b.wg.Wait()
	return nil
}

func (b *Bus) deliver(ctx context.Context, topic string, ch <-chan *message.Message, reg *events.Registry) {
	defer b.wg.Done()
	for wm := range ch {
		msg := fromWatermill(topic, wm)
		err := b.retry.Do(ctx, func(ctx context.Context) error {
			return reg.Dispatch(ctx, msg)
		})
		if err != nil {
			b.logger.Error("event handler failed, dropping message",
				zap.String("topic", topic),
				zap.String("message_id", msg.ID),
				zap.Error(err))
		}
		wm.Ack()
	}
}

// Close stops the underlying pub/sub.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

func fromWatermill(topic string, wm *message.Message) events.Message {
	created, _ := time.Parse(time.RFC3339Nano, wm.Metadata.Get(metaCreatedAt))
	return events.Message{
		ID:        wm.UUID,
		Topic:     topic,
		Key:       wm.Metadata.Get(metaKey),
		Payload:   wm.Payload,
		CreatedAt: created,
	}
}

// LoggerAdapter routes watermill logs to zap.
type LoggerAdapter struct {
	logger *zap.Logger
}

// NewLoggerAdapter wraps logger for watermill.
func NewLoggerAdapter(logger *zap.Logger) *LoggerAdapter {
	return &LoggerAdapter{logger: logger.Named("watermill")}
}

func (a *LoggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.logger.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (a *LoggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.logger.Info(msg, zapFields(fields)...)
}

func (a *LoggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a *LoggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.logger.Debug(msg, zapFields(fields)...)
}

func (a *LoggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &LoggerAdapter{logger: a.logger.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
