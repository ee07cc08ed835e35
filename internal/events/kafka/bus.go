// Package kafka carries events over Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/events"
	"storefront/internal/reliability"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const headerID = "message-id"

// Config describes the cluster and consumer group.
type Config struct {
	Brokers []string
	GroupID string
}

// Bus writes every topic through one writer and reads each registered topic
// with its own group reader.
type Bus struct {
	cfg    Config
	writer *kafkago.Writer
	logger *zap.Logger
	retry  reliability.RetryPolicy
}

// NewBus constructs a Kafka bus. Messages with the same key land on the same
// partition, so events of one order stay ordered.
func NewBus(cfg Config, logger *zap.Logger) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "storefront"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		cfg: cfg,
		writer: &kafkago.Writer{
			Addr:                   kafkago.TCP(cfg.Brokers...),
			Balancer:               &kafkago.Hash{},
			RequiredAcks:           kafkago.RequireAll,
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		logger: logger,
		retry: reliability.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    time.Second,
		},
	}, nil
}

func (b *Bus) Publish(ctx context.Context, msg events.Message) error {
	if err := b.writer.WriteMessages(ctx, toKafka(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Consume reads every registered topic until ctx ends. Offsets are committed
// after the handlers ran; a message whose handlers keep failing is logged and
// committed so the partition keeps moving.
func (b *Bus) Consume(ctx context.Context, reg *events.Registry) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topic := range reg.Topics() {
		reader := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: b.cfg.Brokers,
			GroupID: b.cfg.GroupID,
			Topic:   topic,
		})
		g.Go(func() error {
			defer reader.Close()
			return b.read(ctx, reader, reg)
		})
	}
	return g.Wait()
}

func (b *Bus) read(ctx context.Context, reader *kafkago.Reader, reg *events.Registry) error {
	topic := reader.Config().Topic
	for {
		km, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error("kafka fetch failed", zap.String("topic", topic), zap.Error(err))
			continue
		}
		msg := fromKafka(km)
		err = b.retry.Do(ctx, func(ctx context.Context) error {
			return reg.Dispatch(ctx, msg)
		})
		if err != nil {
			b.logger.Error("event handler failed, skipping message",
				zap.String("topic", topic),
				zap.String("message_id", msg.ID),
				zap.Int64("offset", km.Offset),
				zap.Error(err))
		}
		if err := reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			b.logger.Error("kafka commit failed", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Close flushes and closes the writer.
func (b *Bus) Close() error {
	return b.writer.Close()
}

func toKafka(msg events.Message) kafkago.Message {
	return kafkago.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Time:    msg.CreatedAt,
		Headers: []kafkago.Header{{Key: headerID, Value: []byte(msg.ID)}},
	}
}

func fromKafka(km kafkago.Message) events.Message {
	msg := events.Message{
		Topic:     km.Topic,
		Key:       string(km.Key),
		Payload:   km.Value,
		CreatedAt: km.Time,
	}
	for _, h := range km.Headers {
		if h.Key == headerID {
			msg.ID = string(h.Value)
		}
	}
	return msg
}
