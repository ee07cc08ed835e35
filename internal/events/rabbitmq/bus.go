// Package rabbitmq carries events over a RabbitMQ topic exchange.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"storefront/internal/events"
	"storefront/internal/reliability"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const headerKey = "x-event-key"

// Config describes the broker connection and topology.
type Config struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

// Bus publishes to a durable topic exchange and consumes from one durable
// queue bound to every registered topic.
type Bus struct {
	cfg    Config
	conn   *amqp.Connection
	mu     sync.Mutex
	pubCh  *amqp.Channel
	logger *zap.Logger
}

// Dial connects to the broker, retrying while it starts up, and declares the
// exchange.
func Dial(ctx context.Context, cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "storefront.events"
	}
	if cfg.Queue == "" {
		cfg.Queue = "storefront"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 16
	}

	var conn *amqp.Connection
	policy := reliability.RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   2 * time.Second,
		Fixed:       true,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("rabbitmq dial failed, retrying",
				zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		},
	}
	err := policy.Do(ctx, func(context.Context) error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &Bus{cfg: cfg, conn: conn, pubCh: ch, logger: logger}, nil
}

func (b *Bus) Publish(ctx context.Context, msg events.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, msg.Topic, false, false, toPublishing(msg)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Topic, err)
	}
	return nil
}

// Consume binds the queue to every registered topic and handles deliveries
// with manual acks. A failed delivery is requeued once, then dropped.
func (b *Bus) Consume(ctx context.Context, reg *events.Registry) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, topic := range reg.Topics() {
		if err := ch.QueueBind(b.cfg.Queue, topic, b.cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", topic, err)
		}
	}
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			b.handle(ctx, reg, d)
		}
	}
}

func (b *Bus) handle(ctx context.Context, reg *events.Registry, d amqp.Delivery) {
	msg := fromDelivery(d)
	if err := reg.Dispatch(ctx, msg); err != nil {
		requeue := !d.Redelivered
		b.logger.Error("event handler failed",
			zap.String("topic", msg.Topic),
			zap.String("message_id", msg.ID),
			zap.Bool("requeue", requeue),
			zap.Error(err))
		_ = d.Nack(false, requeue)
		return
	}
	_ = d.Ack(false)
}

// Close closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	return b.conn.Close()
}

func toPublishing(msg events.Message) amqp.Publishing {
	return amqp.Publishing{
		MessageId:    msg.ID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    msg.CreatedAt,
		Type:         msg.Topic,
		Headers:      amqp.Table{headerKey: msg.Key},
		Body:         msg.Payload,
	}
}

func fromDelivery(d amqp.Delivery) events.Message {
	key, _ := d.Headers[headerKey].(string)
	topic := d.RoutingKey
	if topic == "" {
		topic = d.Type
	}
	return events.Message{
		ID:        d.MessageId,
		Topic:     topic,
		Key:       key,
		Payload:   d.Body,
		CreatedAt: d.Timestamp,
	}
}
