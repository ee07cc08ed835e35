// Package events defines the bus message model, topic names and the
// topic-to-handler registration table shared by every transport.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TopicOrderCreated        = "order.created"
	TopicOrderCancelled      = "order.cancelled"
	TopicOrderCompleted      = "order.completed"
	TopicOrderFailed         = "order.failed"
	TopicPaymentPending      = "payment.pending"
	TopicPaymentCompleted    = "payment.completed"
	TopicPaymentFailed       = "payment.failed"
	TopicProductStockChanged = "product.stock.changed"
	TopicNotification        = "notification.event"
)

// AllTopics lists every topic the system publishes.
var AllTopics = []string{
	TopicOrderCreated,
	TopicOrderCancelled,
	TopicOrderCompleted,
	TopicOrderFailed,
	TopicPaymentPending,
	TopicPaymentCompleted,
	TopicPaymentFailed,
	TopicProductStockChanged,
	TopicNotification,
}

// Message is a serialized event on a topic. Key groups related messages for
// transports that partition.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	CreatedAt time.Time
}

// NewMessage JSON-encodes body into a message with a fresh id.
func NewMessage(topic, key string, body any) (Message, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s: %w", topic, err)
	}
	return Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("decode %s %s: %w", m.Topic, m.ID, err)
	}
	return nil
}

// Publisher sends messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Publish encodes body and sends it through p.
func Publish(ctx context.Context, p Publisher, topic, key string, body any) error {
	msg, err := NewMessage(topic, key, body)
	if err != nil {
		return err
	}
	return p.Publish(ctx, msg)
}

// Handler processes one message. Handlers must tolerate duplicates.
type Handler func(ctx context.Context, msg Message) error

// Subscriber delivers messages for every topic in reg until ctx ends.
type Subscriber interface {
	Consume(ctx context.Context, reg *Registry) error
}

// Bus is a transport that both publishes and consumes.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

type route struct {
	name    string
	handler Handler
}

// Registry maps topics to named handlers. It is built once at startup.
type Registry struct {
	mu     sync.RWMutex
	routes map[string][]route
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{routes: make(map[string][]route)}
}

// Register adds handler for topic under name.
func (r *Registry) Register(topic, name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[topic] = append(r.routes[topic], route{name: name, handler: handler})
}

// Topics returns the registered topics in sorted order.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.routes))
	for topic := range r.routes {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Handlers returns the handler names registered for topic.
func (r *Registry) Handlers(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.routes[topic]))
	for _, rt := range r.routes[topic] {
		names = append(names, rt.name)
	}
	return names
}

// Dispatch runs every handler registered for msg.Topic. All handlers run even
// when one fails; the failures are joined.
func (r *Registry) Dispatch(ctx context.Context, msg Message) error {
	r.mu.RLock()
	routes := append([]route(nil), r.routes[msg.Topic]...)
	r.mu.RUnlock()

	var errs []error
	for _, rt := range routes {
		if err := rt.handler(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", rt.name, err))
		}
	}
	return errors.Join(errs...)
}
