package rabbitmq

import (
	"testing"
	"time"

	"storefront/internal/events"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestPublishingRoundTrip(t *testing.T) {
	created := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := events.Message{
		ID:        "m-1",
		Topic:     events.TopicPaymentFailed,
		Key:       "17",
		Payload:   []byte(`{"orderId":17}`),
		CreatedAt: created,
	}

	pub := toPublishing(msg)
	if pub.DeliveryMode != amqp.Persistent {
		t.Fatalf("expected persistent delivery, got %d", pub.DeliveryMode)
	}
	if pub.ContentType != "application/json" {
		t.Fatalf("unexpected content type %q", pub.ContentType)
	}

	got := fromDelivery(amqp.Delivery{
		MessageId:  pub.MessageId,
		RoutingKey: msg.Topic,
		Headers:    pub.Headers,
		Body:       pub.Body,
		Timestamp:  pub.Timestamp,
	})
	if got.ID != msg.ID || got.Topic != msg.Topic || got.Key != msg.Key || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("unexpected timestamp %v", got.CreatedAt)
	}
}

func TestFromDelivery_FallsBackToType(t *testing.T) {
	got := fromDelivery(amqp.Delivery{Type: events.TopicOrderCreated})
	if got.Topic != events.TopicOrderCreated {
		t.Fatalf("expected topic from type, got %q", got.Topic)
	}
	if got.Key != "" {
		t.Fatalf("expected empty key, got %q", got.Key)
	}
}
