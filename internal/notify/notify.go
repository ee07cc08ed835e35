// Package notify delivers user notifications. Delivery is fire-and-forget:
// sinks log their own failures and never fail the caller.
package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"storefront/internal/events"
	"storefront/internal/realtime"

	"go.uber.org/zap"
)

const ChannelEmail = "EMAIL"

// Notifier sends a message to a user over a channel.
type Notifier interface {
	Notify(ctx context.Context, userID int64, channel, message string)
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, userID int64, channel, message string)

func (f Func) Notify(ctx context.Context, userID int64, channel, message string) {
	f(ctx, userID, channel, message)
}

// Log writes notifications to the log.
type Log struct {
	logger *zap.Logger
}

// NewLog logs at info level. A nil logger discards.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Notify(ctx context.Context, userID int64, channel, message string) {
	l.logger.Info("notification",
		zap.Int64("user_id", userID),
		zap.String("channel", channel),
		zap.String("message", message))
}

// Bus publishes notifications on notification.event for asynchronous
// delivery.
type Bus struct {
	publisher events.Publisher
	logger    *zap.Logger
}

// NewBus publishes through publisher and logs failed publishes.
func NewBus(publisher events.Publisher, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{publisher: publisher, logger: logger}
}

func (b *Bus) Notify(ctx context.Context, userID int64, channel, message string) {
	err := events.Publish(ctx, b.publisher, events.TopicNotification, strconv.FormatInt(userID, 10), events.Notification{
		UserID:  userID,
		Channel: channel,
		Message: message,
	})
	if err != nil {
		b.logger.Warn("publish notification failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Hub pushes notifications to the user's open WebSocket connections.
type Hub struct {
	hub    *realtime.Hub
	logger *zap.Logger
}

// NewHub delivers through hub.
func NewHub(hub *realtime.Hub, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{hub: hub, logger: logger}
}

func (h *Hub) Notify(ctx context.Context, userID int64, channel, message string) {
	data, err := json.Marshal(events.Notification{UserID: userID, Channel: channel, Message: message})
	if err != nil {
		h.logger.Warn("encode notification failed", zap.Error(err))
		return
	}
	if err := h.hub.Deliver(ctx, userID, data); err != nil {
		h.logger.Warn("push notification failed", zap.Int64("user_id", userID), zap.Error(err))
	}
}

// Fanout delivers to every sink in order.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, userID int64, channel, message string) {
	for _, n := range f {
		if n != nil {
			n.Notify(ctx, userID, channel, message)
		}
	}
}
