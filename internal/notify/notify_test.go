package notify

import (
	"context"
	"errors"
	"testing"

	"storefront/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type sent struct {
	userID  int64
	channel string
	message string
}

func capture(out *[]sent) Func {
	return func(ctx context.Context, userID int64, channel, message string) {
		*out = append(*out, sent{userID, channel, message})
	}
}

func TestFanout_DeliversToEverySink(t *testing.T) {
	var a, b []sent
	f := Fanout{capture(&a), nil, capture(&b)}

	f.Notify(context.Background(), 7, ChannelEmail, "hello")

	want := []sent{{7, ChannelEmail, "hello"}}
	assert.Equal(t, want, a)
	assert.Equal(t, want, b)
}

func TestBus_PublishesNotificationEvent(t *testing.T) {
	rec := events.NewRecorder()
	NewBus(rec, nil).Notify(context.Background(), 7, ChannelEmail, "paid")

	msgs := rec.Messages(events.TopicNotification)
	require.Len(t, msgs, 1)
	assert.Equal(t, "7", msgs[0].Key)

	var n events.Notification
	require.NoError(t, msgs[0].Decode(&n))
	assert.Equal(t, events.Notification{UserID: 7, Channel: ChannelEmail, Message: "paid"}, n)
}

func TestBus_PublishFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	rec := events.NewRecorder()
	rec.FailWith = func(events.Message) error { return errors.New("broker down") }

	NewBus(rec, zap.New(core)).Notify(context.Background(), 7, ChannelEmail, "paid")

	assert.Equal(t, 1, logs.FilterMessage("publish notification failed").Len())
}

func TestLog_WritesFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewLog(zap.New(core)).Notify(context.Background(), 9, ChannelEmail, "hi")

	entries := logs.FilterMessage("notification").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(9), fields["user_id"])
	assert.Equal(t, "hi", fields["message"])
}
