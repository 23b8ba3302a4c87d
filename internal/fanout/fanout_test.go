package fanout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/messaging"
)

type payload struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(messaging.NewBus(), zerolog.Nop())
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return fixed }

	h, err := b.Subscribe("event-1")
	require.NoError(t, err)

	var got []payload
	h.On(EventNewMessage, func(env Envelope) {
		assert.Equal(t, "event-1", env.Channel)
		assert.Equal(t, fixed, env.Ts)
		var p payload
		require.NoError(t, env.Decode(&p))
		got = append(got, p)
	})

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "event-1", EventNewMessage, payload{ID: "m1", Text: "hi"}))
	require.NoError(t, b.Publish(ctx, "event-1", EventMessageDeleted, payload{ID: "m1"}))
	require.NoError(t, b.Publish(ctx, "event-1", EventNewMessage, payload{ID: "m2", Text: "yo"}))

	assert.Equal(t, []payload{{ID: "m1", Text: "hi"}, {ID: "m2", Text: "yo"}}, got)
}

func TestOnAnySeesEveryEvent(t *testing.T) {
	b := NewBroadcaster(messaging.NewBus(), zerolog.Nop())
	h, err := b.Subscribe("user-u1")
	require.NoError(t, err)

	var events []string
	h.OnAny(func(env Envelope) { events = append(events, env.Event) })

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, "user-u1", EventNewActivity, payload{ID: "a1"}))
	require.NoError(t, b.Publish(ctx, "user-u1", EventMessageUpdated, payload{ID: "m1"}))

	assert.Equal(t, []string{EventNewActivity, EventMessageUpdated}, events)
}

func TestUnsubscribeSilencesCallbacks(t *testing.T) {
	bus := messaging.NewBus()
	b := NewBroadcaster(bus, zerolog.Nop())
	h, err := b.Subscribe("event-1")
	require.NoError(t, err)

	calls := 0
	h.On(EventNewMessage, func(Envelope) { calls++ })

	require.NoError(t, h.Unsubscribe())
	require.NoError(t, h.Unsubscribe())
	assert.Zero(t, bus.Subscribers("event-1"))

	// An envelope that was already in flight when the handle closed.
	h.deliver([]byte(`{"channel":"event-1","event":"new-message","data":{}}`))
	require.NoError(t, b.Publish(context.Background(), "event-1", EventNewMessage, payload{}))
	assert.Zero(t, calls)

	h.On(EventNewMessage, func(Envelope) { calls++ })
	h.deliver([]byte(`{"channel":"event-1","event":"new-message","data":{}}`))
	assert.Zero(t, calls)
}

func TestMalformedEnvelopeDropped(t *testing.T) {
	b := NewBroadcaster(messaging.NewBus(), zerolog.Nop())
	h, err := b.Subscribe("event-1")
	require.NoError(t, err)

	calls := 0
	h.OnAny(func(Envelope) { calls++ })
	h.deliver([]byte("not json"))
	assert.Zero(t, calls)
}

type failingTransport struct{}

func (failingTransport) Publish(string, []byte) error { return errors.New("nats: connection closed") }
func (failingTransport) Subscribe(string, func([]byte)) (messaging.Subscription, error) {
	return nil, errors.New("nats: connection closed")
}

func TestPublishFailureIsTransient(t *testing.T) {
	b := NewBroadcaster(failingTransport{}, zerolog.Nop())

	err := b.Publish(context.Background(), "event-1", EventNewMessage, payload{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindTransient))

	_, err = b.Subscribe("event-1")
	assert.True(t, apperr.Is(err, apperr.KindTransient))

	// Notify swallows.
	b.Notify(context.Background(), "event-1", EventNewMessage, payload{})
}

func TestPublishHonoursCancelledContext(t *testing.T) {
	bus := messaging.NewBus()
	b := NewBroadcaster(bus, zerolog.Nop())
	h, err := b.Subscribe("event-1")
	require.NoError(t, err)
	calls := 0
	h.OnAny(func(Envelope) { calls++ })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = b.Publish(ctx, "event-1", EventNewMessage, payload{})
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Zero(t, calls)
}
