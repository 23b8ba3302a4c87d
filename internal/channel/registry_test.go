package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
)

func newRegistry(t *testing.T) (*Registry, *messaging.Bus, *fanout.Broadcaster) {
	t.Helper()
	bus := messaging.NewBus()
	b := fanout.NewBroadcaster(bus, zerolog.Nop())
	return NewRegistry(b), bus, b
}

func TestBind_OncePerChannel(t *testing.T) {
	r, bus, _ := newRegistry(t)
	ch := messaging.EventChannel("e1")

	h1, created, err := r.Bind(ch)
	require.NoError(t, err)
	assert.True(t, created)

	h2, created, err := r.Bind(ch)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, h1, h2)

	assert.Equal(t, 1, bus.Subscribers(ch))
	assert.Equal(t, []string{ch}, r.Bound())
}

func TestBind_RejectsBadChannel(t *testing.T) {
	r, _, _ := newRegistry(t)

	for _, ch := range []string{"", "event-", "lobby", "event-a.b"} {
		_, _, err := r.Bind(ch)
		assert.True(t, apperr.Is(err, apperr.KindValidation), "channel %q", ch)
	}
	assert.Zero(t, r.Len())
}

func TestRelease_Idempotent(t *testing.T) {
	r, bus, b := newRegistry(t)
	ch := messaging.EventChannel("e1")

	h, _, err := r.Bind(ch)
	require.NoError(t, err)

	var got int
	h.On(fanout.EventNewMessage, func(fanout.Envelope) { got++ })

	require.NoError(t, r.Release(ch))
	require.NoError(t, r.Release(ch))
	assert.Zero(t, bus.Subscribers(ch))

	require.NoError(t, b.Publish(context.Background(), ch, fanout.EventNewMessage, map[string]string{"id": "m1"}))
	assert.Zero(t, got)

	_, ok := r.Lookup(ch)
	assert.False(t, ok)
}

func TestClose(t *testing.T) {
	r, bus, _ := newRegistry(t)
	events := messaging.EventChannel("e1")
	user := messaging.UserChannel("u1")

	_, _, err := r.Bind(events)
	require.NoError(t, err)
	_, _, err = r.Bind(user)
	require.NoError(t, err)
	assert.Equal(t, []string{events, user}, r.Bound())

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.Empty(t, r.Bound())
	assert.Zero(t, bus.Subscribers(events))
	assert.Zero(t, bus.Subscribers(user))

	_, _, err = r.Bind(events)
	assert.ErrorIs(t, err, ErrClosed)
}

type failingSubscriber struct{}

func (failingSubscriber) Subscribe(string) (*fanout.Handle, error) {
	return nil, errors.New("transport down")
}

func TestBind_SubscribeError(t *testing.T) {
	r := NewRegistry(failingSubscriber{})
	_, _, err := r.Bind(messaging.EventChannel("e1"))
	require.Error(t, err)
	assert.Zero(t, r.Len())
}
