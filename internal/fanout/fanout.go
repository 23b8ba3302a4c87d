// Package fanout broadcasts store changes to every viewer subscribed to a
// channel. Records are encoded into an Envelope and handed to a
// messaging.Transport; subscribers decode envelopes and dispatch on the
// event name.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/metrics"
)

// Broadcast event names.
const (
	EventNewMessage     = "new-message"
	EventMessageUpdated = "message-updated"
	EventMessageDeleted = "message-deleted"
	EventNewActivity    = "new-activity"
)

// Envelope is the wire form of one broadcast.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
	Ts      time.Time       `json:"ts"`
}

// Decode unmarshals the envelope's data into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("fanout: decode %s payload: %w", e.Event, err)
	}
	return nil
}

// Broadcaster publishes envelopes and opens subscriptions on a transport.
type Broadcaster struct {
	transport messaging.Transport
	logger    zerolog.Logger
	now       func() time.Time
}

// NewBroadcaster creates a Broadcaster over transport.
func NewBroadcaster(transport messaging.Transport, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{transport: transport, logger: logger, now: time.Now}
}

// Publish encodes payload and hands it to the transport. Failures are
// Transient. Ordering across calls on one channel follows the transport.
func (b *Broadcaster) Publish(ctx context.Context, channel, event string, payload any) error {
	const op = "fanout.publish"

	if err := ctx.Err(); err != nil {
		return apperr.Transient(op, err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return apperr.Transient(op, fmt.Errorf("encode %s payload: %w", event, err))
	}
	raw, err := json.Marshal(Envelope{
		Channel: channel,
		Event:   event,
		Data:    data,
		Ts:      b.now().UTC(),
	})
	if err != nil {
		return apperr.Transient(op, fmt.Errorf("encode envelope: %w", err))
	}

	if err := b.transport.Publish(channel, raw); err != nil {
		metrics.BroadcastsTotal.WithLabelValues(event, "error").Inc()
		return apperr.Transient(op, err)
	}
	metrics.BroadcastsTotal.WithLabelValues(event, "ok").Inc()
	return nil
}

// Notify is Publish for callers that have already committed the record:
// a failed broadcast is logged and dropped.
func (b *Broadcaster) Notify(ctx context.Context, channel, event string, payload any) {
	if err := b.Publish(ctx, channel, event, payload); err != nil {
		b.logger.Warn().Err(err).
			Str("channel", channel).
			Str("event", event).
			Msg("broadcast failed after persist")
	}
}

// Subscribe opens a subscription on channel. Callbacks are registered on
// the returned Handle.
func (b *Broadcaster) Subscribe(channel string) (*Handle, error) {
	h := &Handle{
		channel:  channel,
		handlers: make(map[string][]func(Envelope)),
		logger:   b.logger,
	}
	sub, err := b.transport.Subscribe(channel, h.deliver)
	if err != nil {
		return nil, apperr.Transient("fanout.subscribe", err)
	}
	h.sub = sub
	return h, nil
}

// Handle is one subscription to a channel. After Unsubscribe no callback
// fires again, even for envelopes already in flight.
type Handle struct {
	channel string
	logger  zerolog.Logger
	sub     messaging.Subscription

	mu       sync.Mutex
	closed   bool
	handlers map[string][]func(Envelope)
	wildcard []func(Envelope)
}

// Channel returns the subscribed channel name.
func (h *Handle) Channel() string { return h.channel }

// On registers cb for envelopes named event.
func (h *Handle) On(event string, cb func(Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.handlers[event] = append(h.handlers[event], cb)
}

// OnAny registers cb for every envelope on the channel.
func (h *Handle) OnAny(cb func(Envelope)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.wildcard = append(h.wildcard, cb)
}

// Unsubscribe detaches the handle. Safe to call more than once.
func (h *Handle) Unsubscribe() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.handlers = nil
	h.wildcard = nil
	h.mu.Unlock()

	if err := h.sub.Unsubscribe(); err != nil {
		return apperr.Transient("fanout.unsubscribe", err)
	}
	return nil
}

func (h *Handle) deliver(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.logger.Warn().Err(err).Str("channel", h.channel).Msg("dropping malformed envelope")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	cbs := make([]func(Envelope), 0, len(h.handlers[env.Event])+len(h.wildcard))
	cbs = append(cbs, h.handlers[env.Event]...)
	cbs = append(cbs, h.wildcard...)
	h.mu.Unlock()

	for _, cb := range cbs {
		cb(env)
	}
}
