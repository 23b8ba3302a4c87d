package gateway

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/protocol"
	"github.com/eventhub/realtime/internal/ratelimit"
	"github.com/eventhub/realtime/internal/ws"
)

type guests map[string][]string

func (g guests) CanAccessChannel(_ context.Context, eventID, userID string) bool {
	for _, u := range g[eventID] {
		if u == userID {
			return true
		}
	}
	return false
}

type fakePresence struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePresence) record(s string) error {
	p.mu.Lock()
	p.calls = append(p.calls, s)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) Open(_ context.Context, connID, userID string) error {
	return p.record("open " + userID)
}
func (p *fakePresence) Touch(_ context.Context, connID string) error { return p.record("touch") }
func (p *fakePresence) Join(_ context.Context, connID, eventID string) error {
	return p.record("join " + eventID)
}
func (p *fakePresence) Leave(_ context.Context, connID, eventID string) error {
	return p.record("leave " + eventID)
}
func (p *fakePresence) Close(_ context.Context, connID string) error { return p.record("close") }

func (p *fakePresence) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type denyAll struct{}

func (denyAll) Check(context.Context, string, ratelimit.Rule) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, RetryAfter: 4 * time.Second}, nil
}

type peer struct {
	frames chan map[string]any
}

func (p *peer) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-p.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
		return nil
	}
}

func (p *peer) none(t *testing.T) {
	t.Helper()
	select {
	case f := <-p.frames:
		t.Fatalf("unexpected frame %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func newConn(t *testing.T, id, userID string) (*ws.Connection, *peer) {
	t.Helper()
	server, client := net.Pipe()
	p := &peer{frames: make(chan map[string]any, 32)}
	go func() {
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			var m map[string]any
			if json.Unmarshal(data, &m) == nil {
				p.frames <- m
			}
		}
	}()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &ws.Connection{ID: id, UserID: userID, Conn: server}, p
}

type harness struct {
	gw       *Gateway
	d        *ws.MessageDispatcher
	hooks    ws.Hooks
	b        *fanout.Broadcaster
	bus      *messaging.Bus
	presence *fakePresence
}

func newHarness(t *testing.T, limiter Limiter) *harness {
	t.Helper()
	bus := messaging.NewBus()
	b := fanout.NewBroadcaster(bus, zerolog.Nop())
	presence := &fakePresence{}
	gw := New(Config{
		Subscriber: b,
		Guard:      guests{"e1": {"alice"}},
		Presence:   presence,
		Limiter:    limiter,
		Logger:     zerolog.Nop(),
	})
	d := ws.NewMessageDispatcher(zerolog.Nop())
	return &harness{gw: gw, d: d, hooks: gw.Hooks(d), b: b, bus: bus, presence: presence}
}

func (h *harness) send(c *ws.Connection, frame string) {
	h.hooks.OnMessage(c, []byte(frame))
}

func TestSubscribe_RelaysBroadcasts(t *testing.T) {
	h := newHarness(t, nil)
	c, p := newConn(t, "c1", "alice")
	h.hooks.OnConnect(c)

	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	ack := p.next(t)
	assert.Equal(t, protocol.TypeSubscribed, ack["type"])
	assert.Equal(t, "event-e1", ack["channel"])

	require.NoError(t, h.b.Publish(context.Background(), "event-e1", fanout.EventNewMessage, map[string]string{"id": "m1"}))
	ev := p.next(t)
	assert.Equal(t, protocol.TypeEvent, ev["type"])
	assert.Equal(t, "event-e1", ev["channel"])
	assert.Equal(t, fanout.EventNewMessage, ev["event"])
	assert.Equal(t, map[string]any{"id": "m1"}, ev["data"])

	// Subscribing again does not double delivery.
	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	assert.Equal(t, protocol.TypeSubscribed, p.next(t)["type"])
	assert.Equal(t, 1, h.bus.Subscribers("event-e1"))
	assert.Equal(t, []string{"event-e1"}, h.gw.Channels("c1"))
}

func TestSubscribe_GuardDenies(t *testing.T) {
	h := newHarness(t, nil)
	c, p := newConn(t, "c1", "mallory")
	h.hooks.OnConnect(c)

	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	f := p.next(t)
	assert.Equal(t, protocol.TypeError, f["type"])
	assert.Equal(t, protocol.CodeUnauthorized, f["code"])
	assert.Equal(t, "event-e1", f["channel"])
	assert.Zero(t, h.bus.Subscribers("event-e1"))
}

func TestSubscribe_UserChannelOwnership(t *testing.T) {
	h := newHarness(t, nil)
	c, p := newConn(t, "c1", "alice")
	h.hooks.OnConnect(c)

	h.send(c, `{"type":"subscribe","channel":"user-bob"}`)
	assert.Equal(t, protocol.CodeUnauthorized, p.next(t)["code"])

	h.send(c, `{"type":"subscribe","channel":"user-alice"}`)
	assert.Equal(t, protocol.TypeSubscribed, p.next(t)["type"])

	h.send(c, `{"type":"subscribe","channel":"lobby"}`)
	assert.Equal(t, protocol.CodeBadRequest, p.next(t)["code"])
}

func TestSubscribe_WithoutSessionReplies(t *testing.T) {
	h := newHarness(t, nil)
	c, p := newConn(t, "c1", "alice")

	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	f := p.next(t)
	assert.Equal(t, protocol.TypeError, f["type"])
	assert.Equal(t, protocol.CodeInternal, f["code"])
	assert.Equal(t, "event-e1", f["channel"])
	assert.Zero(t, h.bus.Subscribers("event-e1"))
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	c, p := newConn(t, "c1", "alice")
	h.hooks.OnConnect(c)

	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	p.next(t)

	h.send(c, `{"type":"unsubscribe","channel":"event-e1"}`)
	assert.Equal(t, protocol.TypeUnsubscribed, p.next(t)["type"])
	h.send(c, `{"type":"unsubscribe","channel":"event-e1"}`)
	assert.Equal(t, protocol.TypeUnsubscribed, p.next(t)["type"])

	require.NoError(t, h.b.Publish(context.Background(), "event-e1", fanout.EventNewMessage, map[string]string{"id": "m1"}))
	p.none(t)

	assert.Equal(t, []string{"open alice", "join e1", "leave e1"}, h.presence.Calls())
}

func TestDisconnect_ReleasesChannels(t *testing.T) {
	h := newHarness(t, nil)
	c, p := newConn(t, "c1", "alice")
	h.hooks.OnConnect(c)

	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	p.next(t)
	h.send(c, `{"type":"subscribe","channel":"user-alice"}`)
	p.next(t)

	h.hooks.OnDisconnect(c)
	h.hooks.OnDisconnect(c)

	assert.Zero(t, h.bus.Subscribers("event-e1"))
	assert.Zero(t, h.bus.Subscribers("user-alice"))
	assert.Nil(t, h.gw.Channels("c1"))
	assert.Equal(t, []string{"open alice", "join e1", "close"}, h.presence.Calls())

	h.gw.TouchAll(context.Background())
	assert.Len(t, h.presence.Calls(), 3)
}

func TestRateLimits(t *testing.T) {
	h := newHarness(t, denyAll{})

	err := h.hooks.Admit(context.Background(), auth.Identity{ID: "alice"})
	assert.True(t, apperr.Is(err, apperr.KindRateLimited))

	c, p := newConn(t, "c1", "alice")
	h.hooks.OnConnect(c)
	h.send(c, `{"type":"subscribe","channel":"event-e1"}`)
	f := p.next(t)
	assert.Equal(t, protocol.TypeRateLimited, f["type"])
	assert.Equal(t, float64(4), f["retry_after"])
}
