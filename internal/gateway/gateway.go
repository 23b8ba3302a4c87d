// Package gateway binds WebSocket connections to broadcast channels. A
// connection subscribes to event-<id> only if the access guard admits its
// user, and to user-<id> only for its own user id. Broadcasts on a bound
// channel are relayed to the connection as event frames.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/auth"
	"github.com/eventhub/realtime/internal/channel"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/metrics"
	"github.com/eventhub/realtime/internal/protocol"
	"github.com/eventhub/realtime/internal/ratelimit"
	"github.com/eventhub/realtime/internal/ws"
)

const opTimeout = 3 * time.Second

// Guard decides event channel access.
type Guard interface {
	CanAccessChannel(ctx context.Context, eventID, userID string) bool
}

// Presence records which users view which events.
type Presence interface {
	Open(ctx context.Context, connID, userID string) error
	Touch(ctx context.Context, connID string) error
	Join(ctx context.Context, connID, eventID string) error
	Leave(ctx context.Context, connID, eventID string) error
	Close(ctx context.Context, connID string) error
}

// Limiter throttles connects and subscribes.
type Limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) (ratelimit.Decision, error)
}

// Config wires a Gateway. Presence and Limiter may be nil.
type Config struct {
	Subscriber channel.Subscriber
	Guard      Guard
	Presence   Presence
	Limiter    Limiter
	Logger     zerolog.Logger
}

// Gateway holds the per-connection channel registries.
type Gateway struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	conn     *ws.Connection
	registry *channel.Registry
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	return &Gateway{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[string]*session),
	}
}

// Hooks registers the gateway's frame handlers on d and returns the server
// hooks that drive it.
func (g *Gateway) Hooks(d *ws.MessageDispatcher) ws.Hooks {
	d.Register(protocol.TypeSubscribe, g.handleSubscribe)
	d.Register(protocol.TypeUnsubscribe, g.handleUnsubscribe)
	return ws.Hooks{
		Admit:        g.Admit,
		OnConnect:    g.OnConnect,
		OnMessage:    d.Dispatch,
		OnDisconnect: g.OnDisconnect,
	}
}

// Admit applies the per-user connect limit.
func (g *Gateway) Admit(ctx context.Context, id auth.Identity) error {
	if g.cfg.Limiter == nil {
		return nil
	}
	d, _ := g.cfg.Limiter.Check(ctx, id.ID, ratelimit.RuleConnect)
	if !d.Allowed {
		metrics.RateLimitedTotal.WithLabelValues(ratelimit.RuleConnect.Name).Inc()
		return apperr.RateLimited("gateway.admit", "too many connections")
	}
	return nil
}

// OnConnect starts tracking c.
func (g *Gateway) OnConnect(c *ws.Connection) {
	g.mu.Lock()
	g.sessions[c.ID] = &session{conn: c, registry: channel.NewRegistry(g.cfg.Subscriber)}
	g.mu.Unlock()

	if g.cfg.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := g.cfg.Presence.Open(ctx, c.ID, c.UserID); err != nil {
			g.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("presence open failed")
		}
	}
}

// OnDisconnect releases every channel c was bound to.
func (g *Gateway) OnDisconnect(c *ws.Connection) {
	g.mu.Lock()
	s, ok := g.sessions[c.ID]
	delete(g.sessions, c.ID)
	g.mu.Unlock()
	if !ok {
		return
	}

	n := s.registry.Len()
	if err := s.registry.Close(); err != nil {
		g.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("releasing channels failed")
	}
	metrics.ChannelBindings.Sub(float64(n))

	if g.cfg.Presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := g.cfg.Presence.Close(ctx, c.ID); err != nil {
			g.logger.Warn().Err(err).Str("conn_id", c.ID).Msg("presence close failed")
		}
	}
}

// Channels lists the channels bound by connection connID.
func (g *Gateway) Channels(connID string) []string {
	s := g.session(connID)
	if s == nil {
		return nil
	}
	return s.registry.Bound()
}

// TouchAll refreshes presence for every live connection.
func (g *Gateway) TouchAll(ctx context.Context) {
	if g.cfg.Presence == nil {
		return
	}
	g.mu.Lock()
	ids := make([]string, 0, len(g.sessions))
	for id := range g.sessions {
		ids = append(ids, id)
	}
	g.mu.Unlock()

	for _, id := range ids {
		if err := g.cfg.Presence.Touch(ctx, id); err != nil {
			g.logger.Debug().Err(err).Str("conn_id", id).Msg("presence touch failed")
		}
	}
}

func (g *Gateway) session(connID string) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions[connID]
}

func (g *Gateway) handleSubscribe(c *ws.Connection, msg interface{}) {
	ch := msg.(protocol.SubscribeMsg).Channel
	s := g.session(c.ID)
	if s == nil {
		ws.SendError(c, g.logger, protocol.CodeInternal, "session not established", ch)
		return
	}

	kind, id, ok := messaging.ParseChannel(ch)
	if !ok {
		ws.SendError(c, g.logger, protocol.CodeBadRequest, "invalid channel", ch)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if g.cfg.Limiter != nil {
		d, _ := g.cfg.Limiter.Check(ctx, c.ID, ratelimit.RuleSubscribe)
		if !d.Allowed {
			metrics.RateLimitedTotal.WithLabelValues(ratelimit.RuleSubscribe.Name).Inc()
			ws.Send(c, g.logger, protocol.TypeRateLimited, protocol.RateLimitedMsg{
				RetryAfter: int(d.RetryAfter.Round(time.Second).Seconds()),
			})
			return
		}
	}

	switch kind {
	case "user":
		if id != c.UserID {
			ws.SendError(c, g.logger, protocol.CodeUnauthorized, "cannot subscribe to another user's channel", ch)
			return
		}
	case "event":
		if !g.cfg.Guard.CanAccessChannel(ctx, id, c.UserID) {
			ws.SendError(c, g.logger, protocol.CodeUnauthorized, "not a guest of this event", ch)
			return
		}
	}

	h, created, err := s.registry.Bind(ch)
	if err != nil {
		if apperr.Is(err, apperr.KindValidation) {
			ws.SendError(c, g.logger, protocol.CodeBadRequest, apperr.Message(err), ch)
			return
		}
		g.logger.Error().Err(err).Str("conn_id", c.ID).Str("channel", ch).Msg("subscribe failed")
		ws.SendError(c, g.logger, protocol.CodeInternal, "subscribe failed", ch)
		return
	}

	if created {
		h.OnAny(g.relay(c))
		metrics.ChannelBindings.Inc()
		if kind == "event" && g.cfg.Presence != nil {
			if err := g.cfg.Presence.Join(ctx, c.ID, id); err != nil {
				g.logger.Warn().Err(err).Str("conn_id", c.ID).Str("event_id", id).Msg("presence join failed")
			}
		}
	}

	ws.Send(c, g.logger, protocol.TypeSubscribed, protocol.SubscribedMsg{Channel: ch})
}

func (g *Gateway) handleUnsubscribe(c *ws.Connection, msg interface{}) {
	ch := msg.(protocol.UnsubscribeMsg).Channel
	s := g.session(c.ID)
	if s == nil {
		return
	}

	if _, bound := s.registry.Lookup(ch); bound {
		if err := s.registry.Release(ch); err != nil {
			g.logger.Warn().Err(err).Str("conn_id", c.ID).Str("channel", ch).Msg("unsubscribe failed")
		}
		metrics.ChannelBindings.Dec()

		if kind, id, _ := messaging.ParseChannel(ch); kind == "event" && g.cfg.Presence != nil {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if err := g.cfg.Presence.Leave(ctx, c.ID, id); err != nil {
				g.logger.Warn().Err(err).Str("conn_id", c.ID).Str("event_id", id).Msg("presence leave failed")
			}
		}
	}

	ws.Send(c, g.logger, protocol.TypeUnsubscribed, protocol.UnsubscribedMsg{Channel: ch})
}

func (g *Gateway) relay(c *ws.Connection) func(fanout.Envelope) {
	return func(env fanout.Envelope) {
		ws.Send(c, g.logger, protocol.TypeEvent, protocol.EventMsg{
			Channel: env.Channel,
			Event:   env.Event,
			Data:    env.Data,
			Ts:      env.Ts,
		})
	}
}
