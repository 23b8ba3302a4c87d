package messaging

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// SubjectPrefix namespaces realtime channels on the NATS bus:
// channel "event-42" travels on subject "rt.event-42".
const SubjectPrefix = "rt."

// Subject returns the NATS subject carrying channel.
func Subject(channel string) string {
	return SubjectPrefix + channel
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "eventhub-rt",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NATSClient is a Transport over a NATS connection. NATS preserves
// publish order per subject for a single publisher, which gives the
// per-channel ordering the broadcaster relies on.
type NATSClient struct {
	conn   *nats.Conn
	logger zerolog.Logger

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger zerolog.Logger) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn().Err(err).Msg("nats disconnected")
			} else {
				logger.Warn().Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[*nats.Subscription]struct{}),
	}, nil
}

// Publish implements Transport.
func (c *NATSClient) Publish(channel string, data []byte) error {
	if err := c.conn.Publish(Subject(channel), data); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe implements Transport. Handlers for one subscription run
// sequentially on the subscription's delivery goroutine.
func (c *NATSClient) Subscribe(channel string, handler func(data []byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(Subject(channel), func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return &natsSubscription{client: c, sub: sub}, nil
}

// Healthy reports whether the connection is currently established.
func (c *NATSClient) Healthy() bool {
	return c.conn.IsConnected()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Str("subject", sub.Subject).Msg("nats drain failed")
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn().Err(err).Msg("nats connection drain failed")
	}
}

type natsSubscription struct {
	client *NATSClient
	sub    *nats.Subscription
	once   sync.Once
}

func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s.sub)
		s.client.mu.Unlock()

		if uerr := s.sub.Unsubscribe(); uerr != nil && uerr != nats.ErrConnectionClosed {
			err = fmt.Errorf("nats unsubscribe %s: %w", s.sub.Subject, uerr)
		}
	})
	return err
}
