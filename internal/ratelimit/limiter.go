// Package ratelimit provides Redis-backed rate limiting using the INCR +
// EXPIRE fixed window algorithm. Counters are shared by every API and
// gateway instance, so a limit holds across the fleet.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Name   string        // metrics label
	Key    string        // Redis key prefix (e.g., "rl:chat:", "rl:api:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleChatSend allows 10 chat messages per 10 seconds per user and event.
	RuleChatSend = Rule{Name: "chat_send", Key: "rl:chat:", Limit: 10, Window: 10 * time.Second}

	// RuleAPI allows 100 API requests per minute per user.
	RuleAPI = Rule{Name: "api", Key: "rl:api:", Limit: 100, Window: time.Minute}

	// RuleSubscribe allows 30 channel subscriptions per minute per connection.
	RuleSubscribe = Rule{Name: "subscribe", Key: "rl:sub:", Limit: 30, Window: time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per user.
	RuleConnect = Rule{Name: "connect", Key: "rl:conn:", Limit: 20, Window: time.Minute}
)

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client, logger zerolog.Logger) *Limiter {
	return &Limiter{client: client, logger: logger}
}

// Check counts one request for identifier under rule. On Redis errors it
// fails open so that a Redis outage does not block legitimate traffic; the
// error is still returned for logging.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	// NX keeps the window anchored at the first request.
	pipe.ExpireNX(ctx, key, rule.Window)
	ttl := pipe.PTTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit check failed, failing open")
		return Decision{Allowed: true, Remaining: rule.Limit}, err
	}

	count := int(incr.Val())
	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	if count <= rule.Limit {
		return Decision{Allowed: true, Remaining: remaining}, nil
	}

	retry := ttl.Val()
	if retry <= 0 {
		retry = rule.Window
	}
	return Decision{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
}

// Allow is Check reduced to a boolean.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	d, err := l.Check(ctx, identifier, rule)
	return d.Allowed, err
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		l.logger.Warn().Err(err).Str("key", key).Msg("rate limit lookup failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}
