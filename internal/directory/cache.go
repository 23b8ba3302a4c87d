package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// EventCachePrefix is the Redis key prefix for cached event records.
const EventCachePrefix = "event:"

// missingMarker is cached for unknown events so repeated lookups of a bad
// id don't reach Postgres.
const missingMarker = "-"

// EventCache is a read-through Redis cache in front of an EventFinder.
// Every Access Guard check needs the event's host list, so this sits on the
// hottest read path. Redis errors fall through to the origin.
type EventCache struct {
	rdb    *redis.Client
	origin EventFinder
	ttl    time.Duration
	logger zerolog.Logger
}

// NewEventCache wraps origin with a cache of the given TTL.
func NewEventCache(rdb *redis.Client, origin EventFinder, ttl time.Duration, logger zerolog.Logger) *EventCache {
	return &EventCache{rdb: rdb, origin: origin, ttl: ttl, logger: logger}
}

// FindEvent implements EventFinder.
func (c *EventCache) FindEvent(ctx context.Context, eventID string) (*Event, error) {
	key := EventCachePrefix + eventID

	raw, err := c.rdb.Get(ctx, key).Result()
	switch {
	case err == nil:
		if raw == missingMarker {
			return nil, nil
		}
		var ev Event
		if jsonErr := json.Unmarshal([]byte(raw), &ev); jsonErr == nil {
			return &ev, nil
		}
		c.logger.Warn().Str("key", key).Msg("corrupt cached event, refetching")
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn().Err(err).Str("key", key).Msg("event cache read failed, using origin")
	}

	ev, err := c.origin.FindEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	value := missingMarker
	if ev != nil {
		data, err := json.Marshal(ev)
		if err != nil {
			return ev, nil
		}
		value = string(data)
	}
	if err := c.rdb.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("event cache write failed")
	}
	return ev, nil
}

// Invalidate drops the cached record for eventID.
func (c *EventCache) Invalidate(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, EventCachePrefix+eventID).Err()
}
