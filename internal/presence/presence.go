// Package presence tracks which users are currently viewing an event. Each
// gateway connection is recorded in Redis with the events it has joined;
// per-event viewer counts are kept per user so a user with two tabs open is
// listed once and stays listed until both leave.
package presence

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for connection hashes.
	ConnPrefix = "presence:conn:"

	// EventPrefix is the Redis key prefix for per-event viewer hashes.
	EventPrefix = "presence:event:"

	// ConnTTL bounds how long a connection outlives its last heartbeat if
	// the gateway dies without cleaning up.
	ConnTTL = 1 * time.Hour
)

// Conn is a gateway connection as stored in Redis.
type Conn struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which gateway instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages presence state in Redis.
type Store struct {
	client      *redis.Client
	serverName  string
	joinScript  *redis.Script
	leaveScript *redis.Script
}

// NewStore creates a presence store. serverName identifies this gateway
// instance in connection records.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{
		client:      client,
		serverName:  serverName,
		joinScript:  redis.NewScript(joinLua),
		leaveScript: redis.NewScript(leaveLua),
	}
}

func connKey(connID string) string    { return ConnPrefix + connID }
func connEvents(connID string) string { return ConnPrefix + connID + ":events" }
func eventKey(eventID string) string  { return EventPrefix + eventID }

// Open records a new connection for userID.
func (s *Store) Open(ctx context.Context, connID, userID string) error {
	key := connKey(connID)
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          connID,
		"user_id":     userID,
		"server":      s.serverName,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, ConnTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence: open %s: %w", connID, err)
	}
	return nil
}

// Get retrieves a connection record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Conn, error) {
	var c Conn
	if err := s.client.HGetAll(ctx, connKey(connID)).Scan(&c); err != nil {
		return nil, fmt.Errorf("presence: get %s: %w", connID, err)
	}
	if c.ID == "" {
		return nil, nil
	}
	return &c, nil
}

// Touch refreshes the connection's TTL and last-active time.
func (s *Store) Touch(ctx context.Context, connID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, connKey(connID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, connKey(connID), ConnTTL)
	pipe.Expire(ctx, connEvents(connID), ConnTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Join marks the connection's user as viewing eventID. Joining twice from
// the same connection counts once.
func (s *Store) Join(ctx context.Context, connID, eventID string) error {
	keys := []string{connKey(connID), connEvents(connID), eventKey(eventID)}
	res, err := s.joinScript.Run(ctx, s.client, keys, eventID, int(ConnTTL.Seconds())).Int()
	if err != nil {
		return fmt.Errorf("presence: join %s: %w", eventID, err)
	}
	if res < 0 {
		return fmt.Errorf("presence: join %s: unknown connection %s", eventID, connID)
	}
	return nil
}

// Leave undoes Join. Leaving an event that was never joined is a no-op.
func (s *Store) Leave(ctx context.Context, connID, eventID string) error {
	keys := []string{connKey(connID), connEvents(connID), eventKey(eventID)}
	if err := s.leaveScript.Run(ctx, s.client, keys, eventID).Err(); err != nil {
		return fmt.Errorf("presence: leave %s: %w", eventID, err)
	}
	return nil
}

// Close leaves every event the connection joined and deletes its record.
func (s *Store) Close(ctx context.Context, connID string) error {
	events, err := s.client.SMembers(ctx, connEvents(connID)).Result()
	if err != nil {
		return fmt.Errorf("presence: close %s: %w", connID, err)
	}
	for _, eventID := range events {
		if err := s.Leave(ctx, connID, eventID); err != nil {
			return err
		}
	}
	return s.client.Del(ctx, connKey(connID), connEvents(connID)).Err()
}

// Viewers returns the ids of users currently viewing eventID, sorted.
func (s *Store) Viewers(ctx context.Context, eventID string) ([]string, error) {
	counts, err := s.client.HGetAll(ctx, eventKey(eventID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: viewers %s: %w", eventID, err)
	}
	out := make([]string, 0, len(counts))
	for userID, n := range counts {
		if c, _ := strconv.Atoi(n); c > 0 {
			out = append(out, userID)
		}
	}
	slices.Sort(out)
	return out, nil
}

// joinLua adds the event to the connection's set and, when newly added,
// bumps the user's count on the event. Returns -1 for an unknown connection.
const joinLua = `
local user = redis.call('HGET', KEYS[1], 'user_id')
if not user then return -1 end

if redis.call('SADD', KEYS[2], ARGV[1]) == 1 then
    redis.call('HINCRBY', KEYS[3], user, 1)
end
redis.call('EXPIRE', KEYS[2], ARGV[2])
redis.call('EXPIRE', KEYS[3], ARGV[2])
return 1
`

// leaveLua is the inverse of joinLua; a user's field is dropped when the
// count reaches zero.
const leaveLua = `
local user = redis.call('HGET', KEYS[1], 'user_id')
if not user then return 0 end

if redis.call('SREM', KEYS[2], ARGV[1]) == 1 then
    local n = redis.call('HINCRBY', KEYS[3], user, -1)
    if n <= 0 then
        redis.call('HDEL', KEYS[3], user)
    end
end
return 1
`
