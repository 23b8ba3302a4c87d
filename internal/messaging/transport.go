// Package messaging carries realtime envelopes between processes. A
// Transport moves opaque payloads on named channels; NATSClient is the
// production implementation and Bus serves single-process deployments
// and tests.
package messaging

import "strings"

// Transport is a pub/sub channel abstraction.
type Transport interface {
	// Publish hands data to every current subscriber of channel.
	Publish(channel string, data []byte) error
	// Subscribe registers handler for channel. Deliveries to one
	// subscription are sequential and in publish order.
	Subscribe(channel string, handler func(data []byte)) (Subscription, error)
}

// Subscription is a live registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe() error
}

const (
	eventChannelPrefix = "event-"
	userChannelPrefix  = "user-"
)

// EventChannel names the broadcast channel of an event.
func EventChannel(eventID string) string {
	return eventChannelPrefix + eventID
}

// UserChannel names the personal channel of a user.
func UserChannel(userID string) string {
	return userChannelPrefix + userID
}

// ParseChannel splits a channel name into its kind ("event" or "user") and
// id. ok is false for anything else.
func ParseChannel(channel string) (kind, id string, ok bool) {
	switch {
	case strings.HasPrefix(channel, eventChannelPrefix):
		kind, id = "event", strings.TrimPrefix(channel, eventChannelPrefix)
	case strings.HasPrefix(channel, userChannelPrefix):
		kind, id = "user", strings.TrimPrefix(channel, userChannelPrefix)
	default:
		return "", "", false
	}
	if id == "" || strings.ContainsAny(id, " .*>") {
		return "", "", false
	}
	return kind, id, true
}
