// Package access decides who may read from and write to an event's chat
// channel.
package access

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/directory"
)

// Guard answers authorization questions from directory records. It never
// returns errors: a missing record or failed lookup denies access.
type Guard struct {
	events directory.EventFinder
	guests directory.GuestFinder
	logger zerolog.Logger
}

// NewGuard creates a Guard.
func NewGuard(events directory.EventFinder, guests directory.GuestFinder, logger zerolog.Logger) *Guard {
	return &Guard{events: events, guests: guests, logger: logger}
}

// CanAccessChannel reports whether userID may join the event's channel:
// a confirmed or checked-in guest, the organizer, or a co-host.
func (g *Guard) CanAccessChannel(ctx context.Context, eventID, userID string) bool {
	if eventID == "" || userID == "" {
		return false
	}

	// A failed guest lookup still lets hosts in through the event record.
	guest, err := g.guests.FindGuest(ctx, eventID, userID)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("event_id", eventID).
			Str("user_id", userID).
			Msg("guest lookup failed, checking hosts only")
	} else if guest != nil && guest.Attending() {
		return true
	}

	return g.CanModerate(ctx, eventID, userID)
}

// CanModerate reports whether userID is the event's organizer or a co-host.
func (g *Guard) CanModerate(ctx context.Context, eventID, userID string) bool {
	if eventID == "" || userID == "" {
		return false
	}

	ev, err := g.events.FindEvent(ctx, eventID)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("event_id", eventID).
			Str("user_id", userID).
			Msg("event lookup failed, denying")
		return false
	}
	return ev != nil && ev.IsHost(userID)
}
