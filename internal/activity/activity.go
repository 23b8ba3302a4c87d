// Package activity is the append-only log of domain actions performed on an
// event. Every recorded activity is broadcast on the event's channel and on
// the acting user's personal channel.
package activity

import (
	"context"
	"time"

	"github.com/eventhub/realtime/internal/directory"
)

// Activity is one immutable log entry.
type Activity struct {
	ID          string          `json:"id"`
	Type        Type            `json:"type"`
	UserID      string          `json:"userId"`
	EventID     string          `json:"eventId"`
	Metadata    map[string]any  `json:"metadata"`
	Description string          `json:"description"`
	CreatedAt   time.Time       `json:"createdAt"`
	User        *directory.User `json:"user,omitempty"`
}

// FeedQuery selects activities visible to one user.
type FeedQuery struct {
	VisibleTo string
	EventID   string
	Type      Type
	Before    *time.Time
	Limit     int

	// Search matches guestName or changes in the metadata, case-insensitively.
	Search string
}

// Repository is the activity persistence port. Every listing is newest
// first.
type Repository interface {
	Insert(ctx context.Context, a *Activity) error
	ListByEvent(ctx context.Context, eventID string, before *time.Time, limit int) ([]Activity, error)
	ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]Activity, error)
	// ListByType filters by eventID too when it is non-empty.
	ListByType(ctx context.Context, t Type, eventID string, limit int) ([]Activity, error)
	Feed(ctx context.Context, q FeedQuery) ([]Activity, error)
}
