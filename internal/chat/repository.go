package chat

import (
	"context"
	"time"
)

// Repository is the message persistence port. Missing records are
// reported as (nil, nil); I/O failures as errors.
type Repository interface {
	Insert(ctx context.Context, m *Message) error
	// List returns up to limit messages of eventID created strictly before
	// before (when non-nil), newest first.
	List(ctx context.Context, eventID string, before *time.Time, limit int) ([]Message, error)
	Get(ctx context.Context, eventID, messageID string) (*Message, error)
	UpdateContent(ctx context.Context, eventID, messageID, content string, at time.Time) (*Message, error)
	// Delete reports whether a row was removed.
	Delete(ctx context.Context, eventID, messageID string) (bool, error)
	// AddReadReceipt appends a receipt unless userID already has one.
	AddReadReceipt(ctx context.Context, eventID, messageID, userID string, at time.Time) (*Message, error)
}
