// Package directory reads the guest, event and user records owned by the
// surrounding event-management system. The realtime core only looks these
// up; the one write it performs is a guest check-in.
package directory

import (
	"context"
	"slices"
	"time"
)

// GuestStatus is a guest's RSVP state for one event.
type GuestStatus string

const (
	StatusInvited   GuestStatus = "invited"
	StatusConfirmed GuestStatus = "confirmed"
	StatusDeclined  GuestStatus = "declined"
	StatusWaitlist  GuestStatus = "waitlist"
	StatusCheckedIn GuestStatus = "checked_in"
)

// Guest is a person invited to or registered for an event.
type Guest struct {
	ID          string      `json:"id"`
	EventID     string      `json:"eventId"`
	UserID      string      `json:"userId"`
	Name        string      `json:"name"`
	Email       string      `json:"email"`
	Status      GuestStatus `json:"status"`
	Role        string      `json:"role"`
	CheckedInAt *time.Time  `json:"checkedInAt,omitempty"`
}

// Attending reports whether the guest may take part in the event's chat.
func (g *Guest) Attending() bool {
	return g.Status == StatusConfirmed || g.Status == StatusCheckedIn
}

// Event is the subset of an event record the core needs.
type Event struct {
	ID          string   `json:"id"`
	OrganizerID string   `json:"organizerId"`
	CoHosts     []string `json:"coHosts"`
	Title       string   `json:"title"`
	Capacity    int      `json:"capacity"`
}

// IsHost reports whether userID is the organizer or a co-host.
func (e *Event) IsHost(userID string) bool {
	if userID == "" {
		return false
	}
	return e.OrganizerID == userID || slices.Contains(e.CoHosts, userID)
}

// User is the display identity of an account.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// EventFinder looks up events. A missing event is (nil, nil).
type EventFinder interface {
	FindEvent(ctx context.Context, eventID string) (*Event, error)
}

// GuestFinder looks up a user's guest record for an event. A missing
// record is (nil, nil).
type GuestFinder interface {
	FindGuest(ctx context.Context, eventID, userID string) (*Guest, error)
}

// UserFinder resolves display identities in bulk. Unknown ids are absent
// from the result.
type UserFinder interface {
	FindUsers(ctx context.Context, ids []string) (map[string]User, error)
}

// Stats summarises an event's guest list.
type Stats struct {
	Total       int     `json:"total"`
	Confirmed   int     `json:"confirmed"`
	CheckedIn   int     `json:"checkedIn"`
	Waitlisted  int     `json:"waitlisted"`
	Capacity    int     `json:"capacity"`
	FillRate    float64 `json:"fillRate"`
	CheckInRate float64 `json:"checkInRate"`
}

// CheckInRate is checkedIn/confirmed as a percentage. confirmed == 0
// yields 0. The result is not clamped: check-ins recorded without a prior
// confirmation can push it past 100.
func CheckInRate(checkedIn, confirmed int) float64 {
	if confirmed <= 0 {
		return 0
	}
	return float64(checkedIn) / float64(confirmed) * 100
}

// FillRate is confirmed/capacity as a percentage; 0 when capacity is unset.
func FillRate(confirmed, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(confirmed) / float64(capacity) * 100
}
