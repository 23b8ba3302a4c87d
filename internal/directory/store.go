package directory

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/database"
)

// Store reads directory records from PostgreSQL.
type Store struct {
	handle *database.Handle
}

// NewStore creates a directory store on the shared handle.
func NewStore(handle *database.Handle) *Store {
	return &Store{handle: handle}
}

// FindEvent returns the event, or nil if it does not exist.
func (s *Store) FindEvent(ctx context.Context, eventID string) (*Event, error) {
	db, err := s.handle.DB(ctx)
	if err != nil {
		return nil, apperr.Transient("directory.find_event", err)
	}

	const query = `
		SELECT id, organizer_id, co_hosts, title, capacity
		FROM events
		WHERE id = $1`

	var ev Event
	err = db.QueryRowContext(ctx, query, eventID).Scan(
		&ev.ID, &ev.OrganizerID, pq.Array(&ev.CoHosts), &ev.Title, &ev.Capacity,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("directory.find_event", err)
	}
	return &ev, nil
}

// FindGuest returns the guest record for (eventID, userID), or nil.
func (s *Store) FindGuest(ctx context.Context, eventID, userID string) (*Guest, error) {
	return s.findGuest(ctx, "directory.find_guest", `event_id = $1 AND user_id = $2`, eventID, userID)
}

// FindGuestByID returns a guest of eventID by guest id, or nil.
func (s *Store) FindGuestByID(ctx context.Context, eventID, guestID string) (*Guest, error) {
	return s.findGuest(ctx, "directory.find_guest_by_id", `event_id = $1 AND id = $2`, eventID, guestID)
}

func (s *Store) findGuest(ctx context.Context, op, where string, args ...any) (*Guest, error) {
	db, err := s.handle.DB(ctx)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	query := `
		SELECT id, event_id, user_id, name, email, status, role, checked_in_at
		FROM guests
		WHERE ` + where

	g, err := scanGuest(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return g, nil
}

// FindUsers resolves the given user ids. Unknown ids are skipped.
func (s *Store) FindUsers(ctx context.Context, ids []string) (map[string]User, error) {
	out := make(map[string]User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	db, err := s.handle.DB(ctx)
	if err != nil {
		return nil, apperr.Transient("directory.find_users", err)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, apperr.Transient("directory.find_users", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, apperr.Transient("directory.find_users", err)
		}
		out[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("directory.find_users", err)
	}
	return out, nil
}

// FindUser resolves one user, or nil.
func (s *Store) FindUser(ctx context.Context, id string) (*User, error) {
	users, err := s.FindUsers(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	u, ok := users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// CheckIn marks a guest as checked in. It fails with NotFound when the
// guest does not belong to the event and with Validation when the guest is
// already checked in.
func (s *Store) CheckIn(ctx context.Context, eventID, guestID string, at time.Time) (*Guest, error) {
	const op = "directory.check_in"

	db, err := s.handle.DB(ctx)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}

	const query = `
		UPDATE guests
		SET status = 'checked_in', checked_in_at = $3
		WHERE event_id = $1 AND id = $2 AND status <> 'checked_in'
		RETURNING id, event_id, user_id, name, email, status, role, checked_in_at`

	g, err := scanGuest(db.QueryRowContext(ctx, query, eventID, guestID, at))
	if err == nil {
		return g, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Transient(op, err)
	}

	// No row updated: either missing or already checked in.
	existing, err := s.FindGuestByID(ctx, eventID, guestID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, apperr.NotFound(op, "guest not found")
	}
	return nil, apperr.Validation(op, "guest already checked in")
}

// Stats counts the event's guests by status. Returns NotFound for an
// unknown event.
func (s *Store) Stats(ctx context.Context, eventID string) (Stats, error) {
	const op = "directory.stats"

	ev, err := s.FindEvent(ctx, eventID)
	if err != nil {
		return Stats{}, err
	}
	if ev == nil {
		return Stats{}, apperr.NotFound(op, "event not found")
	}

	db, err := s.handle.DB(ctx)
	if err != nil {
		return Stats{}, apperr.Transient(op, err)
	}

	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'confirmed'),
			COUNT(*) FILTER (WHERE status = 'checked_in'),
			COUNT(*) FILTER (WHERE status = 'waitlist')
		FROM guests
		WHERE event_id = $1`

	var st Stats
	if err := db.QueryRowContext(ctx, query, eventID).Scan(
		&st.Total, &st.Confirmed, &st.CheckedIn, &st.Waitlisted,
	); err != nil {
		return Stats{}, apperr.Transient(op, err)
	}

	st.Capacity = ev.Capacity
	st.FillRate = FillRate(st.Confirmed, ev.Capacity)
	st.CheckInRate = CheckInRate(st.CheckedIn, st.Confirmed)
	return st, nil
}

func scanGuest(row *sql.Row) (*Guest, error) {
	var (
		g         Guest
		status    string
		checkedIn sql.NullTime
	)
	if err := row.Scan(&g.ID, &g.EventID, &g.UserID, &g.Name, &g.Email, &status, &g.Role, &checkedIn); err != nil {
		return nil, err
	}
	g.Status = GuestStatus(status)
	if checkedIn.Valid {
		t := checkedIn.Time
		g.CheckedInAt = &t
	}
	return &g, nil
}

