package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/eventhub/realtime/internal/database"
	"github.com/eventhub/realtime/internal/metrics"
)

const activityColumns = `id, type, user_id, event_id, metadata, created_at`

// PostgresRepository stores activities in the activities table.
type PostgresRepository struct {
	handle *database.Handle
}

// NewPostgresRepository creates a repository on the shared handle.
func NewPostgresRepository(handle *database.Handle) *PostgresRepository {
	return &PostgresRepository{handle: handle}
}

func (r *PostgresRepository) Insert(ctx context.Context, a *Activity) error {
	defer metrics.ObserveStore("activity.insert", time.Now())

	db, err := r.handle.DB(ctx)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("activity: encode metadata: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO activities (`+activityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, string(a.Type), a.UserID, a.EventID, meta, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("activity: insert: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByEvent(ctx context.Context, eventID string, before *time.Time, limit int) ([]Activity, error) {
	return r.query(ctx, "activity.list_event", `
		SELECT `+activityColumns+`
		FROM activities
		WHERE event_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, eventID, before, limit)
}

func (r *PostgresRepository) ListByUser(ctx context.Context, userID string, before *time.Time, limit int) ([]Activity, error) {
	return r.query(ctx, "activity.list_user", `
		SELECT `+activityColumns+`
		FROM activities
		WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, userID, before, limit)
}

func (r *PostgresRepository) ListByType(ctx context.Context, t Type, eventID string, limit int) ([]Activity, error) {
	return r.query(ctx, "activity.list_type", `
		SELECT `+activityColumns+`
		FROM activities
		WHERE type = $1 AND ($2 = '' OR event_id = $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, string(t), eventID, limit)
}

// Feed returns activities on events the user hosts or attends, plus the
// user's own activities anywhere.
func (r *PostgresRepository) Feed(ctx context.Context, q FeedQuery) ([]Activity, error) {
	var (
		where = []string{`(
			a.user_id = $1
			OR a.event_id IN (SELECT id FROM events WHERE organizer_id = $1 OR $1 = ANY(co_hosts))
			OR a.event_id IN (SELECT event_id FROM guests WHERE user_id = $1 AND status IN ('confirmed', 'checked_in'))
		)`}
		args = []any{q.VisibleTo}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if q.EventID != "" {
		where = append(where, "a.event_id = "+arg(q.EventID))
	}
	if q.Type != "" {
		where = append(where, "a.type = "+arg(string(q.Type)))
	}
	if q.Before != nil {
		where = append(where, "a.created_at < "+arg(*q.Before))
	}
	if q.Search != "" {
		p := arg("%" + escapeLike(q.Search) + "%")
		where = append(where, fmt.Sprintf("(a.metadata->>'guestName' ILIKE %s OR a.metadata->>'changes' ILIKE %s)", p, p))
	}

	query := `
		SELECT a.id, a.type, a.user_id, a.event_id, a.metadata, a.created_at
		FROM activities a
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY a.created_at DESC, a.seq DESC
		LIMIT ` + arg(q.Limit)

	return r.query(ctx, "activity.feed", query, args...)
}

func (r *PostgresRepository) query(ctx context.Context, op, query string, args ...any) ([]Activity, error) {
	defer metrics.ObserveStore(op, time.Now())

	db, err := r.handle.DB(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func scanActivity(rows *sql.Rows) (Activity, error) {
	var (
		a    Activity
		typ  string
		meta []byte
	)
	if err := rows.Scan(&a.ID, &typ, &a.UserID, &a.EventID, &meta, &a.CreatedAt); err != nil {
		return Activity{}, err
	}
	a.Type = Type(typ)
	a.Description = Describe(a.Type)
	if err := json.Unmarshal(meta, &a.Metadata); err != nil {
		return Activity{}, fmt.Errorf("decode metadata: %w", err)
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	return a, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
