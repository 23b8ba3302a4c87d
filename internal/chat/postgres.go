package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eventhub/realtime/internal/database"
	"github.com/eventhub/realtime/internal/metrics"
)

const messageColumns = `id, event_id, sender_id, sender_name, sender_avatar, kind, content,
	reply_to_id, reply_to_content, attachments, read_by, edited, created_at, updated_at`

// PostgresRepository stores messages in the messages table.
type PostgresRepository struct {
	handle *database.Handle
}

// NewPostgresRepository creates a repository on the shared handle.
func NewPostgresRepository(handle *database.Handle) *PostgresRepository {
	return &PostgresRepository{handle: handle}
}

func (r *PostgresRepository) Insert(ctx context.Context, m *Message) error {
	defer metrics.ObserveStore("chat.insert", time.Now())

	db, err := r.handle.DB(ctx)
	if err != nil {
		return err
	}

	attachments, err := json.Marshal(nonNil(m.Attachments))
	if err != nil {
		return fmt.Errorf("chat: encode attachments: %w", err)
	}
	readBy, err := json.Marshal(nonNil(m.ReadBy))
	if err != nil {
		return fmt.Errorf("chat: encode read receipts: %w", err)
	}

	var replyID, replyContent sql.NullString
	if m.ReplyTo != nil {
		replyID = sql.NullString{String: m.ReplyTo.MessageID, Valid: true}
		replyContent = sql.NullString{String: m.ReplyTo.Content, Valid: true}
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		m.ID, m.EventID, m.SenderID, m.SenderName, m.SenderAvatar, string(m.Kind), m.Content,
		replyID, replyContent, attachments, readBy, m.Edited, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("chat: insert message: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, eventID string, before *time.Time, limit int) ([]Message, error) {
	defer metrics.ObserveStore("chat.list", time.Now())

	db, err := r.handle.DB(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE event_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, seq DESC
		LIMIT $3`, eventID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("chat: list messages: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) Get(ctx context.Context, eventID, messageID string) (*Message, error) {
	db, err := r.handle.DB(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE event_id = $1 AND id = $2`, eventID, messageID)
	return scanOptional(row)
}

func (r *PostgresRepository) UpdateContent(ctx context.Context, eventID, messageID, content string, at time.Time) (*Message, error) {
	defer metrics.ObserveStore("chat.update", time.Now())

	db, err := r.handle.DB(ctx)
	if err != nil {
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		UPDATE messages
		SET content = $3, edited = TRUE, updated_at = $4
		WHERE event_id = $1 AND id = $2
		RETURNING `+messageColumns, eventID, messageID, content, at)
	return scanOptional(row)
}

func (r *PostgresRepository) Delete(ctx context.Context, eventID, messageID string) (bool, error) {
	defer metrics.ObserveStore("chat.delete", time.Now())

	db, err := r.handle.DB(ctx)
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, `DELETE FROM messages WHERE event_id = $1 AND id = $2`, eventID, messageID)
	if err != nil {
		return false, fmt.Errorf("chat: delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("chat: delete message: %w", err)
	}
	return n > 0, nil
}

func (r *PostgresRepository) AddReadReceipt(ctx context.Context, eventID, messageID, userID string, at time.Time) (*Message, error) {
	db, err := r.handle.DB(ctx)
	if err != nil {
		return nil, err
	}

	// The containment test keeps the append idempotent under concurrent
	// calls for the same user: the row lock serialises the updates.
	row := db.QueryRowContext(ctx, `
		UPDATE messages
		SET read_by = read_by || jsonb_build_array(jsonb_build_object('userId', $3::text, 'readAt', $4::timestamptz))
		WHERE event_id = $1 AND id = $2
		  AND NOT read_by @> jsonb_build_array(jsonb_build_object('userId', $3::text))
		RETURNING `+messageColumns, eventID, messageID, userID, at)
	m, err := scanOptional(row)
	if err != nil || m != nil {
		return m, err
	}
	// Already read, or missing.
	return r.Get(ctx, eventID, messageID)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOptional(row *sql.Row) (*Message, error) {
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func scanMessage(s scanner) (*Message, error) {
	var (
		m                     Message
		kind                  string
		replyID, replyContent sql.NullString
		attachments, readBy   []byte
	)
	err := s.Scan(
		&m.ID, &m.EventID, &m.SenderID, &m.SenderName, &m.SenderAvatar, &kind, &m.Content,
		&replyID, &replyContent, &attachments, &readBy, &m.Edited, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("chat: scan message: %w", err)
	}

	m.Kind = Kind(kind)
	if replyID.Valid {
		m.ReplyTo = &ReplyTo{MessageID: replyID.String, Content: replyContent.String}
	}
	if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("chat: decode attachments: %w", err)
	}
	if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
		return nil, fmt.Errorf("chat: decode read receipts: %w", err)
	}
	m.Attachments = nonNil(m.Attachments)
	m.ReadBy = nonNil(m.ReadBy)
	return &m, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
