package chat

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository. Insertion order breaks
// CreatedAt ties, mirroring the seq column of the Postgres table.
type MemoryRepository struct {
	mu   sync.Mutex
	seq  int64
	rows map[string]*memRow
}

type memRow struct {
	seq int64
	msg Message
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{rows: make(map[string]*memRow)}
}

func (r *MemoryRepository) Insert(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	r.rows[m.ID] = &memRow{seq: r.seq, msg: cloneMessage(*m)}
	return nil
}

func (r *MemoryRepository) List(_ context.Context, eventID string, before *time.Time, limit int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []*memRow
	for _, row := range r.rows {
		if row.msg.EventID != eventID {
			continue
		}
		if before != nil && !row.msg.CreatedAt.Before(*before) {
			continue
		}
		matched = append(matched, row)
	}
	slices.SortFunc(matched, func(a, b *memRow) int {
		if c := b.msg.CreatedAt.Compare(a.msg.CreatedAt); c != 0 {
			return c
		}
		return int(b.seq - a.seq)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Message, 0, len(matched))
	for _, row := range matched {
		out = append(out, cloneMessage(row.msg))
	}
	return out, nil
}

func (r *MemoryRepository) Get(_ context.Context, eventID, messageID string) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(eventID, messageID), nil
}

func (r *MemoryRepository) UpdateContent(_ context.Context, eventID, messageID, content string, at time.Time) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[messageID]
	if !ok || row.msg.EventID != eventID {
		return nil, nil
	}
	row.msg.Content = content
	row.msg.Edited = true
	row.msg.UpdatedAt = at
	m := cloneMessage(row.msg)
	return &m, nil
}

func (r *MemoryRepository) Delete(_ context.Context, eventID, messageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[messageID]
	if !ok || row.msg.EventID != eventID {
		return false, nil
	}
	delete(r.rows, messageID)
	return true, nil
}

func (r *MemoryRepository) AddReadReceipt(_ context.Context, eventID, messageID, userID string, at time.Time) (*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[messageID]
	if !ok || row.msg.EventID != eventID {
		return nil, nil
	}
	if !row.msg.HasRead(userID) {
		row.msg.ReadBy = append(row.msg.ReadBy, ReadReceipt{UserID: userID, ReadAt: at})
	}
	m := cloneMessage(row.msg)
	return &m, nil
}

func (r *MemoryRepository) getLocked(eventID, messageID string) *Message {
	row, ok := r.rows[messageID]
	if !ok || row.msg.EventID != eventID {
		return nil
	}
	m := cloneMessage(row.msg)
	return &m
}

func cloneMessage(m Message) Message {
	m.Attachments = append([]Attachment{}, m.Attachments...)
	m.ReadBy = append([]ReadReceipt{}, m.ReadBy...)
	if m.ReplyTo != nil {
		rt := *m.ReplyTo
		m.ReplyTo = &rt
	}
	return m
}
