package activity

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository. Visible decides feed
// visibility for a (user, event) pair; when nil only the user's own
// activities are visible.
type MemoryRepository struct {
	Visible func(userID, eventID string) bool

	mu   sync.Mutex
	seq  int64
	rows []memRow
}

type memRow struct {
	seq int64
	act Activity
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Insert(_ context.Context, a *Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	cp := *a
	cp.Metadata = cloneMap(a.Metadata)
	cp.User = nil
	r.rows = append(r.rows, memRow{seq: r.seq, act: cp})
	return nil
}

func (r *MemoryRepository) ListByEvent(_ context.Context, eventID string, before *time.Time, limit int) ([]Activity, error) {
	return r.filter(limit, func(a *Activity) bool {
		return a.EventID == eventID && beforeCursor(a, before)
	}), nil
}

func (r *MemoryRepository) ListByUser(_ context.Context, userID string, before *time.Time, limit int) ([]Activity, error) {
	return r.filter(limit, func(a *Activity) bool {
		return a.UserID == userID && beforeCursor(a, before)
	}), nil
}

func (r *MemoryRepository) ListByType(_ context.Context, t Type, eventID string, limit int) ([]Activity, error) {
	return r.filter(limit, func(a *Activity) bool {
		return a.Type == t && (eventID == "" || a.EventID == eventID)
	}), nil
}

func (r *MemoryRepository) Feed(_ context.Context, q FeedQuery) ([]Activity, error) {
	search := strings.ToLower(q.Search)
	return r.filter(q.Limit, func(a *Activity) bool {
		visible := a.UserID == q.VisibleTo || (r.Visible != nil && r.Visible(q.VisibleTo, a.EventID))
		if !visible || !beforeCursor(a, q.Before) {
			return false
		}
		if q.EventID != "" && a.EventID != q.EventID {
			return false
		}
		if q.Type != "" && a.Type != q.Type {
			return false
		}
		if search != "" {
			name, _ := a.Metadata["guestName"].(string)
			changes, _ := a.Metadata["changes"].(string)
			if !strings.Contains(strings.ToLower(name), search) && !strings.Contains(strings.ToLower(changes), search) {
				return false
			}
		}
		return true
	}), nil
}

func (r *MemoryRepository) filter(limit int, keep func(*Activity) bool) []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()

	var matched []memRow
	for i := range r.rows {
		if keep(&r.rows[i].act) {
			matched = append(matched, r.rows[i])
		}
	}
	slices.SortFunc(matched, func(a, b memRow) int {
		if c := b.act.CreatedAt.Compare(a.act.CreatedAt); c != 0 {
			return c
		}
		return int(b.seq - a.seq)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}

	out := make([]Activity, 0, len(matched))
	for _, row := range matched {
		a := row.act
		a.Metadata = cloneMap(a.Metadata)
		out = append(out, a)
	}
	return out
}

func beforeCursor(a *Activity, before *time.Time) bool {
	return before == nil || a.CreatedAt.Before(*before)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
