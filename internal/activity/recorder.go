package activity

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/directory"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/metrics"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Notifier is the post-commit broadcast hook. *fanout.Broadcaster
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, channel, event string, payload any)
}

// Recorder appends activities and fans them out.
type Recorder struct {
	repo         Repository
	users        directory.UserFinder
	notifier     Notifier
	logger       zerolog.Logger
	defaultLimit int
	now          func() time.Time
}

// NewRecorder creates a Recorder. defaultLimit applies when a listing is
// requested without a limit; zero means DefaultLimit.
func NewRecorder(repo Repository, users directory.UserFinder, notifier Notifier, defaultLimit int, logger zerolog.Logger) *Recorder {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Recorder{
		repo:         repo,
		users:        users,
		notifier:     notifier,
		logger:       logger,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// Record persists p as an activity by userID on eventID, then publishes
// new-activity to both the event channel and the user's channel. Publish
// failures are logged; the activity stays recorded.
func (r *Recorder) Record(ctx context.Context, userID, eventID string, p Payload) (Activity, error) {
	const op = "activity.record"

	if p == nil {
		return Activity{}, apperr.Validation(op, "payload is required")
	}
	if userID == "" || eventID == "" {
		return Activity{}, apperr.Validation(op, "userId and eventId are required")
	}

	a := Activity{
		ID:          uuid.NewString(),
		Type:        p.Type(),
		UserID:      userID,
		EventID:     eventID,
		Metadata:    p.Metadata(),
		Description: Describe(p.Type()),
		CreatedAt:   r.now().UTC().Truncate(time.Microsecond),
	}
	if err := r.repo.Insert(ctx, &a); err != nil {
		return Activity{}, apperr.Transient(op, err)
	}
	metrics.ActivitiesTotal.WithLabelValues(string(a.Type)).Inc()

	r.notifier.Notify(ctx, messaging.EventChannel(eventID), fanout.EventNewActivity, a)
	r.notifier.Notify(ctx, messaging.UserChannel(userID), fanout.EventNewActivity, a)

	r.logger.Debug().
		Str("activity_id", a.ID).
		Str("type", string(a.Type)).
		Str("event_id", eventID).
		Str("user_id", userID).
		Msg("activity recorded")
	return a, nil
}

// RecordRaw decodes metadata into the variant for t and records it.
func (r *Recorder) RecordRaw(ctx context.Context, t Type, userID, eventID string, metadata map[string]any) (Activity, error) {
	p, err := Decode(t, metadata)
	if err != nil {
		return Activity{}, err
	}
	return r.Record(ctx, userID, eventID, p)
}

// RecentForEvent lists an event's activities, newest first.
func (r *Recorder) RecentForEvent(ctx context.Context, eventID string, before *time.Time, limit int) ([]Activity, error) {
	out, err := r.repo.ListByEvent(ctx, eventID, before, r.clamp(limit))
	if err != nil {
		return nil, apperr.Transient("activity.recent_for_event", err)
	}
	return nonNil(out), nil
}

// RecentForUser lists a user's own activities across events, newest first.
func (r *Recorder) RecentForUser(ctx context.Context, userID string, before *time.Time, limit int) ([]Activity, error) {
	out, err := r.repo.ListByUser(ctx, userID, before, r.clamp(limit))
	if err != nil {
		return nil, apperr.Transient("activity.recent_for_user", err)
	}
	return nonNil(out), nil
}

// ByType lists activities of type t, optionally within one event.
func (r *Recorder) ByType(ctx context.Context, t Type, eventID string, limit int) ([]Activity, error) {
	if !t.Valid() {
		return nil, apperr.Validationf("activity.by_type", "unknown activity type %q", t)
	}
	out, err := r.repo.ListByType(ctx, t, eventID, r.clamp(limit))
	if err != nil {
		return nil, apperr.Transient("activity.by_type", err)
	}
	return nonNil(out), nil
}

// Feed lists the activities visible to q.VisibleTo with each actor's
// display identity attached. A failed user lookup leaves User unset.
func (r *Recorder) Feed(ctx context.Context, q FeedQuery) ([]Activity, error) {
	const op = "activity.feed"

	if q.VisibleTo == "" {
		return nil, apperr.Unauthorized(op, "sign in required")
	}
	if q.Type != "" && !q.Type.Valid() {
		return nil, apperr.Validationf(op, "unknown activity type %q", q.Type)
	}
	q.Limit = r.clamp(q.Limit)

	out, err := r.repo.Feed(ctx, q)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	if len(out) == 0 {
		return []Activity{}, nil
	}
	if r.users == nil {
		return out, nil
	}

	ids := lo.Uniq(lo.Map(out, func(a Activity, _ int) string { return a.UserID }))
	users, err := r.users.FindUsers(ctx, ids)
	if err != nil {
		r.logger.Warn().Err(err).Int("users", len(ids)).Msg("feed enrichment failed")
		return out, nil
	}
	for i := range out {
		if u, ok := users[out[i].UserID]; ok {
			out[i].User = &u
		}
	}
	return out, nil
}

func (r *Recorder) clamp(limit int) int {
	switch {
	case limit <= 0:
		return r.defaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

func nonNil(s []Activity) []Activity {
	if s == nil {
		return []Activity{}
	}
	return s
}
