package chat

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/database"
	"github.com/eventhub/realtime/internal/directory"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/metrics"
	"github.com/eventhub/realtime/internal/moderation"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// Guard is the authorization subset the service needs. *access.Guard
// satisfies it.
type Guard interface {
	CanAccessChannel(ctx context.Context, eventID, userID string) bool
	CanModerate(ctx context.Context, eventID, userID string) bool
}

// Notifier is the post-commit broadcast hook. *fanout.Broadcaster
// satisfies it.
type Notifier interface {
	Notify(ctx context.Context, channel, event string, payload any)
}

// ActivityRecorder records the message.sent activity. *activity.Recorder
// satisfies it.
type ActivityRecorder interface {
	Record(ctx context.Context, userID, eventID string, p activity.Payload) (activity.Activity, error)
}

// Service is the message store: every write is authorized, persisted, and
// then broadcast on the event channel.
type Service struct {
	repo         Repository
	events       directory.EventFinder
	guard        Guard
	filter       *moderation.Filter
	notifier     Notifier
	activities   ActivityRecorder
	logger       zerolog.Logger
	historyLimit int
	now          func() time.Time
}

// Config carries the Service collaborators.
type Config struct {
	Repo         Repository
	Events       directory.EventFinder
	Guard        Guard
	Filter       *moderation.Filter
	Notifier     Notifier
	Activities   ActivityRecorder
	Logger       zerolog.Logger
	HistoryLimit int
}

// NewService creates a Service. A nil Filter disables moderation.
func NewService(cfg Config) *Service {
	limit := cfg.HistoryLimit
	if limit <= 0 || limit > MaxHistoryLimit {
		limit = DefaultHistoryLimit
	}
	filter := cfg.Filter
	if filter == nil {
		filter = moderation.NewFilter(nil)
	}
	return &Service{
		repo:         cfg.Repo,
		events:       cfg.Events,
		guard:        cfg.Guard,
		filter:       filter,
		notifier:     cfg.Notifier,
		activities:   cfg.Activities,
		logger:       cfg.Logger,
		historyLimit: limit,
		now:          time.Now,
	}
}

// AppendRequest is a new message from an authenticated sender.
type AppendRequest struct {
	EventID     string
	Sender      Sender
	Content     string
	Kind        Kind
	ReplyTo     string
	Attachments []Attachment
}

// Append authorizes, validates and persists a message, then publishes
// new-message and records a message.sent activity. The message is
// committed before anything is published, so a subsequent ListHistory
// always includes it.
func (s *Service) Append(ctx context.Context, req AppendRequest) (Message, error) {
	const op = "chat.append"

	if err := s.requireEvent(ctx, op, req.EventID); err != nil {
		return Message{}, err
	}
	if !s.guard.CanAccessChannel(ctx, req.EventID, req.Sender.ID) {
		return Message{}, apperr.Unauthorized(op, "not a participant of this event")
	}

	content, err := NormalizeContent(op, req.Content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, err
	}
	if err := s.screen(op, req.EventID, req.Sender.ID, content); err != nil {
		return Message{}, err
	}
	if err := validateAttachments(op, req.Attachments); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return Message{}, apperr.Validationf(op, "unknown message type %q", kind)
	}
	if kind != KindText && !s.guard.CanModerate(ctx, req.EventID, req.Sender.ID) {
		return Message{}, apperr.Unauthorized(op, "only hosts can post "+string(kind)+" messages")
	}

	var replyTo *ReplyTo
	if req.ReplyTo != "" {
		target, err := s.repo.Get(ctx, req.EventID, req.ReplyTo)
		if err != nil {
			return Message{}, apperr.Transient(op, err)
		}
		if target == nil {
			return Message{}, apperr.NotFound(op, "reply target not found")
		}
		replyTo = &ReplyTo{MessageID: target.ID, Content: target.Content}
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	m := Message{
		ID:           uuid.NewString(),
		EventID:      req.EventID,
		SenderID:     req.Sender.ID,
		SenderName:   req.Sender.Name,
		SenderAvatar: req.Sender.Avatar,
		Kind:         kind,
		Content:      content,
		ReplyTo:      replyTo,
		Attachments:  nonNil(req.Attachments),
		ReadBy:       []ReadReceipt{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.insert(ctx, &m); err != nil {
		return Message{}, apperr.Transient(op, err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.notifier.Notify(ctx, messaging.EventChannel(m.EventID), fanout.EventNewMessage, m)
	s.recordSent(ctx, &m)

	return m, nil
}

// insert retries once with a fresh id on a primary key collision.
func (s *Service) insert(ctx context.Context, m *Message) error {
	err := s.repo.Insert(ctx, m)
	if database.IsUniqueViolation(err) {
		m.ID = uuid.NewString()
		err = s.repo.Insert(ctx, m)
	}
	return err
}

func (s *Service) recordSent(ctx context.Context, m *Message) {
	if s.activities == nil {
		return
	}
	p, err := activity.NewMessagePosted(m.ID, nil)
	if err == nil {
		_, err = s.activities.Record(ctx, m.SenderID, m.EventID, p)
	}
	if err != nil {
		s.logger.Warn().Err(err).
			Str("message_id", m.ID).
			Str("event_id", m.EventID).
			Msg("message.sent activity not recorded")
	}
}

// ListHistory returns up to limit messages created strictly before the
// cursor, newest first. limit <= 0 selects the default page size; larger
// than MaxHistoryLimit is capped.
func (s *Service) ListHistory(ctx context.Context, eventID, userID string, before *time.Time, limit int) ([]Message, error) {
	const op = "chat.list_history"

	if !s.guard.CanAccessChannel(ctx, eventID, userID) {
		return nil, apperr.Unauthorized(op, "not a participant of this event")
	}
	switch {
	case limit <= 0:
		limit = s.historyLimit
	case limit > MaxHistoryLimit:
		limit = MaxHistoryLimit
	}

	out, err := s.repo.List(ctx, eventID, before, limit)
	if err != nil {
		return nil, apperr.Transient(op, err)
	}
	return nonNil(out), nil
}

// Get returns one message of the event.
func (s *Service) Get(ctx context.Context, eventID, messageID, userID string) (Message, error) {
	const op = "chat.get"

	if !s.guard.CanAccessChannel(ctx, eventID, userID) {
		return Message{}, apperr.Unauthorized(op, "not a participant of this event")
	}
	return s.load(ctx, op, eventID, messageID)
}

// Edit replaces the content of the caller's own message and publishes
// message-updated. CreatedAt and the message's position are unchanged.
func (s *Service) Edit(ctx context.Context, eventID, messageID, content, userID string) (Message, error) {
	const op = "chat.edit"

	existing, err := s.load(ctx, op, eventID, messageID)
	if err != nil {
		return Message{}, err
	}
	if existing.SenderID != userID {
		return Message{}, apperr.Unauthorized(op, "only the sender can edit a message")
	}

	content, err = NormalizeContent(op, content)
	if err != nil {
		return Message{}, err
	}
	if err := s.screen(op, eventID, userID, content); err != nil {
		return Message{}, err
	}

	updated, err := s.repo.UpdateContent(ctx, eventID, messageID, content, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return Message{}, apperr.Transient(op, err)
	}
	if updated == nil {
		return Message{}, apperr.NotFound(op, "message not found")
	}
	metrics.MessagesTotal.WithLabelValues("edited").Inc()

	s.notifier.Notify(ctx, messaging.EventChannel(eventID), fanout.EventMessageUpdated, updated)
	return *updated, nil
}

// Remove permanently deletes a message. The sender, the organizer and
// co-hosts may remove it.
func (s *Service) Remove(ctx context.Context, eventID, messageID, userID string) error {
	const op = "chat.remove"

	existing, err := s.load(ctx, op, eventID, messageID)
	if err != nil {
		return err
	}
	if existing.SenderID != userID && !s.guard.CanModerate(ctx, eventID, userID) {
		return apperr.Unauthorized(op, "only the sender or a host can delete a message")
	}

	removed, err := s.repo.Delete(ctx, eventID, messageID)
	if err != nil {
		return apperr.Transient(op, err)
	}
	if !removed {
		return apperr.NotFound(op, "message not found")
	}
	metrics.MessagesTotal.WithLabelValues("deleted").Inc()

	s.notifier.Notify(ctx, messaging.EventChannel(eventID), fanout.EventMessageDeleted, Deleted{ID: messageID, EventID: eventID})
	return nil
}

// MarkRead adds the caller's read receipt. Repeated calls keep the first
// receipt.
func (s *Service) MarkRead(ctx context.Context, eventID, messageID, userID string) (Message, error) {
	const op = "chat.mark_read"

	if !s.guard.CanAccessChannel(ctx, eventID, userID) {
		return Message{}, apperr.Unauthorized(op, "not a participant of this event")
	}
	m, err := s.repo.AddReadReceipt(ctx, eventID, messageID, userID, s.now().UTC().Truncate(time.Microsecond))
	if err != nil {
		return Message{}, apperr.Transient(op, err)
	}
	if m == nil {
		return Message{}, apperr.NotFound(op, "message not found")
	}
	return *m, nil
}

func (s *Service) load(ctx context.Context, op, eventID, messageID string) (Message, error) {
	m, err := s.repo.Get(ctx, eventID, messageID)
	if err != nil {
		return Message{}, apperr.Transient(op, err)
	}
	if m == nil {
		return Message{}, apperr.NotFound(op, "message not found")
	}
	return *m, nil
}

func (s *Service) requireEvent(ctx context.Context, op, eventID string) error {
	if eventID == "" {
		return apperr.Validation(op, "eventId is required")
	}
	ev, err := s.events.FindEvent(ctx, eventID)
	if err != nil {
		return apperr.Transient(op, err)
	}
	if ev == nil {
		return apperr.NotFound(op, "event not found")
	}
	return nil
}

func (s *Service) screen(op, eventID, userID, content string) error {
	res := s.filter.Check(content)
	if !res.Blocked {
		return nil
	}
	metrics.MessagesTotal.WithLabelValues("blocked").Inc()
	s.logger.Info().
		Str("event_id", eventID).
		Str("user_id", userID).
		Str("reason", res.Reason).
		Str("term", res.Term).
		Msg("message blocked by moderation")
	return apperr.Validation(op, "message blocked by moderation")
}
