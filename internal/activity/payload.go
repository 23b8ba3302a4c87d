package activity

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/eventhub/realtime/internal/apperr"
)

// Payload is the typed metadata of one activity. Values are only built by
// the New* constructors and Decode, which validate the required keys, so a
// Payload in hand is always well formed.
type Payload interface {
	Type() Type
	// Metadata returns the flattened key/value form that is stored and
	// broadcast. Extra keys supplied at construction are preserved.
	Metadata() map[string]any
	sealed()
}

// EventChange is an event.updated payload.
type EventChange struct {
	Changes any `json:"changes" validate:"required"`
	Extra   map[string]any
}

// GuestAction is the payload of every guest.* type.
type GuestAction struct {
	Action  Type   `json:"type" validate:"required"`
	GuestID string `json:"guestId" validate:"required"`
	Extra   map[string]any
}

// MessagePosted is a message.sent payload.
type MessagePosted struct {
	MessageID string `json:"messageId" validate:"required"`
	Extra     map[string]any
}

// CommentPosted is a comment.added payload.
type CommentPosted struct {
	CommentID string `json:"commentId" validate:"required"`
	Extra     map[string]any
}

// Generic covers types with no required metadata.
type Generic struct {
	Action Type `json:"type" validate:"required"`
	Extra  map[string]any
}

func (EventChange) Type() Type   { return EventUpdated }
func (p GuestAction) Type() Type { return p.Action }
func (MessagePosted) Type() Type { return MessageSent }
func (CommentPosted) Type() Type { return CommentAdded }
func (p Generic) Type() Type     { return p.Action }

func (EventChange) sealed()   {}
func (GuestAction) sealed()   {}
func (MessagePosted) sealed() {}
func (CommentPosted) sealed() {}
func (Generic) sealed()       {}

func (p EventChange) Metadata() map[string]any   { return with(p.Extra, "changes", p.Changes) }
func (p GuestAction) Metadata() map[string]any   { return with(p.Extra, "guestId", p.GuestID) }
func (p MessagePosted) Metadata() map[string]any { return with(p.Extra, "messageId", p.MessageID) }
func (p CommentPosted) Metadata() map[string]any { return with(p.Extra, "commentId", p.CommentID) }
func (p Generic) Metadata() map[string]any       { return with(p.Extra, "", nil) }

func with(extra map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(extra)+1)
	maps.Copy(out, extra)
	if key != "" {
		out[key] = value
	}
	return out
}

var validate = func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

const opPayload = "activity.payload"

func check(t Type, p Payload) (Payload, error) {
	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return nil, apperr.Validationf(opPayload, "%s requires %s in metadata", t, fieldErrs[0].Field())
		}
		return nil, apperr.Validationf(opPayload, "%s: %v", t, err)
	}
	return p, nil
}

// NewEventChange builds an event.updated payload.
func NewEventChange(changes any, extra map[string]any) (Payload, error) {
	return check(EventUpdated, EventChange{Changes: changes, Extra: maps.Clone(extra)})
}

// NewGuestAction builds a guest.* payload.
func NewGuestAction(t Type, guestID string, extra map[string]any) (Payload, error) {
	if !t.IsGuest() {
		return nil, apperr.Validationf(opPayload, "%q is not a guest activity", t)
	}
	return check(t, GuestAction{Action: t, GuestID: guestID, Extra: maps.Clone(extra)})
}

// NewMessagePosted builds a message.sent payload.
func NewMessagePosted(messageID string, extra map[string]any) (Payload, error) {
	return check(MessageSent, MessagePosted{MessageID: messageID, Extra: maps.Clone(extra)})
}

// NewCommentPosted builds a comment.added payload.
func NewCommentPosted(commentID string, extra map[string]any) (Payload, error) {
	return check(CommentAdded, CommentPosted{CommentID: commentID, Extra: maps.Clone(extra)})
}

// NewGeneric builds a payload for a type without required keys.
func NewGeneric(t Type, extra map[string]any) (Payload, error) {
	if !t.Valid() {
		return nil, apperr.Validationf(opPayload, "unknown activity type %q", t)
	}
	if t == EventUpdated || t == MessageSent || t == CommentAdded || t.IsGuest() {
		return nil, apperr.Validationf(opPayload, "%s has required metadata", t)
	}
	return check(t, Generic{Action: t, Extra: maps.Clone(extra)})
}

// Decode turns a raw metadata map into the variant for t. It fails with a
// Validation error for an unknown type or a missing or mistyped required
// key.
func Decode(t Type, metadata map[string]any) (Payload, error) {
	if !t.Valid() {
		return nil, apperr.Validationf(opPayload, "unknown activity type %q", t)
	}

	switch {
	case t == EventUpdated:
		extra, changes := split(metadata, "changes")
		return NewEventChange(changes, extra)
	case t.IsGuest():
		extra, raw := split(metadata, "guestId")
		id, err := stringKey(t, "guestId", raw)
		if err != nil {
			return nil, err
		}
		return NewGuestAction(t, id, extra)
	case t == MessageSent:
		extra, raw := split(metadata, "messageId")
		id, err := stringKey(t, "messageId", raw)
		if err != nil {
			return nil, err
		}
		return NewMessagePosted(id, extra)
	case t == CommentAdded:
		extra, raw := split(metadata, "commentId")
		id, err := stringKey(t, "commentId", raw)
		if err != nil {
			return nil, err
		}
		return NewCommentPosted(id, extra)
	default:
		return NewGeneric(t, metadata)
	}
}

func split(metadata map[string]any, key string) (map[string]any, any) {
	extra := maps.Clone(metadata)
	value := extra[key]
	delete(extra, key)
	return extra, value
}

func stringKey(t Type, key string, raw any) (string, error) {
	switch v := raw.(type) {
	case nil:
		return "", nil // reported as missing by the constructor
	case string:
		return v, nil
	default:
		return "", apperr.Validation(opPayload, fmt.Sprintf("%s metadata %s must be a string", t, key))
	}
}
