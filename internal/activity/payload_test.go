package activity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/apperr"
)

func TestDecode_RequiredKeys(t *testing.T) {
	tests := []struct {
		name     string
		typ      Type
		metadata map[string]any
		wantErr  bool
	}{
		{"event.updated with changes", EventUpdated, map[string]any{"changes": "title"}, false},
		{"event.updated missing changes", EventUpdated, map[string]any{"note": "x"}, true},
		{"guest.invited with guestId", GuestInvited, map[string]any{"guestId": "g1"}, false},
		{"guest.invited missing guestId", GuestInvited, map[string]any{}, true},
		{"guest.checked_in empty guestId", GuestCheckedIn, map[string]any{"guestId": ""}, true},
		{"guest.promoted numeric guestId", GuestPromoted, map[string]any{"guestId": 7}, true},
		{"message.sent with messageId", MessageSent, map[string]any{"messageId": "m1"}, false},
		{"message.sent missing messageId", MessageSent, nil, true},
		{"comment.added with commentId", CommentAdded, map[string]any{"commentId": "c1"}, false},
		{"comment.added missing commentId", CommentAdded, map[string]any{}, true},
		{"event.created no requirements", EventCreated, nil, false},
		{"export.generated no requirements", ExportGenerated, map[string]any{"format": "csv"}, false},
		{"unknown type", Type("party.started"), map[string]any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.typ, tt.metadata)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.Is(err, apperr.KindValidation), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.typ, p.Type())
		})
	}
}

func TestDecode_PreservesExtraKeys(t *testing.T) {
	p, err := Decode(GuestCheckedIn, map[string]any{
		"guestId":   "g1",
		"guestName": "Ada",
		"method":    "qr",
	})
	require.NoError(t, err)

	ga, ok := p.(GuestAction)
	require.True(t, ok)
	assert.Equal(t, "g1", ga.GuestID)
	assert.Equal(t, map[string]any{"guestId": "g1", "guestName": "Ada", "method": "qr"}, p.Metadata())
}

func TestDecode_DoesNotAliasInput(t *testing.T) {
	in := map[string]any{"messageId": "m1", "preview": "hi"}
	p, err := Decode(MessageSent, in)
	require.NoError(t, err)

	in["preview"] = "changed"
	assert.Equal(t, "hi", p.Metadata()["preview"])

	md := p.Metadata()
	md["preview"] = "mutated"
	assert.Equal(t, "hi", p.Metadata()["preview"])
}

func TestMissingKeyMessageNamesTheKey(t *testing.T) {
	_, err := Decode(GuestInvited, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, "guest.invited requires guestId in metadata", apperr.Message(err))
}

func TestConstructorsRejectWrongFamily(t *testing.T) {
	_, err := NewGuestAction(EventCreated, "g1", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = NewGeneric(GuestInvited, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = NewGeneric(MessageSent, nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	p, err := NewEventChange(map[string]any{"title": "New"}, nil)
	require.NoError(t, err)
	assert.Equal(t, EventUpdated, p.Type())
}

func TestVocabulary(t *testing.T) {
	all := []Type{
		EventCreated, EventUpdated, EventCancelled, EventDeleted,
		GuestInvited, GuestUpdated, GuestRegistered, GuestConfirmed, GuestDeclined,
		GuestCancelled, GuestCheckedIn, GuestRemoved, GuestWaitlisted, GuestPromoted,
		MessageSent, CommentAdded, CohostAdded, CohostRemoved, SettingsUpdated, ExportGenerated,
	}
	assert.Len(t, registry, len(all))
	for _, typ := range all {
		assert.True(t, typ.Valid(), typ)
		assert.NotEqual(t, "performed an action", Describe(typ), typ)
	}
	assert.Equal(t, "checked in to the event", Describe(GuestCheckedIn))
	assert.Equal(t, "performed an action", Describe("nope"))
}
