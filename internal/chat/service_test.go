package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventhub/realtime/internal/access"
	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/directory"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
	"github.com/eventhub/realtime/internal/moderation"
)

type fakeDirectory struct {
	events map[string]*directory.Event
	guests map[string]*directory.Guest
}

func (d *fakeDirectory) FindEvent(_ context.Context, id string) (*directory.Event, error) {
	return d.events[id], nil
}

func (d *fakeDirectory) FindGuest(_ context.Context, eventID, userID string) (*directory.Guest, error) {
	return d.guests[eventID+"/"+userID], nil
}

type env struct {
	svc        *Service
	repo       *MemoryRepository
	bus        *messaging.Bus
	activities *activity.MemoryRepository
	clock      time.Time
}

// Users: org (organizer), co (co-host), alice and bob (confirmed guests),
// carol (invited only), mallory (stranger).
func newEnv(t *testing.T) *env {
	t.Helper()
	dir := &fakeDirectory{
		events: map[string]*directory.Event{
			"e1": {ID: "e1", OrganizerID: "org", CoHosts: []string{"co"}},
		},
		guests: map[string]*directory.Guest{
			"e1/alice": {UserID: "alice", Status: directory.StatusConfirmed},
			"e1/bob":   {UserID: "bob", Status: directory.StatusCheckedIn},
			"e1/carol": {UserID: "carol", Status: directory.StatusInvited},
		},
	}
	e := &env{
		repo:       NewMemoryRepository(),
		bus:        messaging.NewBus(),
		activities: activity.NewMemoryRepository(),
		clock:      time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC),
	}
	b := fanout.NewBroadcaster(e.bus, zerolog.Nop())
	e.svc = NewService(Config{
		Repo:       e.repo,
		Events:     dir,
		Guard:      access.NewGuard(dir, dir, zerolog.Nop()),
		Filter:     moderation.NewFilter([]string{"scam"}),
		Notifier:   b,
		Activities: activity.NewRecorder(e.activities, nil, b, 0, zerolog.Nop()),
		Logger:     zerolog.Nop(),
	})
	e.svc.now = func() time.Time {
		e.clock = e.clock.Add(time.Second)
		return e.clock
	}
	return e
}

func (e *env) send(t *testing.T, from, content string) Message {
	t.Helper()
	m, err := e.svc.Append(context.Background(), AppendRequest{
		EventID: "e1",
		Sender:  Sender{ID: from, Name: strings.ToUpper(from)},
		Content: content,
	})
	require.NoError(t, err)
	return m
}

type received struct {
	event string
	data  json.RawMessage
}

func (e *env) listen(t *testing.T, channel string) *[]received {
	t.Helper()
	var got []received
	_, err := e.bus.Subscribe(channel, func(data []byte) {
		var envelope fanout.Envelope
		require.NoError(t, json.Unmarshal(data, &envelope))
		got = append(got, received{event: envelope.Event, data: envelope.Data})
	})
	require.NoError(t, err)
	return &got
}

func TestAppend_ThenListHistoryReturnsIt(t *testing.T) {
	e := newEnv(t)
	m := e.send(t, "alice", "  hello everyone  ")

	assert.Equal(t, "hello everyone", m.Content)
	assert.Equal(t, KindText, m.Kind)
	assert.False(t, m.CreatedAt.IsZero())

	history, err := e.svc.ListHistory(context.Background(), "e1", "bob", nil, 1)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, m.ID, history[0].ID)
}

func TestAppend_Broadcasts(t *testing.T) {
	e := newEnv(t)
	got := e.listen(t, "event-e1")

	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		ids = append(ids, e.send(t, "alice", text).ID)
	}

	var seen []string
	for _, r := range *got {
		if r.event != fanout.EventNewMessage {
			continue
		}
		var m Message
		require.NoError(t, json.Unmarshal(r.data, &m))
		seen = append(seen, m.ID)
	}
	assert.Equal(t, ids, seen)
}

func TestAppend_RecordsMessageSentActivity(t *testing.T) {
	e := newEnv(t)
	userFeed := e.listen(t, "user-alice")
	m := e.send(t, "alice", "hi")

	acts, err := e.activities.ListByEvent(context.Background(), "e1", nil, 10)
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, activity.MessageSent, acts[0].Type)
	assert.Equal(t, m.ID, acts[0].Metadata["messageId"])
	require.Len(t, *userFeed, 1)
	assert.Equal(t, fanout.EventNewActivity, (*userFeed)[0].event)
}

func TestAppend_Rejections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  AppendRequest
		kind apperr.Kind
	}{
		{"empty", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "   "}, apperr.KindValidation},
		{"too long", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: strings.Repeat("é", MaxTextChars+1)}, apperr.KindValidation},
		{"invalid utf8", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "bad \xff"}, apperr.KindValidation},
		{"blocked term", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "total scam"}, apperr.KindValidation},
		{"bad attachment", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "see", Attachments: []Attachment{{Name: "x", URL: "not a url"}}}, apperr.KindValidation},
		{"unknown kind", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "hi", Kind: "shout"}, apperr.KindValidation},
		{"unknown event", AppendRequest{EventID: "nope", Sender: Sender{ID: "alice"}, Content: "hi"}, apperr.KindNotFound},
		{"invited only", AppendRequest{EventID: "e1", Sender: Sender{ID: "carol"}, Content: "hi"}, apperr.KindUnauthorized},
		{"stranger", AppendRequest{EventID: "e1", Sender: Sender{ID: "mallory"}, Content: "hi"}, apperr.KindUnauthorized},
		{"stranger empty", AppendRequest{EventID: "e1", Sender: Sender{ID: "mallory"}, Content: "  "}, apperr.KindUnauthorized},
		{"stranger blocked term", AppendRequest{EventID: "e1", Sender: Sender{ID: "mallory"}, Content: "total scam"}, apperr.KindUnauthorized},
		{"unknown event empty", AppendRequest{EventID: "nope", Sender: Sender{ID: "alice"}, Content: ""}, apperr.KindNotFound},
		{"guest announcement", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "hi", Kind: KindAnnouncement}, apperr.KindUnauthorized},
		{"missing reply target", AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "hi", ReplyTo: "ghost"}, apperr.KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Append(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err), "%v", err)
		})
	}

	history, err := e.svc.ListHistory(ctx, "e1", "org", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAppend_HostsAndReplies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ann, err := e.svc.Append(ctx, AppendRequest{EventID: "e1", Sender: Sender{ID: "co"}, Content: "doors open", Kind: KindAnnouncement})
	require.NoError(t, err)
	assert.Equal(t, KindAnnouncement, ann.Kind)

	reply, err := e.svc.Append(ctx, AppendRequest{
		EventID:     "e1",
		Sender:      Sender{ID: "bob"},
		Content:     "on my way",
		ReplyTo:     ann.ID,
		Attachments: []Attachment{{Name: "map.png", URL: "https://cdn.example.com/map.png", Type: "image/png"}},
	})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyTo)
	assert.Equal(t, ReplyTo{MessageID: ann.ID, Content: "doors open"}, *reply.ReplyTo)
	assert.Len(t, reply.Attachments, 1)
}

func TestListHistory_PaginationAndLimits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	var sent []Message
	for i := 0; i < 120; i++ {
		sent = append(sent, e.send(t, "alice", "msg"))
	}

	page, err := e.svc.ListHistory(ctx, "e1", "alice", nil, 0)
	require.NoError(t, err)
	assert.Len(t, page, DefaultHistoryLimit)
	assert.Equal(t, sent[119].ID, page[0].ID)

	capped, err := e.svc.ListHistory(ctx, "e1", "alice", nil, 500)
	require.NoError(t, err)
	assert.Len(t, capped, MaxHistoryLimit)

	cursor := page[len(page)-1].CreatedAt
	next, err := e.svc.ListHistory(ctx, "e1", "alice", &cursor, 10)
	require.NoError(t, err)
	require.Len(t, next, 10)
	assert.Equal(t, sent[69].ID, next[0].ID)

	again, err := e.svc.ListHistory(ctx, "e1", "alice", &cursor, 10)
	require.NoError(t, err)
	assert.Equal(t, next, again)

	_, err = e.svc.ListHistory(ctx, "e1", "mallory", nil, 0)
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

func TestEdit_SenderOnlyAndKeepsPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	got := e.listen(t, "event-e1")

	m := e.send(t, "bob", "hi")
	e.send(t, "alice", "later")

	_, err := e.svc.Edit(ctx, "e1", m.ID, "hijacked", "alice")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	_, err = e.svc.Edit(ctx, "e1", m.ID, "hijacked", "org")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	_, err = e.svc.Edit(ctx, "e1", m.ID, "   ", "alice")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized), "ownership is checked before content")
	_, err = e.svc.Edit(ctx, "e1", "missing", "x", "bob")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = e.svc.Edit(ctx, "e1", m.ID, "   ", "bob")
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	edited, err := e.svc.Edit(ctx, "e1", m.ID, "hi there", "bob")
	require.NoError(t, err)
	assert.True(t, edited.Edited)
	assert.Equal(t, m.CreatedAt, edited.CreatedAt)
	assert.True(t, edited.UpdatedAt.After(m.UpdatedAt))

	history, err := e.svc.ListHistory(ctx, "e1", "bob", nil, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, m.ID, history[1].ID)
	assert.Equal(t, "hi there", history[1].Content)
	assert.True(t, history[1].Edited)
	assert.Equal(t, m.CreatedAt, history[1].CreatedAt)

	last := (*got)[len(*got)-1]
	assert.Equal(t, fanout.EventMessageUpdated, last.event)
}

func TestRemove_Authorization(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	got := e.listen(t, "event-e1")

	m1 := e.send(t, "alice", "one")
	m2 := e.send(t, "alice", "two")
	m3 := e.send(t, "alice", "three")

	err := e.svc.Remove(ctx, "e1", m1.ID, "bob")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))

	require.NoError(t, e.svc.Remove(ctx, "e1", m1.ID, "alice"))
	require.NoError(t, e.svc.Remove(ctx, "e1", m2.ID, "org"))
	require.NoError(t, e.svc.Remove(ctx, "e1", m3.ID, "co"))

	err = e.svc.Remove(ctx, "e1", m1.ID, "alice")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	history, err := e.svc.ListHistory(ctx, "e1", "alice", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, history)

	var deleted []string
	for _, r := range *got {
		if r.event == fanout.EventMessageDeleted {
			var d Deleted
			require.NoError(t, json.Unmarshal(r.data, &d))
			deleted = append(deleted, d.ID)
		}
	}
	assert.Equal(t, []string{m1.ID, m2.ID, m3.ID}, deleted)
}

func TestMarkRead_Idempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.send(t, "alice", "read me")

	first, err := e.svc.MarkRead(ctx, "e1", m.ID, "bob")
	require.NoError(t, err)
	second, err := e.svc.MarkRead(ctx, "e1", m.ID, "bob")
	require.NoError(t, err)

	require.Len(t, second.ReadBy, 1)
	assert.Equal(t, first.ReadBy, second.ReadBy)

	_, err = e.svc.MarkRead(ctx, "e1", "missing", "bob")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	_, err = e.svc.MarkRead(ctx, "e1", m.ID, "mallory")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
}

type brokenTransport struct{}

func (brokenTransport) Publish(string, []byte) error { return errors.New("nats: timeout") }
func (brokenTransport) Subscribe(string, func([]byte)) (messaging.Subscription, error) {
	return nil, errors.New("nats: timeout")
}

func TestAppend_BroadcastFailureIsSwallowed(t *testing.T) {
	e := newEnv(t)
	e.svc.notifier = fanout.NewBroadcaster(brokenTransport{}, zerolog.Nop())

	m := e.send(t, "alice", "still saved")

	history, err := e.svc.ListHistory(context.Background(), "e1", "alice", nil, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, m.ID, history[0].ID)
}

type failingInsert struct{ *MemoryRepository }

func (failingInsert) Insert(context.Context, *Message) error { return errors.New("connection reset") }

func TestAppend_PersistFailureIsTransientAndNotBroadcast(t *testing.T) {
	e := newEnv(t)
	got := e.listen(t, "event-e1")
	e.svc.repo = failingInsert{e.repo}

	_, err := e.svc.Append(context.Background(), AppendRequest{EventID: "e1", Sender: Sender{ID: "alice"}, Content: "hi"})
	assert.True(t, apperr.Is(err, apperr.KindTransient))
	assert.Empty(t, *got)
}

func TestGet(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	m := e.send(t, "alice", "hi")

	got, err := e.svc.Get(ctx, "e1", m.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)

	_, err = e.svc.Get(ctx, "e1", m.ID, "mallory")
	assert.True(t, apperr.Is(err, apperr.KindUnauthorized))
	_, err = e.svc.Get(ctx, "e1", "nope", "bob")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}
