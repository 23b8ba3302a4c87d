// Package chatsession drives one client's view of an event chat: it binds
// the event's broadcast channel, loads the latest page of history, merges
// live updates into an ordered view and sends new messages.
//
// Live events that arrive while history is loading are buffered and
// replayed once the page is in, skipping anything the page already holds,
// so a message is shown exactly once no matter which path delivered it.
package chatsession

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eventhub/realtime/internal/activity"
	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/channel"
	"github.com/eventhub/realtime/internal/chat"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
)

// State is the controller's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateLive
	StateUnmounted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// ErrUnmounted is returned by operations on an unmounted controller.
var ErrUnmounted = errors.New("chatsession: unmounted")

// History fetches a page of messages, newest first.
type History interface {
	ListHistory(ctx context.Context, eventID string, before *time.Time, limit int) ([]chat.Message, error)
}

// Sender posts a message to an event's chat.
type Sender interface {
	SendMessage(ctx context.Context, eventID, content string) (chat.Message, error)
}

// Config wires a Controller.
type Config struct {
	EventID string
	// UserID, when set, also binds the user's personal channel so the
	// user's own activities show up. Activities of other events arriving
	// there are ignored.
	UserID     string
	History    History
	Sender     Sender
	Subscriber channel.Subscriber
	PageSize   int
	Logger     zerolog.Logger
}

// Snapshot is a consistent copy of the controller's view.
type Snapshot struct {
	State      State
	Messages   []chat.Message // oldest first
	Activities []activity.Activity // this event only
	Draft      string
	Err        error
}

// Controller is the client-side state machine for one mounted chat view.
// Its methods are safe for concurrent use; change callbacks are invoked one
// at a time.
type Controller struct {
	cfg      Config
	registry *channel.Registry
	logger   zerolog.Logger

	mu          sync.Mutex
	state       State
	messages    []chat.Message
	activities  []activity.Activity
	buffer      []fanout.Envelope
	draft       string
	err         error
	fetching    bool
	cancelFetch context.CancelFunc
	listeners   []func(Snapshot)

	notifyMu sync.Mutex
}

// New creates an idle controller.
func New(cfg Config) *Controller {
	if cfg.PageSize <= 0 {
		cfg.PageSize = chat.DefaultHistoryLimit
	}
	return &Controller{
		cfg:      cfg,
		registry: channel.NewRegistry(cfg.Subscriber),
		logger:   cfg.Logger.With().Str("event_id", cfg.EventID).Logger(),
	}
}

// OnChange registers a callback fired after every visible change.
func (c *Controller) OnChange(cb func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, cb)
}

// Mount binds the channels and loads the latest history page. A history
// failure leaves the controller in StateLoading; call Retry.
func (c *Controller) Mount(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		if state == StateUnmounted {
			return ErrUnmounted
		}
		return apperr.Validation("chatsession.mount", "already mounted")
	}
	c.state = StateLoading
	c.mu.Unlock()

	channels := []string{messaging.EventChannel(c.cfg.EventID)}
	if c.cfg.UserID != "" {
		channels = append(channels, messaging.UserChannel(c.cfg.UserID))
	}
	for _, ch := range channels {
		h, created, err := c.registry.Bind(ch)
		if err != nil {
			c.failMount(err)
			return err
		}
		if created {
			h.OnAny(c.receive)
		}
	}

	c.notify()
	return c.fetch(ctx)
}

// Retry re-issues the history fetch after a failure.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateUnmounted:
		c.mu.Unlock()
		return ErrUnmounted
	case c.state != StateLoading || c.fetching:
		c.mu.Unlock()
		return apperr.Validation("chatsession.retry", "nothing to retry")
	}
	c.mu.Unlock()
	return c.fetch(ctx)
}

func (c *Controller) fetch(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateLoading {
		c.mu.Unlock()
		return ErrUnmounted
	}
	ctx, cancel := context.WithCancel(ctx)
	c.fetching = true
	c.cancelFetch = cancel
	c.mu.Unlock()

	page, err := c.cfg.History.ListHistory(ctx, c.cfg.EventID, nil, c.cfg.PageSize)
	cancel()

	c.mu.Lock()
	c.fetching = false
	c.cancelFetch = nil
	if c.state != StateLoading {
		c.mu.Unlock()
		return ErrUnmounted
	}
	if err != nil {
		c.err = err
		c.mu.Unlock()
		c.logger.Warn().Err(err).Msg("history fetch failed")
		c.notify()
		return err
	}

	c.messages = make([]chat.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		c.messages = append(c.messages, page[i])
	}
	buffered := c.buffer
	c.buffer = nil
	for _, env := range buffered {
		c.apply(env)
	}
	c.err = nil
	c.state = StateLive
	c.mu.Unlock()

	c.notify()
	return nil
}

// SetDraft replaces the composed text.
func (c *Controller) SetDraft(text string) {
	c.mu.Lock()
	if c.state == StateUnmounted {
		c.mu.Unlock()
		return
	}
	c.draft = text
	c.mu.Unlock()
	c.notify()
}

// Send posts content. On failure the draft keeps the text; on success the
// draft is cleared and the returned message is merged into the view.
func (c *Controller) Send(ctx context.Context, content string) (chat.Message, error) {
	c.mu.Lock()
	if c.state == StateUnmounted {
		c.mu.Unlock()
		return chat.Message{}, ErrUnmounted
	}
	c.draft = content
	c.mu.Unlock()

	msg, err := c.cfg.Sender.SendMessage(ctx, c.cfg.EventID, content)

	c.mu.Lock()
	if c.state == StateUnmounted {
		c.mu.Unlock()
		return msg, err
	}
	if err != nil {
		c.err = err
		c.mu.Unlock()
		c.notify()
		return chat.Message{}, err
	}
	c.err = nil
	if c.draft == content {
		c.draft = ""
	}
	env, encErr := localEnvelope(msg)
	if encErr == nil {
		if c.state == StateLive {
			c.apply(env)
		} else {
			c.buffer = append(c.buffer, env)
		}
	}
	c.mu.Unlock()

	c.notify()
	return msg, nil
}

// Unmount stops the controller. Later callbacks and in-flight responses are
// ignored. Safe to call more than once.
func (c *Controller) Unmount() error {
	c.mu.Lock()
	if c.state == StateUnmounted {
		c.mu.Unlock()
		return nil
	}
	c.state = StateUnmounted
	if c.cancelFetch != nil {
		c.cancelFetch()
	}
	c.buffer = nil
	c.mu.Unlock()

	return c.registry.Close()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// View returns the messages in display order, oldest first.
func (c *Controller) View() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Draft returns the composed, unsent text.
func (c *Controller) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Err returns the last history or send failure, or nil.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Channels lists the channels the controller is bound to.
func (c *Controller) Channels() []string {
	return c.registry.Bound()
}

// Snapshot returns a copy of the whole view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Snapshot {
	return Snapshot{
		State:      c.state,
		Messages:   slices.Clone(c.messages),
		Activities: slices.Clone(c.activities),
		Draft:      c.draft,
		Err:        c.err,
	}
}

func (c *Controller) receive(env fanout.Envelope) {
	c.mu.Lock()
	switch c.state {
	case StateLoading:
		c.buffer = append(c.buffer, env)
		c.mu.Unlock()
		return
	case StateLive:
		changed := c.apply(env)
		c.mu.Unlock()
		if changed {
			c.notify()
		}
	default:
		c.mu.Unlock()
	}
}

// apply merges one envelope into the view. c.mu must be held.
func (c *Controller) apply(env fanout.Envelope) bool {
	switch env.Event {
	case fanout.EventNewMessage:
		var m chat.Message
		if !c.decode(env, &m) || m.EventID != c.cfg.EventID {
			return false
		}
		if c.indexOf(m.ID) >= 0 {
			return false
		}
		c.messages = append(c.messages, m)
		return true

	case fanout.EventMessageUpdated:
		var m chat.Message
		if !c.decode(env, &m) {
			return false
		}
		i := c.indexOf(m.ID)
		if i < 0 {
			return false
		}
		c.messages[i] = m
		return true

	case fanout.EventMessageDeleted:
		var d chat.Deleted
		if !c.decode(env, &d) {
			return false
		}
		i := c.indexOf(d.ID)
		if i < 0 {
			return false
		}
		c.messages = slices.Delete(c.messages, i, i+1)
		return true

	case fanout.EventNewActivity:
		var a activity.Activity
		if !c.decode(env, &a) || a.EventID != c.cfg.EventID {
			return false
		}
		if slices.ContainsFunc(c.activities, func(x activity.Activity) bool { return x.ID == a.ID }) {
			return false
		}
		c.activities = append(c.activities, a)
		return true
	}
	return false
}

func (c *Controller) decode(env fanout.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		c.logger.Warn().Err(err).Str("event", env.Event).Msg("dropping undecodable envelope")
		return false
	}
	return true
}

func (c *Controller) indexOf(id string) int {
	return slices.IndexFunc(c.messages, func(m chat.Message) bool { return m.ID == id })
}

// failMount returns a controller whose channels could not be bound to
// StateIdle so Mount can be called again.
func (c *Controller) failMount(err error) {
	c.mu.Lock()
	if c.state == StateLoading {
		c.state = StateIdle
	}
	c.err = err
	c.mu.Unlock()
	c.notify()
}

// notify hands a snapshot to every listener. Listeners run one at a time
// and never under c.mu, so they may call back into the controller.
func (c *Controller) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if c.state == StateUnmounted {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked()
	listeners := slices.Clone(c.listeners)
	c.mu.Unlock()

	for _, cb := range listeners {
		cb(snap)
	}
}

func localEnvelope(m chat.Message) (fanout.Envelope, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return fanout.Envelope{}, err
	}
	return fanout.Envelope{
		Channel: messaging.EventChannel(m.EventID),
		Event:   fanout.EventNewMessage,
		Data:    data,
		Ts:      m.CreatedAt,
	}, nil
}
