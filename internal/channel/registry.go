// Package channel keeps track of which broadcast channels one client view
// is bound to, so that each channel is subscribed at most once and released
// exactly once.
package channel

import (
	"errors"
	"slices"
	"sync"

	"github.com/eventhub/realtime/internal/apperr"
	"github.com/eventhub/realtime/internal/fanout"
	"github.com/eventhub/realtime/internal/messaging"
)

// ErrClosed is returned by Bind after Close.
var ErrClosed = errors.New("channel: registry closed")

// Subscriber opens broadcast subscriptions. *fanout.Broadcaster satisfies it.
type Subscriber interface {
	Subscribe(channel string) (*fanout.Handle, error)
}

// Registry is the set of channels bound by one session.
type Registry struct {
	sub Subscriber

	mu      sync.Mutex
	closed  bool
	handles map[string]*fanout.Handle
}

// NewRegistry creates an empty registry that subscribes through sub.
func NewRegistry(sub Subscriber) *Registry {
	return &Registry{sub: sub, handles: make(map[string]*fanout.Handle)}
}

// Bind subscribes to channel, or returns the existing handle if it is
// already bound. created reports whether a new subscription was opened.
func (r *Registry) Bind(channel string) (h *fanout.Handle, created bool, err error) {
	if _, _, ok := messaging.ParseChannel(channel); !ok {
		return nil, false, apperr.Validationf("channel.bind", "invalid channel %q", channel)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, false, ErrClosed
	}
	if h, ok := r.handles[channel]; ok {
		return h, false, nil
	}

	h, err = r.sub.Subscribe(channel)
	if err != nil {
		return nil, false, err
	}
	r.handles[channel] = h
	return h, true, nil
}

// Lookup returns the handle bound to channel, if any.
func (r *Registry) Lookup(channel string) (*fanout.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[channel]
	return h, ok
}

// Release unsubscribes channel. Releasing an unbound channel is a no-op.
func (r *Registry) Release(channel string) error {
	r.mu.Lock()
	h, ok := r.handles[channel]
	delete(r.handles, channel)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return h.Unsubscribe()
}

// Close releases every channel and rejects further binds. Safe to call
// more than once.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := r.handles
	r.handles = make(map[string]*fanout.Handle)
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Bound lists the bound channels in lexical order.
func (r *Registry) Bound() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.handles))
	for ch := range r.handles {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of bound channels.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
