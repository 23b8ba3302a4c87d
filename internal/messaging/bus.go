package messaging

import (
	"slices"
	"sync"
)

// Bus is an in-process Transport. Publish delivers synchronously, in
// subscription order, before returning, so per-channel order is publish
// order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]func([]byte)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[uint64]func([]byte))}
}

// Publish implements Transport.
func (b *Bus) Publish(channel string, data []byte) error {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs[channel]))
	ids := make([]uint64, 0, len(b.subs[channel]))
	for id := range b.subs[channel] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subs[channel][id])
	}
	b.mu.RUnlock()

	// Handlers may subscribe or unsubscribe; never call them under the lock.
	for _, h := range handlers {
		h(data)
	}
	return nil
}

// Subscribe implements Transport.
func (b *Bus) Subscribe(channel string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[uint64]func([]byte))
	}
	b.subs[channel][id] = handler
	return &busSubscription{bus: b, channel: channel, id: id}, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Bus) remove(channel string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subs[channel], id)
	if len(b.subs[channel]) == 0 {
		delete(b.subs, channel)
	}
}

type busSubscription struct {
	bus     *Bus
	channel string
	id      uint64
	once    sync.Once
}

func (s *busSubscription) Unsubscribe() error {
	s.once.Do(func() { s.bus.remove(s.channel, s.id) })
	return nil
}
