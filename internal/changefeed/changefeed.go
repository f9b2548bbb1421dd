// Package changefeed delivers "something changed" notifications for the zones
// and profiles tables. Events carry no row data; consumers re-fetch.
package changefeed

import (
	"sync"
)

const (
	TableZones    = "zones"
	TableProfiles = "profiles"

	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
	EventAny    = "*"
)

type Event struct {
	Table string `json:"table"`
	Event string `json:"event"`
}

func (e Event) Valid() bool {
	switch e.Table {
	case TableZones, TableProfiles:
	default:
		return false
	}
	switch e.Event {
	case EventInsert, EventUpdate, EventDelete, EventAny:
		return true
	}
	return false
}

// Subscription is a cancellable stream of events. Delivery coalesces: while an
// undelivered event is pending, further events are dropped, since any one of
// them already tells the consumer to resync.
type Subscription struct {
	ch   chan Event
	done chan struct{}

	once    sync.Once
	onClose func()
}

func NewSubscription(onClose func()) *Subscription {
	return &Subscription{
		ch:      make(chan Event, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (s *Subscription) Events() <-chan Event  { return s.ch }
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Deliver never blocks. It reports whether the event was queued.
func (s *Subscription) Deliver(ev Event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// Hub fans events out to every open subscription.
type Hub struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*Subscription
}

func NewHub() *Hub {
	return &Hub{subs: map[uint64]*Subscription{}}
}

func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	sub := NewSubscription(func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	})
	h.subs[id] = sub
	return sub
}

func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Deliver(ev)
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	for _, s := range subs {
		s.Close()
	}
}
