package fanout

import (
	"context"
	"sync"
	"sync/atomic"
)

const DefaultBuffer = 64

// Hub is the in-process subscriber registry.
//
// Publish never blocks: a subscriber whose buffer is full misses the event.
// There is no replay; reconnecting clients re-fetch history over REST.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[*Subscription]struct{}

	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{buffer: buffer, subs: map[*Subscription]struct{}{}}
}

type Subscription struct {
	hub *Hub
	ch  chan Event

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	s := &Subscription{hub: h, ch: make(chan Event, h.buffer), topics: map[string]struct{}{}}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(ev.Topic) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (s *Subscription) Events() <-chan Event { return s.ch }

func (s *Subscription) wants(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *Subscription) Add(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

func (s *Subscription) Remove(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// Close unregisters the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.hub.subs, s)
	close(s.ch)
}
