// Package events fans session lifecycle events out to live subscribers.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeMessageReceived  = "message_received"
	TypeVerdictCommitted = "verdict_committed"
	TypeSessionReported  = "session_reported"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Event is a single session lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription receives published events until it is closed.
type Subscription struct {
	ch     chan Event
	filter string
	hub    *Hub
	once   sync.Once
}

// C returns the event channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is an in-process publish/subscribe fan-out. Publishing never blocks:
// a subscriber that falls behind loses its oldest undelivered event.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	logger *slog.Logger
	now    func() time.Time
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*Subscription]struct{}),
		logger: logger,
		now:    time.Now,
	}
}

// Subscribe registers a subscriber. A non-empty sessionID only receives
// events for that session.
func (h *Hub) Subscribe(sessionID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	s := &Subscription{ch: make(chan Event, buffer), filter: sessionID, hub: h}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers e to every matching subscriber.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if s.filter != "" && s.filter != e.SessionID {
			continue
		}
		select {
		case s.ch <- e:
			continue
		default:
		}
		// Subscriber is behind: drop its oldest event to make room.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- e:
		default:
			h.logger.Debug("Event dropped for slow subscriber", "type", e.Type, "session_id", e.SessionID)
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		delete(h.subs, s)
		close(s.ch)
	}
}
