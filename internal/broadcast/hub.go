// Package broadcast fans reservation events out to every connected
// terminal so their local availability caches stay current. Delivery is
// best-effort at-least-once: a slow consumer loses its oldest undelivered
// event, never blocks the sender, and receivers treat every event as an
// idempotent snapshot.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/dmansilva/stockhold/internal/domain"
)

// subscriberBuffer is the per-terminal event queue depth.
const subscriberBuffer = 16

// Subscription is one terminal's live event feed. The caller must Close()
// it when the connection ends.
type Subscription struct {
	sessionID string
	userID    string
	events    chan domain.Event
	hub       *Hub
	once      sync.Once
}

// Events returns the channel of broadcast events. It is closed when the
// subscription is closed or replaced by a newer connection for the same
// session.
func (s *Subscription) Events() <-chan domain.Event { return s.events }

// SessionID returns the session this subscription belongs to.
func (s *Subscription) SessionID() string { return s.sessionID }

// UserID returns the principal owning the session.
func (s *Subscription) UserID() string { return s.userID }

// Close unregisters the subscription. Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(func() { s.hub.unsubscribe(s) })
	return nil
}

// Hub is the fan-out notifier. One subscription per session; a reconnect
// for the same session replaces (and closes) the previous one.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscription
	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a terminal session and returns its event feed.
func (h *Hub) Subscribe(sessionID, userID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		userID:    userID,
		events:    make(chan domain.Event, subscriberBuffer),
		hub:       h,
	}

	h.mu.Lock()
	if old, ok := h.subs[sessionID]; ok {
		close(old.events)
	}
	h.subs[sessionID] = sub
	h.mu.Unlock()

	return sub
}

func (h *Hub) unsubscribe(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// Only remove if this subscription is still the registered one; a
	// reconnect may have replaced it already.
	if cur, ok := h.subs[s.sessionID]; ok && cur == s {
		delete(h.subs, s.sessionID)
		close(s.events)
	}
}

// Connected reports whether a session currently has a live subscription.
func (h *Hub) Connected(sessionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[sessionID]
	return ok
}

// Broadcast delivers the event to every connected terminal except the one
// named by exceptSession (the acting session should not be toasted about
// its own action). Pass "" to reach everyone.
func (h *Hub) Broadcast(ev domain.Event, exceptSession string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sessionID, sub := range h.subs {
		if sessionID == exceptSession {
			continue
		}
		h.push(sub, ev)
	}
}

// SendTo delivers the event to a single session. Returns false when the
// session is not connected.
func (h *Hub) SendTo(sessionID string, ev domain.Event) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	sub, ok := h.subs[sessionID]
	if !ok {
		return false
	}
	h.push(sub, ev)
	return true
}

// push enqueues without blocking: when the subscriber's buffer is full the
// oldest undelivered event is dropped to make room. Receivers reconcile by
// timestamp, so losing an intermediate snapshot is harmless.
func (h *Hub) push(sub *Subscription, ev domain.Event) {
	select {
	case sub.events <- ev:
		return
	default:
	}

	select {
	case <-sub.events:
	default:
	}

	select {
	case sub.events <- ev:
	default:
		h.logger.Warn("dropping event for slow subscriber",
			slog.String("session_id", sub.sessionID),
			slog.String("event", ev.Name()),
		)
	}
}
