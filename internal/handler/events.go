package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/engine"
)

// keepaliveInterval paces SSE comment frames so idle connections survive
// proxies with read timeouts.
const keepaliveInterval = 15 * time.Second

// EventsHandler serves the server-sent events stream terminals subscribe
// to. The stream doubles as liveness: opening it registers the session,
// and the connection closing is the disconnect signal that releases the
// session's holdings.
type EventsHandler struct {
	hub      *broadcast.Hub
	registry *engine.SessionRegistry
	logger   *slog.Logger
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(hub *broadcast.Hub, registry *engine.SessionRegistry, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{hub: hub, registry: registry, logger: logger}
}

// Stream handles GET /events?session_id=...&user_id=...
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	userID := r.URL.Query().Get("user_id")
	if sessionID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "session_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, http.StatusInternalServerError, "streaming_unsupported", "Response writer does not support streaming")
		return
	}

	// Register before subscribing: a reconnecting session bumps its
	// registry token first, so by the time the hub replacement wakes the
	// old handler, that handler's token is already stale and its teardown
	// cannot release the live connection's holdings.
	token := h.registry.Connect(sessionID, userID)
	sub := h.hub.Subscribe(sessionID, userID)
	defer func() {
		sub.Close()
		// The request context is already cancelled here; the release still
		// has to run.
		h.registry.Disconnect(context.WithoutCancel(r.Context()), sessionID, token)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, "event: connected\ndata: {\"session_id\":%q}\n\n", sessionID)
	flusher.Flush()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				// Replaced by a newer connection for the same session.
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event",
					slog.String("event", ev.Name()),
					slog.String("error", err.Error()),
				)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name(), payload)
			flusher.Flush()
			h.registry.Touch(sessionID)
		}
	}
}
