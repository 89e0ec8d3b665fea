package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/dmansilva/stockhold/internal/engine"
	"github.com/dmansilva/stockhold/internal/service"
)

// SessionHandler handles HTTP requests for session lifecycle endpoints.
type SessionHandler struct {
	svc      *service.ReservationService
	registry *engine.SessionRegistry
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(svc *service.ReservationService, registry *engine.SessionRegistry) *SessionHandler {
	return &SessionHandler{svc: svc, registry: registry}
}

// heartbeatResponse reports how many holdings the heartbeat renewed.
type heartbeatResponse struct {
	Renewed int `json:"renewed"`
}

// Heartbeat handles POST /sessions/{session_id}/heartbeat. Always succeeds
// for a well-formed request; a session holding nothing renews nothing.
func (h *SessionHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	renewed, err := h.svc.Heartbeat(r.Context(), sessionID)
	if err != nil {
		mapReservationError(w, err)
		return
	}
	h.registry.Touch(sessionID)

	WriteJSON(w, http.StatusOK, heartbeatResponse{Renewed: renewed})
}

// commitResponse reports how many holdings were converted to committed.
type commitResponse struct {
	Committed int `json:"committed"`
}

// Commit handles POST /sessions/{session_id}/commit: the cart became a
// pending sale, so its holdings stop expiring.
func (h *SessionHandler) Commit(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	committed, err := h.svc.CommitSession(r.Context(), sessionID)
	if err != nil {
		mapReservationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, commitResponse{Committed: committed})
}

// Checkout handles POST /checkout/{session_id}: the sale was physically
// confirmed, stock is decremented for good and the holdings released.
func (h *SessionHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	if err := h.svc.FinalizeCheckout(r.Context(), sessionID); err != nil {
		mapReservationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": "finalized"})
}

// holdingsResponse is the JSON response for GET /sessions/{session_id}/holdings.
type holdingsResponse struct {
	SessionID string                     `json:"session_id"`
	Entries   []*domain.ReservationEntry `json:"entries"`
}

// Holdings handles GET /sessions/{session_id}/holdings.
func (h *SessionHandler) Holdings(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	entries, err := h.svc.Holdings(r.Context(), sessionID)
	if err != nil {
		mapReservationError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.ReservationEntry{}
	}

	WriteJSON(w, http.StatusOK, holdingsResponse{SessionID: sessionID, Entries: entries})
}

// listResponse is the JSON response for GET /sessions.
type listResponse struct {
	Sessions []engine.Session `json:"sessions"`
}

// List handles GET /sessions: the currently connected terminals.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, listResponse{Sessions: h.registry.List()})
}
