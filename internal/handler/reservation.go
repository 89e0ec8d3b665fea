package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/dmansilva/stockhold/internal/service"
)

// ReservationHandler handles HTTP requests for reservation endpoints.
type ReservationHandler struct {
	svc *service.ReservationService
}

// NewReservationHandler creates a new ReservationHandler.
func NewReservationHandler(svc *service.ReservationService) *ReservationHandler {
	return &ReservationHandler{svc: svc}
}

// reserveRequest is the JSON body for POST /reservations.
type reserveRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	ProductID string `json:"product_id"`
	Quantity  int64  `json:"quantity"`
}

// availabilityResponse is the JSON shape of an availability snapshot.
type availabilityResponse struct {
	ProductID string `json:"product_id"`
	Total     int64  `json:"total"`
	Reserved  int64  `json:"reserved"`
	Own       int64  `json:"own,omitempty"`
	Available int64  `json:"available"`
	Service   bool   `json:"service,omitempty"`
}

func toAvailabilityResponse(a domain.Availability) availabilityResponse {
	return availabilityResponse{
		ProductID: a.ProductID,
		Total:     a.Total,
		Reserved:  a.Reserved,
		Own:       a.Own,
		Available: a.Available,
		Service:   a.Service,
	}
}

// Reserve handles POST /reservations.
func (h *ReservationHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	avail, err := h.svc.Reserve(r.Context(), req.SessionID, req.UserID, req.ProductID, req.Quantity)
	if err != nil {
		mapReservationError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, toAvailabilityResponse(avail))
}

// releaseRequest is the JSON body for POST /releases. Quantity 0 (or
// omitted) releases the session's full holding of the product; omitting
// product_id releases everything the session holds.
type releaseRequest struct {
	SessionID string `json:"session_id"`
	ProductID string `json:"product_id,omitempty"`
	Quantity  int64  `json:"quantity,omitempty"`
}

// releaseResponse reports how many entries the call released.
type releaseResponse struct {
	Released int `json:"released"`
}

// Release handles POST /releases.
func (h *ReservationHandler) Release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if req.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "validation_error", "session_id is required")
		return
	}

	var (
		released int
		err      error
	)
	if req.ProductID == "" {
		released, err = h.svc.ReleaseSession(r.Context(), req.SessionID, domain.CauseManual)
	} else {
		released, err = h.svc.ReleaseProduct(r.Context(), req.SessionID, req.ProductID, req.Quantity, domain.CauseManual)
	}
	if err != nil {
		mapReservationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, releaseResponse{Released: released})
}

// Availability handles GET /products/{product_id}/availability. The
// optional session_id query param excludes that session's own holding from
// the available figure.
func (h *ReservationHandler) Availability(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product_id")
	sessionID := r.URL.Query().Get("session_id")

	avail, err := h.svc.QueryAvailable(r.Context(), productID, sessionID)
	if err != nil {
		mapReservationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, toAvailabilityResponse(avail))
}

// historyResponse is the JSON response for GET /products/{product_id}/history.
type historyResponse struct {
	ProductID string                     `json:"product_id"`
	Entries   []*domain.ReservationEntry `json:"entries"`
}

// History handles GET /products/{product_id}/history.
func (h *ReservationHandler) History(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product_id")

	// Parse limit query param (default 50, max 500).
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil || limit <= 0 {
			WriteError(w, http.StatusBadRequest, "validation_error", "limit must be a positive integer")
			return
		}
	}
	if limit > 500 {
		limit = 500
	}

	entries, err := h.svc.History(r.Context(), productID, limit)
	if err != nil {
		mapReservationError(w, err)
		return
	}
	if entries == nil {
		entries = []*domain.ReservationEntry{}
	}

	WriteJSON(w, http.StatusOK, historyResponse{ProductID: productID, Entries: entries})
}

// setStockRequest is the JSON body for PUT /products/{product_id}/stock.
type setStockRequest struct {
	Total int64 `json:"total"`
}

// SetStock handles PUT /products/{product_id}/stock.
func (h *ReservationHandler) SetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product_id")

	var req setStockRequest
	if err := ParseJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	avail, err := h.svc.SetProductStock(r.Context(), productID, req.Total)
	if err != nil {
		mapReservationError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, toAvailabilityResponse(avail))
}

// shortfallResponse is the 409 payload for a rejected reservation; it
// carries the figures the terminal shows in its out-of-stock message.
type shortfallResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	ProductID string `json:"product_id"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
}

// mapReservationError maps domain errors to HTTP responses.
func mapReservationError(w http.ResponseWriter, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		WriteError(w, http.StatusBadRequest, "validation_error", validationErr.Message)
		return
	}

	var shortfall *domain.StockShortfall
	if errors.As(err, &shortfall) {
		WriteJSON(w, http.StatusConflict, shortfallResponse{
			Error:     "insufficient_stock",
			Message:   shortfall.Error(),
			ProductID: shortfall.ProductID,
			Requested: shortfall.Requested,
			Available: shortfall.Available,
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrProductNotFound):
		WriteError(w, http.StatusNotFound, "product_not_found", err.Error())
	case errors.Is(err, domain.ErrTransientStore):
		WriteError(w, http.StatusServiceUnavailable, "transient_store", "The reservation store is temporarily unavailable")
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
	}
}
