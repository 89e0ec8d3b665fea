package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/engine"
	"github.com/dmansilva/stockhold/internal/service"
)

// NewRouter creates a chi router with all routes registered, request logging,
// and Content-Type validation middleware.
func NewRouter(
	svc *service.ReservationService,
	registry *engine.SessionRegistry,
	hub *broadcast.Hub,
	logger *slog.Logger,
) chi.Router {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestLogging(logger))
	r.Use(contentTypeJSON)

	// Create handlers.
	reservationH := NewReservationHandler(svc)
	sessionH := NewSessionHandler(svc, registry)
	eventsH := NewEventsHandler(hub, registry, logger)

	// Health check.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Reservation routes.
	r.Post("/reservations", reservationH.Reserve)
	r.Post("/releases", reservationH.Release)

	// Product routes.
	r.Get("/products/{product_id}/availability", reservationH.Availability)
	r.Get("/products/{product_id}/history", reservationH.History)
	r.Put("/products/{product_id}/stock", reservationH.SetStock)

	// Session routes.
	r.Get("/sessions", sessionH.List)
	r.Post("/sessions/{session_id}/heartbeat", sessionH.Heartbeat)
	r.Post("/sessions/{session_id}/commit", sessionH.Commit)
	r.Get("/sessions/{session_id}/holdings", sessionH.Holdings)
	r.Post("/checkout/{session_id}", sessionH.Checkout)

	// Event stream.
	r.Get("/events", eventsH.Stream)

	return r
}

// requestLogging returns middleware that logs each request's method, path,
// status code, and duration using slog.
func requestLogging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.status),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

// Flush forwards flushes so the SSE stream works through the logging
// middleware wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// contentTypeJSON is middleware that validates Content-Type for POST, PUT, and
// PATCH requests. If the Content-Type header doesn't start with
// "application/json", it returns 400 Bad Request before the handler runs.
func contentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			ct := r.Header.Get("Content-Type")
			if ct == "" || !strings.HasPrefix(ct, "application/json") {
				WriteError(w, http.StatusBadRequest, "invalid_request",
					"Content-Type must be application/json")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
