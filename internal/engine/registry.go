package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dmansilva/stockhold/internal/domain"
)

// SessionReleaser releases every active holding of a session in one call.
type SessionReleaser interface {
	ReleaseSession(ctx context.Context, sessionID string, cause domain.ReleaseCause) (int, error)
}

// Session is a connected terminal as seen by the registry.
type Session struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`

	// token identifies the connection that owns this registration. A
	// reconnect bumps it, so the replaced connection's teardown cannot
	// deregister the live one.
	token uint64
}

// SessionRegistry tracks which terminal sessions are currently connected
// and releases their holdings the moment they drop.
type SessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	nextTok  uint64
	releaser SessionReleaser
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry(releaser SessionReleaser, logger *slog.Logger) *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*Session),
		releaser: releaser,
		logger:   logger,
		now:      time.Now,
	}
}

// Connect records a session as live and returns the token identifying
// this connection. Reconnecting the same session refreshes its timestamps
// rather than duplicating it; the returned token supersedes the previous
// connection's.
func (r *SessionRegistry) Connect(sessionID, userID string) uint64 {
	now := r.now()

	r.mu.Lock()
	r.nextTok++
	token := r.nextTok
	if s, ok := r.sessions[sessionID]; ok {
		s.UserID = userID
		s.LastSeenAt = now
		s.token = token
		r.mu.Unlock()
		return token
	}
	r.sessions[sessionID] = &Session{
		SessionID:   sessionID,
		UserID:      userID,
		ConnectedAt: now,
		LastSeenAt:  now,
		token:       token,
	}
	r.mu.Unlock()

	r.logger.Info("session connected",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	)
	return token
}

// Touch refreshes a session's last-seen timestamp. Unknown sessions are
// ignored.
func (r *SessionRegistry) Touch(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		s.LastSeenAt = r.now()
	}
}

// Connected reports whether the session is currently registered.
func (r *SessionRegistry) Connected(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[sessionID]
	return ok
}

// Disconnect removes the session and immediately releases everything it
// held, but only when token still identifies the current registration: a
// reconnect hands the session to a newer connection, and the replaced
// connection's teardown must not release a live cashier's cart.
// Idempotent: a repeated or superseded disconnect is a no-op.
func (r *SessionRegistry) Disconnect(ctx context.Context, sessionID string, token uint64) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if ok && s.token == token {
		delete(r.sessions, sessionID)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	released, err := r.releaser.ReleaseSession(ctx, sessionID, domain.CauseDisconnected)
	if err != nil {
		r.logger.Error("disconnect release failed",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	r.logger.Info("session disconnected",
		slog.String("session_id", sessionID),
		slog.Int("released", released),
	)
}

// List returns a snapshot of connected sessions, ordered by session id.
func (r *SessionRegistry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
