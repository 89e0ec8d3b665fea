package domain

import "time"

// ReservationKind distinguishes cart/modal reservations from reservations
// tied to a pending sale awaiting physical confirmation.
type ReservationKind string

const (
	// KindSession is a soft lock held by an open cart or sale modal.
	// Subject to both the general and the AFK expiration sweeps.
	KindSession ReservationKind = "session"
	// KindCommitted is tied to a sale that has been committed but not yet
	// finalized. Longer-lived; never touched by the sweeps.
	KindCommitted ReservationKind = "committed"
)

// ReservationStatus represents the lifecycle state of a ledger entry.
type ReservationStatus string

const (
	StatusActive   ReservationStatus = "active"
	StatusReleased ReservationStatus = "released"
)

// ReleaseCause records why an entry left the active state. Entries are
// never deleted, so the cause is the audit trail.
type ReleaseCause string

const (
	CauseManual       ReleaseCause = "manual"
	CauseExpired      ReleaseCause = "expired"
	CauseAfkExpired   ReleaseCause = "afk_expired"
	CauseDisconnected ReleaseCause = "disconnected"
	CauseCommitted    ReleaseCause = "committed"
)

// ReservationEntry is the unit of the reservation ledger: one session's
// claim on a quantity of one product. A session holds at most one active
// entry per product; re-reserving updates the quantity in place.
type ReservationEntry struct {
	ID            string            `json:"id"`
	ProductID     string            `json:"product_id"`
	SessionID     string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	Quantity      int64             `json:"quantity"`
	Kind          ReservationKind   `json:"kind"`
	Status        ReservationStatus `json:"status"`
	ReleaseCause  ReleaseCause      `json:"release_cause,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	LastRenewedAt time.Time         `json:"last_renewed_at"`
	ReleasedAt    *time.Time        `json:"released_at,omitempty"`
}

// Active reports whether the entry still holds stock.
func (e *ReservationEntry) Active() bool {
	return e.Status == StatusActive
}

// Sweepable reports whether the entry is eligible for a sweep pass with the
// given cutoff. Committed entries are never sweepable.
func (e *ReservationEntry) Sweepable(cutoff time.Time) bool {
	if !e.Active() || e.Kind == KindCommitted {
		return false
	}
	return e.LastRenewedAt.Before(cutoff)
}
