package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmansilva/stockhold/internal/domain"
)

// LedgerStore is the append-only reservation ledger. Entries transition
// Active→Released exactly once and are never deleted; every implementation
// must make each mutation atomic on its own so that sweeps, disconnect
// cleanup, and regular releases can race safely.
//
// Serializing the availability check against the write for one product is
// the caller's job (the reservation service holds a per-product critical
// section); the store only guarantees single-entry atomicity.
type LedgerStore interface {
	// Append records a new active entry.
	Append(ctx context.Context, e *domain.ReservationEntry) error

	// UpdateQuantity replaces the quantity of an active entry and bumps
	// its renewal timestamp. Re-reserving from the same session updates
	// the existing entry instead of creating a duplicate.
	UpdateQuantity(ctx context.Context, id string, quantity int64, renewedAt time.Time) error

	// Release marks an entry released with the given cause. Releasing a
	// missing or already-released entry is a no-op; the bool reports
	// whether this call performed the transition.
	Release(ctx context.Context, id string, cause domain.ReleaseCause, at time.Time) (bool, error)

	// Renew bumps LastRenewedAt on every active session-kind entry held
	// by the session and returns how many were renewed.
	Renew(ctx context.Context, sessionID string, at time.Time) (int, error)

	// SetSessionKind rewrites the kind of every active entry held by the
	// session and returns how many were changed. Used when a cart is
	// committed to a pending sale.
	SetSessionKind(ctx context.Context, sessionID string, kind domain.ReservationKind) (int, error)

	// ActiveEntry returns the session's active entry for a product, or
	// (nil, nil) when none exists.
	ActiveEntry(ctx context.Context, sessionID, productID string) (*domain.ReservationEntry, error)

	// ActiveByProduct returns every active entry for a product.
	ActiveByProduct(ctx context.Context, productID string) ([]*domain.ReservationEntry, error)

	// ActiveBySession returns every active entry held by a session.
	ActiveBySession(ctx context.Context, sessionID string) ([]*domain.ReservationEntry, error)

	// ActiveOlderThan returns active entries whose LastRenewedAt is before
	// the cutoff, oldest first. This is the sweeper's scan.
	ActiveOlderThan(ctx context.Context, cutoff time.Time) ([]*domain.ReservationEntry, error)

	// History returns the most recent entries (any status) for a product,
	// newest first, up to limit. Supports reservation audits.
	History(ctx context.Context, productID string, limit int) ([]*domain.ReservationEntry, error)
}

// wrapTransient tags a store failure as transient so callers can match it
// with errors.Is(err, domain.ErrTransientStore) and retry with backoff.
func wrapTransient(op string, err error) error {
	return fmt.Errorf("%s: %w", op, errors.Join(domain.ErrTransientStore, err))
}
