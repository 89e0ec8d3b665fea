package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/dmansilva/stockhold/internal/store"
)

// productLocks hands out one mutex per product so the availability check
// and the ledger write for a product form a single critical section.
// Requests against different products never contend.
type productLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newProductLocks() *productLocks {
	return &productLocks{locks: make(map[string]*sync.Mutex)}
}

// get returns the mutex for a product, creating it on first use.
func (p *productLocks) get(productID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[productID]
	if !ok {
		l = &sync.Mutex{}
		p.locks[productID] = l
	}
	return l
}

// ReservationService is the only sanctioned way to read or mutate
// reservation state. It serializes concurrent reserves per product,
// keeps the ledger append-only, and emits a broadcast event only after
// the corresponding ledger write has committed.
type ReservationService struct {
	ledger  store.LedgerStore
	catalog store.Catalog
	hub     *broadcast.Hub
	logger  *slog.Logger
	locks   *productLocks
}

// NewReservationService creates a ReservationService with the given
// dependencies.
func NewReservationService(
	ledger store.LedgerStore,
	catalog store.Catalog,
	hub *broadcast.Hub,
	logger *slog.Logger,
) *ReservationService {
	return &ReservationService{
		ledger:  ledger,
		catalog: catalog,
		hub:     hub,
		logger:  logger,
		locks:   newProductLocks(),
	}
}

// releaseBackoff bounds the retry loop around ledger releases. A release
// that fails is a stuck reservation starving other sessions of stock, so
// it is retried rather than ignored.
func releaseBackoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewFibonacci(50*time.Millisecond))
}

// Reserve is the authoritative gate for claiming stock. The requested
// quantity is the session's desired total for the product (not a delta):
// re-reserving updates the existing entry in place. Rejects with a
// StockShortfall when other sessions' holdings leave too little — a hard
// reject, never a clamp.
func (s *ReservationService) Reserve(ctx context.Context, sessionID, userID, productID string, quantity int64) (domain.Availability, error) {
	if sessionID == "" || productID == "" {
		return domain.Availability{}, &domain.ValidationError{Message: "session_id and product_id are required"}
	}
	if quantity <= 0 {
		return domain.Availability{}, &domain.ValidationError{Message: "quantity must be a positive integer"}
	}

	service, err := s.catalog.IsService(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}
	if service {
		// Service items have unlimited availability and never touch the ledger.
		return domain.ServiceAvailability(productID), nil
	}

	lock := s.locks.get(productID)
	lock.Lock()

	avail, err := s.reserveLocked(ctx, sessionID, userID, productID, quantity)
	lock.Unlock()
	if err != nil {
		return domain.Availability{}, err
	}

	// Broadcast after the ledger write committed, excluding the actor.
	// Receivers get the global view, with no self-exclusion applied.
	globalAvail := avail.Total - avail.Reserved
	if globalAvail < 0 {
		globalAvail = 0
	}
	s.hub.Broadcast(domain.Reserved{
		ProductID: productID,
		Total:     avail.Total,
		Available: globalAvail,
		Quantity:  quantity,
		SessionID: sessionID,
		UserID:    userID,
		At:        time.Now(),
	}, sessionID)

	return avail, nil
}

// reserveLocked performs the check-and-write under the product lock.
func (s *ReservationService) reserveLocked(ctx context.Context, sessionID, userID, productID string, quantity int64) (domain.Availability, error) {
	total, err := s.catalog.TotalStock(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}

	entries, err := s.ledger.ActiveByProduct(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}

	before := domain.ComputeAvailability(productID, total, entries, sessionID)
	if quantity > before.Available {
		return domain.Availability{}, &domain.StockShortfall{
			ProductID: productID,
			Requested: quantity,
			Available: before.Available,
		}
	}

	now := time.Now()
	existing, err := s.ledger.ActiveEntry(ctx, sessionID, productID)
	if err != nil {
		return domain.Availability{}, err
	}

	if existing != nil {
		if err := s.ledger.UpdateQuantity(ctx, existing.ID, quantity, now); err != nil {
			return domain.Availability{}, err
		}
	} else {
		entry := &domain.ReservationEntry{
			ID:            uuid.New().String(),
			ProductID:     productID,
			SessionID:     sessionID,
			UserID:        userID,
			Quantity:      quantity,
			Kind:          domain.KindSession,
			Status:        domain.StatusActive,
			CreatedAt:     now,
			LastRenewedAt: now,
		}
		if err := s.ledger.Append(ctx, entry); err != nil {
			return domain.Availability{}, err
		}
	}

	return s.availabilityLocked(ctx, productID, sessionID)
}

// availabilityLocked recomputes availability from the live ledger.
// Caller holds the product lock (or accepts a point-in-time read).
func (s *ReservationService) availabilityLocked(ctx context.Context, productID, selfSession string) (domain.Availability, error) {
	total, err := s.catalog.TotalStock(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}
	entries, err := s.ledger.ActiveByProduct(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}
	return domain.ComputeAvailability(productID, total, entries, selfSession), nil
}

// ReleaseProduct releases (or partially decrements) the session's holding
// of one product. quantity <= 0 or >= the held amount releases in full.
// Releasing a product the session does not hold succeeds as a no-op:
// cleanup paths race with normal closes by design.
func (s *ReservationService) ReleaseProduct(ctx context.Context, sessionID, productID string, quantity int64, cause domain.ReleaseCause) (int, error) {
	lock := s.locks.get(productID)
	lock.Lock()

	entry, err := s.ledger.ActiveEntry(ctx, sessionID, productID)
	if err != nil {
		lock.Unlock()
		return 0, err
	}
	if entry == nil {
		lock.Unlock()
		return 0, nil
	}

	now := time.Now()
	released := 0
	var freed int64
	if quantity > 0 && quantity < entry.Quantity {
		// Partial release: shrink the holding, keep the entry active.
		err = s.ledger.UpdateQuantity(ctx, entry.ID, entry.Quantity-quantity, now)
		freed = quantity
	} else {
		err = retry.Do(ctx, releaseBackoff(), func(ctx context.Context) error {
			did, rerr := s.ledger.Release(ctx, entry.ID, cause, now)
			if rerr != nil {
				return retry.RetryableError(rerr)
			}
			if did {
				released = 1
			}
			return nil
		})
		freed = entry.Quantity
	}
	if err != nil {
		lock.Unlock()
		return 0, err
	}

	avail, err := s.availabilityLocked(ctx, productID, "")
	lock.Unlock()
	if err != nil {
		return released, err
	}

	s.hub.Broadcast(domain.Released{
		ProductID: productID,
		Total:     avail.Total,
		Available: avail.Available,
		Quantity:  freed,
		SessionID: sessionID,
		UserID:    entry.UserID,
		Cause:     cause,
		At:        time.Now(),
	}, sessionID)

	return released, nil
}

// ReleaseSession releases every active entry the session holds. Used on
// modal close, checkout completion, disconnect, and explicit cleanup.
// Returns how many entries were released; a session with no holdings is a
// successful no-op.
func (s *ReservationService) ReleaseSession(ctx context.Context, sessionID string, cause domain.ReleaseCause) (int, error) {
	entries, err := s.ledger.ActiveBySession(ctx, sessionID)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, e := range entries {
		n, err := s.ReleaseProduct(ctx, sessionID, e.ProductID, 0, cause)
		if err != nil {
			return released, err
		}
		released += n
	}

	if released > 0 {
		s.logger.Info("session reservations released",
			slog.String("session_id", sessionID),
			slog.String("cause", string(cause)),
			slog.Int("entries", released),
		)
	}
	return released, nil
}

// QueryAvailable answers {total, reserved, available} for a product.
// selfSession may be empty; when given, the session's own holding is
// excluded from the available figure so its own cart does not count
// against it.
func (s *ReservationService) QueryAvailable(ctx context.Context, productID, selfSession string) (domain.Availability, error) {
	service, err := s.catalog.IsService(ctx, productID)
	if err != nil {
		return domain.Availability{}, err
	}
	if service {
		return domain.ServiceAvailability(productID), nil
	}
	return s.availabilityLocked(ctx, productID, selfSession)
}

// Heartbeat renews every active session-kind entry the session holds in
// one call. Cheap, and never an error for the caller: a session holding
// nothing renews nothing.
func (s *ReservationService) Heartbeat(ctx context.Context, sessionID string) (int, error) {
	return s.ledger.Renew(ctx, sessionID, time.Now())
}

// Holdings returns the session's active entries.
func (s *ReservationService) Holdings(ctx context.Context, sessionID string) ([]*domain.ReservationEntry, error) {
	return s.ledger.ActiveBySession(ctx, sessionID)
}

// History returns the most recent ledger entries for a product.
func (s *ReservationService) History(ctx context.Context, productID string, limit int) ([]*domain.ReservationEntry, error) {
	return s.ledger.History(ctx, productID, limit)
}

// CommitSession converts the session's active entries to committed kind:
// the cart became a pending sale awaiting physical confirmation, so the
// sweeps must leave it alone.
func (s *ReservationService) CommitSession(ctx context.Context, sessionID string) (int, error) {
	return s.ledger.SetSessionKind(ctx, sessionID, domain.KindCommitted)
}

// ForceRelease releases a single entry without broadcasting; the sweeper
// batches its own per-product notifications after a pass. Returns whether
// this call performed the transition.
func (s *ReservationService) ForceRelease(ctx context.Context, e *domain.ReservationEntry, cause domain.ReleaseCause) (bool, error) {
	lock := s.locks.get(e.ProductID)
	lock.Lock()
	defer lock.Unlock()

	var did bool
	err := retry.Do(ctx, releaseBackoff(), func(ctx context.Context) error {
		d, rerr := s.ledger.Release(ctx, e.ID, cause, time.Now())
		if rerr != nil {
			return retry.RetryableError(rerr)
		}
		did = d
		return nil
	})
	return did, err
}

// FinalizeCheckout ends the soft-lock phase for a finalized sale: the
// catalog total is permanently decremented first, then the reservation is
// released, so availability never transiently overshoots.
func (s *ReservationService) FinalizeCheckout(ctx context.Context, sessionID string) error {
	entries, err := s.ledger.ActiveBySession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, e := range entries {
		lock := s.locks.get(e.ProductID)
		lock.Lock()

		if _, err := s.catalog.DecrementStock(ctx, e.ProductID, e.Quantity); err != nil {
			lock.Unlock()
			return err
		}
		err := retry.Do(ctx, releaseBackoff(), func(ctx context.Context) error {
			if _, rerr := s.ledger.Release(ctx, e.ID, domain.CauseCommitted, now); rerr != nil {
				return retry.RetryableError(rerr)
			}
			return nil
		})
		if err != nil {
			lock.Unlock()
			return err
		}

		avail, err := s.availabilityLocked(ctx, e.ProductID, "")
		lock.Unlock()
		if err != nil {
			return err
		}

		s.hub.Broadcast(domain.InventoryChanged{
			ProductID: e.ProductID,
			Total:     avail.Total,
			Available: avail.Available,
			At:        time.Now(),
		}, "")
	}

	s.logger.Info("checkout finalized",
		slog.String("session_id", sessionID),
		slog.Int("entries", len(entries)),
	)
	return nil
}

// SetProductStock applies a catalog-level stock correction and tells every
// terminal to refresh its snapshot for the product.
func (s *ReservationService) SetProductStock(ctx context.Context, productID string, total int64) (domain.Availability, error) {
	if total < 0 {
		return domain.Availability{}, &domain.ValidationError{Message: "total must not be negative"}
	}

	lock := s.locks.get(productID)
	lock.Lock()

	if _, err := s.catalog.SetStock(ctx, productID, total); err != nil {
		lock.Unlock()
		return domain.Availability{}, err
	}
	avail, err := s.availabilityLocked(ctx, productID, "")
	lock.Unlock()
	if err != nil {
		return domain.Availability{}, err
	}

	s.hub.Broadcast(domain.InventoryChanged{
		ProductID: productID,
		Total:     avail.Total,
		Available: avail.Available,
		At:        time.Now(),
	}, "")

	return avail, nil
}

// IsTransient reports whether an error is a retriable store failure.
func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrTransientStore)
}
