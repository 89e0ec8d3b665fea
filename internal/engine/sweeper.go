package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/dmansilva/stockhold/internal/store"
)

// Releaser force-releases a single ledger entry without broadcasting,
// so the sweeper can batch its notifications per pass instead of
// emitting one event per entry.
type Releaser interface {
	ForceRelease(ctx context.Context, e *domain.ReservationEntry, cause domain.ReleaseCause) (bool, error)
}

// SweeperConfig holds the two independent expiration policies.
type SweeperConfig struct {
	// GeneralInterval/GeneralTTL: the slow safety net for any session
	// entry that stopped renewing, whatever happened to its terminal.
	GeneralInterval time.Duration
	GeneralTTL      time.Duration
	// AFKInterval/AFKTTL: the aggressive pass for abandoned cart modals.
	AFKInterval time.Duration
	AFKTTL      time.Duration
	// RenewalGrace protects entries whose heartbeat landed moments before
	// a pass: anything renewed within this window is never AFK-swept.
	RenewalGrace time.Duration
}

// Sweeper periodically scans the ledger for stale reservations and
// force-releases them. Committed entries are never touched by either pass.
type Sweeper struct {
	cfg      SweeperConfig
	ledger   store.LedgerStore
	catalog  store.Catalog
	releaser Releaser
	hub      *broadcast.Hub
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper with the given dependencies.
func NewSweeper(
	cfg SweeperConfig,
	ledger store.LedgerStore,
	catalog store.Catalog,
	releaser Releaser,
	hub *broadcast.Hub,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		ledger:   ledger,
		catalog:  catalog,
		releaser: releaser,
		hub:      hub,
		logger:   logger,
	}
}

// Start launches the background goroutine running both passes on their
// own intervals. It stops when ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		general := time.NewTicker(s.cfg.GeneralInterval)
		afk := time.NewTicker(s.cfg.AFKInterval)
		defer general.Stop()
		defer afk.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case t := <-general.C:
				s.SweepGeneral(ctx, t)
			case t := <-afk.C:
				s.SweepAFK(ctx, t)
			}
		}
	}()
}

// SweepGeneral releases every active session-kind entry whose last renewal
// is older than the general TTL. Cause = expired.
func (s *Sweeper) SweepGeneral(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.GeneralTTL)
	return s.sweep(ctx, cutoff, domain.CauseExpired, false)
}

// SweepAFK releases session-kind entries whose last renewal is older than
// the short AFK TTL, sparing anything renewed within the grace window.
// Cause = afk_expired; owning sessions still connected are told to close
// their cart.
func (s *Sweeper) SweepAFK(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.AFKTTL)
	grace := now.Add(-s.cfg.RenewalGrace)
	return s.sweepWithGrace(ctx, cutoff, grace, domain.CauseAfkExpired, true)
}

func (s *Sweeper) sweep(ctx context.Context, cutoff time.Time, cause domain.ReleaseCause, notifyOwners bool) int {
	return s.sweepWithGrace(ctx, cutoff, cutoff, cause, notifyOwners)
}

func (s *Sweeper) sweepWithGrace(ctx context.Context, cutoff, grace time.Time, cause domain.ReleaseCause, notifyOwners bool) int {
	stale, err := s.ledger.ActiveOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("sweep scan failed",
			slog.String("cause", string(cause)),
			slog.String("error", err.Error()),
		)
		return 0
	}

	released := 0
	products := make(map[string]bool)
	owners := make(map[string][]string) // sessionID → every productID it lost

	for _, e := range stale {
		if !e.Sweepable(cutoff) {
			continue
		}
		// A heartbeat that landed moments before this pass wins.
		if e.LastRenewedAt.After(grace) {
			continue
		}

		did, err := s.releaser.ForceRelease(ctx, e, cause)
		if err != nil {
			s.logger.Error("sweep release failed",
				slog.String("entry_id", e.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !did {
			// Raced a manual release or a disconnect; nothing to do.
			continue
		}
		released++
		products[e.ProductID] = true
		owners[e.SessionID] = append(owners[e.SessionID], e.ProductID)
	}

	if released == 0 {
		return 0
	}

	// One batched event per pass, never one per entry.
	batch := domain.ExpiredBatchCleared{
		Entries: released,
		Cause:   cause,
		At:      time.Now(),
	}
	for productID := range products {
		ps, err := s.productStock(ctx, productID)
		if err != nil {
			s.logger.Error("sweep availability recompute failed",
				slog.String("product_id", productID),
				slog.String("error", err.Error()),
			)
			continue
		}
		batch.Products = append(batch.Products, ps)
	}
	s.hub.Broadcast(batch, "")

	if notifyOwners {
		s.notifyOwners(ctx, owners, cause)
	}

	s.logger.Info("sweep pass complete",
		slog.String("cause", string(cause)),
		slog.Int("released", released),
		slog.Int("products", len(products)),
	)
	return released
}

func (s *Sweeper) productStock(ctx context.Context, productID string) (domain.ProductStock, error) {
	total, err := s.catalog.TotalStock(ctx, productID)
	if err != nil {
		return domain.ProductStock{}, err
	}
	entries, err := s.ledger.ActiveByProduct(ctx, productID)
	if err != nil {
		return domain.ProductStock{}, err
	}
	avail := domain.ComputeAvailability(productID, total, entries, "")
	return domain.ProductStock{ProductID: productID, Total: total, Available: avail.Available}, nil
}

// notifyOwners tells each swept session, if it is still connected, that
// its cart was closed for inactivity. One Released per lost product: the
// terminal prunes its local holdings product by product, so a partial
// notice would leave ghosts keeping its heartbeat loop alive.
func (s *Sweeper) notifyOwners(ctx context.Context, owners map[string][]string, cause domain.ReleaseCause) {
	for sessionID, productIDs := range owners {
		for _, productID := range productIDs {
			ps, err := s.productStock(ctx, productID)
			if err != nil {
				continue
			}
			s.hub.SendTo(sessionID, domain.Released{
				ProductID: productID,
				Total:     ps.Total,
				Available: ps.Available,
				SessionID: sessionID,
				Cause:     cause,
				At:        time.Now(),
			})
		}
	}
}
