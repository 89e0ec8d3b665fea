package engine

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/dmansilva/stockhold/internal/store"
)

// ledgerReleaser releases directly against the ledger, standing in for the
// reservation service in sweep tests.
type ledgerReleaser struct {
	ledger store.LedgerStore
}

func (r *ledgerReleaser) ForceRelease(ctx context.Context, e *domain.ReservationEntry, cause domain.ReleaseCause) (bool, error) {
	return r.ledger.Release(ctx, e.ID, cause, time.Now())
}

type sweeperFixture struct {
	sweeper *Sweeper
	ledger  *store.MemoryLedger
	catalog *store.MemoryCatalog
	hub     *broadcast.Hub
}

func newSweeperFixture(t *testing.T) *sweeperFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := store.NewMemoryLedger()
	catalog := store.NewMemoryCatalog()
	catalog.Put(store.Product{ID: "p1", Name: "Brake pads", Stock: 10})
	catalog.Put(store.Product{ID: "p2", Name: "Coolant", Stock: 4})
	hub := broadcast.NewHub(logger)

	cfg := SweeperConfig{
		GeneralInterval: 30 * time.Minute,
		GeneralTTL:      2 * time.Hour,
		AFKInterval:     5 * time.Minute,
		AFKTTL:          20 * time.Minute,
		RenewalGrace:    5 * time.Minute,
	}
	sw := NewSweeper(cfg, ledger, catalog, &ledgerReleaser{ledger: ledger}, hub, logger)
	return &sweeperFixture{sweeper: sw, ledger: ledger, catalog: catalog, hub: hub}
}

func (f *sweeperFixture) appendEntry(t *testing.T, id, productID, sessionID string, qty int64, kind domain.ReservationKind, renewedAt time.Time) {
	t.Helper()
	err := f.ledger.Append(context.Background(), &domain.ReservationEntry{
		ID:            id,
		ProductID:     productID,
		SessionID:     sessionID,
		UserID:        "u1",
		Quantity:      qty,
		Kind:          kind,
		Status:        domain.StatusActive,
		CreatedAt:     renewedAt,
		LastRenewedAt: renewedAt,
	})
	if err != nil {
		t.Fatalf("failed to append entry: %v", err)
	}
}

func TestSweeper_GeneralReleasesStaleEntries(t *testing.T) {
	f := newSweeperFixture(t)
	now := time.Now()

	f.appendEntry(t, "stale", "p1", "s1", 3, domain.KindSession, now.Add(-3*time.Hour))
	f.appendEntry(t, "fresh", "p1", "s2", 2, domain.KindSession, now.Add(-time.Hour))

	released := f.sweeper.SweepGeneral(context.Background(), now)
	if released != 1 {
		t.Fatalf("expected 1 released, got %d", released)
	}

	active, err := f.ledger.ActiveByProduct(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 || active[0].ID != "fresh" {
		t.Fatalf("expected only fresh entry active, got %v", active)
	}

	hist, err := f.ledger.History(context.Background(), "p1", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, e := range hist {
		if e.ID == "stale" && e.ReleaseCause != domain.CauseExpired {
			t.Fatalf("expected cause expired, got %s", e.ReleaseCause)
		}
	}
}

func TestSweeper_GeneralSkipsCommitted(t *testing.T) {
	f := newSweeperFixture(t)
	now := time.Now()

	f.appendEntry(t, "committed", "p1", "s1", 3, domain.KindCommitted, now.Add(-6*time.Hour))

	if released := f.sweeper.SweepGeneral(context.Background(), now); released != 0 {
		t.Fatalf("expected committed entry untouched, released %d", released)
	}
}

func TestSweeper_AFKRespectsGraceWindow(t *testing.T) {
	f := newSweeperFixture(t)
	now := time.Now()

	// Stale by the 20m TTL, but renewed within the 5m grace window: a
	// heartbeat landed just before the pass.
	f.appendEntry(t, "graced", "p1", "s1", 3, domain.KindSession, now.Add(-4*time.Minute))
	f.appendEntry(t, "afk", "p1", "s2", 2, domain.KindSession, now.Add(-30*time.Minute))

	released := f.sweeper.SweepAFK(context.Background(), now)
	if released != 1 {
		t.Fatalf("expected 1 released, got %d", released)
	}

	active, err := f.ledger.ActiveByProduct(context.Background(), "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(active) != 1 || active[0].ID != "graced" {
		t.Fatalf("expected graced entry to survive, got %v", active)
	}
}

func TestSweeper_BroadcastsOneBatchPerPass(t *testing.T) {
	f := newSweeperFixture(t)
	now := time.Now()

	sub := f.hub.Subscribe("watcher", "u9")
	defer sub.Close()

	f.appendEntry(t, "e1", "p1", "s1", 3, domain.KindSession, now.Add(-3*time.Hour))
	f.appendEntry(t, "e2", "p1", "s2", 2, domain.KindSession, now.Add(-3*time.Hour))
	f.appendEntry(t, "e3", "p2", "s3", 1, domain.KindSession, now.Add(-3*time.Hour))

	if released := f.sweeper.SweepGeneral(context.Background(), now); released != 3 {
		t.Fatalf("expected 3 released, got %d", released)
	}

	select {
	case ev := <-sub.Events():
		batch, ok := ev.(domain.ExpiredBatchCleared)
		if !ok {
			t.Fatalf("expected ExpiredBatchCleared, got %T", ev)
		}
		if batch.Entries != 3 {
			t.Fatalf("expected 3 entries in batch, got %d", batch.Entries)
		}
		if len(batch.Products) != 2 {
			t.Fatalf("expected 2 products in batch, got %d", len(batch.Products))
		}
		for _, ps := range batch.Products {
			switch ps.ProductID {
			case "p1":
				if ps.Available != 10 {
					t.Fatalf("expected p1 fully available, got %d", ps.Available)
				}
			case "p2":
				if ps.Available != 4 {
					t.Fatalf("expected p2 fully available, got %d", ps.Available)
				}
			default:
				t.Fatalf("unexpected product %s", ps.ProductID)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch event")
	}

	// Exactly one event for the whole pass.
	select {
	case ev := <-sub.Events():
		t.Fatalf("expected a single batched event, got extra %T", ev)
	default:
	}
}

func TestSweeper_AFKNotifiesConnectedOwner(t *testing.T) {
	f := newSweeperFixture(t)
	now := time.Now()

	owner := f.hub.Subscribe("s1", "u1")
	defer owner.Close()

	f.appendEntry(t, "afk", "p1", "s1", 3, domain.KindSession, now.Add(-30*time.Minute))

	if released := f.sweeper.SweepAFK(context.Background(), now); released != 1 {
		t.Fatalf("expected 1 released, got %d", released)
	}

	// The owner gets the batch plus a direct Released with the afk cause.
	var sawNotice bool
	deadline := time.After(time.Second)
	for !sawNotice {
		select {
		case ev := <-owner.Events():
			if r, ok := ev.(domain.Released); ok {
				if r.Cause != domain.CauseAfkExpired {
					t.Fatalf("expected afk_expired cause, got %s", r.Cause)
				}
				if r.SessionID != "s1" {
					t.Fatalf("expected notice addressed to s1, got %s", r.SessionID)
				}
				sawNotice = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for owner notice")
		}
	}
}

// A session losing several products to one AFK pass must be told about
// each of them, or the terminal keeps ghost holdings alive locally.
func TestSweeper_AFKNotifiesOwnerPerProduct(t *testing.T) {
	f := newSweeperFixture(t)
	now := time.Now()

	owner := f.hub.Subscribe("s1", "u1")
	defer owner.Close()

	f.appendEntry(t, "afk-p1", "p1", "s1", 3, domain.KindSession, now.Add(-30*time.Minute))
	f.appendEntry(t, "afk-p2", "p2", "s1", 2, domain.KindSession, now.Add(-30*time.Minute))

	if released := f.sweeper.SweepAFK(context.Background(), now); released != 2 {
		t.Fatalf("expected 2 released, got %d", released)
	}

	lost := make(map[string]bool)
	deadline := time.After(time.Second)
	for len(lost) < 2 {
		select {
		case ev := <-owner.Events():
			r, ok := ev.(domain.Released)
			if !ok {
				continue
			}
			if r.Cause != domain.CauseAfkExpired || r.SessionID != "s1" {
				t.Fatalf("unexpected notice: %+v", r)
			}
			lost[r.ProductID] = true
		case <-deadline:
			t.Fatalf("timed out: got notices for %v, want p1 and p2", lost)
		}
	}
	if !lost["p1"] || !lost["p2"] {
		t.Fatalf("expected a notice per lost product, got %v", lost)
	}
}

func TestSweeper_EmptyPassBroadcastsNothing(t *testing.T) {
	f := newSweeperFixture(t)

	sub := f.hub.Subscribe("watcher", "u9")
	defer sub.Close()

	if released := f.sweeper.SweepGeneral(context.Background(), time.Now()); released != 0 {
		t.Fatalf("expected nothing released, got %d", released)
	}

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no events for an empty pass, got %T", ev)
	default:
	}
}
