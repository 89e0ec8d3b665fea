package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dmansilva/stockhold/internal/broadcast"
	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/dmansilva/stockhold/internal/store"
)

type fixture struct {
	svc     *ReservationService
	ledger  *store.MemoryLedger
	catalog *store.MemoryCatalog
	hub     *broadcast.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := store.NewMemoryLedger()
	catalog := store.NewMemoryCatalog()
	catalog.Put(store.Product{ID: "p1", Name: "Brake pads", Stock: 10})
	catalog.Put(store.Product{ID: "p2", Name: "Coolant", Stock: 3})
	catalog.Put(store.Product{ID: "svc-wash", Name: "Car wash", Service: true})
	hub := broadcast.NewHub(logger)
	return &fixture{
		svc:     NewReservationService(ledger, catalog, hub, logger),
		ledger:  ledger,
		catalog: catalog,
		hub:     hub,
	}
}

func TestReserve_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	avail, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if avail.Total != 10 || avail.Own != 4 {
		t.Fatalf("unexpected availability: %+v", avail)
	}
	// Own holding is excluded from the session's available figure.
	if avail.Available != 10 {
		t.Fatalf("expected own holding excluded, got available %d", avail.Available)
	}

	entries, err := f.ledger.ActiveByProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Quantity != 4 || entries[0].Kind != domain.KindSession {
		t.Fatalf("unexpected ledger state: %v", entries)
	}
}

func TestReserve_InsufficientStockIsHardReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := f.svc.Reserve(ctx, "s2", "u2", "p1", 5)
	if !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	var shortfall *domain.StockShortfall
	if !errors.As(err, &shortfall) {
		t.Fatalf("expected StockShortfall, got %T", err)
	}
	if shortfall.Requested != 5 || shortfall.Available != 3 {
		t.Fatalf("unexpected shortfall detail: %+v", shortfall)
	}

	// A hard reject must not leave a partial claim behind.
	entries, _ := f.ledger.ActiveBySession(ctx, "s2")
	if len(entries) != 0 {
		t.Fatalf("expected no entry for rejected session, got %v", entries)
	}
}

func TestReserve_QuantityIsAbsoluteNotDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	entries, err := f.ledger.ActiveByProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("re-reserve must update in place, got %d entries", len(entries))
	}
	if entries[0].Quantity != 6 {
		t.Fatalf("expected quantity 6, got %d", entries[0].Quantity)
	}
}

func TestReserve_SelfExclusionAllowsRaisingOwnHold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// s1 holds all 10; raising its own total to 10 again must succeed
	// because its own hold does not count against it.
	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 10); err != nil {
		t.Fatalf("expected self-exclusion to permit re-reserve: %v", err)
	}

	// Another session sees nothing left.
	if _, err := f.svc.Reserve(ctx, "s2", "u2", "p1", 1); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestReserve_ServiceItemBypassesLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	avail, err := f.svc.Reserve(ctx, "s1", "u1", "svc-wash", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !avail.Service {
		t.Fatal("expected service availability")
	}
	if avail.Available != domain.ServiceItemStock {
		t.Fatalf("expected sentinel availability, got %d", avail.Available)
	}

	entries, _ := f.ledger.ActiveBySession(ctx, "s1")
	if len(entries) != 0 {
		t.Fatalf("service items must not touch the ledger, got %v", entries)
	}
}

func TestReserve_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name      string
		sessionID string
		productID string
		quantity  int64
	}{
		{"missing session", "", "p1", 1},
		{"missing product", "s1", "", 1},
		{"zero quantity", "s1", "p1", 0},
		{"negative quantity", "s1", "p1", -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Reserve(ctx, tc.sessionID, "u1", tc.productID, tc.quantity)
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestReserve_UnknownProduct(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Reserve(context.Background(), "s1", "u1", "ghost", 1)
	if !errors.Is(err, domain.ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

func TestReleaseProduct_FullAndIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := f.svc.ReleaseProduct(ctx, "s1", "p1", 0, domain.CauseManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 release, got %d", n)
	}

	// Releasing again is a successful no-op.
	n, err = f.svc.ReleaseProduct(ctx, "s1", "p1", 0, domain.CauseManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no-op, got %d", n)
	}

	avail, err := f.svc.QueryAvailable(ctx, "p1", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if avail.Available != 10 {
		t.Fatalf("expected full availability restored, got %d", avail.Available)
	}
}

func TestReleaseProduct_PartialKeepsEntryActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 6); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, err := f.svc.ReleaseProduct(ctx, "s1", "p1", 2, domain.CauseManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("partial release must not close the entry, got %d", n)
	}

	entries, _ := f.ledger.ActiveBySession(ctx, "s1")
	if len(entries) != 1 || entries[0].Quantity != 4 {
		t.Fatalf("expected 4 still held, got %v", entries)
	}

	// A partial amount >= the holding releases in full.
	n, err = f.svc.ReleaseProduct(ctx, "s1", "p1", 99, domain.CauseManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected full release, got %d", n)
	}
}

func TestReleaseSession_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Reserve(ctx, "s1", "u1", "p1", 4)
	f.svc.Reserve(ctx, "s1", "u1", "p2", 2)
	f.svc.Reserve(ctx, "s2", "u2", "p1", 3)

	n, err := f.svc.ReleaseSession(ctx, "s1", domain.CauseDisconnected)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 releases, got %d", n)
	}

	// The other session's hold is untouched.
	entries, _ := f.ledger.ActiveBySession(ctx, "s2")
	if len(entries) != 1 {
		t.Fatalf("expected s2 hold intact, got %v", entries)
	}

	hist, _ := f.ledger.History(ctx, "p1", 10)
	var sawCause bool
	for _, e := range hist {
		if e.SessionID == "s1" && e.ReleaseCause == domain.CauseDisconnected {
			sawCause = true
		}
	}
	if !sawCause {
		t.Fatal("expected disconnect cause recorded in history")
	}
}

func TestHeartbeat_RenewsAllHoldings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Reserve(ctx, "s1", "u1", "p1", 2)
	f.svc.Reserve(ctx, "s1", "u1", "p2", 1)

	n, err := f.svc.Heartbeat(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 renewals, got %d", n)
	}

	// A session holding nothing renews nothing, without error.
	n, err = f.svc.Heartbeat(ctx, "idle")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 renewals, got %d", n)
	}
}

func TestCommitSession_MarksEntriesCommitted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Reserve(ctx, "s1", "u1", "p1", 4)

	n, err := f.svc.CommitSession(ctx, "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 committed, got %d", n)
	}

	entries, _ := f.ledger.ActiveBySession(ctx, "s1")
	if len(entries) != 1 || entries[0].Kind != domain.KindCommitted {
		t.Fatalf("expected committed kind, got %v", entries)
	}
	// Committed entries still count against availability.
	avail, _ := f.svc.QueryAvailable(ctx, "p1", "")
	if avail.Available != 6 {
		t.Fatalf("expected 6 available, got %d", avail.Available)
	}
}

func TestFinalizeCheckout_DecrementsBeforeRelease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Reserve(ctx, "s1", "u1", "p1", 4)
	f.svc.CommitSession(ctx, "s1")

	sub := f.hub.Subscribe("watcher", "u9")
	defer sub.Close()

	if err := f.svc.FinalizeCheckout(ctx, "s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	total, err := f.catalog.TotalStock(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 6 {
		t.Fatalf("expected total 6 after sale, got %d", total)
	}

	avail, _ := f.svc.QueryAvailable(ctx, "p1", "")
	if avail.Available != 6 || avail.Reserved != 0 {
		t.Fatalf("availability must not overshoot: %+v", avail)
	}

	select {
	case ev := <-sub.Events():
		inv, ok := ev.(domain.InventoryChanged)
		if !ok {
			t.Fatalf("expected InventoryChanged, got %T", ev)
		}
		if inv.Total != 6 || inv.Available != 6 {
			t.Fatalf("unexpected broadcast figures: %+v", inv)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inventory event")
	}
}

func TestSetProductStock_CorrectionBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Reserve(ctx, "s1", "u1", "p1", 4)

	sub := f.hub.Subscribe("watcher", "u9")
	defer sub.Close()

	avail, err := f.svc.SetProductStock(ctx, "p1", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Reserved exceeds the corrected total; available clamps at zero.
	if avail.Total != 2 || avail.Available != 0 {
		t.Fatalf("unexpected availability: %+v", avail)
	}

	select {
	case ev := <-sub.Events():
		if _, ok := ev.(domain.InventoryChanged); !ok {
			t.Fatalf("expected InventoryChanged, got %T", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inventory event")
	}

	if _, err := f.svc.SetProductStock(ctx, "p1", -1); err == nil {
		t.Fatal("expected validation error for negative total")
	}
}

func TestReserve_BroadcastExcludesActor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	actor := f.hub.Subscribe("s1", "u1")
	other := f.hub.Subscribe("s2", "u2")
	defer actor.Close()
	defer other.Close()

	if _, err := f.svc.Reserve(ctx, "s1", "u1", "p1", 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case ev := <-other.Events():
		r, ok := ev.(domain.Reserved)
		if !ok {
			t.Fatalf("expected Reserved, got %T", ev)
		}
		// Receivers get the global view, no self-exclusion.
		if r.Available != 6 {
			t.Fatalf("expected 6 available broadcast, got %d", r.Available)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case ev := <-actor.Events():
		t.Fatalf("actor must not hear its own reserve, got %T", ev)
	default:
	}
}

// Session A holds most of the stock, session B is rejected, A disconnects,
// and B's retry then succeeds against the freed stock.
func TestScenario_DisconnectFreesStockForWaitingSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Reserve(ctx, "sA", "u1", "p1", 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := f.svc.Reserve(ctx, "sB", "u2", "p1", 5); !errors.Is(err, domain.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}

	if _, err := f.svc.ReleaseSession(ctx, "sA", domain.CauseDisconnected); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	avail, err := f.svc.QueryAvailable(ctx, "p1", "sB")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if avail.Available != 10 {
		t.Fatalf("expected 10 available after disconnect, got %d", avail.Available)
	}

	if _, err := f.svc.Reserve(ctx, "sB", "u2", "p1", 5); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
}

// Many sessions race for the same product; the per-product critical section
// must never let the sum of grants exceed total stock.
func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const sessions = 32
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sid := "s-" + string(rune('a'+n%26)) + string(rune('0'+n/26))
			f.svc.Reserve(ctx, sid, "u", "p1", int64(1+n%3))
		}(i)
	}
	wg.Wait()

	entries, err := f.ledger.ActiveByProduct(ctx, "p1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var held int64
	for _, e := range entries {
		held += e.Quantity
	}
	if held > 10 {
		t.Fatalf("oversold: %d held of 10", held)
	}

	avail, _ := f.svc.QueryAvailable(ctx, "p1", "")
	if avail.Available != 10-held {
		t.Fatalf("availability out of sync: held %d, available %d", held, avail.Available)
	}
}
