package store

import (
	"context"
	"sync"
	"time"

	"github.com/dmansilva/stockhold/internal/domain"
	"github.com/google/btree"
)

// renewalKey orders active entries by renewal time for the sweep scan,
// with the entry ID as tiebreaker.
type renewalKey struct {
	renewedAt time.Time
	id        string
}

func renewalLess(a, b renewalKey) bool {
	if !a.renewedAt.Equal(b.renewedAt) {
		return a.renewedAt.Before(b.renewedAt)
	}
	return a.id < b.id
}

// MemoryLedger is a thread-safe in-memory LedgerStore. Entries are indexed
// by product and session for availability math, and a B-tree ordered by
// LastRenewedAt lets the sweeper scan only the stale prefix instead of the
// whole ledger.
type MemoryLedger struct {
	mu        sync.RWMutex
	entries   map[string]*domain.ReservationEntry
	byProduct map[string]map[string]*domain.ReservationEntry // product → id → entry (active only)
	bySession map[string]map[string]*domain.ReservationEntry // session → id → entry (active only)
	renewals  *btree.BTreeG[renewalKey]
	log       []*domain.ReservationEntry // append order, never trimmed
}

// NewMemoryLedger creates an empty MemoryLedger.
func NewMemoryLedger() *MemoryLedger {
	const degree = 32
	return &MemoryLedger{
		entries:   make(map[string]*domain.ReservationEntry),
		byProduct: make(map[string]map[string]*domain.ReservationEntry),
		bySession: make(map[string]map[string]*domain.ReservationEntry),
		renewals:  btree.NewG[renewalKey](degree, renewalLess),
	}
}

func (m *MemoryLedger) Append(_ context.Context, e *domain.ReservationEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *e
	m.entries[cp.ID] = &cp
	m.log = append(m.log, &cp)
	m.indexActive(&cp)
	return nil
}

func (m *MemoryLedger) UpdateQuantity(_ context.Context, id string, quantity int64, renewedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || !e.Active() {
		return nil
	}
	m.renewals.Delete(renewalKey{renewedAt: e.LastRenewedAt, id: e.ID})
	e.Quantity = quantity
	e.LastRenewedAt = renewedAt
	m.renewals.ReplaceOrInsert(renewalKey{renewedAt: renewedAt, id: e.ID})
	return nil
}

func (m *MemoryLedger) Release(_ context.Context, id string, cause domain.ReleaseCause, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || !e.Active() {
		return false, nil
	}
	e.Status = domain.StatusReleased
	e.ReleaseCause = cause
	released := at
	e.ReleasedAt = &released
	m.unindexActive(e)
	return true, nil
}

func (m *MemoryLedger) Renew(_ context.Context, sessionID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	renewed := 0
	for _, e := range m.bySession[sessionID] {
		if e.Kind != domain.KindSession {
			continue
		}
		m.renewals.Delete(renewalKey{renewedAt: e.LastRenewedAt, id: e.ID})
		e.LastRenewedAt = at
		m.renewals.ReplaceOrInsert(renewalKey{renewedAt: at, id: e.ID})
		renewed++
	}
	return renewed, nil
}

func (m *MemoryLedger) SetSessionKind(_ context.Context, sessionID string, kind domain.ReservationKind) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for _, e := range m.bySession[sessionID] {
		if e.Kind == kind {
			continue
		}
		e.Kind = kind
		changed++
	}
	return changed, nil
}

func (m *MemoryLedger) ActiveEntry(_ context.Context, sessionID, productID string) (*domain.ReservationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.bySession[sessionID] {
		if e.ProductID == productID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryLedger) ActiveByProduct(_ context.Context, productID string) ([]*domain.ReservationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntries(m.byProduct[productID]), nil
}

func (m *MemoryLedger) ActiveBySession(_ context.Context, sessionID string) ([]*domain.ReservationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyEntries(m.bySession[sessionID]), nil
}

func (m *MemoryLedger) ActiveOlderThan(_ context.Context, cutoff time.Time) ([]*domain.ReservationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ReservationEntry
	m.renewals.Ascend(func(k renewalKey) bool {
		if !k.renewedAt.Before(cutoff) {
			return false
		}
		if e, ok := m.entries[k.id]; ok && e.Active() {
			cp := *e
			out = append(out, &cp)
		}
		return true
	})
	return out, nil
}

func (m *MemoryLedger) History(_ context.Context, productID string, limit int) ([]*domain.ReservationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*domain.ReservationEntry
	for i := len(m.log) - 1; i >= 0 && len(out) < limit; i-- {
		if m.log[i].ProductID != productID {
			continue
		}
		cp := *m.log[i]
		out = append(out, &cp)
	}
	return out, nil
}

// indexActive registers an active entry in the secondary indexes.
// Caller holds the write lock.
func (m *MemoryLedger) indexActive(e *domain.ReservationEntry) {
	if m.byProduct[e.ProductID] == nil {
		m.byProduct[e.ProductID] = make(map[string]*domain.ReservationEntry)
	}
	m.byProduct[e.ProductID][e.ID] = e

	if m.bySession[e.SessionID] == nil {
		m.bySession[e.SessionID] = make(map[string]*domain.ReservationEntry)
	}
	m.bySession[e.SessionID][e.ID] = e

	m.renewals.ReplaceOrInsert(renewalKey{renewedAt: e.LastRenewedAt, id: e.ID})
}

// unindexActive removes a no-longer-active entry from the secondary
// indexes. Caller holds the write lock.
func (m *MemoryLedger) unindexActive(e *domain.ReservationEntry) {
	delete(m.byProduct[e.ProductID], e.ID)
	delete(m.bySession[e.SessionID], e.ID)
	m.renewals.Delete(renewalKey{renewedAt: e.LastRenewedAt, id: e.ID})
}

func copyEntries(idx map[string]*domain.ReservationEntry) []*domain.ReservationEntry {
	out := make([]*domain.ReservationEntry, 0, len(idx))
	for _, e := range idx {
		cp := *e
		out = append(out, &cp)
	}
	return out
}
