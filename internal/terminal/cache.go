// Package terminal is the client-side SDK a cashier terminal embeds: an
// HTTP client for the reservation API, a local availability cache fed by
// the broadcast stream, and the heartbeat loop that keeps the terminal's
// holdings alive.
package terminal

import (
	"sync"
	"time"
)

// Snapshot is one product's cached availability as last seen by this
// terminal, either from an API response or a broadcast event.
type Snapshot struct {
	ProductID string
	Total     int64
	Available int64
	At        time.Time
}

// Cache holds per-product availability snapshots. Entries older than
// staleAfter are treated as absent so the terminal re-queries instead of
// trusting numbers another terminal may have changed.
type Cache struct {
	mu         sync.RWMutex
	staleAfter time.Duration
	snaps      map[string]Snapshot
	now        func() time.Time
}

// NewCache creates an empty cache with the given staleness window.
func NewCache(staleAfter time.Duration) *Cache {
	return &Cache{
		staleAfter: staleAfter,
		snaps:      make(map[string]Snapshot),
		now:        time.Now,
	}
}

// Get returns the cached snapshot for a product. ok is false when the
// product is unknown or the snapshot has gone stale.
func (c *Cache) Get(productID string) (Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.snaps[productID]
	if !ok {
		return Snapshot{}, false
	}
	if c.now().Sub(s.At) > c.staleAfter {
		return Snapshot{}, false
	}
	return s, true
}

// Apply stores a snapshot if it is newer than what the cache holds.
// Broadcast delivery is at-least-once and unordered across products, so an
// older duplicate must never overwrite a fresher value.
func (c *Cache) Apply(s Snapshot) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.snaps[s.ProductID]; ok && s.At.Before(cur.At) {
		return false
	}
	c.snaps[s.ProductID] = s
	return true
}

// Invalidate drops a product's snapshot, forcing the next read through to
// the server.
func (c *Cache) Invalidate(productID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snaps, productID)
}

// Len returns the number of cached products, stale ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snaps)
}
