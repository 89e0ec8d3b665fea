package domain

import "time"

// Event is the closed set of broadcast notifications pushed to connected
// terminals. The unexported marker keeps the set closed so receivers can
// switch exhaustively instead of dispatching on string names.
type Event interface {
	// Name is the wire identifier used as the SSE event field.
	Name() string
	// OccurredAt is the ledger commit time the event describes. Receivers
	// apply events as idempotent snapshots, newest timestamp wins.
	OccurredAt() time.Time
	isEvent()
}

// ProductStock is the per-product payload carried by batch events.
type ProductStock struct {
	ProductID string `json:"product_id"`
	Total     int64  `json:"total"`
	Available int64  `json:"available"`
}

// Reserved announces that a session claimed stock.
type Reserved struct {
	ProductID string    `json:"product_id"`
	Total     int64     `json:"total"`
	Available int64     `json:"available"`
	Quantity  int64     `json:"quantity"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	At        time.Time `json:"at"`
}

func (Reserved) Name() string            { return "reserved" }
func (e Reserved) OccurredAt() time.Time { return e.At }
func (Reserved) isEvent()                {}

// Released announces that a session's claim on a product ended. The cause
// lets receivers tell a deliberate release apart from a disconnect or a
// sweep, and an afk_expired release addressed to the owning session doubles
// as the close-your-cart notice.
type Released struct {
	ProductID string       `json:"product_id"`
	Total     int64        `json:"total"`
	Available int64        `json:"available"`
	Quantity  int64        `json:"quantity"`
	SessionID string       `json:"session_id"`
	UserID    string       `json:"user_id"`
	Cause     ReleaseCause `json:"cause"`
	At        time.Time    `json:"at"`
}

func (Released) Name() string            { return "released" }
func (e Released) OccurredAt() time.Time { return e.At }
func (Released) isEvent()                {}

// InventoryChanged announces a catalog-level stock change. Receivers must
// invalidate their local snapshot for the product.
type InventoryChanged struct {
	ProductID string    `json:"product_id"`
	Total     int64     `json:"total"`
	Available int64     `json:"available"`
	At        time.Time `json:"at"`
}

func (InventoryChanged) Name() string            { return "inventory_changed" }
func (e InventoryChanged) OccurredAt() time.Time { return e.At }
func (InventoryChanged) isEvent()                {}

// ExpiredBatchCleared announces the outcome of one sweep pass: every
// product whose availability changed, in a single event, so a pass over a
// large ledger does not turn into a broadcast storm.
type ExpiredBatchCleared struct {
	Products []ProductStock `json:"products"`
	Entries  int            `json:"entries"`
	Cause    ReleaseCause   `json:"cause"`
	At       time.Time      `json:"at"`
}

func (ExpiredBatchCleared) Name() string            { return "expired_batch_cleared" }
func (e ExpiredBatchCleared) OccurredAt() time.Time { return e.At }
func (ExpiredBatchCleared) isEvent()                {}
