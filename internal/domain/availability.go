package domain

// Availability is the answer to "how much of this product can be sold
// right now". Reserved sums every active entry; Own is the querying
// session's share of it. Available excludes Own, so a session's own cart
// never shrinks the number it is shown.
type Availability struct {
	ProductID string `json:"product_id"`
	Total     int64  `json:"total"`
	Reserved  int64  `json:"reserved"`
	Own       int64  `json:"own"`
	Available int64  `json:"available"`
	Service   bool   `json:"service,omitempty"`
}

// ServiceItemStock is the availability reported for service-type items,
// which bypass the ledger entirely.
const ServiceItemStock int64 = 999_999

// ComputeAvailability derives availability from the live ledger state for
// one product. selfSession may be empty, in which case nothing is excluded.
// Available is clamped at zero: the ledger tolerates a total-stock decrease
// below the reserved sum (inventory corrections) without going negative.
func ComputeAvailability(productID string, total int64, entries []*ReservationEntry, selfSession string) Availability {
	var reserved, own int64
	for _, e := range entries {
		if !e.Active() || e.ProductID != productID {
			continue
		}
		reserved += e.Quantity
		if selfSession != "" && e.SessionID == selfSession {
			own += e.Quantity
		}
	}

	available := total - (reserved - own)
	if available < 0 {
		available = 0
	}

	return Availability{
		ProductID: productID,
		Total:     total,
		Reserved:  reserved,
		Own:       own,
		Available: available,
	}
}

// ServiceAvailability is the fixed availability for service items.
func ServiceAvailability(productID string) Availability {
	return Availability{
		ProductID: productID,
		Total:     ServiceItemStock,
		Available: ServiceItemStock,
		Service:   true,
	}
}
