package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for domain-level error handling.
// The handler layer maps these to HTTP status codes.
var (
	ErrInsufficientStock = errors.New("insufficient_stock")
	ErrProductNotFound   = errors.New("product_not_found")
	ErrTransientStore    = errors.New("transient_store")
)

// StockShortfall is the business rejection returned by Reserve when the
// requested quantity exceeds what is available. It names the product and
// the shortfall so the UI can show a specific message, and unwraps to
// ErrInsufficientStock for callers matching with errors.Is.
type StockShortfall struct {
	ProductID string
	Requested int64
	Available int64
}

func (e *StockShortfall) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

func (e *StockShortfall) Unwrap() error { return ErrInsufficientStock }

// ValidationError represents a request validation failure.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
