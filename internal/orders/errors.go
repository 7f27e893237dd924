package orders

import "errors"

// Expected business outcomes and validation failures. Handlers map these to
// HTTP codes with errors.Is; repos wrap them with context via %w.
var (
	ErrEmptyCart          = errors.New("empty cart")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrAddressNotFound    = errors.New("address not found")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")

	// ErrConflict means lock contention outlived the retry budget. The
	// operation had no effect and may succeed if retried later; it is
	// deliberately distinct from ErrInsufficientStock.
	ErrConflict = errors.New("concurrency conflict")
)
