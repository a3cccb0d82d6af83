package fulfillment

import (
	"errors"
	"fmt"
)

var (
	// ErrProductNotFound is returned by stores when no product row matches.
	ErrProductNotFound = errors.New("fulfillment: product not found")
	// ErrOrderNotFound is returned by stores when a status update matched no
	// order or a write referenced an order that does not exist.
	ErrOrderNotFound = errors.New("fulfillment: order not found")
)

// Kind tags a dispatch failure so callers know what to retry.
type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindStoreWriteFailed     Kind = "store_write_failed"
	KindInvalidProductConfig Kind = "invalid_product_config"
)

// Error is the typed failure returned by the dispatcher.
type Error struct {
	Kind      Kind
	Op        string
	ProductID string
	Err       error
}

func (e *Error) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("fulfillment: %s (product %s): %v", e.Op, e.ProductID, e.Err)
	}
	return fmt.Sprintf("fulfillment: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// storeError classifies a store failure. Not-found sentinels become
// KindNotFound; everything else is treated as a failed store operation.
func storeError(op, productID string, err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	kind := KindStoreWriteFailed
	if errors.Is(err, ErrProductNotFound) || errors.Is(err, ErrOrderNotFound) {
		kind = KindNotFound
	}
	return &Error{Kind: kind, Op: op, ProductID: productID, Err: err}
}
