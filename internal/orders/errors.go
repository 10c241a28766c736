package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("invalid input")
	// ErrNotFound reports a lookup of a non-existent order.
	ErrNotFound = errors.New("order not found")
	// ErrStale reports a compare-and-set update that lost to a
	// concurrent mutation; the caller's view of the order is outdated.
	ErrStale = errors.New("order changed concurrently")
)

// InvalidTransitionError rejects a status change not reachable from the
// current state. Nothing is mutated when it is returned.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
