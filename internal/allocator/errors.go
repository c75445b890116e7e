package allocator

import (
	"errors"
	"fmt"
)

// Reason is the client-facing cause of a rejected or failed allocation.
type Reason string

const (
	ReasonInvalidAmount      Reason = "invalid amount"
	ReasonProductNotFound    Reason = "product not found"
	ReasonWarehouseNotFound  Reason = "warehouse not found"
	ReasonNoFulfillableOrder Reason = "no fulfillable order found"
	ReasonAlreadyFulfilled   Reason = "order already fulfilled"
	ReasonInternal           Reason = "internal error"
)

// ErrWriteConflict is returned by a Tx when the store refuses a write because
// a concurrent transaction got there first (serialization failure, deadlock,
// unique violation on the order reference).
var ErrWriteConflict = errors.New("concurrent write conflict")

// ValidationError rejects a malformed request before the store is touched.
type ValidationError struct {
	Field  string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NotFoundError reports a missing product, warehouse or fulfillable order.
type NotFoundError struct {
	Reason Reason
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s (id=%d)", e.Reason, e.ID)
}

// ConflictError reports that the matched order was fulfilled by someone else,
// either before this request or by a concurrent one.
type ConflictError struct {
	OrderID int64
	Err     error
}

func (e *ConflictError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (order=%d): %v", ReasonAlreadyFulfilled, e.OrderID, e.Err)
	}
	return fmt.Sprintf("%s (order=%d)", ReasonAlreadyFulfilled, e.OrderID)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure. Op names the step that failed.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ReasonOf maps any error returned by Allocate to its client-facing reason.
func ReasonOf(err error) Reason {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		conflictErr   *ConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return validationErr.Reason
	case errors.As(err, &notFoundErr):
		return notFoundErr.Reason
	case errors.As(err, &conflictErr):
		return ReasonAlreadyFulfilled
	default:
		return ReasonInternal
	}
}
