package coordinator

import (
	"errors"
	"fmt"

	"github.com/brojonat/xrpgate/service/db"
)

var (
	// ErrValidation matches ValidationError.
	ErrValidation = errors.New("validation failed")
	// ErrNotCancellable matches NotCancellableError.
	ErrNotCancellable = errors.New("payment cannot be cancelled")
	// ErrIntentNotFound is returned for unknown intent ids.
	ErrIntentNotFound = errors.New("payment intent not found")
)

// ValidationError describes malformed client input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotCancellableError is returned when cancelling an intent that may
// already be on the ledger.
type NotCancellableError struct {
	IntentID string
	Status   db.IntentStatus
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("payment %s is %s and may already be on the ledger", e.IntentID, e.Status)
}

func (e *NotCancellableError) Is(target error) bool { return target == ErrNotCancellable }
