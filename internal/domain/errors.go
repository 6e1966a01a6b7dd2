package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrOrderNotFound   = errors.New("order not found")

	ErrVersionConflict = errors.New("aggregate version conflict")

	ErrMaxRetriesExceeded = errors.New("payment retry limit exceeded")

	ErrRefundExceedsCharge = errors.New("refund amount exceeds charged amount")

	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
	ErrOrderNotRateable    = errors.New("order can only be rated after delivery")
	ErrItemsLocked         = errors.New("order items are immutable after checkout")

	ErrMessageAlreadyProcessed = errors.New("event already processed")
)

// InvalidStateTransitionError indicates a transition that the state machine
// table does not allow. It signals a coordination bug in the caller, not a
// user error, and callers log it at error severity.
type InvalidStateTransitionError struct {
	Aggregate string
	From      string
	To        string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: illegal transition %s -> %s", e.Aggregate, e.From, e.To)
}

// ValidationError rejects bad input synchronously; never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
