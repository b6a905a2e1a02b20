package engine

import (
	"errors"
	"fmt"

	"github.com/mnohosten/klara-db/pkg/mvcc"
	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/txn"
	"github.com/mnohosten/klara-db/pkg/value"
)

// ErrNotFound is returned by reads that resolve to no visible row
var ErrNotFound = mvcc.ErrNotFound

// ErrUnknownStore is returned when an operation names a store the
// engine does not coordinate
var ErrUnknownStore = errors.New("unknown store")

// AbortCause classifies why a transaction attempt aborted
type AbortCause int

const (
	CauseTimestampOrder AbortCause = iota
	CauseDeadlock
	CausePrepareFail
	CauseTimeout
	CauseConstraintViolation
	CauseTypeMismatch
	CauseUserAbort
)

// String returns the string representation of the cause
func (c AbortCause) String() string {
	switch c {
	case CauseTimestampOrder:
		return "timestamp_order"
	case CauseDeadlock:
		return "deadlock"
	case CausePrepareFail:
		return "prepare_fail"
	case CauseTimeout:
		return "timeout"
	case CauseConstraintViolation:
		return "constraint_violation"
	case CauseTypeMismatch:
		return "type_mismatch"
	case CauseUserAbort:
		return "user_abort"
	default:
		return "unknown"
	}
}

// Restartable reports whether the coordinator may re-run the
// transaction body after an abort with this cause
func (c AbortCause) Restartable() bool {
	switch c {
	case CauseTimestampOrder, CauseDeadlock, CausePrepareFail, CauseTimeout:
		return true
	default:
		return false
	}
}

// AbortError is the terminal outcome of an aborted transaction.
// Exhausted is set when a restartable cause ran out of restarts.
type AbortError struct {
	Cause     AbortCause
	Exhausted bool
	Err       error
}

// Error implements the error interface
func (e *AbortError) Error() string {
	msg := fmt.Sprintf("transaction aborted: %s", e.Cause)
	if e.Exhausted {
		msg += " (restarts exhausted)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *AbortError) Unwrap() error {
	return e.Err
}

// causeOf maps a low-level error to an abort cause. Errors that do not
// originate in the engine are treated as caller aborts.
func causeOf(err error) AbortCause {
	var abortErr *AbortError
	if errors.As(err, &abortErr) {
		return abortErr.Cause
	}

	switch {
	case errors.Is(err, txn.ErrTimestampOrder):
		return CauseTimestampOrder
	case errors.Is(err, txn.ErrDeadlock):
		return CauseDeadlock
	case errors.Is(err, txn.ErrWaitTimeout):
		return CauseTimeout
	case errors.Is(err, value.ErrTypeMismatch):
		return CauseTypeMismatch
	case errors.Is(err, record.ErrDuplicateKey),
		errors.Is(err, record.ErrMissingKey),
		errors.Is(err, record.ErrUnknownColumn),
		errors.Is(err, record.ErrUnknownTable),
		errors.Is(err, ErrUnknownStore):
		return CauseConstraintViolation
	default:
		return CauseUserAbort
	}
}
