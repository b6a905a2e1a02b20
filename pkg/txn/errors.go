package txn

import "errors"

var (
	// ErrNotActive is returned when operating on a transaction that
	// has already reached a terminal state
	ErrNotActive = errors.New("transaction is not active")

	// ErrTimestampOrder is returned when a write would violate
	// timestamp ordering against a committed read or write
	ErrTimestampOrder = errors.New("timestamp order violation")

	// ErrDeadlock is returned to a transaction chosen as the victim of
	// deadlock cycle resolution
	ErrDeadlock = errors.New("deadlock detected")

	// ErrWaitTimeout is returned when a wait on another transaction
	// exceeds the configured wait timeout
	ErrWaitTimeout = errors.New("wait timeout exceeded")
)
