package mvcc

import "errors"

var (
	// ErrNotFound is returned when no version of a key is visible to
	// the reading transaction
	ErrNotFound = errors.New("key not found")

	// ErrNotPrepared is returned when commit is attempted without a
	// successful prepare
	ErrNotPrepared = errors.New("transaction not prepared on this store")
)
