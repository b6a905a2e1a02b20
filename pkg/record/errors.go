package record

import "errors"

var (
	// ErrUnknownTable is returned when a table does not exist in a store
	ErrUnknownTable = errors.New("unknown table")

	// ErrDuplicateKey is returned when a primary key or unique index
	// constraint would be violated
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrUnknownColumn is returned when a row carries a column the
	// table schema does not define
	ErrUnknownColumn = errors.New("unknown column")

	// ErrMissingKey is returned when a row has no primary key value
	ErrMissingKey = errors.New("missing primary key")
)
