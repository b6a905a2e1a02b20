package value

import "errors"

var (
	// ErrTypeMismatch is returned when a value's type is incompatible
	// with an operation or a column definition
	ErrTypeMismatch = errors.New("type mismatch")
)
