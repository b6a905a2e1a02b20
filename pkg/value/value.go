package value

import (
	"fmt"
	"time"
)

// Type represents the data type of a value
type Type int

const (
	TypeNull Type = iota
	TypeBoolean
	TypeInteger
	TypeDecimal
	TypeString
	TypeTimestamp
)

// String returns the string representation of the type
func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBoolean:
		return "boolean"
	case TypeInteger:
		return "integer"
	case TypeDecimal:
		return "decimal"
	case TypeString:
		return "string"
	case TypeTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Value represents a typed scalar value in a row
type Value struct {
	Type Type
	Data interface{}
}

// Null returns the null value
func Null() *Value {
	return &Value{Type: TypeNull}
}

// NewBoolean creates a boolean value
func NewBoolean(b bool) *Value {
	return &Value{Type: TypeBoolean, Data: b}
}

// NewInteger creates an integer value
func NewInteger(i int64) *Value {
	return &Value{Type: TypeInteger, Data: i}
}

// NewDecimal creates a decimal value
func NewDecimal(f float64) *Value {
	return &Value{Type: TypeDecimal, Data: f}
}

// NewString creates a string value
func NewString(s string) *Value {
	return &Value{Type: TypeString, Data: s}
}

// NewTimestamp creates a timestamp value
func NewTimestamp(t time.Time) *Value {
	return &Value{Type: TypeTimestamp, Data: t}
}

// New creates a typed value, inferring the type from the Go value
func New(data interface{}) *Value {
	switch d := data.(type) {
	case nil:
		return Null()
	case bool:
		return NewBoolean(d)
	case int:
		return NewInteger(int64(d))
	case int32:
		return NewInteger(int64(d))
	case int64:
		return NewInteger(d)
	case float64:
		return NewDecimal(d)
	case string:
		return NewString(d)
	case time.Time:
		return NewTimestamp(d)
	case *Value:
		return d
	default:
		return Null()
	}
}

// IsNull returns true if the value is null
func (v *Value) IsNull() bool {
	return v == nil || v.Type == TypeNull
}

// Bool returns the boolean payload
func (v *Value) Bool() bool {
	b, _ := v.Data.(bool)
	return b
}

// Int returns the integer payload
func (v *Value) Int() int64 {
	i, _ := v.Data.(int64)
	return i
}

// Float returns the decimal payload
func (v *Value) Float() float64 {
	f, _ := v.Data.(float64)
	return f
}

// Str returns the string payload
func (v *Value) Str() string {
	s, _ := v.Data.(string)
	return s
}

// Time returns the timestamp payload
func (v *Value) Time() time.Time {
	t, _ := v.Data.(time.Time)
	return t
}

// String renders the value for display and index keys
func (v *Value) String() string {
	if v.IsNull() {
		return "null"
	}
	switch v.Type {
	case TypeTimestamp:
		return v.Time().UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", v.Data)
	}
}

// Compare orders two values of the same type.
// Returns -1, 0 or 1. Null sorts before everything; comparing two
// non-null values of different types is a type error.
func Compare(a, b *Value) (int, error) {
	if a.IsNull() && b.IsNull() {
		return 0, nil
	}
	if a.IsNull() {
		return -1, nil
	}
	if b.IsNull() {
		return 1, nil
	}
	if a.Type != b.Type {
		return 0, fmt.Errorf("%w: cannot compare %s with %s", ErrTypeMismatch, a.Type, b.Type)
	}

	switch a.Type {
	case TypeBoolean:
		return compareBool(a.Bool(), b.Bool()), nil
	case TypeInteger:
		return compareOrdered(a.Int(), b.Int()), nil
	case TypeDecimal:
		return compareOrdered(a.Float(), b.Float()), nil
	case TypeString:
		return compareOrdered(a.Str(), b.Str()), nil
	case TypeTimestamp:
		at, bt := a.Time(), b.Time()
		if at.Before(bt) {
			return -1, nil
		}
		if at.After(bt) {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: unsupported type %s", ErrTypeMismatch, a.Type)
	}
}

// Equal reports whether two values are equal under Compare
func Equal(a, b *Value) bool {
	c, err := Compare(a, b)
	return err == nil && c == 0
}

func compareBool(a, b bool) int {
	if a == b {
		return 0
	}
	if !a {
		return -1
	}
	return 1
}

func compareOrdered[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
