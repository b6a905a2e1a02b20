package record

import "github.com/mnohosten/klara-db/pkg/value"

// Row maps column names to typed values
type Row map[string]*value.Value

// NewRow builds a row from raw Go values, inferring value types
func NewRow(fields map[string]interface{}) Row {
	row := make(Row, len(fields))
	for name, data := range fields {
		row[name] = value.New(data)
	}
	return row
}

// Get returns the value of a column, or null if absent
func (r Row) Get(col string) *value.Value {
	if v, ok := r[col]; ok && v != nil {
		return v
	}
	return value.Null()
}

// Clone returns an independent copy of the row. Values are immutable
// once stored, so a shallow copy of the map is sufficient.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for name, v := range r {
		out[name] = v
	}
	return out
}
