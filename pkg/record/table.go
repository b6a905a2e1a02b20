package record

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mnohosten/klara-db/pkg/value"
)

// IndexSpec describes a secondary index on a single column
type IndexSpec struct {
	Column string `json:"column"`
	Unique bool   `json:"unique"`
}

// TableSpec describes a table schema
type TableSpec struct {
	Name       string         `json:"name"`
	PrimaryKey string         `json:"primaryKey"`
	Columns    []value.Column `json:"columns"`
	Indexes    []IndexSpec    `json:"indexes,omitempty"`
}

// secondaryIndex maps an indexed column value to the set of primary
// keys carrying it. Null values are not indexed.
type secondaryIndex struct {
	unique  bool
	entries map[string]map[string]struct{}
}

func newSecondaryIndex(unique bool) *secondaryIndex {
	return &secondaryIndex{
		unique:  unique,
		entries: make(map[string]map[string]struct{}),
	}
}

func (idx *secondaryIndex) add(key, pk string) {
	set, ok := idx.entries[key]
	if !ok {
		set = make(map[string]struct{})
		idx.entries[key] = set
	}
	set[pk] = struct{}{}
}

func (idx *secondaryIndex) remove(key, pk string) {
	if set, ok := idx.entries[key]; ok {
		delete(set, pk)
		if len(set) == 0 {
			delete(idx.entries, key)
		}
	}
}

// Table is an in-memory table holding committed rows addressed by
// primary key. Isolation is layered above by the version manager;
// the table itself only enforces schema typing and key uniqueness.
type Table struct {
	mu      sync.RWMutex
	spec    TableSpec
	columns map[string]value.Column
	rows    map[string]Row
	indexes map[string]*secondaryIndex
}

// NewTable creates an empty table from a spec
func NewTable(spec TableSpec) *Table {
	t := &Table{
		spec:    spec,
		columns: make(map[string]value.Column, len(spec.Columns)),
		rows:    make(map[string]Row),
		indexes: make(map[string]*secondaryIndex, len(spec.Indexes)),
	}
	for _, col := range spec.Columns {
		t.columns[col.Name] = col
	}
	for _, idx := range spec.Indexes {
		t.indexes[idx.Column] = newSecondaryIndex(idx.Unique)
	}
	return t
}

// Name returns the table name
func (t *Table) Name() string {
	return t.spec.Name
}

// Spec returns the table schema
func (t *Table) Spec() TableSpec {
	return t.spec
}

// PrimaryKeyOf extracts the primary key of a row in string form
func (t *Table) PrimaryKeyOf(row Row) (string, error) {
	pk := row.Get(t.spec.PrimaryKey)
	if pk.IsNull() {
		return "", fmt.Errorf("%w: table %s", ErrMissingKey, t.spec.Name)
	}
	return pk.String(), nil
}

// Validate checks a row against the table schema: every column must be
// declared and carry a value of the declared type.
func (t *Table) Validate(row Row) error {
	for name, v := range row {
		col, ok := t.columns[name]
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownColumn, t.spec.Name, name)
		}
		if err := value.CheckColumn(col, v); err != nil {
			return err
		}
	}
	pk := row.Get(t.spec.PrimaryKey)
	if pk.IsNull() {
		return fmt.Errorf("%w: table %s", ErrMissingKey, t.spec.Name)
	}
	return nil
}

// CheckUnique verifies that the unique indexes of the table would stay
// consistent if the given row replaced (or became) the row at pk.
func (t *Table) CheckUnique(row Row, pk string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for col, idx := range t.indexes {
		if !idx.unique {
			continue
		}
		v := row.Get(col)
		if v.IsNull() {
			continue
		}
		for existing := range idx.entries[v.String()] {
			if existing != pk {
				return fmt.Errorf("%w: %s.%s = %s", ErrDuplicateKey, t.spec.Name, col, v)
			}
		}
	}
	return nil
}

// Lookup returns the committed row at pk, if any
func (t *Table) Lookup(pk string) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	row, ok := t.rows[pk]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Scan returns all committed rows ordered by the string form of the
// primary key (so integer key 10 sorts before 2)
func (t *Table) Scan() []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	pks := make([]string, 0, len(t.rows))
	for pk := range t.rows {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	out := make([]Row, 0, len(pks))
	for _, pk := range pks {
		out = append(out, t.rows[pk].Clone())
	}
	return out
}

// Len returns the number of committed rows
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// PutRow installs a committed row, replacing any previous row at the
// same primary key and maintaining the secondary indexes. Unique
// violations against other committed rows are rejected.
func (t *Table) PutRow(row Row) error {
	pk, err := t.PrimaryKeyOf(row)
	if err != nil {
		return err
	}
	if err := t.CheckUnique(row, pk); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.rows[pk]; ok {
		t.unindex(old, pk)
	}
	stored := row.Clone()
	t.rows[pk] = stored
	t.index(stored, pk)
	return nil
}

// DeleteRow removes the committed row at pk, if present
func (t *Table) DeleteRow(pk string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.rows[pk]; ok {
		t.unindex(old, pk)
		delete(t.rows, pk)
	}
}

// FindByIndex returns the primary keys carrying the given value on an
// indexed column, in sorted order.
func (t *Table) FindByIndex(col string, v *value.Value) ([]string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx, ok := t.indexes[col]
	if !ok {
		return nil, fmt.Errorf("%w: no index on %s.%s", ErrUnknownColumn, t.spec.Name, col)
	}
	if v.IsNull() {
		return nil, nil
	}
	set := idx.entries[v.String()]
	pks := make([]string, 0, len(set))
	for pk := range set {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks, nil
}

func (t *Table) index(row Row, pk string) {
	for col, idx := range t.indexes {
		if v := row.Get(col); !v.IsNull() {
			idx.add(v.String(), pk)
		}
	}
}

func (t *Table) unindex(row Row, pk string) {
	for col, idx := range t.indexes {
		if v := row.Get(col); !v.IsNull() {
			idx.remove(v.String(), pk)
		}
	}
}
