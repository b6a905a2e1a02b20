package impex

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mnohosten/klara-db/pkg/compression"
	"github.com/mnohosten/klara-db/pkg/engine"
	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/value"
)

// StoreSnapshot is a timestamp-consistent JSON image of one store's
// committed data
type StoreSnapshot struct {
	Store      string          `json:"store"`
	ExportedAt time.Time       `json:"exportedAt"`
	Tables     []TableSnapshot `json:"tables"`
}

// TableSnapshot holds one table's schema and rows
type TableSnapshot struct {
	Spec record.TableSpec         `json:"spec"`
	Rows []map[string]interface{} `json:"rows"`
}

// ExportStore captures a snapshot of a store. The scan runs inside a
// single transaction, so the image is consistent with one timestamp
// even under concurrent writers.
func ExportStore(eng *engine.Engine, storeName string) (*StoreSnapshot, error) {
	store, err := eng.Store(storeName)
	if err != nil {
		return nil, err
	}

	snap := &StoreSnapshot{Store: storeName}
	err = eng.Run(nil, func(tx *engine.Tx) error {
		snap.Tables = snap.Tables[:0]
		for _, tableName := range store.TableNames() {
			table, err := store.Table(tableName)
			if err != nil {
				return err
			}
			rows, err := tx.Scan(storeName, tableName, nil)
			if err != nil {
				return err
			}
			ts := TableSnapshot{Spec: table.Spec(), Rows: make([]map[string]interface{}, 0, len(rows))}
			for _, row := range rows {
				ts.Rows = append(ts.Rows, encodeRow(row))
			}
			snap.Tables = append(snap.Tables, ts)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	snap.ExportedAt = time.Now()
	return snap, nil
}

// ImportStore replays a snapshot into a store through the transaction
// layer: tables are created if missing and every row is inserted in
// one transaction per table.
func ImportStore(eng *engine.Engine, snap *StoreSnapshot) error {
	store, err := eng.Store(snap.Store)
	if err != nil {
		return err
	}

	for _, ts := range snap.Tables {
		store.CreateTable(ts.Spec)
	}

	for _, ts := range snap.Tables {
		ts := ts
		err := eng.Run(nil, func(tx *engine.Tx) error {
			for _, raw := range ts.Rows {
				fields, err := decodeRow(ts.Spec, raw)
				if err != nil {
					return err
				}
				if err := tx.Insert(snap.Store, ts.Spec.Name, fields); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("import %s.%s: %w", snap.Store, ts.Spec.Name, err)
		}
	}
	return nil
}

// WriteSnapshot serializes a snapshot to the writer, optionally
// compressed
func WriteSnapshot(w io.Writer, snap *StoreSnapshot, comp *compression.Compressor) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	if comp != nil {
		if payload, err = comp.Compress(payload); err != nil {
			return err
		}
	}
	_, err = w.Write(payload)
	return err
}

// ReadSnapshot deserializes a snapshot written by WriteSnapshot
func ReadSnapshot(r io.Reader, comp *compression.Compressor) (*StoreSnapshot, error) {
	payload, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if comp != nil {
		if payload, err = comp.Decompress(payload); err != nil {
			return nil, err
		}
	}

	var snap StoreSnapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// encodeRow renders a row as plain JSON-friendly values
func encodeRow(row record.Row) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for col, v := range row {
		if v.IsNull() {
			out[col] = nil
			continue
		}
		switch v.Type {
		case value.TypeTimestamp:
			out[col] = v.Time().UTC().Format(time.RFC3339Nano)
		default:
			out[col] = v.Data
		}
	}
	return out
}

// decodeRow coerces JSON values back to the column types of the table
// spec. JSON numbers arrive as float64 and are narrowed by column;
// integers taken straight from ExportStore arrive as int64.
func decodeRow(spec record.TableSpec, raw map[string]interface{}) (map[string]interface{}, error) {
	cols := make(map[string]value.Column, len(spec.Columns))
	for _, col := range spec.Columns {
		cols[col.Name] = col
	}

	fields := make(map[string]interface{}, len(raw))
	for name, data := range raw {
		col, ok := cols[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s", record.ErrUnknownColumn, spec.Name, name)
		}
		if data == nil {
			fields[name] = nil
			continue
		}
		switch col.Type {
		case value.TypeInteger:
			switch n := data.(type) {
			case float64:
				fields[name] = int64(n)
			case int64:
				fields[name] = n
			default:
				return nil, fmt.Errorf("%w: column %s", value.ErrTypeMismatch, name)
			}
		case value.TypeDecimal:
			f, ok := data.(float64)
			if !ok {
				return nil, fmt.Errorf("%w: column %s", value.ErrTypeMismatch, name)
			}
			fields[name] = f
		case value.TypeTimestamp:
			s, ok := data.(string)
			if !ok {
				return nil, fmt.Errorf("%w: column %s", value.ErrTypeMismatch, name)
			}
			t, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", name, err)
			}
			fields[name] = t
		default:
			fields[name] = data
		}
	}
	return fields, nil
}
