package record

import (
	"errors"
	"testing"

	"github.com/mnohosten/klara-db/pkg/value"
)

func usersSpec() TableSpec {
	return TableSpec{
		Name:       "users",
		PrimaryKey: "id",
		Columns: []value.Column{
			{Name: "id", Type: value.TypeInteger},
			{Name: "username", Type: value.TypeString},
			{Name: "email", Type: value.TypeString, Nullable: true},
		},
		Indexes: []IndexSpec{
			{Column: "username", Unique: true},
			{Column: "email"},
		},
	}
}

func TestCreateTableIdempotent(t *testing.T) {
	store := NewStore("financial")

	first := store.CreateTable(usersSpec())
	second := store.CreateTable(usersSpec())
	if first != second {
		t.Error("CreateTable must return the existing table on re-creation")
	}

	if _, err := store.Table("users"); err != nil {
		t.Fatalf("Table lookup failed: %v", err)
	}
	if _, err := store.Table("missing"); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("expected ErrUnknownTable, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	table := NewTable(usersSpec())

	good := NewRow(map[string]interface{}{"id": 1, "username": "alice"})
	if err := table.Validate(good); err != nil {
		t.Errorf("valid row rejected: %v", err)
	}

	unknown := NewRow(map[string]interface{}{"id": 1, "username": "alice", "age": 30})
	if err := table.Validate(unknown); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn, got %v", err)
	}

	badType := NewRow(map[string]interface{}{"id": 1, "username": 42})
	if err := table.Validate(badType); !errors.Is(err, value.ErrTypeMismatch) {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}

	noPK := NewRow(map[string]interface{}{"username": "alice"})
	if err := table.Validate(noPK); !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestPutLookupScan(t *testing.T) {
	table := NewTable(usersSpec())

	for i, name := range []string{"alice", "bob"} {
		row := NewRow(map[string]interface{}{"id": i + 1, "username": name})
		if err := table.PutRow(row); err != nil {
			t.Fatalf("PutRow failed: %v", err)
		}
	}

	row, ok := table.Lookup("1")
	if !ok {
		t.Fatal("expected row at pk 1")
	}
	if got := row.Get("username").Str(); got != "alice" {
		t.Errorf("username = %q, want alice", got)
	}

	rows := table.Scan()
	if len(rows) != 2 {
		t.Fatalf("Scan returned %d rows, want 2", len(rows))
	}
	if rows[0].Get("username").Str() != "alice" || rows[1].Get("username").Str() != "bob" {
		t.Error("Scan must return rows in primary-key order")
	}

	// Returned rows are copies
	rows[0]["username"] = value.NewString("mallory")
	fresh, _ := table.Lookup("1")
	if fresh.Get("username").Str() != "alice" {
		t.Error("mutating a scanned row leaked into the table")
	}
}

func TestUniqueIndex(t *testing.T) {
	table := NewTable(usersSpec())

	if err := table.PutRow(NewRow(map[string]interface{}{"id": 1, "username": "alice"})); err != nil {
		t.Fatalf("PutRow failed: %v", err)
	}

	dup := NewRow(map[string]interface{}{"id": 2, "username": "alice"})
	if err := table.PutRow(dup); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	// Replacing the same pk with the same username is not a violation
	if err := table.PutRow(NewRow(map[string]interface{}{"id": 1, "username": "alice", "email": "a@example.com"})); err != nil {
		t.Errorf("same-pk replace rejected: %v", err)
	}
}

func TestIndexMaintenance(t *testing.T) {
	table := NewTable(usersSpec())

	table.PutRow(NewRow(map[string]interface{}{"id": 1, "username": "alice", "email": "shared@example.com"}))
	table.PutRow(NewRow(map[string]interface{}{"id": 2, "username": "bob", "email": "shared@example.com"}))

	pks, err := table.FindByIndex("email", value.NewString("shared@example.com"))
	if err != nil {
		t.Fatalf("FindByIndex failed: %v", err)
	}
	if len(pks) != 2 {
		t.Fatalf("index lookup returned %d pks, want 2", len(pks))
	}

	table.DeleteRow("1")
	pks, _ = table.FindByIndex("email", value.NewString("shared@example.com"))
	if len(pks) != 1 || pks[0] != "2" {
		t.Errorf("after delete, index lookup = %v, want [2]", pks)
	}

	// Update moves the index entry
	table.PutRow(NewRow(map[string]interface{}{"id": 2, "username": "bob", "email": "new@example.com"}))
	pks, _ = table.FindByIndex("email", value.NewString("shared@example.com"))
	if len(pks) != 0 {
		t.Errorf("stale index entry after update: %v", pks)
	}

	if _, err := table.FindByIndex("id", value.NewInteger(2)); !errors.Is(err, ErrUnknownColumn) {
		t.Errorf("expected ErrUnknownColumn for unindexed column, got %v", err)
	}
}

func TestNullValuesNotIndexed(t *testing.T) {
	table := NewTable(usersSpec())
	table.PutRow(NewRow(map[string]interface{}{"id": 1, "username": "alice", "email": nil}))

	pks, err := table.FindByIndex("email", value.Null())
	if err != nil {
		t.Fatalf("FindByIndex failed: %v", err)
	}
	if len(pks) != 0 {
		t.Errorf("null values must not be indexed, got %v", pks)
	}
}
