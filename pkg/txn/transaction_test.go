package txn

import (
	"errors"
	"testing"
)

func TestLifecycleTransitions(t *testing.T) {
	c := NewController(1, 0)
	tx := c.Begin()

	if tx.State() != StateActive {
		t.Fatalf("state = %s, want active", tx.State())
	}
	if err := tx.Prepare(); err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if tx.State() != StatePreparing {
		t.Fatalf("state = %s, want preparing", tx.State())
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if tx.State() != StateCommitted {
		t.Fatalf("state = %s, want committed", tx.State())
	}

	select {
	case <-tx.Done():
	default:
		t.Error("Done must be closed after commit")
	}
}

func TestCommitRequiresPrepare(t *testing.T) {
	c := NewController(1, 0)
	tx := c.Begin()

	if err := tx.Commit(); !errors.Is(err, ErrNotActive) {
		t.Errorf("Commit without Prepare: expected ErrNotActive, got %v", err)
	}
}

func TestPrepareFromPreparingFails(t *testing.T) {
	c := NewController(1, 0)
	tx := c.Begin()

	tx.Prepare()
	if err := tx.Prepare(); !errors.Is(err, ErrNotActive) {
		t.Errorf("double Prepare: expected ErrNotActive, got %v", err)
	}
}

func TestAbortFromPreparing(t *testing.T) {
	c := NewController(1, 0)
	tx := c.Begin()

	tx.Prepare()
	tx.Abort()
	if tx.State() != StateAborted {
		t.Fatalf("state = %s, want aborted", tx.State())
	}

	// Aborting a terminal transaction is a no-op
	tx.Abort()
	if tx.State() != StateAborted {
		t.Error("second Abort changed state")
	}
}

func TestVictimize(t *testing.T) {
	c := NewController(1, 0)
	tx := c.Begin()

	if tx.Victimized() {
		t.Fatal("fresh transaction must not be victimized")
	}
	tx.Victimize()
	tx.Victimize() // idempotent
	if !tx.Victimized() {
		t.Error("Victimize did not mark the transaction")
	}
}

func TestSetsAndParticipants(t *testing.T) {
	c := NewController(1, 0)
	tx := c.Begin()

	tx.RecordRead(ChainRef{Store: "inventory", Table: "products", PK: "1"})
	tx.RecordWrite(ChainRef{Store: "financial", Table: "accounts", PK: "2"})
	tx.RecordWrite(ChainRef{Store: "financial", Table: "accounts", PK: "2"})

	if got := len(tx.WriteSet()); got != 1 {
		t.Errorf("write set size = %d, want 1", got)
	}
	participants := tx.Participants()
	if len(participants) != 2 || participants[0] != "financial" || participants[1] != "inventory" {
		t.Errorf("participants = %v, want [financial inventory]", participants)
	}
}
