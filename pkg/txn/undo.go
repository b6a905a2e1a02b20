package txn

import (
	"sync"

	"github.com/mnohosten/klara-db/pkg/record"
)

// UndoOpType represents the kind of inverse operation
type UndoOpType int

const (
	// UndoInsert undoes an insert by deleting the primary key
	UndoInsert UndoOpType = iota
	// UndoUpdate undoes an update by restoring the old row
	UndoUpdate
	// UndoDelete undoes a delete by reinserting the old row
	UndoDelete
)

// String returns the string representation of the op type
func (t UndoOpType) String() string {
	switch t {
	case UndoInsert:
		return "insert"
	case UndoUpdate:
		return "update"
	case UndoDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// UndoOperation is one self-contained inverse operation
type UndoOperation struct {
	Type   UndoOpType
	Chain  ChainRef
	OldRow record.Row // nil for UndoInsert
}

// UndoLog tracks the inverse of every mutation a transaction performed,
// in execution order. On abort the log is replayed in reverse; it is
// also the authoritative record for terminal accounting.
type UndoLog struct {
	mu  sync.Mutex
	ops []UndoOperation
}

// NewUndoLog creates an empty undo log
func NewUndoLog() *UndoLog {
	return &UndoLog{}
}

// Append adds an operation to the log. The old row is copied so later
// mutation of the caller's row cannot corrupt the log.
func (u *UndoLog) Append(op UndoOperation) {
	u.mu.Lock()
	defer u.mu.Unlock()

	op.OldRow = op.OldRow.Clone()
	u.ops = append(u.ops, op)
}

// Operations returns a copy of the log in execution order
func (u *UndoLog) Operations() []UndoOperation {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]UndoOperation, len(u.ops))
	copy(out, u.ops)
	return out
}

// Reverse returns a copy of the log in replay order (newest first)
func (u *UndoLog) Reverse() []UndoOperation {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make([]UndoOperation, len(u.ops))
	for i, op := range u.ops {
		out[len(u.ops)-1-i] = op
	}
	return out
}

// Len returns the number of logged operations
func (u *UndoLog) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ops)
}

// Counts returns how many operations of each kind the log holds
func (u *UndoLog) Counts() map[string]int {
	u.mu.Lock()
	defer u.mu.Unlock()

	counts := make(map[string]int, 3)
	for _, op := range u.ops {
		counts[op.Type.String()]++
	}
	return counts
}
