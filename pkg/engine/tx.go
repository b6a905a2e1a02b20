package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mnohosten/klara-db/pkg/audit"
	"github.com/mnohosten/klara-db/pkg/changestream"
	"github.com/mnohosten/klara-db/pkg/distributed"
	"github.com/mnohosten/klara-db/pkg/metrics"
	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/txn"
	"github.com/mnohosten/klara-db/pkg/value"
)

// Tx is the transactional handle handed to workload bodies. All data
// operations validate against the concurrency controller; mutations
// are staged as uncommitted versions until Commit.
type Tx struct {
	eng   *Engine
	inner *txn.Transaction
	ctx   context.Context
	start time.Time

	mu       sync.Mutex
	done     bool
	deferred []func()
}

// Timestamp returns the transaction's logical timestamp
func (t *Tx) Timestamp() uint64 {
	return uint64(t.inner.Timestamp())
}

// Restarts returns how many restarts preceded this attempt
func (t *Tx) Restarts() int {
	return t.inner.Restarts()
}

func (t *Tx) finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

// Defer registers a hook that runs only after a successful commit.
// External side effects belong here: the transaction body itself may
// be re-run on restart, hooks fire exactly once.
func (t *Tx) Defer(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deferred = append(t.deferred, fn)
}

// Read returns the row at pk visible to this transaction, or
// ErrNotFound
func (t *Tx) Read(store, table string, pk interface{}) (record.Row, error) {
	m, err := t.eng.manager(store)
	if err != nil {
		return nil, err
	}
	t.eng.collector.RecordRead()
	return m.Read(t.ctx, t.inner, table, value.New(pk).String())
}

// Scan returns every row of the table visible to this transaction,
// ordered by the string form of the primary key (so integer key 10
// sorts before 2), filtered by the optional predicate
func (t *Tx) Scan(store, table string, pred func(record.Row) bool) ([]record.Row, error) {
	m, err := t.eng.manager(store)
	if err != nil {
		return nil, err
	}
	if _, err := m.Store().Table(table); err != nil {
		return nil, err
	}
	t.eng.collector.RecordScan()
	t.inner.Touch(store)

	var rows []record.Row
	for _, pk := range m.ChainPKs(table) {
		row, err := m.Read(t.ctx, t.inner, table, pk)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if pred == nil || pred(row) {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Insert stages a new row. Inserting a primary key that is visible to
// this transaction is a constraint violation.
func (t *Tx) Insert(store, table string, fields map[string]interface{}) error {
	m, err := t.eng.manager(store)
	if err != nil {
		return err
	}
	tbl, err := m.Store().Table(table)
	if err != nil {
		return err
	}

	row := record.NewRow(fields)
	if err := tbl.Validate(row); err != nil {
		return err
	}
	pk, err := tbl.PrimaryKeyOf(row)
	if err != nil {
		return err
	}

	if _, err := m.Read(t.ctx, t.inner, table, pk); err == nil {
		return fmt.Errorf("%w: %s.%s pk=%s", record.ErrDuplicateKey, store, table, pk)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := tbl.CheckUnique(row, pk); err != nil {
		return err
	}

	t.eng.collector.RecordWrite()
	return m.Write(t.ctx, t.inner, table, pk, row)
}

// Put stages a full-row upsert without reading first. Unlike Update
// it does not observe the current row: a concurrent uncommitted
// writer is waited out instead of conflicting with a lifted read
// timestamp.
func (t *Tx) Put(store, table string, fields map[string]interface{}) error {
	m, err := t.eng.manager(store)
	if err != nil {
		return err
	}
	tbl, err := m.Store().Table(table)
	if err != nil {
		return err
	}

	row := record.NewRow(fields)
	if err := tbl.Validate(row); err != nil {
		return err
	}
	pk, err := tbl.PrimaryKeyOf(row)
	if err != nil {
		return err
	}
	if err := tbl.CheckUnique(row, pk); err != nil {
		return err
	}

	t.eng.collector.RecordWrite()
	return m.Write(t.ctx, t.inner, table, pk, row)
}

// Update merges the given column values into the row at pk. Updating
// a missing row returns ErrNotFound.
func (t *Tx) Update(store, table string, pk interface{}, set map[string]interface{}) error {
	m, err := t.eng.manager(store)
	if err != nil {
		return err
	}
	tbl, err := m.Store().Table(table)
	if err != nil {
		return err
	}

	pkStr := value.New(pk).String()
	current, err := m.Read(t.ctx, t.inner, table, pkStr)
	if err != nil {
		return err
	}

	updated := current.Clone()
	for col, v := range set {
		updated[col] = value.New(v)
	}
	if err := tbl.Validate(updated); err != nil {
		return err
	}
	newPK, err := tbl.PrimaryKeyOf(updated)
	if err != nil {
		return err
	}
	if newPK != pkStr {
		return fmt.Errorf("%w: update may not change the primary key", record.ErrDuplicateKey)
	}
	if err := tbl.CheckUnique(updated, pkStr); err != nil {
		return err
	}

	t.eng.collector.RecordWrite()
	return m.Write(t.ctx, t.inner, table, pkStr, updated)
}

// Delete stages the removal of the row at pk. Deleting a missing row
// returns ErrNotFound.
func (t *Tx) Delete(store, table string, pk interface{}) error {
	m, err := t.eng.manager(store)
	if err != nil {
		return err
	}
	if _, err := m.Store().Table(table); err != nil {
		return err
	}

	pkStr := value.New(pk).String()
	if _, err := m.Read(t.ctx, t.inner, table, pkStr); err != nil {
		return err
	}

	t.eng.collector.RecordWrite()
	return m.Write(t.ctx, t.inner, table, pkStr, nil)
}

// Commit drives two-phase commit across every store this transaction
// touched. On success the deferred hooks run and nil is returned; a
// veto or ordering conflict aborts and returns an AbortError.
func (t *Tx) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return &AbortError{Cause: CauseUserAbort, Err: txn.ErrNotActive}
	}
	t.mu.Unlock()

	if t.inner.Victimized() {
		t.abortWith(CauseDeadlock, txn.ErrDeadlock)
		return &AbortError{Cause: CauseDeadlock, Err: txn.ErrDeadlock}
	}

	if err := t.inner.Prepare(); err != nil {
		t.abortWith(CauseUserAbort, err)
		return &AbortError{Cause: CauseUserAbort, Err: err}
	}

	participants := t.inner.Participants()
	coord := distributed.NewCoordinator(t.inner)
	for _, store := range participants {
		m, err := t.eng.manager(store)
		if err != nil {
			t.abortWith(CauseConstraintViolation, err)
			return &AbortError{Cause: CauseConstraintViolation, Err: err}
		}
		if err := coord.AddParticipant(&storeParticipant{manager: m}); err != nil {
			t.abortWith(CauseUserAbort, err)
			return &AbortError{Cause: CauseUserAbort, Err: err}
		}
	}

	ok, err := coord.Prepare(t.ctx)
	if !ok {
		coord.Abort()
		cause := CausePrepareFail
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				// External cancellation is not retried
				cause = CauseUserAbort
			default:
				if c := causeOf(err); c != CauseUserAbort {
					cause = c
				}
			}
		}
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("%w: store %s", distributed.ErrPrepareVetoed, coord.VetoedBy())
		}
		t.abortWith(cause, wrapped)
		return &AbortError{Cause: cause, Err: wrapped}
	}

	// The decision point: after this flip the commit phase may not
	// fail, it only publishes in-memory state.
	if err := t.inner.Commit(); err != nil {
		coord.Abort()
		t.abortWith(CauseUserAbort, err)
		return &AbortError{Cause: CauseUserAbort, Err: err}
	}
	if err := coord.Commit(); err != nil {
		return err
	}

	t.finishCommit(participants)
	return nil
}

// Abort rolls the transaction back at the caller's request. The
// returned AbortError carries CauseUserAbort and is not restartable.
func (t *Tx) Abort(reason error) error {
	t.abortWith(CauseUserAbort, reason)
	return &AbortError{Cause: CauseUserAbort, Err: reason}
}

// finishCommit performs post-commit bookkeeping and runs hooks
func (t *Tx) finishCommit(participants []string) {
	t.mu.Lock()
	hooks := t.deferred
	t.deferred = nil
	t.done = true
	t.mu.Unlock()

	e := t.eng
	e.ctrl.Finish(t.inner)
	e.committed.Add(1)

	duration := time.Since(t.start)
	e.collector.RecordCommit(duration)
	if e.slowLog != nil {
		e.slowLog.Log(metrics.SlowTxnEntry{
			Timestamp:  time.Now(),
			Duration:   duration,
			TxnTS: uint64(t.inner.Timestamp()),
			Outcome:    "committed",
			Restarts:   t.inner.Restarts(),
			Writes:     t.inner.Undo().Len(),
		})
	}
	if e.auditLog != nil {
		e.auditLog.Log(&audit.Event{
			TxnTS:        uint64(t.inner.Timestamp()),
			Outcome:      audit.OutcomeCommitted,
			Restarts:     t.inner.Restarts(),
			Participants: participants,
			Operations:   t.inner.Undo().Counts(),
			Duration:     duration,
		})
	}

	e.publisher.Publish(&changestream.Event{
		Kind:     changestream.EventCommit,
		TxnTS:    uint64(t.inner.Timestamp()),
		Restarts: t.inner.Restarts(),
		Chains:   changedChains(t.inner.Undo()),
	})

	for _, fn := range hooks {
		fn()
	}
}

// abortWith rolls back the transaction: the undo log is replayed in
// reverse for terminal accounting, staged versions are discarded, the
// terminal transition wakes every waiter, and the controller clears
// the wait edges.
func (t *Tx) abortWith(cause AbortCause, reason error) {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.deferred = nil
	t.mu.Unlock()

	e := t.eng

	// Reverse replay; the staged versions it describes are pruned
	// wholesale by Discard below.
	undone := t.inner.Undo().Reverse()
	chains := changedChains(t.inner.Undo())

	for _, store := range t.inner.Participants() {
		if m, err := e.manager(store); err == nil {
			m.Discard(t.inner)
		}
	}
	t.inner.Abort()
	e.ctrl.Finish(t.inner)

	e.aborted.Add(1)
	e.collector.RecordAbort(cause.String())

	duration := time.Since(t.start)
	if e.slowLog != nil {
		e.slowLog.Log(metrics.SlowTxnEntry{
			Timestamp:  time.Now(),
			Duration:   duration,
			TxnTS: uint64(t.inner.Timestamp()),
			Outcome:    "aborted",
			Cause:      cause.String(),
			Restarts:   t.inner.Restarts(),
			Writes:     len(undone),
		})
	}
	if e.auditLog != nil {
		e.auditLog.Log(&audit.Event{
			TxnTS:        uint64(t.inner.Timestamp()),
			Outcome:      audit.OutcomeAborted,
			Cause:        cause.String(),
			Restarts:     t.inner.Restarts(),
			Participants: t.inner.Participants(),
			Operations:   t.inner.Undo().Counts(),
			Duration:     duration,
		})
	}

	e.publisher.Publish(&changestream.Event{
		Kind:     changestream.EventAbort,
		TxnTS:    uint64(t.inner.Timestamp()),
		Cause:    cause.String(),
		Restarts: t.inner.Restarts(),
		Chains:   chains,
	})
}

// changedChains collapses the undo log into one change entry per
// chain, keeping the net operation kind
func changedChains(log *txn.UndoLog) []changestream.ChangedChain {
	ops := log.Operations()
	byChain := make(map[txn.ChainRef]string, len(ops))
	order := make([]txn.ChainRef, 0, len(ops))
	for _, op := range ops {
		if _, seen := byChain[op.Chain]; !seen {
			order = append(order, op.Chain)
		}
		byChain[op.Chain] = op.Type.String()
	}

	out := make([]changestream.ChangedChain, 0, len(order))
	for _, ref := range order {
		out = append(out, changestream.ChangedChain{
			Store: ref.Store,
			Table: ref.Table,
			PK:    ref.PK,
			Op:    byChain[ref],
		})
	}
	return out
}
