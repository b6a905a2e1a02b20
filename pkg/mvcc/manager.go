package mvcc

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/txn"
)

// Manager hosts the version chains of one store and resolves every
// read and write against the timestamp-ordering rules. Committed rows
// are mirrored into the underlying record store when versions commit,
// so index lookups and snapshot scans see only committed data.
type Manager struct {
	store *record.Store
	ctrl  *txn.Controller

	mu     sync.RWMutex
	chains map[chainKey]*chain

	// prepareMu is the per-store prepare latch: held from a successful
	// prepare until the matching commit or abort, so unique-constraint
	// validation in prepare stays true through the commit step.
	prepareMu  sync.Mutex
	preparedMu sync.Mutex
	preparedBy *txn.Transaction
}

// NewManager creates a version manager over a record store
func NewManager(store *record.Store, ctrl *txn.Controller) *Manager {
	return &Manager{
		store:  store,
		ctrl:   ctrl,
		chains: make(map[chainKey]*chain),
	}
}

// Store returns the underlying record store
func (m *Manager) Store() *record.Store {
	return m.store
}

// Name returns the store identifier
func (m *Manager) Name() string {
	return m.store.Name()
}

func (m *Manager) chainFor(table, pk string, create bool) *chain {
	key := chainKey{table: table, pk: pk}

	m.mu.RLock()
	ch, ok := m.chains[key]
	m.mu.RUnlock()
	if ok || !create {
		return ch
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok = m.chains[key]; ok {
		return ch
	}
	ch = &chain{}
	m.chains[key] = ch
	return ch
}

func (m *Manager) ref(table, pk string) txn.ChainRef {
	return txn.ChainRef{Store: m.store.Name(), Table: table, PK: pk}
}

// ChainPKs returns the primary keys that have a version chain for the
// given table, in sorted order. This is a superset of the committed
// rowset and is the candidate set for transactional scans.
func (m *Manager) ChainPKs(table string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pks := make([]string, 0)
	for key := range m.chains {
		if key.table == table {
			pks = append(pks, key.pk)
		}
	}
	sort.Strings(pks)
	return pks
}

// ChainCount returns the number of live version chains
func (m *Manager) ChainCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chains)
}

// Read resolves a transactional read: the newest version whose writer
// timestamp does not exceed the reader's. If that version is
// uncommitted and belongs to another live transaction, the reader
// waits for the writer to finish and re-runs against the possibly
// shortened chain. Returns ErrNotFound for missing keys and for
// delete tombstones.
func (m *Manager) Read(ctx context.Context, tx *txn.Transaction, table, pk string) (record.Row, error) {
	if _, err := m.store.Table(table); err != nil {
		return nil, err
	}

	for {
		if tx.Victimized() {
			return nil, txn.ErrDeadlock
		}
		if !tx.IsActive() {
			return nil, txn.ErrNotActive
		}

		ch := m.chainFor(table, pk, false)
		if ch == nil {
			m.noteRead(tx, nil, table, pk)
			return nil, ErrNotFound
		}

		ch.mu.Lock()
		if ch.dead {
			ch.mu.Unlock()
			continue
		}
		v := ch.visibleTo(tx.Timestamp())
		if v == nil {
			m.noteRead(tx, ch, table, pk)
			ch.mu.Unlock()
			return nil, ErrNotFound
		}
		if v.Committed || v.WriterTS == tx.Timestamp() {
			row := v.Row.Clone()
			m.noteRead(tx, ch, table, pk)
			ch.mu.Unlock()
			if row == nil {
				return nil, ErrNotFound
			}
			return row, nil
		}

		// Uncommitted version from another transaction qualifies as
		// the newest candidate: park on its writer, then re-read.
		writerTS := v.WriterTS
		ch.mu.Unlock()

		if err := m.awaitWriter(ctx, tx, writerTS, table, pk); err != nil {
			return nil, err
		}
	}
}

// Write stages a mutation as an uncommitted version. A nil row stages
// a delete tombstone. The timestamp-ordering write rule rejects the
// write when the chain has been read or overwritten by a younger
// transaction; an uncommitted version from another live writer is
// waited out.
func (m *Manager) Write(ctx context.Context, tx *txn.Transaction, table, pk string, row record.Row) error {
	if _, err := m.store.Table(table); err != nil {
		return err
	}

	for {
		if tx.Victimized() {
			return txn.ErrDeadlock
		}
		if !tx.IsActive() {
			return txn.ErrNotActive
		}

		ch := m.chainFor(table, pk, true)

		ch.mu.Lock()
		if ch.dead {
			ch.mu.Unlock()
			continue
		}
		if tx.Timestamp() < ch.readTS || tx.Timestamp() < ch.newestCommittedTS() {
			ch.mu.Unlock()
			return txn.ErrTimestampOrder
		}

		if v := ch.uncommitted(); v != nil && v.WriterTS != tx.Timestamp() {
			writerTS := v.WriterTS
			ch.mu.Unlock()
			if err := m.awaitWriter(ctx, tx, writerTS, table, pk); err != nil {
				return err
			}
			continue
		}

		m.stage(tx, ch, table, pk, row)
		ch.mu.Unlock()
		return nil
	}
}

// stage installs or upgrades the transaction's uncommitted version and
// appends the matching undo entry. Caller holds ch.mu.
func (m *Manager) stage(tx *txn.Transaction, ch *chain, table, pk string, row record.Row) {
	ref := m.ref(table, pk)

	if v := ch.uncommitted(); v != nil {
		// Second write by the same transaction upgrades in place; the
		// before-image is the transaction's own staged row.
		undoType := txn.UndoUpdate
		if row == nil {
			undoType = txn.UndoDelete
		} else if v.Row == nil {
			undoType = txn.UndoInsert
		}
		tx.Undo().Append(txn.UndoOperation{Type: undoType, Chain: ref, OldRow: v.Row})
		v.Row = row.Clone()
		tx.RecordWrite(ref)
		return
	}

	var before record.Row
	if prev := ch.visibleTo(tx.Timestamp()); prev != nil {
		before = prev.Row
	}

	undoType := txn.UndoUpdate
	switch {
	case row == nil:
		undoType = txn.UndoDelete
	case before == nil:
		undoType = txn.UndoInsert
	}
	tx.Undo().Append(txn.UndoOperation{Type: undoType, Chain: ref, OldRow: before})

	ch.versions = append([]*Version{{
		Row:       row.Clone(),
		WriterTS:  tx.Timestamp(),
		CreatedAt: time.Now(),
	}}, ch.versions...)
	tx.RecordWrite(ref)
}

// awaitWriter parks the transaction on the live writer of an
// uncommitted version. A writer that is no longer registered raced
// its own cleanup; the stale version is pruned and the caller retries.
// A terminal-but-unfinished writer is mid-commit flipping its
// versions, so the caller just retries after a yield.
func (m *Manager) awaitWriter(ctx context.Context, tx *txn.Transaction, writerTS txn.TS, table, pk string) error {
	writer, ok := m.ctrl.Lookup(writerTS)
	if !ok {
		if ch := m.chainFor(table, pk, false); ch != nil {
			ch.mu.Lock()
			ch.dropUncommitted(writerTS)
			ch.mu.Unlock()
		}
		return nil
	}
	if writer.Terminal() {
		runtime.Gosched()
		return nil
	}
	return m.ctrl.Wait(ctx, tx, writer, m.ref(table, pk))
}

// noteRead lifts the chain read timestamp and records the chain in the
// reader's read set. Caller holds ch.mu when ch is non-nil.
func (m *Manager) noteRead(tx *txn.Transaction, ch *chain, table, pk string) {
	if ch != nil && tx.Timestamp() > ch.readTS {
		ch.readTS = tx.Timestamp()
	}
	tx.RecordRead(m.ref(table, pk))
}

// Prepare is phase one of commit for this store. It acquires the
// store's prepare latch, verifies that every version staged by the
// transaction is still intact at its chain head, and re-validates
// unique constraints against committed data. A false vote releases
// the latch; a true vote holds it until Commit or Discard.
func (m *Manager) Prepare(ctx context.Context, tx *txn.Transaction) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	m.prepareMu.Lock()
	m.preparedMu.Lock()
	m.preparedBy = tx
	m.preparedMu.Unlock()

	ok := m.validateStaged(tx)
	if !ok {
		m.releaseLatch(tx)
	}
	return ok, nil
}

func (m *Manager) validateStaged(tx *txn.Transaction) bool {
	for _, ref := range tx.WriteSet() {
		if ref.Store != m.store.Name() {
			continue
		}
		ch := m.chainFor(ref.Table, ref.PK, false)
		if ch == nil {
			return false
		}

		ch.mu.Lock()
		v := ch.uncommitted()
		intact := v != nil && v.WriterTS == tx.Timestamp()
		var staged record.Row
		if intact {
			staged = v.Row
		}
		ch.mu.Unlock()

		if !intact {
			return false
		}
		if staged == nil {
			continue
		}
		table, err := m.store.Table(ref.Table)
		if err != nil {
			return false
		}
		if err := table.CheckUnique(staged, ref.PK); err != nil {
			return false
		}
	}
	return true
}

// Commit is phase two: it flips the transaction's staged versions to
// committed and applies them to the record store rowset. It must not
// fail; constraint validation already happened in Prepare under the
// latch this call releases.
func (m *Manager) Commit(tx *txn.Transaction) error {
	m.preparedMu.Lock()
	held := m.preparedBy == tx
	m.preparedMu.Unlock()
	if !held {
		return ErrNotPrepared
	}

	for _, ref := range tx.WriteSet() {
		if ref.Store != m.store.Name() {
			continue
		}
		ch := m.chainFor(ref.Table, ref.PK, false)
		if ch == nil {
			continue
		}

		ch.mu.Lock()
		v := ch.uncommitted()
		if v == nil || v.WriterTS != tx.Timestamp() {
			ch.mu.Unlock()
			continue
		}
		v.Committed = true
		row := v.Row
		ch.mu.Unlock()

		table, err := m.store.Table(ref.Table)
		if err != nil {
			continue
		}
		if row == nil {
			table.DeleteRow(ref.PK)
		} else {
			// Prepare validated constraints under the latch; the
			// rowset apply cannot be rejected here.
			_ = table.PutRow(row)
		}
	}

	m.releaseLatch(tx)
	return nil
}

// Discard removes every uncommitted version staged by the transaction
// and releases the prepare latch if this transaction held it. Called
// on the abort path after undo replay.
func (m *Manager) Discard(tx *txn.Transaction) {
	for _, ref := range tx.WriteSet() {
		if ref.Store != m.store.Name() {
			continue
		}
		ch := m.chainFor(ref.Table, ref.PK, false)
		if ch == nil {
			continue
		}
		ch.mu.Lock()
		ch.dropUncommitted(tx.Timestamp())
		ch.mu.Unlock()
	}

	m.releaseLatch(tx)
}

func (m *Manager) releaseLatch(tx *txn.Transaction) {
	m.preparedMu.Lock()
	defer m.preparedMu.Unlock()
	if m.preparedBy == tx {
		m.preparedBy = nil
		m.prepareMu.Unlock()
	}
}

// Vacuum drops versions no live or future transaction could still be
// required to read: committed versions superseded by a newer committed
// version and older than the minimum live timestamp, and tombstone
// chains wholly below that bound. The newest committed version of a
// present key is always retained.
func (m *Manager) Vacuum(minLive txn.TS) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, ch := range m.chains {
		ch.mu.Lock()

		// A committed version may go once a newer committed version is
		// visible to every live transaction: the first committed
		// version at or below minLive still serves the oldest reader,
		// everything beneath it cannot be reached by any read.
		kept := ch.versions[:0]
		covered := false
		for _, v := range ch.versions {
			if !v.Committed {
				kept = append(kept, v)
				continue
			}
			if covered {
				removed++
				continue
			}
			kept = append(kept, v)
			if v.WriterTS <= minLive {
				covered = true
			}
		}
		ch.versions = kept

		// A chain whose only remaining state is a sufficiently old
		// tombstone is unobservable and can go entirely.
		dead := len(ch.versions) == 0
		if !dead && len(ch.versions) == 1 {
			v := ch.versions[0]
			if v.Committed && v.Row == nil && v.WriterTS < minLive {
				removed++
				dead = true
			}
		}
		if dead {
			ch.dead = true
		}
		ch.mu.Unlock()

		if dead {
			delete(m.chains, key)
		}
	}
	return removed
}
