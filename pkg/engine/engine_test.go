package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/txn"
)

func newTestEngine(t *testing.T, mutate func(*Config)) *Engine {
	t.Helper()
	config := DefaultConfig()
	config.WaitTimeout = 500 * time.Millisecond
	config.GCInterval = 50 * time.Millisecond
	if mutate != nil {
		mutate(config)
	}
	eng, err := Open(config)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}

func seed(t *testing.T, eng *Engine) {
	t.Helper()
	err := eng.Run(context.Background(), func(tx *Tx) error {
		if err := tx.Insert(StoreFinancial, "users", map[string]interface{}{
			"id": 1, "username": "alice", "email": "alice@example.com",
		}); err != nil {
			return err
		}
		if err := tx.Insert(StoreFinancial, "accounts", map[string]interface{}{
			"id": 1, "user_id": 1, "type": "checking", "balance": 100.0,
		}); err != nil {
			return err
		}
		return tx.Insert(StoreFinancial, "accounts", map[string]interface{}{
			"id": 2, "user_id": 1, "type": "savings", "balance": 50.0,
		})
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func readBalance(t *testing.T, eng *Engine, id int) float64 {
	t.Helper()
	var out float64
	err := eng.Run(context.Background(), func(tx *Tx) error {
		row, err := tx.Read(StoreFinancial, "accounts", id)
		if err != nil {
			return err
		}
		out = row.Get("balance").Float()
		return nil
	})
	if err != nil {
		t.Fatalf("readBalance(%d) failed: %v", id, err)
	}
	return out
}

func TestSimpleTransfer(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	err := eng.Run(ctx, func(tx *Tx) error {
		from, err := tx.Read(StoreFinancial, "accounts", 1)
		if err != nil {
			return err
		}
		to, err := tx.Read(StoreFinancial, "accounts", 2)
		if err != nil {
			return err
		}
		if err := tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{
			"balance": from.Get("balance").Float() - 20,
		}); err != nil {
			return err
		}
		if err := tx.Update(StoreFinancial, "accounts", 2, map[string]interface{}{
			"balance": to.Get("balance").Float() + 20,
		}); err != nil {
			return err
		}
		return tx.Insert(StoreFinancial, "transactions", map[string]interface{}{
			"id": 1, "account_id": 1, "kind": "transfer", "amount": 20.0, "ts": time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("transfer failed: %v", err)
	}

	if got := readBalance(t, eng, 1); got != 80 {
		t.Errorf("account 1 = %v, want 80", got)
	}
	if got := readBalance(t, eng, 2); got != 70 {
		t.Errorf("account 2 = %v, want 70", got)
	}

	err = eng.Run(ctx, func(tx *Tx) error {
		rows, err := tx.Scan(StoreFinancial, "transactions", nil)
		if err != nil {
			return err
		}
		if len(rows) != 1 {
			t.Errorf("transactions rows = %d, want 1", len(rows))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
}

func TestReadYourOwnWrites(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	err := eng.Run(ctx, func(tx *Tx) error {
		if err := tx.Insert(StoreInventory, "categories", map[string]interface{}{
			"id": 1, "name": "tools",
		}); err != nil {
			return err
		}
		row, err := tx.Read(StoreInventory, "categories", 1)
		if err != nil {
			return err
		}
		if row.Get("name").Str() != "tools" {
			t.Errorf("own insert not visible: %v", row)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
}

func TestTimestampOrderViolationRestarts(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	t1 := eng.Begin(ctx)
	t2 := eng.Begin(ctx)

	if _, err := t2.Read(StoreFinancial, "accounts", 1); err != nil {
		t.Fatalf("t2 read failed: %v", err)
	}
	if err := t2.Commit(); err != nil {
		t.Fatalf("t2 commit failed: %v", err)
	}

	err := t1.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 10.0})
	if !errors.Is(err, txn.ErrTimestampOrder) {
		t.Fatalf("expected ErrTimestampOrder, got %v", err)
	}
	t1.Abort(err)

	// Through the retry loop a fresh timestamp wins
	if err := eng.Run(ctx, func(tx *Tx) error {
		return tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 10.0})
	}); err != nil {
		t.Fatalf("restarted update failed: %v", err)
	}
	if got := readBalance(t, eng, 1); got != 10 {
		t.Errorf("account 1 = %v, want 10", got)
	}
}

func TestRunRetriesOrderingConflicts(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	attempts := 0
	err := eng.Run(ctx, func(tx *Tx) error {
		attempts++
		if attempts == 1 {
			// A younger rival reads the key before our write lands
			if err := eng.Run(ctx, func(rival *Tx) error {
				_, err := rival.Read(StoreFinancial, "accounts", 2)
				return err
			}); err != nil {
				return err
			}
		}
		return tx.Update(StoreFinancial, "accounts", 2, map[string]interface{}{"balance": 7.0})
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (one restart)", attempts)
	}
	if got := readBalance(t, eng, 2); got != 7 {
		t.Errorf("account 2 = %v, want 7", got)
	}
	if eng.Stats().RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1", eng.Stats().RestartCount)
	}
}

func TestDeadlockResolution(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	orders := [][2]int{{1, 2}, {2, 1}}
	var ready sync.WaitGroup
	ready.Add(2)

	// Blind full-row writes: neither transaction reads the chains it
	// writes, so the opposite-order second writes park on each other
	// and close a genuine cycle.
	put := func(tx *Tx, id int, balance float64) error {
		return tx.Put(StoreFinancial, "accounts", map[string]interface{}{
			"id": id, "user_id": 1, "balance": balance,
		})
	}

	for i, order := range orders {
		wg.Add(1)
		go func(i, first, second int) {
			defer wg.Done()
			grabbed := false
			results[i] = eng.Run(ctx, func(tx *Tx) error {
				if err := put(tx, first, 1.0); err != nil {
					return err
				}
				// Rendezvous once so both workers hold their first row
				// before reaching for the second
				if !grabbed {
					grabbed = true
					ready.Done()
					ready.Wait()
				}
				return put(tx, second, 2.0)
			})
		}(i, order[0], order[1])
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("worker %d failed: %v", i, err)
		}
	}
	stats := eng.Stats()
	if stats.DeadlocksDetected == 0 && stats.WaitTimeouts == 0 {
		t.Error("expected the cycle to be detected (or broken by timeout)")
	}
	// Both committed: the second committer's writes land last
	b1, b2 := readBalance(t, eng, 1), readBalance(t, eng, 2)
	if !(b1 == 1 && b2 == 2) && !(b1 == 2 && b2 == 1) {
		t.Errorf("balances = %v/%v, want a serial outcome", b1, b2)
	}
}

func TestCrossStoreCommit(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	if err := eng.Run(ctx, func(tx *Tx) error {
		if err := tx.Insert(StoreInventory, "categories", map[string]interface{}{"id": 1, "name": "books"}); err != nil {
			return err
		}
		return tx.Insert(StoreInventory, "products", map[string]interface{}{
			"id": 1, "category_id": 1, "name": "atlas", "price": 30.0, "stock": 5,
		})
	}); err != nil {
		t.Fatalf("inventory seed failed: %v", err)
	}

	if err := eng.Run(ctx, func(tx *Tx) error {
		if err := tx.Insert(StoreInventory, "orders", map[string]interface{}{
			"id": 1, "user_id": 1, "status": "placed", "total": 30.0, "ts": time.Now(),
		}); err != nil {
			return err
		}
		product, err := tx.Read(StoreInventory, "products", 1)
		if err != nil {
			return err
		}
		if err := tx.Update(StoreInventory, "products", 1, map[string]interface{}{
			"stock": product.Get("stock").Int() - 1,
		}); err != nil {
			return err
		}
		account, err := tx.Read(StoreFinancial, "accounts", 1)
		if err != nil {
			return err
		}
		if err := tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{
			"balance": account.Get("balance").Float() - 30,
		}); err != nil {
			return err
		}
		return tx.Insert(StoreFinancial, "transactions", map[string]interface{}{
			"id": 1, "account_id": 1, "kind": "purchase", "amount": 30.0, "ts": time.Now(),
		})
	}); err != nil {
		t.Fatalf("cross-store transaction failed: %v", err)
	}

	if got := readBalance(t, eng, 1); got != 70 {
		t.Errorf("balance = %v, want 70", got)
	}
	err := eng.Run(ctx, func(tx *Tx) error {
		product, err := tx.Read(StoreInventory, "products", 1)
		if err != nil {
			return err
		}
		if product.Get("stock").Int() != 4 {
			t.Errorf("stock = %d, want 4", product.Get("stock").Int())
		}
		if _, err := tx.Read(StoreInventory, "orders", 1); err != nil {
			return err
		}
		if _, err := tx.Read(StoreFinancial, "transactions", 1); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestPutUpserts(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	// Put over an existing row replaces it wholesale
	if err := eng.Run(ctx, func(tx *Tx) error {
		return tx.Put(StoreFinancial, "accounts", map[string]interface{}{
			"id": 1, "user_id": 1, "balance": 3.0,
		})
	}); err != nil {
		t.Fatalf("Put over existing row failed: %v", err)
	}
	if got := readBalance(t, eng, 1); got != 3 {
		t.Errorf("balance = %v, want 3", got)
	}

	// Put of a fresh primary key inserts
	if err := eng.Run(ctx, func(tx *Tx) error {
		return tx.Put(StoreFinancial, "accounts", map[string]interface{}{
			"id": 9, "user_id": 1, "balance": 1.0,
		})
	}); err != nil {
		t.Fatalf("Put of new row failed: %v", err)
	}
	if got := readBalance(t, eng, 9); got != 1 {
		t.Errorf("balance = %v, want 1", got)
	}

	// The replaced row dropped its optional column
	err := eng.Run(ctx, func(tx *Tx) error {
		row, err := tx.Read(StoreFinancial, "accounts", 1)
		if err != nil {
			return err
		}
		if !row.Get("type").IsNull() {
			t.Errorf("type = %v, want null after full-row replace", row.Get("type"))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestUserAbortRollsBack(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	tx := eng.Begin(ctx)
	if err := tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 40.0}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	abortErr := tx.Abort(errors.New("caller changed its mind"))

	var ae *AbortError
	if !errors.As(abortErr, &ae) || ae.Cause != CauseUserAbort {
		t.Fatalf("expected user abort, got %v", abortErr)
	}
	if got := readBalance(t, eng, 1); got != 100 {
		t.Errorf("balance after rollback = %v, want 100", got)
	}
}

func TestUserAbortNotRestarted(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)

	attempts := 0
	sentinel := errors.New("business rule failed")
	err := eng.Run(context.Background(), func(tx *Tx) error {
		attempts++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("expected the body error to surface, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no restart)", attempts)
	}
}

func TestRestartExhaustion(t *testing.T) {
	eng := newTestEngine(t, func(c *Config) { c.MaxRestarts = 2 })
	seed(t, eng)
	ctx := context.Background()

	attempts := 0
	err := eng.Run(ctx, func(tx *Tx) error {
		attempts++
		// Every attempt loses to a younger committed read
		if err := eng.Run(ctx, func(rival *Tx) error {
			_, err := rival.Read(StoreFinancial, "accounts", 2)
			return err
		}); err != nil {
			return err
		}
		return tx.Update(StoreFinancial, "accounts", 2, map[string]interface{}{"balance": 0.0})
	})

	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		t.Fatalf("expected AbortError, got %v", err)
	}
	if abortErr.Cause != CauseTimestampOrder || !abortErr.Exhausted {
		t.Errorf("got cause=%s exhausted=%v, want timestamp_order exhausted", abortErr.Cause, abortErr.Exhausted)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 restarts)", attempts)
	}
	if got := readBalance(t, eng, 2); got != 50 {
		t.Errorf("balance = %v, want unchanged 50", got)
	}
}

func TestPrepareVetoOnUniqueConflict(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	t1 := eng.Begin(ctx)
	t2 := eng.Begin(ctx)

	if err := t1.Insert(StoreFinancial, "users", map[string]interface{}{"id": 10, "username": "zed"}); err != nil {
		t.Fatalf("t1 insert failed: %v", err)
	}
	if err := t2.Insert(StoreFinancial, "users", map[string]interface{}{"id": 11, "username": "zed"}); err != nil {
		t.Fatalf("t2 insert failed: %v", err)
	}

	if err := t1.Commit(); err != nil {
		t.Fatalf("t1 commit failed: %v", err)
	}

	err := t2.Commit()
	var abortErr *AbortError
	if !errors.As(err, &abortErr) || abortErr.Cause != CausePrepareFail {
		t.Fatalf("expected prepare veto, got %v", err)
	}

	// Only the winner's row exists
	err = eng.Run(ctx, func(tx *Tx) error {
		if _, err := tx.Read(StoreFinancial, "users", 10); err != nil {
			return err
		}
		if _, err := tx.Read(StoreFinancial, "users", 11); !errors.Is(err, ErrNotFound) {
			t.Errorf("loser's row exists: %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verification failed: %v", err)
	}
}

func TestDuplicatePKIsConstraintViolation(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)

	attempts := 0
	err := eng.Run(context.Background(), func(tx *Tx) error {
		attempts++
		return tx.Insert(StoreFinancial, "accounts", map[string]interface{}{
			"id": 1, "user_id": 1, "balance": 0.0,
		})
	})
	if !errors.Is(err, record.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("constraint violations must not restart, attempts = %d", attempts)
	}
}

func TestTypeMismatchSurfacesImmediately(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)

	err := eng.Run(context.Background(), func(tx *Tx) error {
		return tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": "lots"})
	})
	if causeOf(err) != CauseTypeMismatch {
		t.Errorf("expected type mismatch cause, got %v", err)
	}
}

func TestDeferRunsOnlyOnCommit(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	fired := 0
	err := eng.Run(ctx, func(tx *Tx) error {
		tx.Defer(func() { fired++ })
		return tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 1.0})
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fired != 1 {
		t.Errorf("hook fired %d times, want 1", fired)
	}

	tx := eng.Begin(ctx)
	tx.Defer(func() { fired++ })
	tx.Abort(errors.New("nope"))
	if fired != 1 {
		t.Error("hook fired on abort")
	}
}

func TestRepeatedReadsAreStable(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	tx := eng.Begin(ctx)
	first, err := tx.Read(StoreFinancial, "accounts", 1)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	// A younger writer commits in between
	if err := eng.Run(ctx, func(w *Tx) error {
		return w.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 5.0})
	}); err != nil {
		t.Fatalf("rival update failed: %v", err)
	}

	second, err := tx.Read(StoreFinancial, "accounts", 1)
	if err != nil {
		t.Fatalf("re-read failed: %v", err)
	}
	if first.Get("balance").Float() != second.Get("balance").Float() {
		t.Errorf("repeated read changed: %v then %v", first.Get("balance").Float(), second.Get("balance").Float())
	}
	tx.Abort(nil)
}

func TestStatsAccounting(t *testing.T) {
	eng := newTestEngine(t, nil)
	seed(t, eng)
	ctx := context.Background()

	tx := eng.Begin(ctx)
	tx.Abort(errors.New("done"))

	stats := eng.Stats()
	if stats.CommittedCount == 0 {
		t.Error("seed commit not counted")
	}
	if stats.AbortedCount != 1 {
		t.Errorf("AbortedCount = %d, want 1", stats.AbortedCount)
	}
	if stats.ActiveCount != 0 {
		t.Errorf("ActiveCount = %d, want 0", stats.ActiveCount)
	}
}

func TestChangeFeedPublishesCommit(t *testing.T) {
	eng := newTestEngine(t, nil)
	ctx := context.Background()

	events, cancel := eng.Watch(ctx)
	defer cancel()

	if err := eng.Run(ctx, func(tx *Tx) error {
		return tx.Insert(StoreInventory, "categories", map[string]interface{}{"id": 1, "name": "tools"})
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	select {
	case event := <-events:
		if event.Kind != "commit" {
			t.Errorf("event kind = %s, want commit", event.Kind)
		}
		if len(event.Chains) != 1 || event.Chains[0].Table != "categories" {
			t.Errorf("event chains = %v", event.Chains)
		}
	case <-time.After(time.Second):
		t.Fatal("no commit event received")
	}
}

func TestVersionsVacuumedWhileIdle(t *testing.T) {
	eng := newTestEngine(t, func(c *Config) { c.GCInterval = 20 * time.Millisecond })
	seed(t, eng)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := eng.Run(ctx, func(tx *Tx) error {
			return tx.Update(StoreFinancial, "accounts", 1, map[string]interface{}{"balance": float64(i)})
		}); err != nil {
			t.Fatalf("update failed: %v", err)
		}
	}

	// Wait for the GC loop to run a vacuum pass; pruning superseded
	// versions must keep the newest committed one
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if eng.Metrics().Snapshot()["vacuum_passes"].(uint64) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if passes := eng.Metrics().Snapshot()["vacuum_passes"].(uint64); passes == 0 {
		t.Fatal("GC loop ran no vacuum pass")
	}
	if got := readBalance(t, eng, 1); got != 4 {
		t.Errorf("balance = %v, want 4", got)
	}
}
