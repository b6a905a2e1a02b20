// Concurrency regression driver for klara-db.
//
// Runs the engine's core transaction scenarios end to end (transfer,
// timestamp-ordering restart, deadlock resolution, cross-store commit,
// rollback fidelity, restart exhaustion) and prints a pass/fail
// table. Intended for quick verification after concurrency changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mnohosten/klara-db/pkg/engine"
	"github.com/mnohosten/klara-db/pkg/txn"
)

type scenario struct {
	name string
	run  func(ctx context.Context) error
}

func main() {
	ctx := context.Background()

	scenarios := []scenario{
		{"simple transfer", runTransfer},
		{"timestamp order restart", runOrderingRestart},
		{"deadlock resolution", runDeadlock},
		{"cross-store commit", runCrossStore},
		{"rollback fidelity", runRollback},
		{"restart exhaustion", runExhaustion},
	}

	failed := 0
	for _, sc := range scenarios {
		start := time.Now()
		err := sc.run(ctx)
		status := "PASS"
		if err != nil {
			status = "FAIL"
			failed++
		}
		fmt.Printf("%-28s %s  (%s)\n", sc.name, status, time.Since(start).Round(time.Millisecond))
		if err != nil {
			fmt.Printf("    %v\n", err)
		}
	}

	if failed > 0 {
		fmt.Printf("\n%d scenario(s) failed\n", failed)
		os.Exit(1)
	}
	fmt.Println("\nall scenarios passed")
}

func newEngine() (*engine.Engine, error) {
	config := engine.DefaultConfig()
	config.WaitTimeout = 500 * time.Millisecond
	return engine.Open(config)
}

func seedAccounts(ctx context.Context, eng *engine.Engine) error {
	return eng.Run(ctx, func(tx *engine.Tx) error {
		if err := tx.Insert(engine.StoreFinancial, "users", map[string]interface{}{
			"id": 1, "username": "alice", "email": "alice@example.com",
		}); err != nil {
			return err
		}
		if err := tx.Insert(engine.StoreFinancial, "accounts", map[string]interface{}{
			"id": 1, "user_id": 1, "type": "checking", "balance": 100.0,
		}); err != nil {
			return err
		}
		return tx.Insert(engine.StoreFinancial, "accounts", map[string]interface{}{
			"id": 2, "user_id": 1, "type": "savings", "balance": 50.0,
		})
	})
}

func balance(ctx context.Context, eng *engine.Engine, id int) (float64, error) {
	var out float64
	err := eng.Run(ctx, func(tx *engine.Tx) error {
		row, err := tx.Read(engine.StoreFinancial, "accounts", id)
		if err != nil {
			return err
		}
		out = row.Get("balance").Float()
		return nil
	})
	return out, err
}

func runTransfer(ctx context.Context) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := seedAccounts(ctx, eng); err != nil {
		return err
	}

	err = eng.Run(ctx, func(tx *engine.Tx) error {
		from, err := tx.Read(engine.StoreFinancial, "accounts", 1)
		if err != nil {
			return err
		}
		to, err := tx.Read(engine.StoreFinancial, "accounts", 2)
		if err != nil {
			return err
		}
		if err := tx.Update(engine.StoreFinancial, "accounts", 1, map[string]interface{}{
			"balance": from.Get("balance").Float() - 20,
		}); err != nil {
			return err
		}
		if err := tx.Update(engine.StoreFinancial, "accounts", 2, map[string]interface{}{
			"balance": to.Get("balance").Float() + 20,
		}); err != nil {
			return err
		}
		return tx.Insert(engine.StoreFinancial, "transactions", map[string]interface{}{
			"id": 1, "account_id": 1, "kind": "transfer", "amount": 20.0, "ts": time.Now(),
		})
	})
	if err != nil {
		return err
	}

	if b, _ := balance(ctx, eng, 1); b != 80 {
		return fmt.Errorf("account 1: want 80, got %v", b)
	}
	if b, _ := balance(ctx, eng, 2); b != 70 {
		return fmt.Errorf("account 2: want 70, got %v", b)
	}
	return nil
}

func runOrderingRestart(ctx context.Context) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := seedAccounts(ctx, eng); err != nil {
		return err
	}

	t1 := eng.Begin(ctx)
	t2 := eng.Begin(ctx)

	if _, err := t2.Read(engine.StoreFinancial, "accounts", 1); err != nil {
		return err
	}
	if err := t2.Commit(); err != nil {
		return err
	}

	// T1 is older than the committed read: its write must be rejected
	err = t1.Update(engine.StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 10.0})
	if !errors.Is(err, txn.ErrTimestampOrder) {
		return fmt.Errorf("expected timestamp order violation, got %v", err)
	}
	t1.Abort(err)

	// The retry loop gets a fresh, larger timestamp and succeeds
	if err := eng.Run(ctx, func(tx *engine.Tx) error {
		return tx.Update(engine.StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 10.0})
	}); err != nil {
		return err
	}

	if b, _ := balance(ctx, eng, 1); b != 10 {
		return fmt.Errorf("account 1: want 10, got %v", b)
	}
	return nil
}

func runDeadlock(ctx context.Context) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := seedAccounts(ctx, eng); err != nil {
		return err
	}

	var wg sync.WaitGroup
	results := make([]error, 2)
	bodies := [][2]int{{1, 2}, {2, 1}}

	// Blind writes in opposite order: the second writes park on each
	// other and close a cycle
	put := func(tx *engine.Tx, id int, balance float64) error {
		return tx.Put(engine.StoreFinancial, "accounts", map[string]interface{}{
			"id": id, "user_id": 1, "balance": balance,
		})
	}

	for i, order := range bodies {
		wg.Add(1)
		go func(i int, first, second int) {
			defer wg.Done()
			results[i] = eng.Run(ctx, func(tx *engine.Tx) error {
				if err := put(tx, first, 1.0); err != nil {
					return err
				}
				time.Sleep(50 * time.Millisecond)
				return put(tx, second, 2.0)
			})
		}(i, order[0], order[1])
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			return fmt.Errorf("worker %d: %w", i, err)
		}
	}
	if eng.Stats().DeadlocksDetected == 0 && eng.Stats().WaitTimeouts == 0 {
		return fmt.Errorf("expected a detected deadlock or timeout")
	}
	return nil
}

func runCrossStore(ctx context.Context) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := seedAccounts(ctx, eng); err != nil {
		return err
	}
	if err := eng.Run(ctx, func(tx *engine.Tx) error {
		if err := tx.Insert(engine.StoreInventory, "categories", map[string]interface{}{
			"id": 1, "name": "books",
		}); err != nil {
			return err
		}
		return tx.Insert(engine.StoreInventory, "products", map[string]interface{}{
			"id": 1, "category_id": 1, "name": "paper atlas", "price": 30.0, "stock": 5,
		})
	}); err != nil {
		return err
	}

	if err := eng.Run(ctx, func(tx *engine.Tx) error {
		if err := tx.Insert(engine.StoreInventory, "orders", map[string]interface{}{
			"id": 1, "user_id": 1, "status": "placed", "total": 30.0, "ts": time.Now(),
		}); err != nil {
			return err
		}
		product, err := tx.Read(engine.StoreInventory, "products", 1)
		if err != nil {
			return err
		}
		if err := tx.Update(engine.StoreInventory, "products", 1, map[string]interface{}{
			"stock": product.Get("stock").Int() - 1,
		}); err != nil {
			return err
		}
		account, err := tx.Read(engine.StoreFinancial, "accounts", 1)
		if err != nil {
			return err
		}
		if err := tx.Update(engine.StoreFinancial, "accounts", 1, map[string]interface{}{
			"balance": account.Get("balance").Float() - 30,
		}); err != nil {
			return err
		}
		return tx.Insert(engine.StoreFinancial, "transactions", map[string]interface{}{
			"id": 1, "account_id": 1, "kind": "purchase", "amount": 30.0, "ts": time.Now(),
		})
	}); err != nil {
		return err
	}

	var stock int64
	if err := eng.Run(ctx, func(tx *engine.Tx) error {
		product, err := tx.Read(engine.StoreInventory, "products", 1)
		if err != nil {
			return err
		}
		stock = product.Get("stock").Int()
		return nil
	}); err != nil {
		return err
	}
	if stock != 4 {
		return fmt.Errorf("product stock: want 4, got %d", stock)
	}
	if b, _ := balance(ctx, eng, 1); b != 70 {
		return fmt.Errorf("account 1: want 70, got %v", b)
	}
	return nil
}

func runRollback(ctx context.Context) error {
	eng, err := newEngine()
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := seedAccounts(ctx, eng); err != nil {
		return err
	}

	tx := eng.Begin(ctx)
	if err := tx.Update(engine.StoreFinancial, "accounts", 1, map[string]interface{}{"balance": 40.0}); err != nil {
		return err
	}
	tx.Abort(errors.New("caller changed its mind"))

	if b, _ := balance(ctx, eng, 1); b != 100 {
		return fmt.Errorf("account 1 after rollback: want 100, got %v", b)
	}
	return nil
}

func runExhaustion(ctx context.Context) error {
	config := engine.DefaultConfig()
	config.MaxRestarts = 2
	eng, err := engine.Open(config)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := seedAccounts(ctx, eng); err != nil {
		return err
	}

	// Every attempt loses to a younger committed read of the same key
	err = eng.Run(ctx, func(tx *engine.Tx) error {
		if err := eng.Run(ctx, func(rival *engine.Tx) error {
			_, err := rival.Read(engine.StoreFinancial, "accounts", 2)
			return err
		}); err != nil {
			return err
		}
		return tx.Update(engine.StoreFinancial, "accounts", 2, map[string]interface{}{"balance": 0.0})
	})

	var abortErr *engine.AbortError
	if !errors.As(err, &abortErr) {
		return fmt.Errorf("expected AbortError, got %v", err)
	}
	if abortErr.Cause != engine.CauseTimestampOrder || !abortErr.Exhausted {
		return fmt.Errorf("expected exhausted timestamp order abort, got %v", abortErr)
	}

	if b, _ := balance(ctx, eng, 2); b != 50 {
		return fmt.Errorf("account 2: want 50, got %v", b)
	}
	return nil
}
