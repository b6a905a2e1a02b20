package txn

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/klara-db/pkg/concurrent"
)

// DefaultWaitTimeout bounds every wait on another transaction
const DefaultWaitTimeout = 2 * time.Second

// Controller hands out transaction timestamps, tracks live
// transactions and resolves deadlocks through the wait-for graph.
// One controller spans the whole process; every store's version
// manager validates against it.
type Controller struct {
	clock       *concurrent.Counter
	waitTimeout time.Duration

	mu   sync.RWMutex
	live map[TS]*Transaction

	graph     *WaitForGraph
	deadlocks atomic.Uint64
	timeouts  atomic.Uint64
}

// NewController creates a controller with its clock seeded at
// initialTS. A waitTimeout of zero selects DefaultWaitTimeout.
func NewController(initialTS uint64, waitTimeout time.Duration) *Controller {
	if waitTimeout <= 0 {
		waitTimeout = DefaultWaitTimeout
	}
	return &Controller{
		clock:       concurrent.NewCounter(initialTS),
		waitTimeout: waitTimeout,
		live:        make(map[TS]*Transaction),
		graph:       NewWaitForGraph(),
	}
}

// Begin creates a new active transaction with a fresh timestamp
func (c *Controller) Begin() *Transaction {
	tx := newTransaction(TS(c.clock.Next()))

	c.mu.Lock()
	c.live[tx.Timestamp()] = tx
	c.mu.Unlock()

	return tx
}

// Finish deregisters a terminal transaction and clears its wait edges.
// Waiters parked on it were already woken by the terminal transition.
func (c *Controller) Finish(tx *Transaction) {
	c.mu.Lock()
	delete(c.live, tx.Timestamp())
	c.mu.Unlock()

	c.graph.RemoveTransaction(tx.Timestamp())
}

// Lookup returns a live transaction by timestamp
func (c *Controller) Lookup(ts TS) (*Transaction, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.live[ts]
	return tx, ok
}

// ActiveCount returns the number of live transactions
func (c *Controller) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.live)
}

// MinLiveTS returns the smallest timestamp among live transactions,
// or the current clock value if none are live. Versions older than
// this bound cannot be required by any future read.
func (c *Controller) MinLiveTS() TS {
	c.mu.RLock()
	defer c.mu.RUnlock()

	min := TS(c.clock.Load())
	for ts := range c.live {
		if ts < min {
			min = ts
		}
	}
	return min
}

// DeadlocksDetected returns how many deadlock cycles the controller
// has broken
func (c *Controller) DeadlocksDetected() uint64 {
	return c.deadlocks.Load()
}

// WaitTimeouts returns how many waits were abandoned on timeout
func (c *Controller) WaitTimeouts() uint64 {
	return c.timeouts.Load()
}

// WaitTimeout returns the configured wait bound
func (c *Controller) WaitTimeout() time.Duration {
	return c.waitTimeout
}

// Graph exposes the wait-for graph for introspection
func (c *Controller) Graph() *WaitForGraph {
	return c.graph
}

// Wait parks the waiter until the holder reaches a terminal state.
// The wait edge is inserted first and cycle detection runs on the
// insertion; if a cycle forms, the youngest transaction of the cycle
// is victimized. A wait that exceeds the configured timeout is
// equivalent to deadlock victimization of the waiter.
func (c *Controller) Wait(ctx context.Context, waiter, holder *Transaction, chain ChainRef) error {
	if waiter.Victimized() {
		return ErrDeadlock
	}
	if holder.Terminal() {
		return nil
	}

	cycle := c.graph.AddEdge(waiter, holder, chain)
	if cycle != nil {
		c.deadlocks.Add(1)
		victim := selectVictim(cycle)
		victim.Victimize()
		if victim.Timestamp() == waiter.Timestamp() {
			c.graph.RemoveEdge(waiter.Timestamp())
			return ErrDeadlock
		}
	}
	defer c.graph.RemoveEdge(waiter.Timestamp())

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case <-holder.Done():
		return nil
	case <-waiter.VictimChan():
		return ErrDeadlock
	case <-timer.C:
		c.timeouts.Add(1)
		return ErrWaitTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// selectVictim picks the transaction with the largest timestamp (the
// youngest) in the cycle
func selectVictim(cycle []*Transaction) *Transaction {
	victim := cycle[0]
	for _, tx := range cycle[1:] {
		if tx.Timestamp() > victim.Timestamp() {
			victim = tx
		}
	}
	return victim
}
