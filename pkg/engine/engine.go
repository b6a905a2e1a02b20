package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mnohosten/klara-db/pkg/audit"
	"github.com/mnohosten/klara-db/pkg/changestream"
	"github.com/mnohosten/klara-db/pkg/metrics"
	"github.com/mnohosten/klara-db/pkg/mvcc"
	"github.com/mnohosten/klara-db/pkg/record"
	"github.com/mnohosten/klara-db/pkg/txn"
)

// Engine coordinates ACID transactions across the two stores. It owns
// the process-wide concurrency controller, one version manager per
// store, and the ambient observers (metrics, audit, change feed).
type Engine struct {
	config   *Config
	ctrl     *txn.Controller
	managers map[string]*mvcc.Manager

	collector *metrics.Collector
	slowLog   *metrics.SlowTxnLog
	auditLog  *audit.Logger
	publisher *changestream.Publisher

	committed atomic.Uint64
	aborted   atomic.Uint64
	restarts  atomic.Uint64

	gcStop chan struct{}
	gcWG   sync.WaitGroup

	closeOnce sync.Once
}

// Stats is the introspection snapshot exposed by the engine
type Stats struct {
	ActiveCount       int                       `json:"activeCount"`
	CommittedCount    uint64                    `json:"committedCount"`
	AbortedCount      uint64                    `json:"abortedCount"`
	RestartCount      uint64                    `json:"restartCount"`
	DeadlocksDetected uint64                    `json:"deadlocksDetected"`
	WaitTimeouts      uint64                    `json:"waitTimeouts"`
	ChainCounts       map[string]int            `json:"chainCounts"`
	TableRows         map[string]map[string]int `json:"tableRows"`
}

// Open creates an engine with the bootstrap schema installed
func Open(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.InitialTimestamp == 0 {
		config.InitialTimestamp = 1
	}

	ctrl := txn.NewController(config.InitialTimestamp, config.WaitTimeout)

	managers := make(map[string]*mvcc.Manager)
	for storeName, specs := range bootstrapSchema() {
		store := record.NewStore(storeName)
		for _, spec := range specs {
			store.CreateTable(spec)
		}
		managers[storeName] = mvcc.NewManager(store, ctrl)
	}

	var slowLog *metrics.SlowTxnLog
	if config.SlowTxn != nil {
		var err error
		slowLog, err = metrics.NewSlowTxnLog(config.SlowTxn)
		if err != nil {
			return nil, err
		}
	}

	var auditLog *audit.Logger
	if config.Audit != nil {
		auditLog = audit.NewLogger(config.Audit)
	}

	e := &Engine{
		config:    config,
		ctrl:      ctrl,
		managers:  managers,
		collector: metrics.NewCollector(),
		slowLog:   slowLog,
		auditLog:  auditLog,
		publisher: changestream.NewPublisher(),
		gcStop:    make(chan struct{}),
	}

	e.gcWG.Add(1)
	go e.gcLoop()

	return e, nil
}

// Close stops the garbage collector and shuts down the observers
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.gcStop)
		e.gcWG.Wait()
		e.publisher.Close()
		if e.slowLog != nil {
			err = e.slowLog.Close()
		}
		if e.auditLog != nil {
			if cerr := e.auditLog.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// StoreNames returns the coordinated store identifiers in sorted order
func (e *Engine) StoreNames() []string {
	names := make([]string, 0, len(e.managers))
	for name := range e.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Store returns the record store with the given name
func (e *Engine) Store(name string) (*record.Store, error) {
	m, err := e.manager(name)
	if err != nil {
		return nil, err
	}
	return m.Store(), nil
}

// Metrics returns the engine's metrics collector
func (e *Engine) Metrics() *metrics.Collector {
	return e.collector
}

// SlowTxnLog returns the slow transaction log, or nil if disabled
func (e *Engine) SlowTxnLog() *metrics.SlowTxnLog {
	return e.slowLog
}

// Watch subscribes to the engine's change feed
func (e *Engine) Watch(ctx context.Context) (<-chan *changestream.Event, context.CancelFunc) {
	return e.publisher.Subscribe(ctx)
}

// Stats returns the introspection snapshot
func (e *Engine) Stats() Stats {
	chains := make(map[string]int, len(e.managers))
	rows := make(map[string]map[string]int, len(e.managers))
	for name, m := range e.managers {
		chains[name] = m.ChainCount()
		perTable := make(map[string]int)
		for _, table := range m.Store().TableNames() {
			if t, err := m.Store().Table(table); err == nil {
				perTable[table] = t.Len()
			}
		}
		rows[name] = perTable
	}

	return Stats{
		ActiveCount:       e.ctrl.ActiveCount(),
		CommittedCount:    e.committed.Load(),
		AbortedCount:      e.aborted.Load(),
		RestartCount:      e.restarts.Load(),
		DeadlocksDetected: e.ctrl.DeadlocksDetected(),
		WaitTimeouts:      e.ctrl.WaitTimeouts(),
		ChainCounts:       chains,
		TableRows:         rows,
	}
}

// Begin opens a transaction bound to the given context
func (e *Engine) Begin(ctx context.Context) *Tx {
	if ctx == nil {
		ctx = context.Background()
	}
	inner := e.ctrl.Begin()
	e.collector.RecordBegin()
	return &Tx{eng: e, inner: inner, ctx: ctx, start: time.Now()}
}

// Run executes a transaction body under the coordinator's retry loop.
// The body must be idempotent: a restartable abort (timestamp order,
// deadlock, prepare veto, wait timeout) re-runs it with a fresh
// timestamp, up to MaxRestarts times. Side effects belong in
// Tx.Defer, which only fires after a successful commit.
func (e *Engine) Run(ctx context.Context, body func(*Tx) error) error {
	for attempt := 0; ; attempt++ {
		tx := e.Begin(ctx)
		tx.inner.SetRestarts(attempt)

		err := body(tx)
		if err == nil {
			err = tx.Commit()
			if err == nil {
				return nil
			}
		} else if !tx.finished() {
			tx.abortWith(causeOf(err), err)
		}

		cause := causeOf(err)
		if !cause.Restartable() {
			return err
		}
		if attempt >= e.config.MaxRestarts {
			var abortErr *AbortError
			if errors.As(err, &abortErr) {
				abortErr.Exhausted = true
				return abortErr
			}
			return &AbortError{Cause: cause, Exhausted: true, Err: err}
		}

		e.restarts.Add(1)
		e.collector.RecordRestart()
		if e.auditLog != nil {
			e.auditLog.Log(&audit.Event{
				TxnTS:    uint64(tx.inner.Timestamp()),
				Outcome:  audit.OutcomeRestarted,
				Cause:    cause.String(),
				Restarts: attempt + 1,
			})
		}

		// Linear backoff before the re-run so the conflicting
		// transaction can finish; without it a restarted deadlock
		// victim tends to re-collide with the winner mid-commit
		select {
		case <-time.After(time.Duration(attempt+1) * 2 * time.Millisecond):
		case <-tx.ctx.Done():
			return tx.ctx.Err()
		}
	}
}

// gcLoop periodically drops versions no transaction can still observe
func (e *Engine) gcLoop() {
	defer e.gcWG.Done()

	interval := e.config.GCInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			minLive := e.ctrl.MinLiveTS()
			for _, m := range e.managers {
				m.Vacuum(minLive)
			}
			e.collector.RecordVacuum()
		case <-e.gcStop:
			return
		}
	}
}

// manager returns the version manager for a store
func (e *Engine) manager(store string) (*mvcc.Manager, error) {
	m, ok := e.managers[store]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, store)
	}
	return m, nil
}
