package engine

import (
	"time"

	"github.com/mnohosten/klara-db/pkg/audit"
	"github.com/mnohosten/klara-db/pkg/metrics"
)

// Config holds engine configuration
type Config struct {
	// MaxRestarts bounds how many times a transaction body is re-run
	// after a restartable abort
	MaxRestarts int

	// WaitTimeout bounds every wait on another transaction; exceeding
	// it is treated like deadlock victimization of the waiter
	WaitTimeout time.Duration

	// GCInterval is the period of the version garbage collector
	GCInterval time.Duration

	// InitialTimestamp seeds the transaction clock
	InitialTimestamp uint64

	// Audit optionally configures transaction audit logging
	Audit *audit.Config

	// SlowTxn optionally configures the slow transaction log
	SlowTxn *metrics.SlowTxnLogConfig
}

// DefaultConfig returns the default engine configuration
func DefaultConfig() *Config {
	return &Config{
		MaxRestarts:      5,
		WaitTimeout:      2 * time.Second,
		GCInterval:       time.Second,
		InitialTimestamp: 1,
	}
}
