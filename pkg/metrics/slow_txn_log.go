package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// SlowTxnLog tracks transaction attempts whose duration reaches a
// threshold; each restart of a transaction is a separate attempt
type SlowTxnLog struct {
	mu         sync.RWMutex
	threshold  time.Duration
	maxEntries int
	entries    []SlowTxnEntry
	logFile    *os.File
	enabled    bool
}

// SlowTxnEntry represents a single slow transaction log entry
type SlowTxnEntry struct {
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration_ns"`
	DurationMS float64       `json:"duration_ms"`
	TxnTS      uint64        `json:"txn_ts"`
	Outcome    string        `json:"outcome"`
	Cause      string        `json:"cause,omitempty"`
	Restarts   int           `json:"restarts"`
	Writes     int           `json:"writes"`
}

// SlowTxnLogConfig holds configuration for the slow transaction log
type SlowTxnLogConfig struct {
	Threshold   time.Duration // Minimum duration to log (default: 100ms)
	MaxEntries  int           // Maximum in-memory entries (default: 1000)
	LogFilePath string        // Optional file path for persistent logging
	Enabled     bool          // Enable/disable logging (default: true)
}

// DefaultSlowTxnLogConfig returns default configuration
func DefaultSlowTxnLogConfig() *SlowTxnLogConfig {
	return &SlowTxnLogConfig{
		Threshold:  100 * time.Millisecond,
		MaxEntries: 1000,
		Enabled:    true,
	}
}

// NewSlowTxnLog creates a new slow transaction log
func NewSlowTxnLog(config *SlowTxnLogConfig) (*SlowTxnLog, error) {
	if config == nil {
		config = DefaultSlowTxnLogConfig()
	}

	stl := &SlowTxnLog{
		threshold:  config.Threshold,
		maxEntries: config.MaxEntries,
		entries:    make([]SlowTxnEntry, 0, config.MaxEntries),
		enabled:    config.Enabled,
	}

	if config.LogFilePath != "" {
		f, err := os.OpenFile(config.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open slow transaction log file: %w", err)
		}
		stl.logFile = f
	}

	return stl, nil
}

// Log records an entry if its duration exceeds the threshold
func (stl *SlowTxnLog) Log(entry SlowTxnEntry) {
	if !stl.enabled || entry.Duration < stl.threshold {
		return
	}
	entry.DurationMS = float64(entry.Duration) / float64(time.Millisecond)

	stl.mu.Lock()
	defer stl.mu.Unlock()

	if len(stl.entries) >= stl.maxEntries {
		stl.entries = stl.entries[1:]
	}
	stl.entries = append(stl.entries, entry)

	if stl.logFile != nil {
		if line, err := json.Marshal(entry); err == nil {
			stl.logFile.Write(append(line, '\n'))
		}
	}
}

// Entries returns a copy of the in-memory entries, newest last
func (stl *SlowTxnLog) Entries() []SlowTxnEntry {
	stl.mu.RLock()
	defer stl.mu.RUnlock()

	out := make([]SlowTxnEntry, len(stl.entries))
	copy(out, stl.entries)
	return out
}

// Close closes the underlying log file, if any
func (stl *SlowTxnLog) Close() error {
	stl.mu.Lock()
	defer stl.mu.Unlock()

	if stl.logFile != nil {
		err := stl.logFile.Close()
		stl.logFile = nil
		return err
	}
	return nil
}
