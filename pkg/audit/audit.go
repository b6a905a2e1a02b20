package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outcome represents how a transaction attempt ended
type Outcome string

const (
	OutcomeCommitted Outcome = "committed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeRestarted Outcome = "restarted"
)

// Severity represents the severity level of an audit event
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event represents a single audit log entry describing the outcome of
// one transaction attempt
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	TxnTS        uint64         `json:"txnTs"`
	Outcome      Outcome        `json:"outcome"`
	Cause        string         `json:"cause,omitempty"`
	Restarts     int            `json:"restarts,omitempty"`
	Participants []string       `json:"participants,omitempty"`
	Operations   map[string]int `json:"operations,omitempty"`
	Duration     time.Duration  `json:"duration,omitempty"`
	Severity     Severity       `json:"severity"`
}

// Config holds audit logging configuration
type Config struct {
	Enabled     bool      // Enable/disable audit logging
	Output      io.Writer // Output destination (file, stdout, etc.)
	Format      string    // "json" or "text"
	MinSeverity Severity  // Minimum severity to log
}

// DefaultConfig returns a default audit configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:     true,
		Output:      os.Stdout,
		Format:      "json",
		MinSeverity: SeverityInfo,
	}
}

// Logger writes transaction audit events
type Logger struct {
	mu     sync.Mutex
	config *Config
	file   *os.File
}

// NewLogger creates an audit logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	return &Logger{config: config}
}

// NewFileLogger creates an audit logger that appends to a file
func NewFileLogger(path string, config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	config.Output = file

	return &Logger{config: config, file: file}, nil
}

// Log writes one audit event. A missing id and timestamp are filled
// in; severity defaults from the outcome.
func (l *Logger) Log(event *Event) error {
	if !l.config.Enabled || l.config.Output == nil {
		return nil
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = severityFor(event.Outcome)
	}
	if !l.shouldLog(event.Severity) {
		return nil
	}

	var output []byte
	if l.config.Format == "json" {
		line, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal audit event: %w", err)
		}
		output = append(line, '\n')
	} else {
		output = []byte(l.formatText(event))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.config.Output.Write(output)
	return err
}

// Close closes the underlying file, if any
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

func severityFor(outcome Outcome) Severity {
	switch outcome {
	case OutcomeCommitted:
		return SeverityInfo
	case OutcomeRestarted:
		return SeverityWarning
	default:
		return SeverityError
	}
}

func (l *Logger) shouldLog(s Severity) bool {
	rank := map[Severity]int{SeverityInfo: 0, SeverityWarning: 1, SeverityError: 2}
	return rank[s] >= rank[l.config.MinSeverity]
}

func (l *Logger) formatText(event *Event) string {
	return fmt.Sprintf("[%s] %s txn=%d outcome=%s cause=%s restarts=%d duration=%s\n",
		event.Timestamp.Format(time.RFC3339),
		event.Severity,
		event.TxnTS,
		event.Outcome,
		event.Cause,
		event.Restarts,
		event.Duration,
	)
}
