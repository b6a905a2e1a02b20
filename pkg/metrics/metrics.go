package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Collector collects real-time transaction metrics for the engine
type Collector struct {
	// Transaction outcome counters
	txnsBegun     atomic.Uint64
	txnsCommitted atomic.Uint64
	txnsAborted   atomic.Uint64
	txnsRestarted atomic.Uint64

	// Abort cause counters
	deadlockAborts  atomic.Uint64
	orderingAborts  atomic.Uint64
	timeoutAborts   atomic.Uint64
	prepareVetoes   atomic.Uint64
	userAborts      atomic.Uint64
	constraintFails atomic.Uint64

	// Data operation counters
	reads   atomic.Uint64
	writes  atomic.Uint64
	scans   atomic.Uint64
	vacuums atomic.Uint64

	commitTimings *TimingHistogram

	startTime time.Time
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		commitTimings: NewTimingHistogram(1000),
		startTime:     time.Now(),
	}
}

// RecordBegin records a transaction attempt starting
func (c *Collector) RecordBegin() {
	c.txnsBegun.Add(1)
}

// RecordCommit records a successful commit and its latency
func (c *Collector) RecordCommit(duration time.Duration) {
	c.txnsCommitted.Add(1)
	c.commitTimings.Record(duration)
}

// RecordAbort records an aborted attempt by cause
func (c *Collector) RecordAbort(cause string) {
	c.txnsAborted.Add(1)
	switch cause {
	case "deadlock":
		c.deadlockAborts.Add(1)
	case "timestamp_order":
		c.orderingAborts.Add(1)
	case "timeout":
		c.timeoutAborts.Add(1)
	case "prepare_fail":
		c.prepareVetoes.Add(1)
	case "user_abort":
		c.userAborts.Add(1)
	case "constraint_violation", "type_mismatch":
		c.constraintFails.Add(1)
	}
}

// RecordRestart records an automatic restart of a transaction body
func (c *Collector) RecordRestart() {
	c.txnsRestarted.Add(1)
}

// RecordRead records one transactional point read
func (c *Collector) RecordRead() {
	c.reads.Add(1)
}

// RecordWrite records one transactional write
func (c *Collector) RecordWrite() {
	c.writes.Add(1)
}

// RecordScan records one transactional scan
func (c *Collector) RecordScan() {
	c.scans.Add(1)
}

// RecordVacuum records one garbage collection pass
func (c *Collector) RecordVacuum() {
	c.vacuums.Add(1)
}

// Snapshot returns the current metric values
func (c *Collector) Snapshot() map[string]interface{} {
	p50, p95, p99 := c.commitTimings.Percentiles()
	return map[string]interface{}{
		"uptime_seconds":        time.Since(c.startTime).Seconds(),
		"txns_begun":            c.txnsBegun.Load(),
		"txns_committed":        c.txnsCommitted.Load(),
		"txns_aborted":          c.txnsAborted.Load(),
		"txns_restarted":        c.txnsRestarted.Load(),
		"aborts_deadlock":       c.deadlockAborts.Load(),
		"aborts_ordering":       c.orderingAborts.Load(),
		"aborts_timeout":        c.timeoutAborts.Load(),
		"aborts_prepare_veto":   c.prepareVetoes.Load(),
		"aborts_user":           c.userAborts.Load(),
		"aborts_constraint":     c.constraintFails.Load(),
		"reads":                 c.reads.Load(),
		"writes":                c.writes.Load(),
		"scans":                 c.scans.Load(),
		"vacuum_passes":         c.vacuums.Load(),
		"commit_latency_p50_ms": float64(p50) / float64(time.Millisecond),
		"commit_latency_p95_ms": float64(p95) / float64(time.Millisecond),
		"commit_latency_p99_ms": float64(p99) / float64(time.Millisecond),
	}
}

// TimingHistogram stores commit timings in buckets plus a bounded set
// of recent samples for percentile estimation
type TimingHistogram struct {
	// Buckets: <1ms, 1-10ms, 10-100ms, 100ms-1s, >1s
	bucket0To1ms    atomic.Uint64
	bucket1To10ms   atomic.Uint64
	bucket10To100ms atomic.Uint64
	bucket100msTo1s atomic.Uint64
	bucketOver1s    atomic.Uint64

	mu         sync.Mutex
	recent     []time.Duration
	maxRecent  int
	nextInsert int
}

// NewTimingHistogram creates a histogram keeping up to maxRecent
// samples for percentile estimation
func NewTimingHistogram(maxRecent int) *TimingHistogram {
	return &TimingHistogram{
		recent:    make([]time.Duration, 0, maxRecent),
		maxRecent: maxRecent,
	}
}

// Record adds one sample
func (h *TimingHistogram) Record(d time.Duration) {
	switch {
	case d < time.Millisecond:
		h.bucket0To1ms.Add(1)
	case d < 10*time.Millisecond:
		h.bucket1To10ms.Add(1)
	case d < 100*time.Millisecond:
		h.bucket10To100ms.Add(1)
	case d < time.Second:
		h.bucket100msTo1s.Add(1)
	default:
		h.bucketOver1s.Add(1)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.recent) < h.maxRecent {
		h.recent = append(h.recent, d)
	} else {
		h.recent[h.nextInsert] = d
		h.nextInsert = (h.nextInsert + 1) % h.maxRecent
	}
}

// Buckets returns the bucket counts from fastest to slowest
func (h *TimingHistogram) Buckets() [5]uint64 {
	return [5]uint64{
		h.bucket0To1ms.Load(),
		h.bucket1To10ms.Load(),
		h.bucket10To100ms.Load(),
		h.bucket100msTo1s.Load(),
		h.bucketOver1s.Load(),
	}
}

// Percentiles estimates p50, p95 and p99 over the recent samples
func (h *TimingHistogram) Percentiles() (p50, p95, p99 time.Duration) {
	h.mu.Lock()
	samples := make([]time.Duration, len(h.recent))
	copy(samples, h.recent)
	h.mu.Unlock()

	if len(samples) == 0 {
		return 0, 0, 0
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	at := func(q float64) time.Duration {
		idx := int(q * float64(len(samples)-1))
		return samples[idx]
	}
	return at(0.50), at(0.95), at(0.99)
}
