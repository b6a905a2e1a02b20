package metrics

import (
	"fmt"
	"io"
	"time"
)

// PrometheusExporter exports collector metrics in Prometheus text
// format
type PrometheusExporter struct {
	collector *Collector
	namespace string
}

// NewPrometheusExporter creates an exporter for a collector
func NewPrometheusExporter(collector *Collector) *PrometheusExporter {
	return &PrometheusExporter{
		collector: collector,
		namespace: "klara_db",
	}
}

// SetNamespace sets the metric namespace prefix
func (pe *PrometheusExporter) SetNamespace(namespace string) {
	pe.namespace = namespace
}

// WriteMetrics writes all metrics in Prometheus text format to the
// writer.
// Format: https://prometheus.io/docs/instrumenting/exposition_formats/
func (pe *PrometheusExporter) WriteMetrics(w io.Writer) error {
	c := pe.collector

	if err := pe.writeGauge(w, "uptime_seconds", "Engine uptime in seconds", time.Since(c.startTime).Seconds()); err != nil {
		return err
	}

	counters := []struct {
		name string
		help string
		v    uint64
	}{
		{"transactions_begun_total", "Transaction attempts started", c.txnsBegun.Load()},
		{"transactions_committed_total", "Transactions committed", c.txnsCommitted.Load()},
		{"transactions_aborted_total", "Transaction attempts aborted", c.txnsAborted.Load()},
		{"transactions_restarted_total", "Automatic transaction restarts", c.txnsRestarted.Load()},
		{"aborts_deadlock_total", "Aborts caused by deadlock victimization", c.deadlockAborts.Load()},
		{"aborts_timestamp_order_total", "Aborts caused by timestamp ordering", c.orderingAborts.Load()},
		{"aborts_timeout_total", "Aborts caused by wait timeout", c.timeoutAborts.Load()},
		{"aborts_prepare_veto_total", "Aborts caused by prepare veto", c.prepareVetoes.Load()},
		{"aborts_user_total", "Aborts requested by the caller", c.userAborts.Load()},
		{"aborts_constraint_total", "Aborts caused by constraint or type errors", c.constraintFails.Load()},
		{"reads_total", "Transactional point reads", c.reads.Load()},
		{"writes_total", "Transactional writes", c.writes.Load()},
		{"scans_total", "Transactional scans", c.scans.Load()},
		{"vacuum_passes_total", "Version garbage collection passes", c.vacuums.Load()},
	}
	for _, m := range counters {
		if err := pe.writeCounter(w, m.name, m.help, m.v); err != nil {
			return err
		}
	}

	if err := pe.writeHistogram(w, "commit_duration_seconds", "Commit latency histogram", c.commitTimings); err != nil {
		return err
	}
	return pe.writePercentiles(w, "commit_duration_seconds", c.commitTimings)
}

func (pe *PrometheusExporter) writeCounter(w io.Writer, name, help string, value uint64) error {
	full := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s counter\n%s %d\n", full, help, full, full, value)
	return err
}

func (pe *PrometheusExporter) writeGauge(w io.Writer, name, help string, value float64) error {
	full := pe.namespace + "_" + name
	_, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s gauge\n%s %g\n", full, help, full, full, value)
	return err
}

func (pe *PrometheusExporter) writeHistogram(w io.Writer, name, help string, h *TimingHistogram) error {
	full := pe.namespace + "_" + name
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s histogram\n", full, help, full); err != nil {
		return err
	}

	buckets := h.Buckets()
	bounds := []string{"0.001", "0.01", "0.1", "1"}
	cumulative := uint64(0)
	for i, bound := range bounds {
		cumulative += buckets[i]
		if _, err := fmt.Fprintf(w, "%s_bucket{le=%q} %d\n", full, bound, cumulative); err != nil {
			return err
		}
	}
	cumulative += buckets[4]
	_, err := fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n%s_count %d\n", full, cumulative, full, cumulative)
	return err
}

func (pe *PrometheusExporter) writePercentiles(w io.Writer, name string, h *TimingHistogram) error {
	full := pe.namespace + "_" + name
	p50, p95, p99 := h.Percentiles()
	quantiles := []struct {
		q string
		v time.Duration
	}{
		{"0.5", p50},
		{"0.95", p95},
		{"0.99", p99},
	}
	for _, q := range quantiles {
		if _, err := fmt.Fprintf(w, "%s{quantile=%q} %g\n", full, q.q, q.v.Seconds()); err != nil {
			return err
		}
	}
	return nil
}
