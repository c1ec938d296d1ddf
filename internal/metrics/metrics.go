// ============================================================================
// jobtrack Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Counts submissions, accounting queries and terminal outcomes.
//
// Metrics:
//   jobtrack_submissions_total{outcome}      submit attempts (ok / error)
//   jobtrack_accounting_queries_total        accounting tool invocations
//   jobtrack_accounting_retries_total        transient "not visible yet" retries
//   jobtrack_jobs_not_found_total            identifiers absent after retry
//   jobtrack_jobs_terminal_total{status}     terminal states observed
//   jobtrack_wait_duration_seconds           wall time spent in Wait/WaitAll
//   jobtrack_jobs_tracked{status}            current tracker counts per status
//
// jobtrack never opens a listening port. Metrics are either scraped from a
// caller-owned registry or written to a node-exporter textfile with
// WriteTextfile.
//
// All Record* methods are safe on a nil *Collector.
//
// ============================================================================

package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/jobtrack/pkg/types"
)

// Collector holds jobtrack's Prometheus metrics.
type Collector struct {
	registry prometheus.Gatherer

	submissions *prometheus.CounterVec
	queries     prometheus.Counter
	retries     prometheus.Counter
	notFound    prometheus.Counter
	terminal    *prometheus.CounterVec
	waitTime    prometheus.Histogram
	tracked     *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c, _ := NewCollectorWith(reg, reg)
	return c
}

// NewCollectorWith registers the metrics on reg. gatherer is used by
// WriteTextfile and may be nil when the caller exports metrics itself.
func NewCollectorWith(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Collector, error) {
	c := &Collector{
		registry: gatherer,
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrack_submissions_total",
			Help: "Total number of job submissions by outcome",
		}, []string{"outcome"}),
		queries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtrack_accounting_queries_total",
			Help: "Total number of accounting tool invocations",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtrack_accounting_retries_total",
			Help: "Total number of retries after an empty accounting result",
		}),
		notFound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobtrack_jobs_not_found_total",
			Help: "Total number of identifiers absent from accounting after retry",
		}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobtrack_jobs_terminal_total",
			Help: "Total number of terminal job states observed",
		}, []string{"status"}),
		waitTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobtrack_wait_duration_seconds",
			Help:    "Time spent blocking in Wait and WaitAll",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		tracked: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobtrack_jobs_tracked",
			Help: "Current number of tracked jobs per status",
		}, []string{"status"}),
	}

	for _, m := range []prometheus.Collector{
		c.submissions, c.queries, c.retries, c.notFound, c.terminal, c.waitTime, c.tracked,
	} {
		if err := reg.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// RecordSubmission records one submit attempt.
func (c *Collector) RecordSubmission(err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.submissions.WithLabelValues(outcome).Inc()
}

// RecordQuery records one accounting tool invocation.
func (c *Collector) RecordQuery() {
	if c == nil {
		return
	}
	c.queries.Inc()
}

// RecordRetry records a transient empty-result retry.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// RecordNotFound records an identifier that never became visible.
func (c *Collector) RecordNotFound() {
	if c == nil {
		return
	}
	c.notFound.Inc()
}

// RecordTerminal records a terminal status, labelled by its base form.
func (c *Collector) RecordTerminal(status types.Status) {
	if c == nil {
		return
	}
	c.terminal.WithLabelValues(string(status.Base())).Inc()
}

// ObserveWait records time spent blocking in a wait call.
func (c *Collector) ObserveWait(seconds float64) {
	if c == nil {
		return
	}
	c.waitTime.Observe(seconds)
}

// SetTracked replaces the per-status tracker gauges.
func (c *Collector) SetTracked(counts map[types.Status]int) {
	if c == nil {
		return
	}
	c.tracked.Reset()
	for status, n := range counts {
		c.tracked.WithLabelValues(string(status)).Set(float64(n))
	}
}

// WriteTextfile writes the current metrics in the Prometheus text format,
// for the node-exporter textfile collector.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil {
		return nil
	}
	if c.registry == nil {
		return fmt.Errorf("metrics: no gatherer configured")
	}
	return prometheus.WriteToTextfile(path, c.registry)
}
