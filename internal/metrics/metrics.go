// ============================================================================
// Beaver-Grid Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Function: Collects and exposes daemon metrics for Prometheus
//
// Metric families:
//
//   1. File transfers (RED):
//      - beaver_transfers_total{op,outcome}
//      - beaver_transfer_bytes_total{op}
//      - beaver_transfer_duration_seconds{op}
//
//   2. Grid jobs:
//      - beaver_jobs_submitted_total
//      - beaver_jobs_completed_total{outcome}
//      - beaver_job_duration_seconds (submission to completion)
//      - beaver_jobs_outstanding
//      - beaver_scheduler_wait_errors_total
//
//   3. Dispatch and reply channel:
//      - beaver_dispatches_total{outcome}
//      - beaver_reply_messages_total{kind}
//
// Example queries:
//
//   # failed transfer ratio
//   sum(rate(beaver_transfers_total{outcome="error"}[5m]))
//     / sum(rate(beaver_transfers_total[5m]))
//
//   # 95th percentile job turnaround
//   histogram_quantile(0.95, rate(beaver_job_duration_seconds_bucket[10m]))
//
// All recording methods are safe on a nil *Collector, so components can be
// built without metrics in tests.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every beaver-grid metric.
type Collector struct {
	// transfers
	transfers        *prometheus.CounterVec
	transferBytes    *prometheus.CounterVec
	transferDuration *prometheus.HistogramVec

	// grid jobs
	jobsSubmitted    prometheus.Counter
	jobsCompleted    *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	jobsOutstanding  prometheus.Gauge
	schedulerWaitErr prometheus.Counter

	// dispatch
	dispatches    *prometheus.CounterVec
	replyMessages *prometheus.CounterVec
}

// NewCollector creates the collector and registers it with the default
// Prometheus registerer.
func NewCollector() *Collector {
	c := &Collector{
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_transfers_total",
			Help: "File transfers by operation and outcome",
		}, []string{"op", "outcome"}),
		transferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_transfer_bytes_total",
			Help: "Bytes moved by file transfers",
		}, []string{"op"}),
		transferDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beaver_transfer_duration_seconds",
			Help:    "File transfer duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"op"}),
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_jobs_submitted_total",
			Help: "Jobs accepted by the grid scheduler",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_jobs_completed_total",
			Help: "Grid jobs that reached a terminal state",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaver_job_duration_seconds",
			Help:    "Time from submission to observed completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		jobsOutstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_jobs_outstanding",
			Help: "Submitted grid jobs whose completion has not been observed",
		}),
		schedulerWaitErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_scheduler_wait_errors_total",
			Help: "Errors returned by the scheduler while waiting for completions",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_dispatches_total",
			Help: "Dispatch requests by outcome",
		}, []string{"outcome"}),
		replyMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_reply_messages_total",
			Help: "Messages received over reply channels by kind",
		}, []string{"kind"}),
	}

	prometheus.MustRegister(
		c.transfers,
		c.transferBytes,
		c.transferDuration,
		c.jobsSubmitted,
		c.jobsCompleted,
		c.jobDuration,
		c.jobsOutstanding,
		c.schedulerWaitErr,
		c.dispatches,
		c.replyMessages,
	)
	return c
}

// RecordTransfer records one finished upload or download.
func (c *Collector) RecordTransfer(op string, bytes int64, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.transfers.WithLabelValues(op, outcome).Inc()
	c.transferBytes.WithLabelValues(op).Add(float64(bytes))
	c.transferDuration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordJobSubmitted counts a job accepted by the scheduler.
func (c *Collector) RecordJobSubmitted() {
	if c == nil {
		return
	}
	c.jobsSubmitted.Inc()
}

// RecordJobCompleted counts a terminal job and its turnaround.
func (c *Collector) RecordJobCompleted(succeeded bool, turnaround time.Duration) {
	if c == nil {
		return
	}
	outcome := "failed"
	if succeeded {
		outcome = "succeeded"
	}
	c.jobsCompleted.WithLabelValues(outcome).Inc()
	c.jobDuration.Observe(turnaround.Seconds())
}

// SetJobsOutstanding updates the outstanding job gauge.
func (c *Collector) SetJobsOutstanding(n int) {
	if c == nil {
		return
	}
	c.jobsOutstanding.Set(float64(n))
}

// RecordWaitError counts a failed wait on the scheduler.
func (c *Collector) RecordWaitError() {
	if c == nil {
		return
	}
	c.schedulerWaitErr.Inc()
}

// RecordDispatch counts a dispatch request by outcome.
func (c *Collector) RecordDispatch(outcome string) {
	if c == nil {
		return
	}
	c.dispatches.WithLabelValues(outcome).Inc()
}

// RecordReply counts a message received over a reply channel.
func (c *Collector) RecordReply(kind string) {
	if c == nil {
		return
	}
	c.replyMessages.WithLabelValues(kind).Inc()
}

// NewServer returns an HTTP server exposing /metrics on port.
func NewServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// StartServer serves /metrics on port until the listener fails.
func StartServer(port int) error {
	return NewServer(port).ListenAndServe()
}
