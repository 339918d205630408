// ============================================================================
// Fawkes Metrics — Prometheus Monitoring
// ============================================================================
//
// Package: internal/metrics
// Purpose: Collect and expose controller/worker metrics for Prometheus.
//
// Adapted from the teacher's internal/metrics/metrics.go Collector:
// same Counter/Histogram/Gauge grouping and MustRegister-on-construction
// pattern, generalized from a single job-queue's enqueue/dispatch/
// complete/fail/dead counters to the full Fawkes metric set named in
// SPEC_FULL.md §A — job lifecycle counters now cover assigned and
// cancelled in addition to completed/failed, a crash-dedup counter pair
// replaces the job-queue's dead-letter counter, and a VM revert latency
// histogram is added alongside job latency for the Fast Snapshot Revert
// path (spec §4.7).
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects Prometheus metrics for one controller or worker
// process.
type Collector struct {
	// Job lifecycle counters (spec §3 Job status transitions).
	jobsEnqueued  prometheus.Counter
	jobsAssigned  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	// Crash pipeline counters (spec §4.9).
	crashesRecorded prometheus.Counter
	crashesDeduped  prometheus.Counter

	// Latency distributions.
	jobLatency    prometheus.Histogram
	revertLatency prometheus.Histogram

	// Point-in-time status gauges.
	recoveryTime   prometheus.Gauge
	queueDepth     prometheus.Gauge
	workersOnline  prometheus.Gauge
}

// NewCollector creates and registers a new metrics collector. Call once
// per process — a second call against the default registry panics via
// MustRegister, matching the teacher's construction contract.
func NewCollector() *Collector {
	c := &Collector{
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsAssigned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_jobs_assigned_total",
			Help: "Total number of jobs assigned to a worker",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_jobs_failed_total",
			Help: "Total number of jobs failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_jobs_cancelled_total",
			Help: "Total number of jobs cancelled",
		}),
		crashesRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_crashes_recorded_total",
			Help: "Total number of unique crashes recorded",
		}),
		crashesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fawkes_crashes_deduped_total",
			Help: "Total number of crash reports folded into an existing crash_id",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fawkes_job_latency_seconds",
			Help:    "Job processing latency (enqueue to terminal status) in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		revertLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fawkes_vm_revert_latency_seconds",
			Help:    "VM snapshot revert latency in seconds, both fast and slow path",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2, 5},
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fawkes_recovery_time_seconds",
			Help: "Time taken for the controller to recover from snapshot+WAL on last restart",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fawkes_queue_depth",
			Help: "Current number of queued (unassigned) jobs",
		}),
		workersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fawkes_workers_online",
			Help: "Current number of online workers",
		}),
	}

	prometheus.MustRegister(
		c.jobsEnqueued, c.jobsAssigned, c.jobsCompleted, c.jobsFailed, c.jobsCancelled,
		c.crashesRecorded, c.crashesDeduped,
		c.jobLatency, c.revertLatency,
		c.recoveryTime, c.queueDepth, c.workersOnline,
	)
	return c
}

func (c *Collector) RecordEnqueue()  { c.jobsEnqueued.Inc() }
func (c *Collector) RecordAssigned() { c.jobsAssigned.Inc() }
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// RecordCompleted records a job completion along with its total
// enqueue-to-terminal latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordFailed records a job failure along with its total latency.
func (c *Collector) RecordFailed(latencySeconds float64) {
	c.jobsFailed.Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordCrash records one crash pipeline result (spec §4.9 step 7):
// unique crashes increment crashesRecorded, duplicates increment
// crashesDeduped instead.
func (c *Collector) RecordCrash(isDuplicate bool) {
	if isDuplicate {
		c.crashesDeduped.Inc()
		return
	}
	c.crashesRecorded.Inc()
}

// RecordRevert records one Fast Snapshot Revert attempt's latency,
// fast or slow path alike (spec §4.7).
func (c *Collector) RecordRevert(durationSeconds float64) {
	c.revertLatency.Observe(durationSeconds)
}

// SetRecoveryTime records how long the last recovery sequence took
// (spec §6.6).
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetQueueDepth updates the current pending/queued job count.
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// SetWorkersOnline updates the current online worker count.
func (c *Collector) SetWorkersOnline(count int) {
	c.workersOnline.Set(float64(count))
}

// StartServer starts the Prometheus metrics HTTP server (spec §A:
// "served via promhttp.Handler()").
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
