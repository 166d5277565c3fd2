// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// Counters mirror the §6 counter keys (queue::enqueued::count, ...) with
// Prometheus-legal names.
var (
	QueueEnqueuedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_enqueued_count",
		Help: "Total entry tokens pushed onto pending lists or delayed sets",
	}, []string{"queue"})
	QueueEnqueuedJobCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_enqueued_job_count",
		Help: "Total jobs dispatched by EnqueueWorkflow for a new plan's first execution group",
	}, []string{"queue"})
	QueueEnqueuedChildCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_enqueued_child_count",
		Help: "Total child plans enqueued via EnqueueJobChildWorkflows",
	}, []string{"queue"})
	QueueDequeuedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_dequeued_count",
		Help: "Total entries popped from pending lists",
	}, []string{"queue"})
	QueueExpiredCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_expired_count",
		Help: "Total leases reclaimed from running sets",
	}, []string{"queue"})
	QueueJobCheckinCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_job_checkin_count",
		Help: "Total lease renewals",
	}, []string{"queue"})
	QueueJobCompleteCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_job_complete_count",
		Help: "Total jobs marked complete",
	}, []string{"queue"})
	QueueJobCompleteRecursiveCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_job_complete_recursive_count",
		Help: "Total parent job completions triggered by child plan finish",
	}, []string{"queue"})
	QueueJobFailedCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_job_failed_count",
		Help: "Total job failures reported",
	}, []string{"queue"})
	QueueContextSetCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_context_set_count",
		Help: "Total SetPlanContext calls",
	}, []string{"queue"})
	QueueContextJobSetCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_context_job_set_count",
		Help: "Total SetJobContext calls",
	}, []string{"queue"})

	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_pending_length",
		Help: "Current length of the pending list per queue",
	}, []string{"queue"})
	QueueRunningLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_running_length",
		Help: "Current size of the running lease set per queue",
	}, []string{"queue"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	WorkerActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active",
		Help: "Number of active worker goroutines",
	})
	JobProcessingDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Histogram of activity processing durations as reported by the harness",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		QueueEnqueuedCount, QueueEnqueuedJobCount, QueueEnqueuedChildCount,
		QueueDequeuedCount, QueueExpiredCount, QueueJobCheckinCount,
		QueueJobCompleteCount, QueueJobCompleteRecursiveCount, QueueJobFailedCount,
		QueueContextSetCount, QueueContextJobSetCount,
		QueueLength, QueueRunningLength,
		CircuitBreakerState, CircuitBreakerTrips, WorkerActive, JobProcessingDuration,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// Retained for compatibility; StartHTTPServer also registers health endpoints.
func StartMetricsServer(port int) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
