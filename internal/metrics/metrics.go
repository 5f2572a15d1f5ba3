// Package metrics holds the Prometheus collectors for model calls and
// pipeline runs.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// modelCallsTotal counts generation calls.
	// Labels: operation (extract, partition, evaluate), status (ok, error, invalid)
	modelCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docreview",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total generation calls by operation and status",
	}, []string{"operation", "status"})

	modelLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "docreview",
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "Generation call latency",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})

	// Labels: outcome (repaired, unrepairable)
	repairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docreview",
		Subsystem: "extract",
		Name:      "repairs_total",
		Help:      "Truncated checklist outputs by repair outcome",
	}, []string{"outcome"})

	partitionFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docreview",
		Subsystem: "partition",
		Name:      "fallbacks_total",
		Help:      "Partitions that fell back to equal-size chunking",
	})

	// Labels: pipeline (extract, review)
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docreview",
		Subsystem: "pipeline",
		Name:      "attempts_total",
		Help:      "Generation attempts made inside pipeline retry loops",
	}, []string{"pipeline"})

	// Labels: pipeline, status (success, failed, suspended)
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docreview",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Finished pipeline runs by classified status",
	}, []string{"pipeline", "status"})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docreview",
		Subsystem: "pipeline",
		Name:      "active_runs",
		Help:      "Pipeline runs currently registered",
	})
)

// RecordModelCall records one generation call.
func RecordModelCall(operation, status string, elapsed time.Duration) {
	modelCallsTotal.WithLabelValues(operation, status).Inc()
	modelLatencySeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// RecordRepair records a truncated output and whether it could be repaired.
func RecordRepair(ok bool) {
	outcome := "repaired"
	if !ok {
		outcome = "unrepairable"
	}
	repairsTotal.WithLabelValues(outcome).Inc()
}

// RecordPartitionFallback records a fall back to equal-size chunking.
func RecordPartitionFallback() {
	partitionFallbacksTotal.Inc()
}

// RecordAttempt records one pass through a pipeline retry loop.
func RecordAttempt(pipeline string) {
	attemptsTotal.WithLabelValues(pipeline).Inc()
}

// RecordRun records a finished run.
func RecordRun(pipeline, status string) {
	runsTotal.WithLabelValues(pipeline, status).Inc()
}

// RunStarted increments the active run gauge.
func RunStarted() { activeRuns.Inc() }

// RunFinished decrements the active run gauge.
func RunFinished() { activeRuns.Dec() }

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
