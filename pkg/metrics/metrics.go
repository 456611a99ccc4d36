// Package metrics exposes Prometheus collectors for chunk promotion.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	warehouseJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_warehouse_jobs_total",
		Help: "Warehouse jobs run by phase and outcome",
	}, []string{"phase", "outcome"})

	warehouseJobRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_warehouse_written_rows_total",
		Help: "Rows written by warehouse jobs by phase",
	}, []string{"phase"})

	phaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "promoter_phase_duration_seconds",
		Help:    "Duration of promotion phases across all tables",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"phase"})

	promotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promoter_promotions_total",
		Help: "Promotion runs by outcome (success, failed, partial)",
	}, []string{"outcome"})

	cleanupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promoter_cleanup_failures_total",
		Help: "Cleanup phases that failed to drop a temporary table",
	})

	chunksPromoted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promoter_chunks_promoted_total",
		Help: "Replica chunks marked promoted in the metadata store",
	})

	windowSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "promoter_window_size",
		Help: "Number of chunks in the last promotable window",
	})
)

// Outcome labels for promotions.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomePartial = "partial"
)

// ObserveJob records a finished warehouse job.
func ObserveJob(phase string, writtenRows uint64, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailed
	}
	warehouseJobs.WithLabelValues(phase, outcome).Inc()
	warehouseJobRows.WithLabelValues(phase).Add(float64(writtenRows))
}

// ObservePhase records the wall time of one phase.
func ObservePhase(phase string, d time.Duration) {
	phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func ObservePromotion(outcome string) {
	promotions.WithLabelValues(outcome).Inc()
}

func ObserveCleanupFailure() {
	cleanupFailures.Inc()
}

func ObserveChunksPromoted(n int64) {
	if n > 0 {
		chunksPromoted.Add(float64(n))
	}
}

func ObserveWindow(n int) {
	windowSize.Set(float64(n))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
