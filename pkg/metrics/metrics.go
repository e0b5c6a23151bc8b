// Package metrics exposes the engine's Prometheus collectors as package-
// level vars registered once in init(), plus a small Timer helper for
// latency observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stowdb_commits_total",
			Help: "Total number of TX commits processed by the writer, by outcome",
		},
		[]string{"outcome"}, // "accepted" or "conflict"
	)

	CommitLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stowdb_commit_latency_seconds",
			Help:    "Time from the start of a batching cycle to each accepted commit's reply",
			Buckets: prometheus.DefBuckets,
		},
	)

	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stowdb_batch_size",
			Help:    "Number of TX commit requests folded into one writer batching cycle",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
		},
	)

	GCCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowdb_gc_cycles_total",
			Help: "Total number of batching cycles that ran incremental GC",
		},
	)

	ResourcesCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stowdb_resources_collected_total",
			Help: "Total number of stowed resources reclaimed by GC",
		},
	)

	ZeroSetSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowdb_zero_set_size",
			Help: "Approximate number of short-hashes in the zero set after the last cycle",
		},
	)

	StowBufferSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowdb_stow_buffer_size",
			Help: "Number of blobs currently held in the volatile StowBuffer",
		},
	)

	EphemeronCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stowdb_ephemeron_count",
			Help: "Number of distinct short-hashes currently held live by the ephemeron table",
		},
	)

	ReaderFrameWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stowdb_reader_frame_wait_seconds",
			Help:    "Time the writer spent waiting for the previous reader frame to drain",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitLatency)
	prometheus.MustRegister(BatchSize)
	prometheus.MustRegister(GCCyclesTotal)
	prometheus.MustRegister(ResourcesCollectedTotal)
	prometheus.MustRegister(ZeroSetSize)
	prometheus.MustRegister(StowBufferSize)
	prometheus.MustRegister(EphemeronCount)
	prometheus.MustRegister(ReaderFrameWait)

	// Create both outcome series up front so stowdb_commits_total is
	// exported (at zero) before the first commit.
	CommitsTotal.WithLabelValues("accepted")
	CommitsTotal.WithLabelValues("conflict")
}

// Handler returns the Prometheus HTTP handler, for callers that want to
// expose /metrics themselves; stowdb is an embeddable library and never
// starts an HTTP server on its own.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing an operation and recording its
// duration into a histogram once it completes.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer, starting now.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
