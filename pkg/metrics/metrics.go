// Package metrics defines the Prometheus metric collectors used across the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	IngestsTotal         *prometheus.CounterVec
	DuplicatesTotal      *prometheus.CounterVec
	ModerationDecisions  *prometheus.CounterVec
	IndexRebuildsTotal   *prometheus.CounterVec
	RebuildDuration      prometheus.Histogram
	ArtifactPersists     *prometheus.CounterVec
	ArtifactSizeBytes    prometheus.Histogram
	BlobChunksWritten    prometheus.Counter
	DegradedMode         prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		IngestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingests_total",
				Help: "Total ingestion attempts by provenance and outcome (stored, duplicate, invalid, error).",
			},
			[]string{"provenance", "outcome"},
		),
		DuplicatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "duplicates_total",
				Help: "Total rejected duplicates by reason (duplicate_content, duplicate_name).",
			},
			[]string{"reason"},
		),
		ModerationDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "moderation_decisions_total",
				Help: "Total moderation decisions by outcome (approved, rejected, denied).",
			},
			[]string{"decision"},
		),
		IndexRebuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_rebuilds_total",
				Help: "Total index rebuilds by trigger (stale, adopted, forced) and status.",
			},
			[]string{"trigger", "status"},
		),
		RebuildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_rebuild_duration_seconds",
				Help:    "Index rebuild duration in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		ArtifactPersists: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_artifact_persists_total",
				Help: "Total artifact persistence attempts by outcome (stored, degraded, error).",
			},
			[]string{"outcome"},
		),
		ArtifactSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "index_artifact_size_bytes",
				Help:    "Serialized index artifact size in bytes.",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
		BlobChunksWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blob_chunks_written_total",
				Help: "Total chunks written to the blob backend.",
			},
		),
		DegradedMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_degraded_mode",
				Help: "1 when the index is local-only for this session, 0 otherwise.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.IngestsTotal,
		m.DuplicatesTotal,
		m.ModerationDecisions,
		m.IndexRebuildsTotal,
		m.RebuildDuration,
		m.ArtifactPersists,
		m.ArtifactSizeBytes,
		m.BlobChunksWritten,
		m.DegradedMode,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
