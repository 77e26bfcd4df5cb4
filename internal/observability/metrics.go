package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Epidata API calls by status (ok, empty, error).
	EpidataRequestsTotal *prometheus.CounterVec

	// Epidata API latency per yearly request.
	EpidataRequestDuration *prometheus.HistogramVec

	// Years processed by outcome (ok, empty, failed).
	YearsProcessedTotal *prometheus.CounterVec

	// Rows written to ili_data.
	ObservationsUpsertedTotal prometheus.Counter

	// Records dropped because region or epiweek was missing.
	ObservationsSkippedTotal prometheus.Counter

	// New release entries stored from feeds.
	ReleasesCollectedTotal prometheus.Counter

	// Read API requests by route template and status class.
	HTTPRequestsTotal *prometheus.CounterVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	EpidataRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilicrawler_epidata_requests_total",
			Help: "Total number of Epidata API requests",
		},
		[]string{"status"},
	)
	EpidataRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ilicrawler_epidata_request_duration_seconds",
			Help:    "Epidata API latency in seconds (per yearly request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)
	YearsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilicrawler_years_processed_total",
			Help: "Years processed by the ingest loop, by outcome",
		},
		[]string{"outcome"},
	)
	ObservationsUpsertedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ilicrawler_observations_upserted_total",
			Help: "Total number of ILI rows written",
		},
	)
	ObservationsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ilicrawler_observations_skipped_total",
			Help: "Records skipped because region or epiweek was missing",
		},
	)
	ReleasesCollectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ilicrawler_releases_collected_total",
			Help: "New release entries stored from feeds",
		},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ilicrawler_http_requests_total",
			Help: "Read API requests by route and status class",
		},
		[]string{"route", "status"},
	)

	registry.MustRegister(
		EpidataRequestsTotal, EpidataRequestDuration,
		YearsProcessedTotal, ObservationsUpsertedTotal, ObservationsSkippedTotal,
		ReleasesCollectedTotal, HTTPRequestsTotal,
	)
}

// StatusClass maps an HTTP status code to a low-cardinality label (2xx, 4xx, ...).
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
