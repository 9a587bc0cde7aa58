// Package metrics exposes Prometheus instrumentation for aggregation runs:
// per-feed fetch outcomes, geocoding cache efficiency, circuit breaker state,
// history size and run/phase latency. Collectors live on a private registry
// so tests and the textfile export see only this program's series.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector in this package plus the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

var (
	// Fetch Metrics
	FeedFetches = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techcal_feed_fetches_total",
			Help: "Feed fetch attempts by adapter and result",
		},
		[]string{"adapter", "result"}, // result: "success", "error"
	)

	FeedEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techcal_feed_events_total",
			Help: "Raw events produced by adapters",
		},
		[]string{"adapter"},
	)

	EnrichmentAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techcal_enrichment_attempts_total",
			Help: "Detail-page enrichment attempts by platform and result",
		},
		[]string{"platform", "result"}, // result: "enriched", "unchanged", "error"
	)

	// Geocoding Metrics
	GeocodeLookups = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techcal_geocode_lookups_total",
			Help: "Geocoding lookups by outcome",
		},
		[]string{"outcome"}, // "cache_hit", "cache_failure", "network_success", "network_no_match", "network_error"
	)

	GeocodeCacheEntries = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "techcal_geocode_cache_entries",
			Help: "Entries in the geocoding cache, including cached failures",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "techcal_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "techcal_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Pipeline Metrics
	EventsFiltered = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "techcal_events_filtered_total",
			Help: "Physical events dropped for being outside the target country",
		},
	)

	DuplicatesMerged = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "techcal_duplicates_merged_total",
			Help: "Events absorbed into a dedup winner",
		},
	)

	HistoryRecords = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "techcal_history_records",
			Help: "Records in the history store after the last save",
		},
	)

	HistorySkipped = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "techcal_history_skipped_total",
			Help: "Persisted records that could not be rebuilt on load",
		},
	)

	FinalEvents = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "techcal_final_events",
			Help: "Events in the final output of the last run",
		},
	)

	RunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "techcal_run_duration_seconds",
			Help:    "Duration of complete aggregation runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	PhaseDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "techcal_phase_duration_seconds",
			Help:    "Duration of each aggregation phase",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	LastRunTimestamp = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "techcal_last_run_timestamp_seconds",
			Help: "Unix time the last run finished",
		},
	)

	RunErrors = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "techcal_run_persistence_errors_total",
			Help: "Runs whose history or cache persistence failed",
		},
	)
)

// RecordFetch counts one feed fetch and the events it produced.
func RecordFetch(adapter string, events int, err error) {
	if err != nil {
		FeedFetches.WithLabelValues(adapter, "error").Inc()
		return
	}
	FeedFetches.WithLabelValues(adapter, "success").Inc()
	FeedEvents.WithLabelValues(adapter).Add(float64(events))
}

// ObservePhase records how long a phase took since start.
func ObservePhase(phase string, start time.Time) {
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// RecordRun records a finished run.
func RecordRun(start time.Time, finalEvents int, err error) {
	RunDuration.Observe(time.Since(start).Seconds())
	FinalEvents.Set(float64(finalEvents))
	LastRunTimestamp.Set(float64(time.Now().Unix()))
	if err != nil {
		RunErrors.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// WriteToTextfile writes the registry for node_exporter's textfile collector.
func WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, Registry)
}

// BreakerStateValue maps a breaker state name to the gauge encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
