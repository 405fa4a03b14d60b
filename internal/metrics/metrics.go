// Package metrics collects the Prometheus series the messaging core exposes
// for operational visibility, the same package-level promauto + RecordXxx
// helper shape as the orchestrator's internal/metrics and
// internal/circuitbreaker/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publication pipeline (C8)
	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_messages_published_total",
			Help: "Total number of messages published, by outcome",
		},
		[]string{"outcome"}, // ok | accepted | error
	)

	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "messaging_publish_duration_seconds",
			Help:    "Time spent in ResilientPublisher.PublishMessage",
			Buckets: prometheus.DefBuckets,
		},
	)

	OverflowBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_overflow_buffer_depth",
			Help: "Current depth of the in-process overflow buffer",
		},
	)

	// Resilience pipeline (C4-C7)
	ResilienceEntriesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_resilience_entries_total",
			Help: "Entries processed by the WAL/Retry/Fallback workers, by source and outcome",
		},
		[]string{"source", "outcome"}, // source: wal|retry|fallback; outcome: recovered|rescheduled|dlq|poison
	)

	DLQDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_dlq_depth",
			Help: "Approximate length of the dead-letter stream",
		},
	)

	MemoryPressure = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_memory_pressure_percent",
			Help: "Redis memory usage as a percent of the configured budget",
		},
		[]string{"level"}, // ok|warning|critical
	)

	// Delivery engine (C11)
	EventsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_events_dispatched_total",
			Help: "Events dispatched to sessions, by outbound event name and delivery mode",
		},
		[]string{"family", "mode"}, // family: outbound event name; mode: online|queued|dropped
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "messaging_dispatch_duration_seconds",
			Help:    "Time spent dispatching one stream entry to its resolved recipients",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	// Presence (C10) and gateway (C12)
	SessionsOnline = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_sessions_online",
			Help: "Number of currently connected socket sessions",
		},
	)

	PendingQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "messaging_pending_queue_depth",
			Help: "Total items across all per-user offline pending queues",
		},
	)

	// User cache (C9)
	UserCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_user_cache_lookups_total",
			Help: "UserCache lookups, by result",
		},
		[]string{"result"}, // hit|miss|error
	)

	// Circuit breakers (C2) guarding the primary store and the stream fabric
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "messaging_circuit_breaker_state",
			Help: "Current breaker state by name: 0=closed, 1=half-open, 2=open",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_circuit_breaker_requests_total",
			Help: "Calls made through a breaker, by name, observed state, and outcome",
		},
		[]string{"name", "state", "outcome"}, // outcome: success|failure|refused
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messaging_circuit_breaker_trips_total",
			Help: "Breaker state transitions, by name, from-state, and to-state",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordPublish records the terminal outcome of one PublishMessage call.
func RecordPublish(outcome string) {
	MessagesPublished.WithLabelValues(outcome).Inc()
}

// RecordResilienceOutcome records one WAL/Retry/Fallback entry's disposition.
func RecordResilienceOutcome(source, outcome string) {
	ResilienceEntriesProcessed.WithLabelValues(source, outcome).Inc()
}

// RecordDispatch records one recipient dispatch in mode; family carries the
// outbound event name.
func RecordDispatch(family, mode string) {
	EventsDispatched.WithLabelValues(family, mode).Inc()
}

// RecordUserCacheLookup records the result of one UserCache.Get/BatchGet call.
func RecordUserCacheLookup(result string) {
	UserCacheLookups.WithLabelValues(result).Inc()
}

// RecordCircuitBreakerState sets the current state gauge for a named breaker.
func RecordCircuitBreakerState(name string, state float64) {
	CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordCircuitBreakerRequest records one call made through a named breaker.
func RecordCircuitBreakerRequest(name, state, outcome string) {
	CircuitBreakerRequests.WithLabelValues(name, state, outcome).Inc()
}

// RecordCircuitBreakerStateChange records one breaker transition.
func RecordCircuitBreakerStateChange(name, from, to string) {
	CircuitBreakerTrips.WithLabelValues(name, from, to).Inc()
}
