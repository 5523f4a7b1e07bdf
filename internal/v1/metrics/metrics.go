package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the SFU room orchestration core.
//
// Naming convention: namespace_subsystem_name
// - namespace: sfu (application-level grouping)
// - subsystem: signaling, room, media, webinar (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, members, producers)
// - Counter: Cumulative events (signaling events, admissions, errors)
// - Histogram: Latency distributions (event processing time)

var (
	// ActiveConnections tracks the current number of signaling sockets.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "connections_active",
		Help:      "Current number of active signaling WebSocket connections",
	})

	// ActiveRooms tracks the current number of live rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomMembers tracks admitted members per room.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "room",
		Name:      "members_count",
		Help:      "Number of admitted members in each room",
	}, []string{"channel_id"})

	// WebinarAttendees tracks live webinar attendees per room.
	WebinarAttendees = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "webinar",
		Name:      "attendees_count",
		Help:      "Number of webinar attendees in each room",
	}, []string{"channel_id"})

	// SignalingEvents counts processed signaling events by outcome.
	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "events_total",
		Help:      "Total signaling events processed",
	}, []string{"event_type", "status"})

	// EventProcessingDuration tracks signaling event handling latency.
	EventProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "event_processing_seconds",
		Help:      "Time spent processing signaling events",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// Admissions counts join attempts by outcome (joined, waiting, or an
	// error kind).
	Admissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "room",
		Name:      "admissions_total",
		Help:      "Total join attempts by outcome",
	}, []string{"outcome"})

	// ActiveProducers tracks live producers by kind and type.
	ActiveProducers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "media",
		Name:      "producers_active",
		Help:      "Current number of live producers",
	}, []string{"kind", "type"})

	// ActiveConsumers tracks live consumers.
	ActiveConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "media",
		Name:      "consumers_active",
		Help:      "Current number of live consumers",
	})

	// HealthyMediaWorkers tracks usable media workers. Zero is fatal.
	HealthyMediaWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "media",
		Name:      "workers_healthy",
		Help:      "Current number of healthy media workers",
	})

	// Draining is 1 while the process refuses new joins.
	Draining = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "draining",
		Help:      "1 while the process is draining, 0 otherwise",
	})

	// RateLimitExceeded counts requests refused by a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "signaling",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests refused because a rate limit was reached",
	}, []string{"endpoint", "limit_type"})

	// CircuitBreakerState exposes the redis breaker state (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "sfu",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per dependency (0=closed, 1=open, 2=half-open)",
	}, []string{"dependency"})

	// CircuitBreakerFailures counts requests rejected by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sfu",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests dropped because the circuit breaker was open",
	}, []string{"dependency"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
