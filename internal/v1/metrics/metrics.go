package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the multiplayer coordinator.
//
// Naming convention: namespace_subsystem_name
// - namespace: multiplayer (application-level grouping)
// - subsystem: session, ws, ratelimit, circuit_breaker, redis
// - name: specific metric (sessions_active, events_total, etc.)

var (
	// SessionsActive tracks the current number of open sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "session",
		Name:      "sessions_active",
		Help:      "Current number of open multiplayer sessions",
	})

	// MembersCount tracks the number of members in each session, by code.
	MembersCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "session",
		Name:      "members_count",
		Help:      "Number of members in each session",
	}, []string{"code"})

	// ActiveConnections tracks the current number of active WebSocket connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WsEvents tracks the total number of WebSocket events processed.
	WsEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "ws",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing inbound messages.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "multiplayer",
		Subsystem: "ws",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// InviteCodeCollisions counts invite code generation retries caused by
	// an in-use code.
	InviteCodeCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "session",
		Name:      "invite_code_collisions_total",
		Help:      "Total invite code generation attempts that collided with an active session",
	})

	// CircuitBreakerState tracks the current state of a named circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "multiplayer",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of requests rejected by the circuit breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total requests rejected by the circuit breaker",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"route", "kind"})

	// RedisOperationsTotal tracks the total number of bus operations against Redis.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis bus operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of bus operations against Redis.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "multiplayer",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis bus operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// SplitBrainHostsDetected counts how many times a session's host was
	// found attached on more than one pod at once via the cross-pod host
	// registry set.
	SplitBrainHostsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "multiplayer",
		Subsystem: "session",
		Name:      "split_brain_hosts_detected_total",
		Help:      "Total times a session's host was found attached on more than one pod",
	}, []string{"code"})
)

func IncConnection() {
	ActiveConnections.Inc()
}

func DecConnection() {
	ActiveConnections.Dec()
}
