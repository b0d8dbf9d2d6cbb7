// Trailmarks Relay - Real-time presence and chat for the Trailmarks map app
// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus instrumentation for the relay:
// connection lifecycle, credential resolution, chat routing, and the
// account-store circuit breaker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	Connections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Current number of live WebSocket connections",
		},
	)

	AuthenticatedConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_authenticated_connections",
			Help: "Current number of authenticated connections",
		},
	)

	// Credential resolution metrics
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_auth_attempts_total",
			Help: "Total number of credential resolution attempts",
		},
		[]string{"result"}, // "success", "invalid", "timeout"
	)

	ResolveDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_resolve_duration_seconds",
			Help:    "Duration of credential resolution including enrichment",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Presence metrics
	PresenceBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_presence_broadcasts_total",
			Help: "Total number of presence snapshot broadcasts",
		},
	)

	PresenceSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_presence_labels",
			Help: "Number of distinct display labels currently online",
		},
	)

	// Chat metrics
	MessagesRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_routed_total",
			Help: "Total number of chat messages accepted for routing",
		},
		[]string{"scope"}, // "broadcast", "private"
	)

	MessagesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_dropped_total",
			Help: "Total number of inbound chat messages dropped",
		},
		[]string{"reason"}, // "unauthenticated", "empty", "rate_limited"
	)

	DeliveriesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_deliveries_dropped_total",
			Help: "Total number of outbound deliveries dropped on slow clients",
		},
	)

	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_received_total",
			Help: "Total number of inbound WebSocket frames",
		},
	)

	FramesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_sent_total",
			Help: "Total number of outbound WebSocket frames",
		},
	)

	// Account store metrics
	AccountLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_account_lookups_total",
			Help: "Total number of account directory lookups",
		},
		[]string{"result"}, // "hit", "miss", "error", "rejected"
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "path"},
	)
)

// RecordAuthAttempt records the outcome of a credential resolution.
func RecordAuthAttempt(result string, duration time.Duration) {
	AuthAttempts.WithLabelValues(result).Inc()
	ResolveDuration.Observe(duration.Seconds())
}

// RecordPresenceBroadcast records a presence broadcast and the label count.
func RecordPresenceBroadcast(labels int) {
	PresenceBroadcasts.Inc()
	PresenceSize.Set(float64(labels))
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path, statusCode string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, path, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}
