package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Collectors are registered on the default registry. Serve them with
// promhttp.Handler().
var (
	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_received_total",
			Help: "Inbound realtime frames by type",
		},
		[]string{"type"},
	)

	FrameDecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_frame_decode_errors_total",
			Help: "Inbound frames dropped because they could not be decoded",
		},
	)

	FramesUnknown = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_frames_unknown_total",
			Help: "Inbound frames ignored because their type is not handled",
		},
	)

	HandlerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_handler_panics_total",
			Help: "Event handler panics recovered by the router",
		},
		[]string{"type"},
	)

	ReconnectsScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_scheduled_total",
			Help: "Reconnect attempts scheduled after an abnormal close",
		},
	)

	ReconnectDelay = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_reconnect_delay_seconds",
			Help:    "Backoff delay applied before each reconnect attempt",
			Buckets: []float64{1, 2, 4, 8, 16, 30},
		},
	)

	ConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_connection_up",
			Help: "1 while the realtime connection is open",
		},
	)

	DuplicateMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_duplicate_messages_total",
			Help: "Incoming messages dropped because their id was already present",
		},
	)

	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_alerts_total",
			Help: "Alerts raised for incoming messages",
		},
		[]string{"outcome"}, // "delivered", "failed", "suppressed"
	)

	RESTRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_rest_requests_total",
			Help: "REST collaborator calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatsync_circuit_breaker_state",
			Help: "REST circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
