package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_messages_total",
			Help: "Total messages received from the server over websockets",
		},
	)

	messagesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_messages_sent",
			Help: "Total messages sent to the server over websockets",
		},
	)

	// Connection metrics
	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_active_connections",
			Help: "Number of active websocket connections",
		},
	)

	connectionsOpened = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_connections_opened_total",
			Help: "Total websocket connections opened",
		},
	)

	connectionsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_connections_closed_total",
			Help: "Total websocket connections closed",
		},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_reconnect_attempts_total",
			Help: "Total reconnect attempts after a dropped connection",
		},
	)

	// Heartbeat metrics
	heartbeatLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "app_heartbeat_latency_seconds",
			Help:    "Observed heartbeat latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	heartbeatsMissed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_heartbeats_missed_total",
			Help: "Heartbeat intervals that elapsed without a heartbeat",
		},
	)

	connectionMessages = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "app_connection_messages",
			Help:    "Messages handled per connection",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Session and poll metrics
	sessionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_sessions_tracked",
			Help: "Number of sessions tracked in the local store",
		},
	)

	pollFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "app_poll_fetches_total",
			Help: "Total poll fetch attempts against the remote store",
		},
		[]string{"status"},
	)

	errorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "app_errors_total",
			Help: "Total application errors",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal,
			messagesSent,
			activeConnections,
			connectionsOpened,
			connectionsClosed,
			reconnectAttempts,
			heartbeatLatency,
			heartbeatsMissed,
			connectionMessages,
			sessionsTracked,
			pollFetchesTotal,
			errorsTotal,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessageReceived records a message delivered by the server.
func RecordMessageReceived() {
	messagesTotal.Inc()
}

// RecordMessageSent records a message sent to the server.
func RecordMessageSent() {
	messagesSent.Inc()
}

// RecordConnectionOpened records an opened websocket connection.
func RecordConnectionOpened() {
	connectionsOpened.Inc()
	activeConnections.Inc()
}

// RecordConnectionClosed records a closed websocket connection.
func RecordConnectionClosed() {
	connectionsClosed.Inc()
	activeConnections.Dec()
}

// RecordReconnectAttempt records a reconnect attempt.
func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

// RecordHeartbeat records an observed heartbeat latency.
func RecordHeartbeat(latency time.Duration) {
	heartbeatLatency.Observe(latency.Seconds())
}

// RecordHeartbeatsMissed records elapsed heartbeat intervals with no heartbeat.
func RecordHeartbeatsMissed(count int) {
	if count > 0 {
		heartbeatsMissed.Add(float64(count))
	}
}

// ObserveConnectionMessages records how many messages one connection
// handled over its lifetime.
func ObserveConnectionMessages(count int) {
	connectionMessages.Observe(float64(count))
}

// SetSessionsTracked sets the tracked sessions gauge
func SetSessionsTracked(count int) {
	sessionsTracked.Set(float64(count))
}

// RecordPollFetch records a poll fetch attempt with its outcome status.
func RecordPollFetch(status string) {
	pollFetchesTotal.WithLabelValues(status).Inc()
}

// RecordError records an application error
func RecordError() {
	errorsTotal.Inc()
}
