// Package metrics provides the Prometheus collectors shared by every channel
// implementation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// RequestBuckets are histogram buckets for HTTP exchanges and slot waits,
// ranging from 1ms to 60s.
var RequestBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

var (
	// MessagesTotal counts messages by channel protocol, message type and
	// direction ("post" for caller to channel, "recv" for channel to caller).
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muxchan_messages_total",
			Help: "Messages posted to or delivered by channels",
		},
		[]string{"proto", "type", "direction"},
	)

	// MessageBytesTotal counts Data payload bytes by protocol and direction.
	MessageBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muxchan_message_bytes_total",
			Help: "Data payload bytes",
		},
		[]string{"proto", "direction"},
	)

	// StateTransitionsTotal counts lifecycle transitions by protocol and new state.
	StateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muxchan_state_transitions_total",
			Help: "Channel state transitions",
		},
		[]string{"proto", "state"},
	)

	// ActiveSessions tracks open server-side sessions (websocket connections,
	// in-flight HTTP requests, event streams) by node protocol.
	ActiveSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "muxchan_sessions_active",
			Help: "Active server sessions",
		},
		[]string{"proto"},
	)

	// RoutingMissesTotal counts inbound requests that matched no registered path.
	RoutingMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "muxchan_routing_misses_total",
			Help: "Inbound requests with no matching route",
		},
	)

	// HTTPRequestsTotal counts client HTTP exchanges by outcome: the response
	// status class ("2xx") or "error".
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muxchan_http_requests_total",
			Help: "Client HTTP exchanges",
		},
		[]string{"method", "status"},
	)

	// HTTPRequestDuration records client HTTP exchange duration in seconds.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muxchan_http_request_duration_seconds",
			Help:    "Client HTTP exchange duration",
			Buckets: RequestBuckets,
		},
		[]string{"method"},
	)

	// SlotWaitDuration records how long requests waited for a connection slot.
	SlotWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "muxchan_http_slot_wait_seconds",
			Help:    "Time spent waiting for a shared connection slot",
			Buckets: RequestBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		MessagesTotal,
		MessageBytesTotal,
		StateTransitionsTotal,
		ActiveSessions,
		RoutingMissesTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SlotWaitDuration,
	)
}

// StatusClass returns the "Nxx" label for an HTTP status code.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "error"
	}
	return string(rune('0'+code/100)) + "xx"
}
