// Package metrics provides Prometheus instrumentation for the chat sync
// client. It exposes a gauge for the channel state, counters for
// reconnects, inbound frames, reconciled messages, sends and history
// fetches, and a histogram for invocation round trips.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionState holds the numeric channel state
	// (0 disconnected, 1 connecting, 2 connected, 3 reconnecting, 4 failed).
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_state",
		Help: "Current channel connection state",
	})

	// ReconnectAttempts counts reconnect attempts, labeled by result:
	// "success" or "failure".
	ReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total number of reconnect attempts",
	}, []string{"result"})

	// FramesTotal counts inbound frames, labeled by outcome:
	// "event", "completion" or "dropped".
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_total",
		Help: "Total number of inbound channel frames",
	}, []string{"outcome"})

	// MessagesApplied counts messages entering the reconciliation store,
	// labeled by origin: "optimistic", "live" or "history".
	MessagesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_applied_total",
		Help: "Total number of messages applied to the reconciliation store",
	}, []string{"origin"})

	// DuplicatesDropped counts live messages discarded as duplicates.
	DuplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_duplicates_dropped_total",
		Help: "Total number of duplicate live messages dropped",
	})

	// SendsTotal counts send outcomes, labeled by path: "live",
	// "fallback" or "failed".
	SendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_sends_total",
		Help: "Total number of message sends by delivery path",
	}, []string{"path"})

	// HistoryFetches counts hydration attempts, labeled by source:
	// "live", "fallback", "failed" or "stale".
	HistoryFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_history_fetches_total",
		Help: "Total number of conversation history fetches by source",
	}, []string{"source"})

	// OpenSessions tracks the number of open conversation sessions.
	OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_open_sessions",
		Help: "Current number of open conversation sessions",
	})

	// InvocationLatency records channel invocation round trips in seconds.
	InvocationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_invocation_latency_seconds",
		Help:    "Channel invocation round-trip latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"method"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		FramesTotal,
		MessagesApplied,
		DuplicatesDropped,
		SendsTotal,
		HistoryFetches,
		OpenSessions,
		InvocationLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
