// Package metrics provides Prometheus instrumentation for the chat engine.
// It exposes gauges for connection, room, and call counts, counters for
// message and signaling throughput, and a histogram for publish latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatengine_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the number of room actors currently running.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatengine_active_rooms",
		Help: "Current number of active room actors",
	})

	// Subscribers tracks the total number of live room subscriptions.
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatengine_subscribers",
		Help: "Current number of live room subscriptions",
	})

	// MessagesTotal counts messages processed, labeled by outcome:
	// "published", "delivered", "suppressed_expired", or "dropped_slow".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatengine_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// PresenceBroadcasts counts merged presence views fanned out to rooms.
	PresenceBroadcasts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatengine_presence_broadcasts_total",
		Help: "Total number of presence broadcasts",
	})

	// PublishLatency records the Publish path latency (store write included)
	// in seconds.
	PublishLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatengine_publish_latency_seconds",
		Help:    "Publish latency in seconds, durable write included",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// ActiveCalls tracks the number of call sessions not in the idle state.
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatengine_active_calls",
		Help: "Current number of active call sessions",
	})

	// SignalsTotal counts relayed signaling payloads, labeled by outcome:
	// "delivered", "buffered", "dropped", "rejected_busy", or "stale".
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatengine_signals_total",
		Help: "Total number of call signals processed",
	}, []string{"outcome"})

	// MessagesReaped counts expired messages deleted by the reaper.
	MessagesReaped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatengine_messages_reaped_total",
		Help: "Total number of expired messages deleted",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveRooms,
		Subscribers,
		MessagesTotal,
		PresenceBroadcasts,
		PublishLatency,
		ActiveCalls,
		SignalsTotal,
		MessagesReaped,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
