// Package metrics exposes the gateway's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks open gateway sockets.
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lantern",
		Subsystem: "gateway",
		Name:      "connections",
		Help:      "Open gateway WebSocket connections.",
	})

	// EventsBroadcast counts events handed to the router.
	EventsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lantern",
		Subsystem: "gateway",
		Name:      "events_broadcast_total",
		Help:      "Events broadcast through the router.",
	})

	// EventsDropped counts per-subscriber drops by reason.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lantern",
		Subsystem: "gateway",
		Name:      "events_dropped_total",
		Help:      "Per-subscriber event drops.",
	}, []string{"reason"})

	// LaggedConnections counts connections force-closed for falling
	// behind their outbound queue.
	LaggedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lantern",
		Subsystem: "gateway",
		Name:      "lagged_connections_total",
		Help:      "Connections closed after overflowing their outbound queue.",
	})

	// EventLogLag reports the listener's distance behind the event log
	// tail at the end of each poll.
	EventLogLag = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lantern",
		Subsystem: "gateway",
		Name:      "event_log_lag",
		Help:      "Event-log rows between the listener cursor and the tail.",
	})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
