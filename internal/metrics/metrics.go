// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomhub_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Hub metrics
	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomhub_active_rooms",
			Help: "Rooms with at least one live connection",
		},
	)

	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "roomhub_active_connections",
			Help: "Live WebSocket connections attached to a room",
		},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_bus_messages_published_total",
			Help: "Messages published on room buses",
		},
		[]string{"kind"},
	)

	MessagesLagged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "roomhub_bus_messages_lagged_total",
			Help: "Messages dropped for subscribers that fell behind",
		},
	)

	FramesDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_inbound_frames_discarded_total",
			Help: "Inbound frames not published to the bus",
		},
		[]string{"reason"}, // "rate_limited", "binary"
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomhub_persist_failures_total",
			Help: "Failed persistence calls made by the hub",
		},
		[]string{"op"}, // "add_message", "update_last_joined_at"
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomhub_store_latency_seconds",
			Help:    "Persistence call latency",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25},
		},
		[]string{"op"},
	)
)
