// Package metrics provides Prometheus instrumentation for the realtime
// core. It exposes gauges for live connections and channel bindings,
// counters for persisted and broadcast records, and histograms for store
// latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ChannelBindings tracks live connection-to-channel bindings on the gateway.
	ChannelBindings = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_channel_bindings",
		Help: "Current number of channel subscriptions held by WebSocket connections",
	})

	// MessagesTotal counts chat operations, labeled by outcome: "sent",
	// "edited", "deleted", "blocked" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_messages_total",
		Help: "Total number of chat message operations",
	}, []string{"type"})

	// ActivitiesTotal counts recorded activities by activity type.
	ActivitiesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_activities_total",
		Help: "Total number of recorded activities",
	}, []string{"type"})

	// BroadcastsTotal counts envelopes handed to the transport, labeled by
	// event name and result ("ok" or "error").
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_broadcasts_total",
		Help: "Total number of broadcast envelopes published",
	}, []string{"event", "result"})

	// StoreLatency records persistence latency in seconds by operation.
	StoreLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rt_store_latency_seconds",
		Help:    "Store operation latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"op"})

	// RateLimitedTotal counts requests rejected by a rate limit rule.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_rate_limited_total",
		Help: "Total number of requests rejected by rate limiting",
	}, []string{"rule"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ChannelBindings,
		MessagesTotal,
		ActivitiesTotal,
		BroadcastsTotal,
		StoreLatency,
		RateLimitedTotal,
	)
}

// ObserveStore records the elapsed time since start under op.
func ObserveStore(op string, start time.Time) {
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
