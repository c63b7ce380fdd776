// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RelayConnections is the number of open relay connections.
	RelayConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Number of open relay connections",
	})

	// RelayOnlineUsers is the number of users with at least one connection.
	RelayOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Number of users with at least one relay connection",
	})

	// RelayEvents counts inbound relay events.
	// Labels:
	//   - event: wire event name
	//   - outcome: "ok", "rejected", "error"
	RelayEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Total number of relay events received",
		},
		[]string{"event", "outcome"},
	)

	// RelayDropped counts deliveries dropped because the target was offline
	// or its send buffer was full.
	RelayDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_events_total",
			Help: "Total number of relay deliveries dropped",
		},
		[]string{"event", "reason"},
	)

	// MessagesPersisted counts conversation log appends by log kind.
	MessagesPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_persisted_total",
			Help: "Total number of messages appended to conversation logs",
		},
		[]string{"kind"},
	)

	// AssistantRequests counts assistant calls.
	// Labels:
	//   - outcome: "success", "error", "unavailable"
	AssistantRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "assistant_requests_total",
			Help: "Total number of assistant requests",
		},
		[]string{"outcome"},
	)

	AssistantDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assistant_request_duration_seconds",
		Help:    "Duration of assistant requests in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// HTTPRequestDuration measures API latency by route template.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// ObserveHTTP records one finished request
func ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
