// Package metrics declares the control plane's Prometheus series and exposes
// the scrape handler served at GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zeroclaw_instances_total",
			Help: "Number of non-archived instances by status",
		},
		[]string{"status"},
	)

	MessagesQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "zeroclaw_messages_queued",
			Help: "Number of messages currently in a given status",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zeroclaw_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zeroclaw_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zeroclaw_delivery_attempts_total",
			Help: "Delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "zeroclaw_delivery_duration_seconds",
			Help:    "Time taken to attempt message delivery",
			Buckets: prometheus.DefBuckets,
		},
	)

	SupervisorReconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zeroclaw_supervisor_reconciliations_total",
			Help: "Supervisor tick outcomes by transition kind",
		},
		[]string{"transition"},
	)

	DeadLetteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zeroclaw_dead_lettered_total",
			Help: "Total messages transitioned to dead_letter",
		},
	)

	EventBusLaggedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "zeroclaw_eventbus_lagged_total",
			Help: "Total lagged-subscriber signals emitted by the event bus",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstancesTotal,
		MessagesQueued,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DeliveryAttemptsTotal,
		DeliveryDuration,
		SupervisorReconciliations,
		DeadLetteredTotal,
		EventBusLaggedTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
