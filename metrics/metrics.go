// Package metrics holds the prometheus collectors for the fulfillment server
// and the API client. Collectors are registered on the default registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fulfillment
	GrantsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_grants_total",
			Help: "Access grant dispatches by product type and result",
		},
		[]string{"product_type", "result"},
	)

	BookingsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_bookings_created_total",
			Help: "Service bookings written by the dispatcher",
		},
		[]string{"booking_type"},
	)

	BundleSkips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketflow_bundle_skipped_products_total",
			Help: "Bundle members skipped because they were already expanded",
		},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_events_published_total",
			Help: "Fulfillment events handed to the publisher",
		},
		[]string{"topic", "result"},
	)

	// HTTP server
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketflow_http_request_duration_seconds",
			Help:    "Server request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	// API client
	ClientRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_client_requests_total",
			Help: "Outbound API client calls by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	ClientRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marketflow_client_request_duration_seconds",
			Help:    "Outbound API client call latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"endpoint"},
	)

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_token_refreshes_total",
			Help: "Token refresh network calls by result",
		},
		[]string{"result"},
	)

	RefreshWaiters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marketflow_token_refresh_shared_total",
			Help: "Refresh requests that joined an in-flight refresh",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketflow_circuit_breaker_state",
			Help: "Breaker state: 0 closed, 1 half-open, 2 open",
		},
		[]string{"name"},
	)

	QueryCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_query_cache_events_total",
			Help: "Query cache hits, misses and invalidations",
		},
		[]string{"event"},
	)

	// Recovery and health
	RecoveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_recovery_outcomes_total",
			Help: "Backend recovery runs by outcome",
		},
		[]string{"outcome"},
	)

	HealthPings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketflow_health_pings_total",
			Help: "Health pings by result",
		},
		[]string{"result"},
	)

	HealthConsecutiveFailures = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketflow_health_consecutive_failures",
			Help: "Consecutive failed health pings",
		},
	)
)

// RecordGrant counts one dispatch of productType.
func RecordGrant(productType string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	GrantsTotal.WithLabelValues(productType, result).Inc()
}

// RecordHTTPRequest observes one served request.
func RecordHTTPRequest(method, route string, status int, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// RecordClientCall counts and times one outbound API client call.
func RecordClientCall(endpoint, outcome string, d time.Duration) {
	ClientRequests.WithLabelValues(endpoint, outcome).Inc()
	ClientRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

func RecordRefresh(err error) {
	if err != nil {
		TokenRefreshes.WithLabelValues("error").Inc()
		return
	}
	TokenRefreshes.WithLabelValues("ok").Inc()
}

func RecordHealthPing(ok bool, consecutiveFailures int) {
	if ok {
		HealthPings.WithLabelValues("ok").Inc()
	} else {
		HealthPings.WithLabelValues("fail").Inc()
	}
	HealthConsecutiveFailures.Set(float64(consecutiveFailures))
}

func RecordPublish(topic string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	EventsPublished.WithLabelValues(topic, result).Inc()
}
