package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChargesInitiated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_charges_initiated_total",
		Help: "Number of charges initiated",
	})

	ChargesSucceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_charges_succeeded_total",
		Help: "Number of charges that reached a successful state",
	}, []string{"trigger"})

	ChargesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_charges_failed_total",
		Help: "Number of charges that reached a failed state",
	})

	WebhooksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_webhooks_processed_total",
		Help: "Webhook deliveries processed, by provider and outcome",
	}, []string{"provider", "outcome"})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_circuit_breaker_trips_total",
		Help: "Circuit breaker transitions to the open state",
	}, []string{"key"})

	BreakerShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_circuit_breaker_short_circuits_total",
		Help: "Calls rejected while the circuit breaker was open",
	}, []string{"key"})

	SettlementsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_settlements_processed_total",
		Help: "Settlement jobs processed, by outcome",
	}, []string{"outcome"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payment_provider_request_duration_seconds",
		Help:    "Latency of outbound provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)
