package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReservationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_reservations_total",
		Help: "Stock reservation attempts by outcome",
	}, []string{"outcome"})

	ReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rental_reserve_latency_seconds",
		Help:    "Latency of stock reservation",
		Buckets: prometheus.DefBuckets,
	})

	AvailabilityCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_availability_cache_total",
		Help: "Availability lookups by cache result",
	}, []string{"result"})

	RentalTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_transitions_total",
		Help: "Applied rental state transitions",
	}, []string{"from", "to"})

	StaleTransitionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rental_stale_transitions_total",
		Help: "Transitions lost to a concurrent writer",
	})

	PaymentAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_attempts_total",
		Help: "Payment attempts started by channel",
	}, []string{"channel"})

	PaymentOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_outcomes_total",
		Help: "Payment outcome reports by status and disposition",
	}, []string{"status", "disposition"})

	DuplicateOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_duplicate_outcomes_total",
		Help: "Repeated payment outcome reports by where they were detected",
	}, []string{"source"})

	IntegrityViolationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_integrity_violations_total",
		Help: "Conflicting terminal payment reports refused and activations attempted on unpaid attempts",
	})

	ExpiredAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_expired_attempts_total",
		Help: "Gateway attempts cancelled because their link expired",
	})

	GatewayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_gateway_latency_seconds",
		Help:    "Latency of payment link creation",
		Buckets: prometheus.DefBuckets,
	})

	ReturnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_returns_total",
		Help: "Closed rentals by returned condition",
	}, []string{"condition"})

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rental_signals_total",
		Help: "Consumed signal events by type and result",
	}, []string{"type", "result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
