package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minuterelay_requests_total",
			Help: "Total delivery requests processed, by overall status.",
		},
		[]string{"overall"}, // delivered, partial, failed
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minuterelay_deliveries_total",
			Help: "Per-channel delivery outcomes.",
		},
		[]string{"channel", "status"},
	)

	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minuterelay_attempts_total",
			Help: "Adapter invocations, including retries.",
		},
		[]string{"channel"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minuterelay_retries_total",
			Help: "Retries by channel and failure classification.",
		},
		[]string{"channel", "reason"}, // e.g. transient, timeout
	)

	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minuterelay_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		},
		[]string{"channel", "to"},
	)

	DeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minuterelay_delivery_duration_seconds",
			Help:    "Wall time from first attempt to terminal outcome, per channel.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"channel"},
	)

	RequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "minuterelay_requests_in_flight",
			Help: "Delivery requests currently being dispatched.",
		},
	)

	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minuterelay_submissions_total",
			Help: "Intake submissions, by result.",
		},
		[]string{"result"}, // accepted, duplicate, rejected
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		RequestsTotal,
		DeliveriesTotal,
		AttemptsTotal,
		RetriesTotal,
		BreakerTransitionsTotal,
		DeliveryDuration,
		RequestsInFlight,
		SubmissionsTotal,
	)
}

// RecordOutcome records the terminal outcome of one channel within a request.
func RecordOutcome(channel, status string, attempts int, elapsed time.Duration) {
	DeliveriesTotal.WithLabelValues(channel, status).Inc()
	AttemptsTotal.WithLabelValues(channel).Add(float64(attempts))
	DeliveryDuration.WithLabelValues(channel).Observe(elapsed.Seconds())
}

// RecordRetries records the retries spent on a channel under one request.
func RecordRetries(channel, reason string, n int) {
	if n <= 0 {
		return
	}
	RetriesTotal.WithLabelValues(channel, reason).Add(float64(n))
}

// RecordAggregate records the overall request status.
func RecordAggregate(overall string) {
	RequestsTotal.WithLabelValues(overall).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(channel, to string) {
	BreakerTransitionsTotal.WithLabelValues(channel, to).Inc()
}

// RecordSubmission records an intake submission result.
func RecordSubmission(result string) {
	SubmissionsTotal.WithLabelValues(result).Inc()
}
