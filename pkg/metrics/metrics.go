// payment-core/pkg/metrics/metrics.go
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// The "service" label lets one query compare HTTP and gRPC surfaces.
	PaymentRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "requests_total",
			Help:      "Total payment API requests per service",
		},
		[]string{"service", "status", "method"},
	)

	PaymentRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payment",
			Name:      "request_duration_seconds",
			Help:      "Payment API request duration per service",
			// dense sub-second buckets
			Buckets: []float64{
				0.01, 0.02, 0.03, 0.05, 0.08, 0.12,
				0.2, 0.3, 0.5, 0.8, 1.2, 2, 3, 5,
			},
		},
		[]string{"service", "status"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "transitions_total",
			Help:      "Committed payment status transitions",
		},
		[]string{"from", "to"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "payment",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
		},
		[]string{"dependency"},
	)

	ProcessorCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "processor_calls_total",
			Help:      "Calls to the payment processor by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "retry_attempts_total",
			Help:      "Retried outbound attempts per dependency",
		},
		[]string{"dependency"},
	)

	FraudDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "fraud_decisions_total",
			Help:      "Fraud gate decisions by status",
		},
		[]string{"status", "reason"},
	)

	FraudScoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "payment",
			Name:      "fraud_score_seconds",
			Help:      "Latency of fraud scoring including fallbacks",
			Buckets:   prometheus.DefBuckets,
		},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payment",
			Name:      "webhook_events_total",
			Help:      "Processor webhook events by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentRequestsTotal,
		PaymentRequestDuration,
		TransitionsTotal,
		BreakerState,
		ProcessorCallsTotal,
		RetryAttemptsTotal,
		FraudDecisionsTotal,
		FraudScoreDuration,
		WebhookEventsTotal,
	)
}

// Helpers so handlers stay tidy.
func IncRequest(service, status, method string) {
	PaymentRequestsTotal.WithLabelValues(service, status, method).Inc()
}
func ObserveDuration(service, status string, seconds float64) {
	PaymentRequestDuration.WithLabelValues(service, status).Observe(seconds)
}

func IncTransition(from, to string) {
	TransitionsTotal.WithLabelValues(from, to).Inc()
}

func SetBreakerState(dependency string, state float64) {
	BreakerState.WithLabelValues(dependency).Set(state)
}

func IncProcessorCall(operation, outcome string) {
	ProcessorCallsTotal.WithLabelValues(operation, outcome).Inc()
}

func IncRetry(dependency string) {
	RetryAttemptsTotal.WithLabelValues(dependency).Inc()
}

func IncFraudDecision(status, reason string) {
	FraudDecisionsTotal.WithLabelValues(status, reason).Inc()
}

func ObserveFraudScore(seconds float64) {
	FraudScoreDuration.Observe(seconds)
}

func IncWebhookEvent(eventType, outcome string) {
	WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}
