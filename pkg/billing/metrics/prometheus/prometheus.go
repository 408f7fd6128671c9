// Package prommetrics implements the billing.Metrics interface using
// Prometheus counters and histograms.
package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/careermate/billing/pkg/billing"
)

// Metrics implements billing.Metrics using Prometheus.
type Metrics struct {
	accessChecksTotal         *prometheus.CounterVec
	deductionsTotal           *prometheus.CounterVec
	tokensDeductedTotal       *prometheus.CounterVec
	tokensCreditedTotal       *prometheus.CounterVec
	webhookEventsTotal        *prometheus.CounterVec
	webhookProcessingDuration *prometheus.HistogramVec
	gatewayCallsTotal         *prometheus.CounterVec
	gatewayCallDuration       *prometheus.HistogramVec
}

// NewMetrics creates a Prometheus metrics implementation registered
// against reg under the given namespace.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		accessChecksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "access_checks_total",
			Help:      "Total number of paid-feature access checks.",
		}, []string{"service", "allowed"}),

		deductionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "deductions_total",
			Help:      "Total number of token deduction attempts.",
		}, []string{"service", "success"}),

		tokensDeductedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "tokens_deducted_total",
			Help:      "Total tokens deducted for service usage.",
		}, []string{"service"}),

		tokensCreditedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "tokens_credited_total",
			Help:      "Total tokens credited to user balances.",
		}, []string{"kind"}),

		webhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_events_total",
			Help:      "Total number of webhook events received, by outcome.",
		}, []string{"event_type", "outcome"}),

		webhookProcessingDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_processing_duration_seconds",
			Help:      "Duration of webhook event processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),

		gatewayCallsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "gateway_calls_total",
			Help:      "Total number of outbound payment-processor API calls.",
		}, []string{"endpoint", "outcome"}),

		gatewayCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "gateway_call_duration_seconds",
			Help:      "Duration of outbound payment-processor API calls in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

func (m *Metrics) RecordAccessCheck(serviceName string, allowed bool) {
	m.accessChecksTotal.WithLabelValues(serviceName, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) RecordDeduction(serviceName string, amount int64, success bool) {
	m.deductionsTotal.WithLabelValues(serviceName, strconv.FormatBool(success)).Inc()
	if success && amount > 0 {
		m.tokensDeductedTotal.WithLabelValues(serviceName).Add(float64(amount))
	}
}

func (m *Metrics) RecordCredit(kind string, amount int64) {
	if amount > 0 {
		m.tokensCreditedTotal.WithLabelValues(kind).Add(float64(amount))
	}
}

func (m *Metrics) RecordWebhookEvent(eventType, outcome string) {
	m.webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {
	m.webhookProcessingDuration.WithLabelValues(eventType).Observe(duration.Seconds())
}

func (m *Metrics) RecordGatewayCall(endpoint, outcome string) {
	m.gatewayCallsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) RecordGatewayCallDuration(endpoint string, duration time.Duration) {
	m.gatewayCallDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// DefaultMetrics returns a Metrics implementation using the default
// Prometheus registerer.
func DefaultMetrics(namespace string) billing.Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
