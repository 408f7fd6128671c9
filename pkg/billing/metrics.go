package billing

import "time"

// Metrics defines the interface for tracking billing operations.
type Metrics interface {
	// RecordAccessCheck records a paid-feature access check.
	RecordAccessCheck(serviceName string, allowed bool)

	// RecordDeduction records a token deduction attempt.
	RecordDeduction(serviceName string, amount int64, success bool)

	// RecordCredit records a balance credit (purchase, refund, adjustment).
	RecordCredit(kind string, amount int64)

	// RecordWebhookEvent records a processed webhook event and its outcome
	// (e.g., "success", "duplicate", "error").
	RecordWebhookEvent(eventType, outcome string)

	// RecordWebhookProcessingDuration records how long an event took to process.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordGatewayCall records an outbound payment-processor call and its outcome.
	RecordGatewayCall(endpoint, outcome string)

	// RecordGatewayCallDuration records the latency of an outbound call.
	RecordGatewayCallDuration(endpoint string, duration time.Duration)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordAccessCheck(serviceName string, allowed bool)                       {}
func (n *NoopMetrics) RecordDeduction(serviceName string, amount int64, success bool)           {}
func (n *NoopMetrics) RecordCredit(kind string, amount int64)                                   {}
func (n *NoopMetrics) RecordWebhookEvent(eventType, outcome string)                             {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(eventType string, duration time.Duration) {}
func (n *NoopMetrics) RecordGatewayCall(endpoint, outcome string)                               {}
func (n *NoopMetrics) RecordGatewayCallDuration(endpoint string, duration time.Duration)        {}
