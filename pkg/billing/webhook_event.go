package billing

import "time"

// WebhookEventType is the normalized event class the reconciler dispatches on.
type WebhookEventType string

const (
	EventCheckoutCompleted    WebhookEventType = "checkout.completed"
	EventSubscriptionUpdated  WebhookEventType = "subscription.updated"
	EventSubscriptionDeleted  WebhookEventType = "subscription.deleted"
	EventInvoicePaid          WebhookEventType = "invoice.paid"
	EventInvoicePaymentFailed WebhookEventType = "invoice.payment_failed"
	EventUnknown              WebhookEventType = "unknown"
)

// CheckoutMode distinguishes one-time token purchases from subscription checkouts.
type CheckoutMode string

const (
	CheckoutModePayment      CheckoutMode = "payment"
	CheckoutModeSubscription CheckoutMode = "subscription"
)

// WebhookEvent is a signature-verified, processor-agnostic webhook event.
// The gateway produces it; exactly one of the payload fields matching
// Type is populated.
type WebhookEvent struct {
	// ID is the processor's event id, used for the idempotency gate.
	ID string

	Type WebhookEventType

	// RawType is the processor's own event type string, kept for logging
	// and for recording unrecognized events.
	RawType string

	// CreatedAt is the processor-side creation timestamp, the ordering
	// key for out-of-order delivery.
	CreatedAt time.Time

	Checkout     *CheckoutCompleted
	Subscription *SubscriptionEvent
	Invoice      *InvoiceEvent
}

// CheckoutCompleted carries the fields of a completed checkout session.
type CheckoutCompleted struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	PriceID        string
	Mode           CheckoutMode
	TrialEnd       *time.Time
	PeriodEnd      *time.Time
}

// SubscriptionEvent carries the fields of a subscription lifecycle event.
type SubscriptionEvent struct {
	UserID         string // may be empty; resolved via customer id
	CustomerID     string
	SubscriptionID string
	PriceID        string

	// Status is the processor's own status string (e.g. "past_due").
	Status string

	PeriodEnd *time.Time
	TrialEnd  *time.Time
}

// InvoiceEvent carries the fields of a paid or failed invoice.
type InvoiceEvent struct {
	CustomerID     string
	SubscriptionID string
	PeriodEnd      *time.Time
}
