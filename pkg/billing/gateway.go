package billing

import "context"

// Gateway is the thin client for the external payment processor. It hosts
// checkout and portal sessions, verifies inbound webhook signatures, and
// reads payment history. It performs no local state changes; the Service
// reconciles processor events into the Store.
type Gateway interface {
	// Name returns the processor name (e.g., "stripe").
	Name() string

	// ParseWebhook verifies the signature (including timestamp tolerance)
	// and normalizes the payload. Verification failures return
	// ErrInvalidSignature; the event must then be rejected with no state
	// change so the processor retries.
	ParseWebhook(payload []byte, signatureHeader string) (*WebhookEvent, error)

	// EnsureCustomer creates a processor customer for the user if none is
	// known, returning the customer id.
	EnsureCustomer(ctx context.Context, userID, existingCustomerID string) (string, error)

	// CreateCheckoutSession creates a hosted checkout session and returns
	// its redirect URL.
	CreateCheckoutSession(ctx context.Context, req *CheckoutSessionRequest) (string, error)

	// CreatePortalSession creates a hosted customer-portal session and
	// returns its redirect URL.
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)

	// ListPayments reads the customer's payment history from the
	// processor. Results are never cached locally.
	ListPayments(ctx context.Context, customerID string, limit int) ([]Payment, error)
}

// CheckoutSessionRequest parameterizes a hosted checkout session.
type CheckoutSessionRequest struct {
	UserID     string
	CustomerID string // optional; processor creates one when empty
	PriceID    string
	Mode       CheckoutMode
	TrialDays  int // subscription mode only
	SuccessURL string
	CancelURL  string
}
