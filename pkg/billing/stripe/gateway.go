// Package stripe implements the billing.Gateway interface for Stripe.
// It wraps checkout/portal session creation, customer management and
// payment-history reads, and verifies inbound webhook signatures. All
// reconciliation of webhook events into local state happens in the
// billing Service; this package only talks to Stripe.
package stripe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/careermate/billing/pkg/billing"
)

const (
	gatewayName        = "stripe"
	defaultListLimit   = 20
	metadataUserIDKey  = "user_id"
	metadataPriceIDKey = "price_id"
)

// Config holds Stripe gateway configuration.
type Config struct {
	// APIKey is the secret key for outbound API calls.
	APIKey string

	// WebhookSecret is the endpoint signing secret used to verify
	// inbound webhook deliveries.
	WebhookSecret string

	// Logger is used for structured logging (default: NoopLogger).
	Logger billing.Logger
}

// Gateway implements billing.Gateway for Stripe.
type Gateway struct {
	client        *stripe.Client
	webhookSecret string
	logger        billing.Logger
}

// New creates a Stripe gateway.
func New(config Config) (*Gateway, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("stripe API key is required")
	}
	webhookSecret := strings.TrimSpace(config.WebhookSecret)
	if webhookSecret == "" {
		return nil, fmt.Errorf("stripe webhook secret is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = &billing.NoopLogger{}
	}

	return &Gateway{
		client:        stripe.NewClient(apiKey),
		webhookSecret: webhookSecret,
		logger:        logger,
	}, nil
}

// Name returns the gateway name.
func (g *Gateway) Name() string {
	return gatewayName
}

// EnsureCustomer returns the Stripe customer id for a user, creating the
// customer if none is known. An existing id is trusted as-is; otherwise
// the Search API is consulted before creating, to avoid duplicate
// customers for users whose id was lost locally.
func (g *Gateway) EnsureCustomer(ctx context.Context, userID, existingCustomerID string) (string, error) {
	if existingCustomerID != "" {
		return existingCustomerID, nil
	}

	if customerID, err := g.searchCustomerByMetadata(ctx, userID); err == nil && customerID != "" {
		return customerID, nil
	}

	params := &stripe.CustomerCreateParams{}
	params.AddMetadata(metadataUserIDKey, userID)

	cust, err := g.client.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create customer: %w", err)
	}
	return cust.ID, nil
}

// searchCustomerByMetadata searches for a customer by metadata using the
// Stripe Search API.
func (g *Gateway) searchCustomerByMetadata(ctx context.Context, userID string) (string, error) {
	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, userID)

	for cust, err := range g.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// Verify exact match (Search API can return partial matches)
		if cust.Metadata != nil && cust.Metadata[metadataUserIDKey] == userID {
			return cust.ID, nil
		}
	}

	return "", nil
}

// ListPayments reads the customer's payment intents from Stripe.
func (g *Gateway) ListPayments(ctx context.Context, customerID string, limit int) ([]billing.Payment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	params := &stripe.PaymentIntentListParams{}
	params.Customer = stripe.String(customerID)
	params.Limit = stripe.Int64(int64(limit))

	payments := make([]billing.Payment, 0, limit)
	for pi, err := range g.client.V1PaymentIntents.List(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("failed to list payments: %w", err)
		}
		payments = append(payments, billing.Payment{
			ID:          pi.ID,
			Amount:      pi.Amount,
			Currency:    string(pi.Currency),
			Status:      string(pi.Status),
			Description: pi.Description,
			CreatedAt:   time.Unix(pi.Created, 0).UTC(),
		})
		if len(payments) >= limit {
			break
		}
	}

	return payments, nil
}
