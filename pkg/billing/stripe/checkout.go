package stripe

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/careermate/billing/pkg/billing"
)

// CreateCheckoutSession creates a Stripe Checkout Session and returns its
// URL. The session carries user_id and price_id metadata so the webhook
// handler can attribute the completed purchase without extra lookups.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req *billing.CheckoutSessionRequest) (string, error) {
	params := &stripe.CheckoutSessionCreateParams{
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.AddMetadata(metadataUserIDKey, req.UserID)
	params.AddMetadata(metadataPriceIDKey, req.PriceID)

	switch req.Mode {
	case billing.CheckoutModePayment:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))

	case billing.CheckoutModeSubscription:
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
		params.SubscriptionData.AddMetadata(metadataUserIDKey, req.UserID)
		if req.TrialDays > 0 {
			params.SubscriptionData.TrialPeriodDays = stripe.Int64(int64(req.TrialDays))
		}

	default:
		return "", fmt.Errorf("unsupported checkout mode %q", req.Mode)
	}

	// Attach existing customer if known (avoids duplicates)
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	} else {
		// Use ClientReferenceID to link the new customer to the user
		params.ClientReferenceID = stripe.String(req.UserID)
		if req.Mode == billing.CheckoutModePayment {
			params.CustomerCreation = stripe.String("always")
		}
	}

	session, err := g.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return session.URL, nil
}

// CreatePortalSession creates a Stripe Customer Portal session and
// returns its URL. The portal lets users manage their subscription,
// update payment methods, or cancel.
func (g *Gateway) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := g.client.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}

	return session.URL, nil
}
