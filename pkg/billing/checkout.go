package billing

import (
	"context"
	"errors"
	"fmt"
)

// CreateCheckoutSession creates a hosted checkout session for a token or
// subscription package and returns its redirect URL. The price id decides
// the checkout mode: it must belong to exactly one of the two package
// tables. The gateway call happens strictly before any local mutation
// besides remembering the processor customer id; crediting and status
// changes only ever come from the completed-checkout webhook.
func (s *Service) CreateCheckoutSession(ctx context.Context, userID, priceID, successURL, cancelURL string) (string, error) {
	if s.gateway == nil {
		return "", ErrGatewayNotConfigured
	}

	req := &CheckoutSessionRequest{
		UserID:     userID,
		PriceID:    priceID,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	}
	if _, ok := s.packages.TokenPackage(priceID); ok {
		req.Mode = CheckoutModePayment
	} else if pkg, ok := s.packages.SubscriptionPackage(priceID); ok {
		req.Mode = CheckoutModeSubscription
		req.TrialDays = pkg.TrialDays
	} else {
		return "", fmt.Errorf("%w: %s", ErrUnknownPackage, priceID)
	}

	ub, err := s.store.EnsureUserBilling(ctx, userID)
	if err != nil {
		return "", err
	}

	start := s.now()
	customerID, err := s.gateway.EnsureCustomer(ctx, userID, ub.PaymentCustomerID)
	s.metrics.RecordGatewayCallDuration("customers", s.now().Sub(start))
	if err != nil {
		s.metrics.RecordGatewayCall("customers", "error")
		return "", fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	s.metrics.RecordGatewayCall("customers", "success")

	if customerID != "" && customerID != ub.PaymentCustomerID {
		if err := s.store.SetCustomerID(ctx, userID, customerID); err != nil {
			return "", err
		}
	}
	req.CustomerID = customerID

	start = s.now()
	url, err := s.gateway.CreateCheckoutSession(ctx, req)
	s.metrics.RecordGatewayCallDuration("checkout_sessions", s.now().Sub(start))
	if err != nil {
		s.metrics.RecordGatewayCall("checkout_sessions", "error")
		return "", fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	s.metrics.RecordGatewayCall("checkout_sessions", "success")

	return url, nil
}

// CreatePortalSession creates a customer-portal session where the user
// manages the subscription and payment methods. Requires a known
// processor customer, i.e. at least one prior checkout.
func (s *Service) CreatePortalSession(ctx context.Context, userID, returnURL string) (string, error) {
	if s.gateway == nil {
		return "", ErrGatewayNotConfigured
	}

	ub, err := s.store.GetUserBilling(ctx, userID)
	if err != nil {
		return "", err
	}
	if ub.PaymentCustomerID == "" {
		return "", fmt.Errorf("%w: user %s has no payment customer", ErrPaymentGateway, userID)
	}

	start := s.now()
	url, err := s.gateway.CreatePortalSession(ctx, ub.PaymentCustomerID, returnURL)
	s.metrics.RecordGatewayCallDuration("portal_sessions", s.now().Sub(start))
	if err != nil {
		s.metrics.RecordGatewayCall("portal_sessions", "error")
		return "", fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	s.metrics.RecordGatewayCall("portal_sessions", "success")

	return url, nil
}

// GetPaymentHistory reads the user's processor-side payment history.
// Users without a processor customer simply have none yet.
func (s *Service) GetPaymentHistory(ctx context.Context, userID string, limit int) ([]Payment, error) {
	if s.gateway == nil {
		return nil, ErrGatewayNotConfigured
	}

	ub, err := s.store.GetUserBilling(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrBillingNotFound) {
			return []Payment{}, nil
		}
		return nil, err
	}
	if ub.PaymentCustomerID == "" {
		return []Payment{}, nil
	}

	start := s.now()
	payments, err := s.gateway.ListPayments(ctx, ub.PaymentCustomerID, limit)
	s.metrics.RecordGatewayCallDuration("payment_history", s.now().Sub(start))
	if err != nil {
		s.metrics.RecordGatewayCall("payment_history", "error")
		return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}
	s.metrics.RecordGatewayCall("payment_history", "success")

	return payments, nil
}
