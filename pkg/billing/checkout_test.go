package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/careermate/billing/pkg/billing"
)

func TestCreateCheckoutSession_NoGateway(t *testing.T) {
	svc, _ := newTestService(t, nil)

	_, err := svc.CreateCheckoutSession(context.Background(), "user1", "price_tokens_50", "https://app/ok", "https://app/cancel")
	if !errors.Is(err, billing.ErrGatewayNotConfigured) {
		t.Fatalf("expected ErrGatewayNotConfigured, got %v", err)
	}
}

func TestCreateCheckoutSession_UnknownPrice(t *testing.T) {
	gw := newFakeGateway()
	svc, _ := newTestService(t, gw)

	_, err := svc.CreateCheckoutSession(context.Background(), "user1", "price_nope", "https://app/ok", "https://app/cancel")
	if !errors.Is(err, billing.ErrUnknownPackage) {
		t.Fatalf("expected ErrUnknownPackage, got %v", err)
	}
	if len(gw.checkoutReqs) != 0 {
		t.Errorf("expected no gateway call for unknown price, got %d", len(gw.checkoutReqs))
	}
}

func TestCreateCheckoutSession_TokenPurchase(t *testing.T) {
	gw := newFakeGateway()
	svc, _ := newTestService(t, gw)
	ctx := context.Background()

	url, err := svc.CreateCheckoutSession(ctx, "user1", "price_tokens_50", "https://app/ok", "https://app/cancel")
	if err != nil {
		t.Fatalf("CreateCheckoutSession failed: %v", err)
	}
	if url != gw.checkoutURL {
		t.Errorf("expected %q, got %q", gw.checkoutURL, url)
	}

	if len(gw.checkoutReqs) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(gw.checkoutReqs))
	}
	req := gw.checkoutReqs[0]
	if req.Mode != billing.CheckoutModePayment {
		t.Errorf("expected payment mode, got %s", req.Mode)
	}
	if req.CustomerID != gw.customerID {
		t.Errorf("expected customer %q on request, got %q", gw.customerID, req.CustomerID)
	}

	// The freshly created customer id is stored for webhook resolution.
	ub, _ := svc.GetUserBilling(ctx, "user1")
	if ub.PaymentCustomerID != gw.customerID {
		t.Errorf("expected customer id persisted, got %q", ub.PaymentCustomerID)
	}
	// But no tokens yet: only the webhook credits.
	if ub.TokenBalance != 0 {
		t.Errorf("expected no credit before the webhook, balance is %d", ub.TokenBalance)
	}
}

func TestCreateCheckoutSession_SubscriptionTrialDays(t *testing.T) {
	gw := newFakeGateway()
	svc, _ := newTestService(t, gw)

	if _, err := svc.CreateCheckoutSession(context.Background(), "user1", "price_monthly", "https://app/ok", "https://app/cancel"); err != nil {
		t.Fatalf("CreateCheckoutSession failed: %v", err)
	}

	req := gw.checkoutReqs[0]
	if req.Mode != billing.CheckoutModeSubscription {
		t.Errorf("expected subscription mode, got %s", req.Mode)
	}
	if req.TrialDays != 7 {
		t.Errorf("expected 7 trial days from the catalog, got %d", req.TrialDays)
	}
}

func TestCreateCheckoutSession_GatewayFailure(t *testing.T) {
	gw := newFakeGateway()
	gw.gatewayErr = errors.New("upstream 500")
	svc, _ := newTestService(t, gw)

	_, err := svc.CreateCheckoutSession(context.Background(), "user1", "price_tokens_50", "https://app/ok", "https://app/cancel")
	if !errors.Is(err, billing.ErrPaymentGateway) {
		t.Fatalf("expected ErrPaymentGateway, got %v", err)
	}
}

func TestCreatePortalSession_RequiresCustomer(t *testing.T) {
	gw := newFakeGateway()
	svc, store := newTestService(t, gw)
	ctx := context.Background()

	if _, err := store.EnsureUserBilling(ctx, "user1"); err != nil {
		t.Fatalf("EnsureUserBilling failed: %v", err)
	}
	if _, err := svc.CreatePortalSession(ctx, "user1", "https://app/account"); !errors.Is(err, billing.ErrPaymentGateway) {
		t.Fatalf("expected ErrPaymentGateway without a customer, got %v", err)
	}

	if err := store.SetCustomerID(ctx, "user1", "cus_1"); err != nil {
		t.Fatalf("SetCustomerID failed: %v", err)
	}
	url, err := svc.CreatePortalSession(ctx, "user1", "https://app/account")
	if err != nil {
		t.Fatalf("CreatePortalSession failed: %v", err)
	}
	if url != gw.portalURL {
		t.Errorf("expected %q, got %q", gw.portalURL, url)
	}
}

func TestGetPaymentHistory(t *testing.T) {
	gw := newFakeGateway()
	gw.payments = []billing.Payment{
		{ID: "pi_1", Amount: 999, Currency: "usd", Status: "succeeded", CreatedAt: time.Now().UTC()},
	}
	svc, store := newTestService(t, gw)
	ctx := context.Background()

	// No billing record yet: empty history, not an error.
	payments, err := svc.GetPaymentHistory(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("GetPaymentHistory failed: %v", err)
	}
	if len(payments) != 0 {
		t.Errorf("expected empty history, got %d payments", len(payments))
	}

	if err := store.SetCustomerID(ctx, "user1", "cus_1"); err != nil {
		t.Fatalf("SetCustomerID failed: %v", err)
	}
	payments, err = svc.GetPaymentHistory(ctx, "user1", 10)
	if err != nil {
		t.Fatalf("GetPaymentHistory failed: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != "pi_1" {
		t.Errorf("unexpected history %+v", payments)
	}
}
