package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/careermate/billing/pkg/billing"
	"github.com/careermate/billing/storage/memory"
)

func newTestMiddleware(t *testing.T) (func(http.Handler) http.Handler, *billing.Service, *memory.Storage) {
	t.Helper()

	store := memory.New()
	svc, err := billing.NewService(store, nil, billing.Config{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	mw := Middleware(Config{
		Service:    svc,
		GetUserID:  func(r *http.Request) string { return r.Header.Get("X-User-ID") },
		GetService: FixedService(billing.ServiceGenerateCV),
	})
	return mw, svc, store
}

func doRequest(mw func(http.Handler) http.Handler, next http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/generate-cv", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	mw(next).ServeHTTP(rec, req)
	return rec
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("done"))
	})
}

func TestMiddleware_Unauthorized(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	rec := doRequest(mw, okHandler(), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddleware_InsufficientTokens(t *testing.T) {
	mw, _, _ := newTestMiddleware(t)

	// No grant: the user cannot afford the service and the handler never runs.
	handlerRan := false
	rec := doRequest(mw, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerRan = true
	}), "user1")
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rec.Code)
	}
	if handlerRan {
		t.Error("handler must not run when the user cannot pay")
	}
}

func TestMiddleware_DeductsAfterDelivery(t *testing.T) {
	mw, svc, _ := newTestMiddleware(t)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, "user1", 10, "grant"); err != nil {
		t.Fatalf("AdjustTokens failed: %v", err)
	}

	rec := doRequest(mw, okHandler(), "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ub, _ := svc.GetUserBilling(ctx, "user1")
	if ub.TokenBalance != 5 {
		t.Errorf("expected 5 tokens after one delivery, got %d", ub.TokenBalance)
	}
}

func TestMiddleware_NoChargeOnFailedDelivery(t *testing.T) {
	mw, svc, _ := newTestMiddleware(t)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, "user1", 10, "grant"); err != nil {
		t.Fatalf("AdjustTokens failed: %v", err)
	}

	rec := doRequest(mw, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream failure", http.StatusBadGateway)
	}), "user1")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}

	ub, _ := svc.GetUserBilling(ctx, "user1")
	if ub.TokenBalance != 10 {
		t.Errorf("expected no charge for a failed delivery, balance is %d", ub.TokenBalance)
	}
}

func TestMiddleware_ImplicitOKOnWrite(t *testing.T) {
	mw, svc, _ := newTestMiddleware(t)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, "user1", 10, "grant"); err != nil {
		t.Fatalf("AdjustTokens failed: %v", err)
	}

	// A handler that writes without an explicit WriteHeader counts as 200.
	rec := doRequest(mw, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	}), "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ub, _ := svc.GetUserBilling(ctx, "user1")
	if ub.TokenBalance != 5 {
		t.Errorf("expected 5 tokens after implicit 200, got %d", ub.TokenBalance)
	}
}

func TestMiddleware_UnknownService(t *testing.T) {
	store := memory.New()
	svc, err := billing.NewService(store, nil, billing.Config{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	mw := Middleware(Config{
		Service:    svc,
		GetUserID:  func(r *http.Request) string { return "user1" },
		GetService: FixedService("TimeTravel"),
	})

	rec := doRequest(mw, okHandler(), "user1")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown service, got %d", rec.Code)
	}
}

func TestMiddleware_SubscriberNotCharged(t *testing.T) {
	mw, svc, store := newTestMiddleware(t)
	ctx := context.Background()

	if err := svc.AdjustTokens(ctx, "user1", 10, "grant"); err != nil {
		t.Fatalf("AdjustTokens failed: %v", err)
	}
	if err := store.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionActive,
		Replace:        true,
	}); err != nil {
		t.Fatalf("ApplySubscriptionUpdate failed: %v", err)
	}

	rec := doRequest(mw, okHandler(), "user1")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	ub, _ := svc.GetUserBilling(ctx, "user1")
	if ub.TokenBalance != 10 {
		t.Errorf("expected subscriber balance untouched, got %d", ub.TokenBalance)
	}
}

func TestMiddleware_CustomCallbacks(t *testing.T) {
	store := memory.New()
	svc, err := billing.NewService(store, nil, billing.Config{})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	mw := Middleware(Config{
		Service:    svc,
		GetUserID:  func(r *http.Request) string { return "user1" },
		GetService: FixedService(billing.ServiceGenerateCV),
		OnInsufficientTokens: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
	})

	rec := doRequest(mw, okHandler(), "user1")
	if rec.Code != http.StatusTeapot {
		t.Fatalf("expected custom callback status, got %d", rec.Code)
	}
}
