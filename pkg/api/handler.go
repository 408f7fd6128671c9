// Package api exposes the billing service over HTTP: billing snapshot,
// transaction history, checkout/portal session creation, payment history,
// and the payment-processor webhook endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/careermate/billing/pkg/billing"
	"github.com/careermate/billing/internal"
)

const maxUserIDLen = 255

// Handler provides HTTP endpoints for the billing service.
type Handler struct {
	config Config
}

// Routes returns a chi router with all billing endpoints mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/billing", h.GetBilling)
	r.Get("/billing/transactions", h.ListTransactions)
	r.Get("/billing/payments", h.GetPaymentHistory)
	r.Post("/billing/checkout", h.CreateCheckoutSession)
	r.Post("/billing/portal", h.CreatePortalSession)

	limiter := internal.NewRateLimiter(h.config.WebhookRateLimit, h.config.WebhookRateWindow)
	r.With(limiter.Middleware).Post("/billing/webhook", h.HandleWebhook)

	return r
}

// GetBilling returns the user's billing record and the service cost table.
func (h *Handler) GetBilling(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	record, err := h.config.Service.GetUserBilling(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	costs := make(map[string]int64)
	table := h.config.Service.ServiceCosts()
	for _, name := range table.Services() {
		if cost, err := table.Cost(name); err == nil {
			costs[name] = cost
		}
	}

	_ = internal.WriteJSON(w, http.StatusOK, BillingResponse{
		UserID:                record.UserID,
		TokenBalance:          record.TokenBalance,
		SubscriptionStatus:    string(record.SubscriptionStatus),
		SubscriptionLevel:     string(record.SubscriptionLevel),
		SubscriptionEndDate:   record.SubscriptionEndDate,
		LastTokenPurchaseDate: record.LastTokenPurchaseDate,
		UnlimitedAccess:       record.HasUnlimitedAccess(time.Now().UTC()),
		ServiceCosts:          costs,
	})
}

// ListTransactions returns the user's ledger entries, newest first.
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	transactions, err := h.config.Service.GetTransactionHistory(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]TransactionResponse, 0, len(transactions))
	for _, tx := range transactions {
		out = append(out, TransactionResponse{
			ID:          tx.ID,
			ServiceName: tx.ServiceName,
			Amount:      tx.Amount,
			Type:        string(tx.Type),
			Description: tx.Description,
			CreatedAt:   tx.CreatedAt,
		})
	}

	_ = internal.WriteJSON(w, http.StatusOK, out)
}

// GetPaymentHistory returns the user's processor-side payments.
func (h *Handler) GetPaymentHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	payments, err := h.config.Service.GetPaymentHistory(r.Context(), userID, limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]PaymentResponse, 0, len(payments))
	for _, p := range payments {
		out = append(out, PaymentResponse{
			ID:          p.ID,
			Amount:      p.Amount,
			Currency:    p.Currency,
			Status:      p.Status,
			Description: p.Description,
			CreatedAt:   p.CreatedAt,
		})
	}

	_ = internal.WriteJSON(w, http.StatusOK, out)
}

// CreateCheckoutSession starts a checkout for a token package or
// subscription plan and returns the redirect URL.
func (h *Handler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PriceID == "" || req.SuccessURL == "" || req.CancelURL == "" {
		h.writeError(w, http.StatusBadRequest, "price_id, success_url and cancel_url are required")
		return
	}

	url, err := h.config.Service.CreateCheckoutSession(r.Context(), userID, req.PriceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// CreatePortalSession starts a customer portal session for subscription
// management and returns the redirect URL.
func (h *Handler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req PortalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReturnURL == "" {
		h.writeError(w, http.StatusBadRequest, "return_url is required")
		return
	}

	url, err := h.config.Service.CreatePortalSession(r.Context(), userID, req.ReturnURL)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, SessionResponse{URL: url})
}

// HandleWebhook receives payment-processor webhook deliveries. Requests
// are authenticated by signature; a 2xx acknowledges the event, anything
// else makes the processor retry.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	body, err := internal.ReadLimitedBody(w, r, h.config.MaxWebhookBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		}
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("stripe-signature")
	}

	if err := h.config.Service.HandleWebhook(r.Context(), body, signature); err != nil {
		switch {
		case errors.Is(err, billing.ErrInvalidSignature):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		case errors.Is(err, billing.ErrGatewayNotConfigured):
			http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		default:
			h.config.Logger.Error("webhook processing failed",
				billing.Field{Key: "error", Value: err.Error()})
			http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "user ID not found")
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.writeError(w, http.StatusBadRequest, "invalid user ID format")
		return "", false
	}
	return userID, true
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, billing.ErrUnknownService),
		errors.Is(err, billing.ErrUnknownPackage),
		errors.Is(err, billing.ErrInvalidAmount):
		status = http.StatusBadRequest
	case errors.Is(err, billing.ErrInsufficientTokens):
		status = http.StatusPaymentRequired
	case errors.Is(err, billing.ErrBillingNotFound):
		status = http.StatusNotFound
	case errors.Is(err, billing.ErrGatewayNotConfigured):
		status = http.StatusServiceUnavailable
	case errors.Is(err, billing.ErrPaymentGateway):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.config.Logger.Error("request failed",
			billing.Field{Key: "path", Value: r.URL.Path},
			billing.Field{Key: "error", Value: err.Error()})
		h.writeError(w, status, "internal error")
		return
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	_ = internal.WriteJSON(w, status, map[string]string{"error": msg})
}

func parseLimit(raw string) int {
	if raw == "" {
		return 0
	}
	var limit int
	if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 0 {
		return 0
	}
	return limit
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
}
