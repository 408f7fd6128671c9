package api

import "time"

// BillingResponse is the user-facing view of a billing record.
type BillingResponse struct {
	UserID                string           `json:"user_id"`
	TokenBalance          int64            `json:"token_balance"`
	SubscriptionStatus    string           `json:"subscription_status"`
	SubscriptionLevel     string           `json:"subscription_level"`
	SubscriptionEndDate   *time.Time       `json:"subscription_end_date,omitempty"`
	LastTokenPurchaseDate *time.Time       `json:"last_token_purchase_date,omitempty"`
	UnlimitedAccess       bool             `json:"unlimited_access"`
	ServiceCosts          map[string]int64 `json:"service_costs"`
}

// TransactionResponse is a single ledger entry.
type TransactionResponse struct {
	ID          string    `json:"id"`
	ServiceName string    `json:"service_name,omitempty"`
	Amount      int64     `json:"amount"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// CheckoutRequest starts a checkout session for a token package or
// subscription plan identified by price_id.
type CheckoutRequest struct {
	PriceID    string `json:"price_id"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

// PortalRequest starts a customer portal session.
type PortalRequest struct {
	ReturnURL string `json:"return_url"`
}

// SessionResponse carries the URL the client should redirect to.
type SessionResponse struct {
	URL string `json:"url"`
}

// PaymentResponse is a single processor-side payment.
type PaymentResponse struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Status      string    `json:"status"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
