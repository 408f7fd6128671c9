package billing

import (
	"context"
	"time"
)

// Store defines the interface for billing persistence.
//
// Credit, Debit and ApplySubscriptionUpdate are the only balance- or
// status-mutating operations and must each execute as an atomic unit
// scoped to a single user: the ledger append, the balance update and the
// processed-event record commit together or not at all. Two mutations
// for the same user never interleave their read-modify-write; mutations
// for different users must not block each other.
type Store interface {
	// GetUserBilling retrieves the billing projection for a user.
	// Returns ErrBillingNotFound if the user has no record yet.
	GetUserBilling(ctx context.Context, userID string) (*UserBilling, error)

	// EnsureUserBilling retrieves the billing projection, creating a
	// default record (zero balance, no subscription) on first access.
	EnsureUserBilling(ctx context.Context, userID string) (*UserBilling, error)

	// GetUserIDByCustomer resolves the owning user of a payment-processor
	// customer id. Returns ErrBillingNotFound if unknown.
	GetUserIDByCustomer(ctx context.Context, customerID string) (string, error)

	// SetCustomerID stores the payment-processor customer id for a user,
	// creating the billing record if needed.
	SetCustomerID(ctx context.Context, userID, customerID string) error

	// Credit atomically appends a positive ledger entry and raises the
	// balance. If req.EventID is set and was already processed, no state
	// changes and ErrDuplicateEvent is returned.
	// Returns the new balance.
	Credit(ctx context.Context, req *CreditRequest) (int64, error)

	// Debit atomically appends a negative (or zero-amount) ledger entry
	// and lowers the balance. The balance is re-read under the same
	// exclusion boundary that performs the write; ErrInsufficientTokens
	// is returned when it cannot cover the amount, with no state change.
	// Returns the new balance.
	Debit(ctx context.Context, req *DebitRequest) (int64, error)

	// ApplySubscriptionUpdate atomically applies a subscription state
	// change. Events older than the last applied one (by EventTime) are
	// recorded as processed but otherwise skipped. A non-replacing update
	// whose subscription id differs from the stored one fails with
	// ErrSubscriptionStateConflict and changes nothing but the
	// processed-event record. Replayed EventIDs fail with ErrDuplicateEvent.
	ApplySubscriptionUpdate(ctx context.Context, req *SubscriptionUpdate) error

	// MarkEventProcessed durably records a webhook event id so redelivery
	// is a no-op. Returns ErrDuplicateEvent if already recorded.
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error

	// ListTransactions returns the most recent ledger entries for a user,
	// newest first. limit <= 0 means a storage-chosen default.
	ListTransactions(ctx context.Context, userID string, limit int) ([]TokenTransaction, error)

	// SumTransactions returns the sum of all ledger amounts for a user.
	// The result must equal the cached balance at all times.
	SumTransactions(ctx context.Context, userID string) (int64, error)

	// ListUserIDs returns all user ids with a billing record.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// CreditRequest describes an atomic balance credit.
type CreditRequest struct {
	UserID      string
	Amount      int64 // must be > 0
	Type        TransactionType
	ServiceName string
	Description string

	// EventID, when set, is the webhook event id recorded for idempotency
	// inside the same transaction as the credit.
	EventID   string
	EventType string
	EventTime time.Time
}

// DebitRequest describes an atomic balance debit. Amount 0 is allowed and
// appends an audit-only ledger entry without touching the balance
// (subscription-tier usage).
type DebitRequest struct {
	UserID string
	Amount int64 // must be >= 0

	// Type "" defaults to TransactionDeduction.
	Type        TransactionType
	ServiceName string
	Description string
}

// SubscriptionUpdate describes an atomic subscription state change driven
// by a webhook event.
type SubscriptionUpdate struct {
	UserID         string
	CustomerID     string
	SubscriptionID string
	Status         SubscriptionStatus

	// Level "" leaves the stored level unchanged.
	Level     SubscriptionLevel
	PeriodEnd *time.Time

	// Replace marks a fresh checkout: the incoming subscription id
	// overwrites the stored one instead of being conflict-checked.
	Replace bool

	EventID   string
	EventType string
	EventTime time.Time
}
