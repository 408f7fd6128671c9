package billing

import (
	"time"
)

// SubscriptionStatus is the local projection of the payment processor's
// subscription state.
type SubscriptionStatus string

const (
	// SubscriptionNone means the user has never subscribed (token tier)
	SubscriptionNone SubscriptionStatus = "none"
	// SubscriptionActive means the subscription is paid and current
	SubscriptionActive SubscriptionStatus = "active"
	// SubscriptionTrialing means the subscription is in a trial period
	SubscriptionTrialing SubscriptionStatus = "trialing"
	// SubscriptionCanceled means the subscription was canceled; access may
	// persist until SubscriptionEndDate
	SubscriptionCanceled SubscriptionStatus = "canceled"
	// SubscriptionPastDue means the latest renewal payment failed
	SubscriptionPastDue SubscriptionStatus = "past_due"
)

// SubscriptionLevel identifies the purchased subscription plan.
type SubscriptionLevel string

const (
	SubscriptionLevelNone    SubscriptionLevel = "none"
	SubscriptionLevelMonthly SubscriptionLevel = "monthly"
	SubscriptionLevelYearly  SubscriptionLevel = "yearly"
)

// UserBilling is the current-state billing projection for one user.
// TokenBalance is a cached projection of the transaction ledger and is
// only ever changed together with a ledger append.
type UserBilling struct {
	UserID                string
	TokenBalance          int64
	PaymentCustomerID     string
	PaymentSubscriptionID string
	SubscriptionStatus    SubscriptionStatus
	SubscriptionLevel     SubscriptionLevel

	// SubscriptionEndDate is the paid-through cutoff; for a Canceled
	// subscription it marks when access actually lapses.
	SubscriptionEndDate *time.Time

	// SubscriptionUpdatedAt is the processor-side timestamp of the last
	// applied subscription event. Older events are skipped so out-of-order
	// webhook delivery cannot regress state.
	SubscriptionUpdatedAt time.Time

	LastTokenPurchaseDate *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasUnlimitedAccess reports whether the subscription grants unmetered
// access to paid services at the given instant. A Canceled subscription
// keeps access while the already-paid period is still running.
func (b *UserBilling) HasUnlimitedAccess(now time.Time) bool {
	switch b.SubscriptionStatus {
	case SubscriptionActive, SubscriptionTrialing:
		return true
	case SubscriptionCanceled:
		return b.SubscriptionEndDate != nil && b.SubscriptionEndDate.After(now)
	default:
		return false
	}
}

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TransactionPurchase   TransactionType = "purchase"
	TransactionDeduction  TransactionType = "deduction"
	TransactionRefund     TransactionType = "refund"
	TransactionAdjustment TransactionType = "adjustment"
)

// TokenTransaction is one append-only ledger entry. Amount is signed:
// positive entries credit the balance, negative entries debit it.
type TokenTransaction struct {
	ID          string
	UserID      string
	ServiceName string // empty for purchases and adjustments
	Amount      int64
	Type        TransactionType
	Description string
	CreatedAt   time.Time
}

// Payment is a processor-side payment record, read through from the
// gateway and never cached locally.
type Payment struct {
	ID          string
	Amount      int64 // smallest currency unit
	Currency    string
	Status      string
	Description string
	CreatedAt   time.Time
}
