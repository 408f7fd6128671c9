// Package memory provides an in-memory implementation of the billing.Store
// interface. This implementation is primarily intended for testing and
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/careermate/billing/pkg/billing"
)

const defaultListLimit = 50

// account bundles a user's projection with their ledger.
type account struct {
	billing billing.UserBilling
	ledger  []billing.TokenTransaction
}

// Storage implements billing.Store using in-memory maps. A single mutex
// guards all state, which trivially satisfies the per-user atomicity
// contract.
type Storage struct {
	mu        sync.Mutex
	accounts  map[string]*account
	customers map[string]string // processor customer id -> user id
	processed map[string]string // webhook event id -> event type
}

// New creates a new in-memory storage adapter.
func New() *Storage {
	return &Storage{
		accounts:  make(map[string]*account),
		customers: make(map[string]string),
		processed: make(map[string]string),
	}
}

// GetUserBilling implements billing.Store.
func (s *Storage) GetUserBilling(ctx context.Context, userID string) (*billing.UserBilling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return nil, billing.ErrBillingNotFound
	}

	// Return a copy to prevent external mutations
	ub := acc.billing
	return &ub, nil
}

// EnsureUserBilling implements billing.Store.
func (s *Storage) EnsureUserBilling(ctx context.Context, userID string) (*billing.UserBilling, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.ensureAccountLocked(userID)
	ub := acc.billing
	return &ub, nil
}

// GetUserIDByCustomer implements billing.Store.
func (s *Storage) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.customers[customerID]
	if !ok {
		return "", billing.ErrBillingNotFound
	}
	return userID, nil
}

// SetCustomerID implements billing.Store.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.ensureAccountLocked(userID)
	acc.billing.PaymentCustomerID = customerID
	acc.billing.UpdatedAt = time.Now().UTC()
	s.customers[customerID] = userID
	return nil
}

// Credit implements billing.Store.
func (s *Storage) Credit(ctx context.Context, req *billing.CreditRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, billing.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.EventID != "" {
		if _, dup := s.processed[req.EventID]; dup {
			return 0, billing.ErrDuplicateEvent
		}
	}

	acc := s.ensureAccountLocked(req.UserID)
	now := time.Now().UTC()

	acc.ledger = append(acc.ledger, billing.TokenTransaction{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		ServiceName: req.ServiceName,
		Amount:      req.Amount,
		Type:        req.Type,
		Description: req.Description,
		CreatedAt:   now,
	})
	acc.billing.TokenBalance += req.Amount
	acc.billing.UpdatedAt = now
	if req.Type == billing.TransactionPurchase {
		purchasedAt := req.EventTime
		if purchasedAt.IsZero() {
			purchasedAt = now
		}
		acc.billing.LastTokenPurchaseDate = &purchasedAt
	}

	if req.EventID != "" {
		s.processed[req.EventID] = req.EventType
	}

	return acc.billing.TokenBalance, nil
}

// Debit implements billing.Store.
func (s *Storage) Debit(ctx context.Context, req *billing.DebitRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, billing.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc := s.ensureAccountLocked(req.UserID)
	if acc.billing.TokenBalance < req.Amount {
		return acc.billing.TokenBalance, billing.ErrInsufficientTokens
	}

	txType := req.Type
	if txType == "" {
		txType = billing.TransactionDeduction
	}

	now := time.Now().UTC()
	acc.ledger = append(acc.ledger, billing.TokenTransaction{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		ServiceName: req.ServiceName,
		Amount:      -req.Amount,
		Type:        txType,
		Description: req.Description,
		CreatedAt:   now,
	})
	acc.billing.TokenBalance -= req.Amount
	acc.billing.UpdatedAt = now

	return acc.billing.TokenBalance, nil
}

// ApplySubscriptionUpdate implements billing.Store.
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, req *billing.SubscriptionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.EventID != "" {
		if _, dup := s.processed[req.EventID]; dup {
			return billing.ErrDuplicateEvent
		}
		s.processed[req.EventID] = req.EventType
	}

	acc := s.ensureAccountLocked(req.UserID)

	// Out-of-order delivery: an event strictly before the last applied one
	// must not regress state. It stays recorded as processed. Equal
	// timestamps still apply: processor timestamps have second granularity,
	// and a distinct event id in the same second is new, not a replay.
	if req.EventTime.Before(acc.billing.SubscriptionUpdatedAt) {
		return nil
	}

	if !req.Replace && acc.billing.PaymentSubscriptionID != "" &&
		req.SubscriptionID != "" && req.SubscriptionID != acc.billing.PaymentSubscriptionID {
		return billing.ErrSubscriptionStateConflict
	}

	now := time.Now().UTC()
	acc.billing.SubscriptionStatus = req.Status
	if req.Level != "" {
		acc.billing.SubscriptionLevel = req.Level
	}
	if req.SubscriptionID != "" {
		acc.billing.PaymentSubscriptionID = req.SubscriptionID
	}
	if req.CustomerID != "" {
		acc.billing.PaymentCustomerID = req.CustomerID
		s.customers[req.CustomerID] = req.UserID
	}
	if req.PeriodEnd != nil {
		end := *req.PeriodEnd
		acc.billing.SubscriptionEndDate = &end
	}
	acc.billing.SubscriptionUpdatedAt = req.EventTime
	acc.billing.UpdatedAt = now

	return nil
}

// MarkEventProcessed implements billing.Store.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.processed[eventID]; dup {
		return billing.ErrDuplicateEvent
	}
	s.processed[eventID] = eventType
	return nil
}

// ListTransactions implements billing.Store.
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.TokenTransaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return []billing.TokenTransaction{}, nil
	}

	// Newest first
	out := make([]billing.TokenTransaction, 0, limit)
	for i := len(acc.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, acc.ledger[i])
	}
	return out, nil
}

// SumTransactions implements billing.Store.
func (s *Storage) SumTransactions(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[userID]
	if !ok {
		return 0, nil
	}

	var sum int64
	for _, tx := range acc.ledger {
		sum += tx.Amount
	}
	return sum, nil
}

// ListUserIDs implements billing.Store.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.accounts))
	for id := range s.accounts {
		ids = append(ids, id)
	}
	return ids, nil
}

// SetBalanceForTest overwrites the cached balance without touching the
// ledger, to simulate divergence in reconciliation tests.
func (s *Storage) SetBalanceForTest(userID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureAccountLocked(userID).billing.TokenBalance = balance
}

// Clear removes all data (useful for testing).
func (s *Storage) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[string]*account)
	s.customers = make(map[string]string)
	s.processed = make(map[string]string)
}

func (s *Storage) ensureAccountLocked(userID string) *account {
	acc, ok := s.accounts[userID]
	if !ok {
		now := time.Now().UTC()
		acc = &account{
			billing: billing.UserBilling{
				UserID:             userID,
				SubscriptionStatus: billing.SubscriptionNone,
				SubscriptionLevel:  billing.SubscriptionLevelNone,
				CreatedAt:          now,
				UpdatedAt:          now,
			},
		}
		s.accounts[userID] = acc
	}
	return acc
}
