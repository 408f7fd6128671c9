package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/careermate/billing/pkg/billing"
)

func TestStorage_EnsureAndGet(t *testing.T) {
	storage := New()
	ctx := context.Background()

	_, err := storage.GetUserBilling(ctx, "user1")
	if !errors.Is(err, billing.ErrBillingNotFound) {
		t.Errorf("expected ErrBillingNotFound, got %v", err)
	}

	ub, err := storage.EnsureUserBilling(ctx, "user1")
	if err != nil {
		t.Fatalf("EnsureUserBilling failed: %v", err)
	}
	if ub.TokenBalance != 0 {
		t.Errorf("expected zero balance, got %d", ub.TokenBalance)
	}
	if ub.SubscriptionStatus != billing.SubscriptionNone {
		t.Errorf("expected status none, got %s", ub.SubscriptionStatus)
	}

	// Returned copies must not alias internal state.
	ub.TokenBalance = 999
	again, _ := storage.GetUserBilling(ctx, "user1")
	if again.TokenBalance != 0 {
		t.Error("mutating the returned record leaked into storage")
	}
}

func TestStorage_CreditDebit_LedgerInvariant(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.Credit(ctx, &billing.CreditRequest{
		UserID: "user1", Amount: 100, Type: billing.TransactionPurchase,
	}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := storage.Debit(ctx, &billing.DebitRequest{
		UserID: "user1", Amount: 30, ServiceName: "generate_cv",
	}); err != nil {
		t.Fatalf("Debit failed: %v", err)
	}

	ub, _ := storage.GetUserBilling(ctx, "user1")
	sum, _ := storage.SumTransactions(ctx, "user1")
	if ub.TokenBalance != 70 {
		t.Errorf("expected balance 70, got %d", ub.TokenBalance)
	}
	if sum != ub.TokenBalance {
		t.Errorf("ledger sum %d != balance %d", sum, ub.TokenBalance)
	}
}

func TestStorage_Credit_InvalidAmount(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.Credit(ctx, &billing.CreditRequest{UserID: "user1", Amount: 0}); !errors.Is(err, billing.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for zero credit, got %v", err)
	}
	if _, err := storage.Credit(ctx, &billing.CreditRequest{UserID: "user1", Amount: -5}); !errors.Is(err, billing.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount for negative credit, got %v", err)
	}
}

func TestStorage_Debit_Insufficient_NoStateChange(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.Credit(ctx, &billing.CreditRequest{
		UserID: "user1", Amount: 4, Type: billing.TransactionPurchase,
	}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	balance, err := storage.Debit(ctx, &billing.DebitRequest{UserID: "user1", Amount: 5})
	if !errors.Is(err, billing.ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if balance != 4 {
		t.Errorf("expected reported balance 4, got %d", balance)
	}

	txs, _ := storage.ListTransactions(ctx, "user1", 0)
	if len(txs) != 1 {
		t.Errorf("expected no ledger entry from failed debit, got %d entries", len(txs))
	}
}

func TestStorage_Debit_ZeroAmountAuditEntry(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.Debit(ctx, &billing.DebitRequest{
		UserID:      "user1",
		Amount:      0,
		ServiceName: "market_analysis",
		Description: "subscription usage",
	}); err != nil {
		t.Fatalf("zero-amount Debit failed: %v", err)
	}

	txs, _ := storage.ListTransactions(ctx, "user1", 0)
	if len(txs) != 1 {
		t.Fatalf("expected audit entry, got %d entries", len(txs))
	}
	if txs[0].Amount != 0 || txs[0].Type != billing.TransactionDeduction {
		t.Errorf("unexpected audit entry %+v", txs[0])
	}
	sum, _ := storage.SumTransactions(ctx, "user1")
	if sum != 0 {
		t.Errorf("expected ledger sum 0, got %d", sum)
	}
}

func TestStorage_Credit_DuplicateEvent(t *testing.T) {
	storage := New()
	ctx := context.Background()

	req := &billing.CreditRequest{
		UserID:    "user1",
		Amount:    50,
		Type:      billing.TransactionPurchase,
		EventID:   "evt_1",
		EventType: "checkout.completed",
		EventTime: time.Now().UTC(),
	}
	if _, err := storage.Credit(ctx, req); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, err := storage.Credit(ctx, req); !errors.Is(err, billing.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}

	ub, _ := storage.GetUserBilling(ctx, "user1")
	if ub.TokenBalance != 50 {
		t.Errorf("expected balance 50 after duplicate, got %d", ub.TokenBalance)
	}
}

func TestStorage_ApplySubscriptionUpdate_OutOfOrder(t *testing.T) {
	storage := New()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionPastDue,
		Replace:        true,
		EventID:        "evt_new",
		EventTime:      now,
	}); err != nil {
		t.Fatalf("ApplySubscriptionUpdate failed: %v", err)
	}

	if err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionActive,
		EventID:        "evt_old",
		EventTime:      now.Add(-time.Minute),
	}); err != nil {
		t.Fatalf("stale ApplySubscriptionUpdate failed: %v", err)
	}

	ub, _ := storage.GetUserBilling(ctx, "user1")
	if ub.SubscriptionStatus != billing.SubscriptionPastDue {
		t.Errorf("expected status past_due to stick, got %s", ub.SubscriptionStatus)
	}
	if err := storage.MarkEventProcessed(ctx, "evt_old", "subscription.updated"); !errors.Is(err, billing.ErrDuplicateEvent) {
		t.Errorf("expected stale event recorded as processed, got %v", err)
	}
}

func TestStorage_ApplySubscriptionUpdate_SameSecond(t *testing.T) {
	storage := New()
	ctx := context.Background()

	// Processor timestamps have second granularity: two distinct events
	// created in the same second must both apply, in delivery order.
	at := time.Now().UTC().Truncate(time.Second)
	if err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionActive,
		Replace:        true,
		EventID:        "evt_1",
		EventTime:      at,
	}); err != nil {
		t.Fatalf("ApplySubscriptionUpdate failed: %v", err)
	}

	if err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionCanceled,
		EventID:        "evt_2",
		EventTime:      at,
	}); err != nil {
		t.Fatalf("same-second ApplySubscriptionUpdate failed: %v", err)
	}

	ub, _ := storage.GetUserBilling(ctx, "user1")
	if ub.SubscriptionStatus != billing.SubscriptionCanceled {
		t.Errorf("expected same-second event to apply, got status %s", ub.SubscriptionStatus)
	}
}

func TestStorage_ApplySubscriptionUpdate_ConflictAndReplace(t *testing.T) {
	storage := New()
	ctx := context.Background()

	now := time.Now().UTC()
	if err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionActive,
		Replace:        true,
		EventID:        "evt_1",
		EventTime:      now,
	}); err != nil {
		t.Fatalf("ApplySubscriptionUpdate failed: %v", err)
	}

	err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_other",
		Status:         billing.SubscriptionCanceled,
		EventID:        "evt_2",
		EventTime:      now.Add(time.Minute),
	})
	if !errors.Is(err, billing.ErrSubscriptionStateConflict) {
		t.Fatalf("expected ErrSubscriptionStateConflict, got %v", err)
	}

	// A fresh checkout replaces the stored subscription id.
	if err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		SubscriptionID: "sub_2",
		Status:         billing.SubscriptionActive,
		Replace:        true,
		EventID:        "evt_3",
		EventTime:      now.Add(2 * time.Minute),
	}); err != nil {
		t.Fatalf("replacing ApplySubscriptionUpdate failed: %v", err)
	}
	ub, _ := storage.GetUserBilling(ctx, "user1")
	if ub.PaymentSubscriptionID != "sub_2" {
		t.Errorf("expected subscription id sub_2, got %s", ub.PaymentSubscriptionID)
	}
}

func TestStorage_CustomerResolution(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if err := storage.SetCustomerID(ctx, "user1", "cus_123"); err != nil {
		t.Fatalf("SetCustomerID failed: %v", err)
	}
	userID, err := storage.GetUserIDByCustomer(ctx, "cus_123")
	if err != nil || userID != "user1" {
		t.Errorf("expected user1, got %q err %v", userID, err)
	}
	if _, err := storage.GetUserIDByCustomer(ctx, "cus_unknown"); !errors.Is(err, billing.ErrBillingNotFound) {
		t.Errorf("expected ErrBillingNotFound, got %v", err)
	}
}

func TestStorage_ConcurrentDebits(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.Credit(ctx, &billing.CreditRequest{
		UserID: "user1", Amount: 50, Type: billing.TransactionPurchase,
	}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	const workers = 40
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := storage.Debit(ctx, &billing.DebitRequest{
				UserID:      "user1",
				Amount:      5,
				ServiceName: "analyze_profile",
				Description: fmt.Sprintf("attempt %d", n),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			} else if !errors.Is(err, billing.ErrInsufficientTokens) {
				t.Errorf("unexpected debit error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// 50 tokens at 5 each: exactly 10 debits can land.
	if succeeded != 10 {
		t.Errorf("expected exactly 10 successful debits, got %d", succeeded)
	}

	ub, _ := storage.GetUserBilling(ctx, "user1")
	sum, _ := storage.SumTransactions(ctx, "user1")
	if ub.TokenBalance != 0 {
		t.Errorf("expected balance 0, got %d", ub.TokenBalance)
	}
	if sum != ub.TokenBalance {
		t.Errorf("ledger sum %d != balance %d", sum, ub.TokenBalance)
	}
}

func TestStorage_ListTransactions_NewestFirst(t *testing.T) {
	storage := New()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if _, err := storage.Credit(ctx, &billing.CreditRequest{
			UserID: "user1", Amount: int64(10 * i), Type: billing.TransactionPurchase,
		}); err != nil {
			t.Fatalf("Credit failed: %v", err)
		}
	}

	txs, err := storage.ListTransactions(ctx, "user1", 2)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(txs))
	}
	if txs[0].Amount != 30 || txs[1].Amount != 20 {
		t.Errorf("expected newest-first [30 20], got [%d %d]", txs[0].Amount, txs[1].Amount)
	}
}

func TestStorage_Clear(t *testing.T) {
	storage := New()
	ctx := context.Background()

	if _, err := storage.EnsureUserBilling(ctx, "user1"); err != nil {
		t.Fatalf("EnsureUserBilling failed: %v", err)
	}
	storage.Clear()

	ids, _ := storage.ListUserIDs(ctx)
	if len(ids) != 0 {
		t.Errorf("expected empty storage after Clear, got %d users", len(ids))
	}
}
