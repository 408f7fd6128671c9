package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/careermate/billing/pkg/billing"
)

func setupTestStorage(t *testing.T) *Storage {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	storage, err := New(client, DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return storage
}

func TestNew_NilClient(t *testing.T) {
	if _, err := New(nil, DefaultConfig()); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestStorage_EnsureAndGet(t *testing.T) {
	storage := setupTestStorage(t)
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
	if ub.SubscriptionLevel != billing.SubscriptionLevelNone {
		t.Errorf("expected level none, got %s", ub.SubscriptionLevel)
	}
}

func TestStorage_CreditDebit(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	balance, err := storage.Credit(ctx, &billing.CreditRequest{
		UserID: "user1",
		Amount: 100,
		Type:   billing.TransactionPurchase,
	})
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if balance != 100 {
		t.Errorf("expected balance 100, got %d", balance)
	}

	balance, err = storage.Debit(ctx, &billing.DebitRequest{
		UserID:      "user1",
		Amount:      30,
		ServiceName: "generate_cv",
	})
	if err != nil {
		t.Fatalf("Debit failed: %v", err)
	}
	if balance != 70 {
		t.Errorf("expected balance 70, got %d", balance)
	}

	ub, err := storage.GetUserBilling(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserBilling failed: %v", err)
	}
	if ub.TokenBalance != 70 {
		t.Errorf("expected stored balance 70, got %d", ub.TokenBalance)
	}
	if ub.LastTokenPurchaseDate == nil {
		t.Error("expected last purchase date to be set")
	}

	sum, err := storage.SumTransactions(ctx, "user1")
	if err != nil {
		t.Fatalf("SumTransactions failed: %v", err)
	}
	if sum != ub.TokenBalance {
		t.Errorf("ledger sum %d != balance %d", sum, ub.TokenBalance)
	}
}

func TestStorage_Debit_Insufficient(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if _, err := storage.Credit(ctx, &billing.CreditRequest{
		UserID: "user1", Amount: 10, Type: billing.TransactionPurchase,
	}); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	balance, err := storage.Debit(ctx, &billing.DebitRequest{UserID: "user1", Amount: 11})
	if !errors.Is(err, billing.ErrInsufficientTokens) {
		t.Fatalf("expected ErrInsufficientTokens, got %v", err)
	}
	if balance != 10 {
		t.Errorf("expected reported balance 10, got %d", balance)
	}

	txs, err := storage.ListTransactions(ctx, "user1", 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txs) != 1 {
		t.Errorf("expected 1 ledger entry after failed debit, got %d", len(txs))
	}
}

func TestStorage_ZeroAmountDebit(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	balance, err := storage.Debit(ctx, &billing.DebitRequest{
		UserID:      "user1",
		Amount:      0,
		ServiceName: "analyze_profile",
		Description: "subscription usage",
	})
	if err != nil {
		t.Fatalf("zero-amount Debit failed: %v", err)
	}
	if balance != 0 {
		t.Errorf("expected balance 0, got %d", balance)
	}

	txs, _ := storage.ListTransactions(ctx, "user1", 0)
	if len(txs) != 1 {
		t.Fatalf("expected audit entry for zero-amount debit, got %d entries", len(txs))
	}
	if txs[0].Amount != 0 || txs[0].Type != billing.TransactionDeduction {
		t.Errorf("unexpected audit entry %+v", txs[0])
	}
}

func TestStorage_Credit_DuplicateEvent(t *testing.T) {
	storage := setupTestStorage(t)
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
	sum, _ := storage.SumTransactions(ctx, "user1")
	if sum != 50 {
		t.Errorf("expected ledger sum 50 after duplicate, got %d", sum)
	}
}

func TestStorage_ApplySubscriptionUpdate(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	now := time.Now().UTC()
	periodEnd := now.Add(30 * 24 * time.Hour)
	err := storage.ApplySubscriptionUpdate(ctx, &billing.SubscriptionUpdate{
		UserID:         "user1",
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
		Status:         billing.SubscriptionActive,
		Level:          billing.SubscriptionLevelMonthly,
		PeriodEnd:      &periodEnd,
		Replace:        true,
		EventID:        "evt_1",
		EventType:      "checkout.completed",
		EventTime:      now,
	})
	if err != nil {
		t.Fatalf("ApplySubscriptionUpdate failed: %v", err)
	}

	ub, err := storage.GetUserBilling(ctx, "user1")
	if err != nil {
		t.Fatalf("GetUserBilling failed: %v", err)
	}
	if ub.SubscriptionStatus != billing.SubscriptionActive {
		t.Errorf("expected status active, got %s", ub.SubscriptionStatus)
	}
	if ub.SubscriptionLevel != billing.SubscriptionLevelMonthly {
		t.Errorf("expected level monthly, got %s", ub.SubscriptionLevel)
	}
	if ub.PaymentSubscriptionID != "sub_1" {
		t.Errorf("expected subscription id sub_1, got %s", ub.PaymentSubscriptionID)
	}
	if ub.SubscriptionEndDate == nil || !ub.SubscriptionEndDate.Equal(periodEnd.Truncate(time.Millisecond)) {
		t.Errorf("unexpected end date %v", ub.SubscriptionEndDate)
	}

	userID, err := storage.GetUserIDByCustomer(ctx, "cus_1")
	if err != nil || userID != "user1" {
		t.Errorf("expected customer mapping to user1, got %q err %v", userID, err)
	}
}

func TestStorage_ApplySubscriptionUpdate_OutOfOrder(t *testing.T) {
	storage := setupTestStorage(t)
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

	// Older event arrives late; state must not regress.
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

	// The stale event is still recorded as processed.
	if err := storage.MarkEventProcessed(ctx, "evt_old", "subscription.updated"); !errors.Is(err, billing.ErrDuplicateEvent) {
		t.Errorf("expected stale event recorded as processed, got %v", err)
	}
}

func TestStorage_ApplySubscriptionUpdate_SameSecond(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	// Two distinct events created in the same second must both apply.
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

func TestStorage_ApplySubscriptionUpdate_Conflict(t *testing.T) {
	storage := setupTestStorage(t)
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

	ub, _ := storage.GetUserBilling(ctx, "user1")
	if ub.SubscriptionStatus != billing.SubscriptionActive {
		t.Errorf("expected status active after conflict, got %s", ub.SubscriptionStatus)
	}
}

func TestStorage_MarkEventProcessed(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	if err := storage.MarkEventProcessed(ctx, "evt_1", "invoice.paid"); err != nil {
		t.Fatalf("MarkEventProcessed failed: %v", err)
	}
	if err := storage.MarkEventProcessed(ctx, "evt_1", "invoice.paid"); !errors.Is(err, billing.ErrDuplicateEvent) {
		t.Errorf("expected ErrDuplicateEvent, got %v", err)
	}
}

func TestStorage_ListTransactions_NewestFirst(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := storage.Credit(ctx, &billing.CreditRequest{
			UserID:      "user1",
			Amount:      int64(10 * (i + 1)),
			Type:        billing.TransactionPurchase,
			Description: "batch",
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

func TestStorage_ListUserIDs(t *testing.T) {
	storage := setupTestStorage(t)
	ctx := context.Background()

	for _, id := range []string{"user1", "user2"} {
		if _, err := storage.EnsureUserBilling(ctx, id); err != nil {
			t.Fatalf("EnsureUserBilling failed: %v", err)
		}
	}

	ids, err := storage.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("ListUserIDs failed: %v", err)
	}
	if len(ids) != 2 {
		t.Errorf("expected 2 users, got %d", len(ids))
	}
}
