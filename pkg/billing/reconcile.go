package billing

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// LedgerMismatch describes a user whose cached balance diverged from the
// ledger sum. Any mismatch means a bug in a storage backend; the ledger
// is authoritative.
type LedgerMismatch struct {
	UserID    string
	Balance   int64
	LedgerSum int64
}

// VerifyLedger checks the balance-equals-ledger-sum invariant for one user.
func (s *Service) VerifyLedger(ctx context.Context, userID string) (*LedgerMismatch, error) {
	ub, err := s.store.GetUserBilling(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.store.SumTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sum == ub.TokenBalance {
		return nil, nil
	}
	return &LedgerMismatch{UserID: userID, Balance: ub.TokenBalance, LedgerSum: sum}, nil
}

// ReconcileBalances audits every billing record against its ledger with
// bounded concurrency and returns all mismatches found. Intended for a
// periodic job; reads only.
func (s *Service) ReconcileBalances(ctx context.Context, concurrency int) ([]LedgerMismatch, error) {
	if concurrency <= 0 {
		concurrency = 8
	}

	userIDs, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make(chan LedgerMismatch, len(userIDs))
	for _, userID := range userIDs {
		g.Go(func() error {
			mismatch, err := s.VerifyLedger(ctx, userID)
			if err != nil {
				return fmt.Errorf("verify %s: %w", userID, err)
			}
			if mismatch != nil {
				results <- *mismatch
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(results)

	var mismatches []LedgerMismatch
	for m := range results {
		s.logger.Error("balance diverged from ledger",
			Field{Key: "user_id", Value: m.UserID},
			Field{Key: "balance", Value: m.Balance},
			Field{Key: "ledger_sum", Value: m.LedgerSum})
		mismatches = append(mismatches, m)
	}
	return mismatches, nil
}
