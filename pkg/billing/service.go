package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config holds Service configuration.
type Config struct {
	// Costs maps service names to token prices. Defaults to the built-in
	// table when nil.
	Costs *CostTable

	// Packages is the static token/subscription package catalog keyed by
	// processor price id. Defaults to an empty catalog when nil.
	Packages *PackageCatalog

	// Logger is used for structured logging (default: NoopLogger).
	Logger Logger

	// Metrics is used for tracking billing operations (default: NoopMetrics).
	Metrics Metrics
}

// Service orchestrates access checks, token deduction, crediting and
// webhook reconciliation. It is the only writer of billing state.
type Service struct {
	store    Store
	gateway  Gateway
	costs    *CostTable
	packages *PackageCatalog
	logger   Logger
	metrics  Metrics

	// now is swapped in tests
	now func() time.Time
}

// NewService creates a billing service. The gateway may be nil for
// deployments that only meter tokens; gateway-backed operations then fail
// with ErrGatewayNotConfigured.
func NewService(store Store, gateway Gateway, config Config) (*Service, error) {
	if store == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Costs == nil {
		config.Costs = DefaultCostTable()
	}
	if config.Packages == nil {
		config.Packages = NewPackageCatalog(nil, nil)
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}

	return &Service{
		store:    store,
		gateway:  gateway,
		costs:    config.Costs,
		packages: config.Packages,
		logger:   config.Logger,
		metrics:  config.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// CanAccessService reports whether the user may run the named paid
// service right now: an unlimited-access subscription passes regardless
// of balance, otherwise the balance must cover the service cost.
// Read-only; callers must still expect DeductTokensForService to
// re-validate, since the balance can change between check and use.
func (s *Service) CanAccessService(ctx context.Context, userID, serviceName string) (bool, error) {
	cost, err := s.costs.Cost(serviceName)
	if err != nil {
		s.metrics.RecordAccessCheck(serviceName, false)
		return false, err
	}

	ub, err := s.store.GetUserBilling(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrBillingNotFound) {
			// No billing row yet: zero balance, no subscription.
			allowed := cost == 0
			s.metrics.RecordAccessCheck(serviceName, allowed)
			return allowed, nil
		}
		return false, err
	}

	allowed := ub.HasUnlimitedAccess(s.now()) || ub.TokenBalance >= cost
	s.metrics.RecordAccessCheck(serviceName, allowed)
	return allowed, nil
}

// DeductTokensForService charges the user for one execution of the named
// service. Unlimited-access subscribers are charged nothing but still get
// a zero-amount Deduction ledger entry for audit. Token-tier users are
// debited the service cost; the balance check and the debit run under the
// same per-user exclusion boundary, so concurrent calls cannot overdraw.
// Callers should invoke this only after the paid work succeeded.
func (s *Service) DeductTokensForService(ctx context.Context, userID, serviceName string) error {
	cost, err := s.costs.Cost(serviceName)
	if err != nil {
		return err
	}

	ub, err := s.store.EnsureUserBilling(ctx, userID)
	if err != nil {
		return err
	}

	amount := cost
	if ub.HasUnlimitedAccess(s.now()) {
		amount = 0
	}

	_, err = s.store.Debit(ctx, &DebitRequest{
		UserID:      userID,
		Amount:      amount,
		ServiceName: serviceName,
		Description: fmt.Sprintf("usage: %s", serviceName),
	})
	if err != nil {
		s.metrics.RecordDeduction(serviceName, amount, false)
		if errors.Is(err, ErrInsufficientTokens) {
			s.logger.Warn("deduction rejected, insufficient tokens",
				Field{Key: "user_id", Value: userID},
				Field{Key: "service", Value: serviceName},
				Field{Key: "cost", Value: cost})
		}
		return err
	}

	s.metrics.RecordDeduction(serviceName, amount, true)
	return nil
}

// GetUserBilling returns the user's billing snapshot, creating a default
// record (zero balance, no subscription) on first access so callers never
// special-case a missing row.
func (s *Service) GetUserBilling(ctx context.Context, userID string) (*UserBilling, error) {
	return s.store.EnsureUserBilling(ctx, userID)
}

// GetTransactionHistory returns the user's most recent ledger entries,
// newest first.
func (s *Service) GetTransactionHistory(ctx context.Context, userID string, limit int) ([]TokenTransaction, error) {
	return s.store.ListTransactions(ctx, userID, limit)
}

// AdjustTokens applies a manual balance correction with an Adjustment
// ledger entry. Positive amounts credit, negative amounts debit; a debit
// larger than the balance fails with ErrInsufficientTokens.
func (s *Service) AdjustTokens(ctx context.Context, userID string, amount int64, reason string) error {
	switch {
	case amount == 0:
		return ErrInvalidAmount
	case amount > 0:
		_, err := s.store.Credit(ctx, &CreditRequest{
			UserID:      userID,
			Amount:      amount,
			Type:        TransactionAdjustment,
			Description: reason,
		})
		if err == nil {
			s.metrics.RecordCredit(string(TransactionAdjustment), amount)
		}
		return err
	default:
		_, err := s.store.Debit(ctx, &DebitRequest{
			UserID:      userID,
			Amount:      -amount,
			Type:        TransactionAdjustment,
			Description: reason,
		})
		return err
	}
}

// RefundServiceTokens returns the cost of a previously deducted service
// run to the user, with a Refund ledger entry.
func (s *Service) RefundServiceTokens(ctx context.Context, userID, serviceName, reason string) error {
	cost, err := s.costs.Cost(serviceName)
	if err != nil {
		return err
	}
	if cost == 0 {
		return nil
	}

	_, err = s.store.Credit(ctx, &CreditRequest{
		UserID:      userID,
		Amount:      cost,
		Type:        TransactionRefund,
		ServiceName: serviceName,
		Description: reason,
	})
	if err == nil {
		s.metrics.RecordCredit(string(TransactionRefund), cost)
	}
	return err
}

// ServiceCosts exposes the immutable cost table.
func (s *Service) ServiceCosts() *CostTable {
	return s.costs
}
