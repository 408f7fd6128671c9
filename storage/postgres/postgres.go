// Package postgres provides a PostgreSQL implementation of the
// billing.Store interface. Mutations run in SQL transactions with
// SELECT FOR UPDATE on the user's billing row, so the ledger append,
// balance update and processed-event record commit atomically.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/careermate/billing/pkg/billing"
)

const defaultListLimit = 50

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// Cleanup configuration for aged processed-event records. Events
	// older than EventTTL can never be redelivered by the processor, so
	// keeping them only grows the table.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventTTL        time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		EventTTL:        30 * 24 * time.Hour,
	}
}

// Storage implements billing.Store using PostgreSQL.
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// New creates a new PostgreSQL storage adapter.
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())

	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close stops background work and releases the connection pool.
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	s.pool.Close()
}

// Ping checks the PostgreSQL connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetUserBilling implements billing.Store.
func (s *Storage) GetUserBilling(ctx context.Context, userID string) (*billing.UserBilling, error) {
	return s.getUserBilling(ctx, s.pool, userID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Storage) getUserBilling(ctx context.Context, q queryRower, userID string) (*billing.UserBilling, error) {
	var ub billing.UserBilling
	var status, level string
	err := q.QueryRow(ctx,
		`SELECT user_id, token_balance, payment_customer_id, payment_subscription_id,
				subscription_status, subscription_level, subscription_end_date,
				subscription_updated_at, last_token_purchase_date, created_at, updated_at
			FROM user_billing
			WHERE user_id = $1`,
		userID).Scan(
		&ub.UserID, &ub.TokenBalance, &ub.PaymentCustomerID, &ub.PaymentSubscriptionID,
		&status, &level, &ub.SubscriptionEndDate,
		&ub.SubscriptionUpdatedAt, &ub.LastTokenPurchaseDate, &ub.CreatedAt, &ub.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, billing.ErrBillingNotFound
		}
		return nil, fmt.Errorf("failed to get billing record: %w", err)
	}
	ub.SubscriptionStatus = billing.SubscriptionStatus(status)
	ub.SubscriptionLevel = billing.SubscriptionLevel(level)
	return &ub, nil
}

// EnsureUserBilling implements billing.Store.
func (s *Storage) EnsureUserBilling(ctx context.Context, userID string) (*billing.UserBilling, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}

	if err := s.ensureRow(ctx, s.pool, userID); err != nil {
		return nil, err
	}
	return s.getUserBilling(ctx, s.pool, userID)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ensureRow creates the default billing row if missing. Upsert avoids the
// insert race between concurrent first accesses.
func (s *Storage) ensureRow(ctx context.Context, e execer, userID string) error {
	now := time.Now().UTC()
	_, err := e.Exec(ctx,
		`INSERT INTO user_billing
				(user_id, token_balance, subscription_status, subscription_level, created_at, updated_at)
			VALUES ($1, 0, $2, $3, $4, $4)
			ON CONFLICT (user_id) DO NOTHING`,
		userID, string(billing.SubscriptionNone), string(billing.SubscriptionLevelNone), now)
	if err != nil {
		return fmt.Errorf("failed to ensure billing record: %w", err)
	}
	return nil
}

// GetUserIDByCustomer implements billing.Store.
func (s *Storage) GetUserIDByCustomer(ctx context.Context, customerID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id FROM user_billing WHERE payment_customer_id = $1`,
		customerID).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", billing.ErrBillingNotFound
		}
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}
	return userID, nil
}

// SetCustomerID implements billing.Store.
func (s *Storage) SetCustomerID(ctx context.Context, userID, customerID string) error {
	if userID == "" || customerID == "" {
		return fmt.Errorf("user id and customer id are required")
	}

	if err := s.ensureRow(ctx, s.pool, userID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE user_billing
			SET payment_customer_id = $1, updated_at = NOW()
			WHERE user_id = $2`,
		customerID, userID)
	if err != nil {
		return fmt.Errorf("failed to set customer id: %w", err)
	}
	return nil
}

// Credit implements billing.Store.
func (s *Storage) Credit(ctx context.Context, req *billing.CreditRequest) (int64, error) {
	if req.Amount <= 0 {
		return 0, billing.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if req.EventID != "" {
		inserted, err := s.recordEvent(ctx, tx, req.EventID, req.EventType)
		if err != nil {
			return 0, err
		}
		if !inserted {
			return 0, billing.ErrDuplicateEvent
		}
	}

	if err := s.ensureRow(ctx, tx, req.UserID); err != nil {
		return 0, err
	}

	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT token_balance FROM user_billing WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock billing record: %w", err)
	}

	now := time.Now().UTC()
	newBalance := balance + req.Amount

	if err := s.appendEntry(ctx, tx, req.UserID, req.ServiceName, req.Amount, req.Type, req.Description, now); err != nil {
		return 0, err
	}

	purchasedAt := req.EventTime
	if purchasedAt.IsZero() {
		purchasedAt = now
	}
	if req.Type == billing.TransactionPurchase {
		_, err = tx.Exec(ctx,
			`UPDATE user_billing
				SET token_balance = $1, last_token_purchase_date = $2, updated_at = $3
				WHERE user_id = $4`,
			newBalance, purchasedAt, now, req.UserID)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE user_billing
				SET token_balance = $1, updated_at = $2
				WHERE user_id = $3`,
			newBalance, now, req.UserID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newBalance, nil
}

// Debit implements billing.Store.
func (s *Storage) Debit(ctx context.Context, req *billing.DebitRequest) (int64, error) {
	if req.Amount < 0 {
		return 0, billing.ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if err := s.ensureRow(ctx, tx, req.UserID); err != nil {
		return 0, err
	}

	// Re-check affordability under the row lock; the caller's earlier
	// read may be stale by now.
	var balance int64
	err = tx.QueryRow(ctx,
		`SELECT token_balance FROM user_billing WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to lock billing record: %w", err)
	}
	if balance < req.Amount {
		return balance, billing.ErrInsufficientTokens
	}

	txType := req.Type
	if txType == "" {
		txType = billing.TransactionDeduction
	}

	now := time.Now().UTC()
	newBalance := balance - req.Amount

	if err := s.appendEntry(ctx, tx, req.UserID, req.ServiceName, -req.Amount, txType, req.Description, now); err != nil {
		return 0, err
	}

	_, err = tx.Exec(ctx,
		`UPDATE user_billing SET token_balance = $1, updated_at = $2 WHERE user_id = $3`,
		newBalance, now, req.UserID)
	if err != nil {
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return newBalance, nil
}

// ApplySubscriptionUpdate implements billing.Store.
func (s *Storage) ApplySubscriptionUpdate(ctx context.Context, req *billing.SubscriptionUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	if req.EventID != "" {
		inserted, err := s.recordEvent(ctx, tx, req.EventID, req.EventType)
		if err != nil {
			return err
		}
		if !inserted {
			return billing.ErrDuplicateEvent
		}
	}

	if err := s.ensureRow(ctx, tx, req.UserID); err != nil {
		return err
	}

	var subscriptionID string
	var updatedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT payment_subscription_id, subscription_updated_at
			FROM user_billing WHERE user_id = $1 FOR UPDATE`,
		req.UserID).Scan(&subscriptionID, &updatedAt)
	if err != nil {
		return fmt.Errorf("failed to lock billing record: %w", err)
	}

	// Out-of-order delivery: an event strictly before the last applied one
	// must not regress state. The processed-event record still commits.
	// Equal timestamps still apply: processor timestamps have second
	// granularity, and a distinct event id in the same second is new.
	if !updatedAt.IsZero() && req.EventTime.Before(updatedAt) {
		return tx.Commit(ctx)
	}

	if !req.Replace && subscriptionID != "" &&
		req.SubscriptionID != "" && req.SubscriptionID != subscriptionID {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return fmt.Errorf("failed to commit: %w", commitErr)
		}
		return billing.ErrSubscriptionStateConflict
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx,
		`UPDATE user_billing SET
				subscription_status = $1,
				subscription_level = COALESCE(NULLIF($2, ''), subscription_level),
				payment_subscription_id = COALESCE(NULLIF($3, ''), payment_subscription_id),
				payment_customer_id = COALESCE(NULLIF($4, ''), payment_customer_id),
				subscription_end_date = COALESCE($5, subscription_end_date),
				subscription_updated_at = $6,
				updated_at = $7
			WHERE user_id = $8`,
		string(req.Status), string(req.Level), req.SubscriptionID, req.CustomerID,
		req.PeriodEnd, req.EventTime, now, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to update subscription state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// MarkEventProcessed implements billing.Store.
func (s *Storage) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}

	inserted, err := s.recordEvent(ctx, s.pool, eventID, eventType)
	if err != nil {
		return err
	}
	if !inserted {
		return billing.ErrDuplicateEvent
	}
	return nil
}

// ListTransactions implements billing.Store.
func (s *Storage) ListTransactions(ctx context.Context, userID string, limit int) ([]billing.TokenTransaction, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, service_name, amount, type, description, created_at
			FROM token_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	out := make([]billing.TokenTransaction, 0, limit)
	for rows.Next() {
		var tx billing.TokenTransaction
		var txType string
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.ServiceName, &tx.Amount, &txType, &tx.Description, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Type = billing.TransactionType(txType)
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	return out, nil
}

// SumTransactions implements billing.Store.
func (s *Storage) SumTransactions(ctx context.Context, userID string) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM token_transactions WHERE user_id = $1`,
		userID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

// ListUserIDs implements billing.Store.
func (s *Storage) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT user_id FROM user_billing`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read users: %w", err)
	}
	return ids, nil
}

// recordEvent inserts the processed-event record. Returns false when the
// event id was already recorded.
func (s *Storage) recordEvent(ctx context.Context, e execer, eventID, eventType string) (bool, error) {
	tag, err := e.Exec(ctx,
		`INSERT INTO processed_events (event_id, event_type, processed_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Storage) appendEntry(
	ctx context.Context, e execer,
	userID, serviceName string, amount int64,
	txType billing.TransactionType, description string, createdAt time.Time,
) error {
	_, err := e.Exec(ctx,
		`INSERT INTO token_transactions
				(id, user_id, service_name, amount, type, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.NewString(), userID, serviceName, amount, string(txType), description, createdAt)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupAgedEvents(context.Background()); err != nil {
				// Keep the cleanup loop alive across transient failures.
				_ = err
			}
		}
	}
}

// cleanupAgedEvents deletes processed-event records older than EventTTL.
func (s *Storage) cleanupAgedEvents(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	_, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return nil
}

// Cleanup can be called manually to delete aged processed-event records.
func (s *Storage) Cleanup(ctx context.Context) error {
	return s.cleanupAgedEvents(ctx)
}
