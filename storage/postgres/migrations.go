package postgres

import (
	"context"
	"fmt"
)

// schema holds the DDL for the billing tables. Statements are idempotent
// so InitSchema is safe to run on every startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS user_billing (
		user_id                  TEXT PRIMARY KEY,
		token_balance            BIGINT NOT NULL DEFAULT 0,
		payment_customer_id      TEXT NOT NULL DEFAULT '',
		payment_subscription_id  TEXT NOT NULL DEFAULT '',
		subscription_status      TEXT NOT NULL DEFAULT 'none',
		subscription_level       TEXT NOT NULL DEFAULT 'none',
		subscription_end_date    TIMESTAMPTZ,
		subscription_updated_at  TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		last_token_purchase_date TIMESTAMPTZ,
		created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_user_billing_customer
		ON user_billing (payment_customer_id)
		WHERE payment_customer_id <> ''`,

	`CREATE TABLE IF NOT EXISTS token_transactions (
		id           TEXT PRIMARY KEY,
		user_id      TEXT NOT NULL,
		service_name TEXT NOT NULL DEFAULT '',
		amount       BIGINT NOT NULL,
		type         TEXT NOT NULL,
		description  TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_token_transactions_user
		ON token_transactions (user_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL DEFAULT '',
		processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_processed_events_age
		ON processed_events (processed_at)`,
}

// InitSchema creates the billing tables and indexes if they do not exist.
func (s *Storage) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
