// Package migrations applies the settlement layer schema. Statements are
// idempotent and executed in order on startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS settlement_users (
		id                TEXT PRIMARY KEY,
		email             TEXT NOT NULL,
		wallet_account_id TEXT,
		wallet_secret     TEXT,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,

	`CREATE UNIQUE INDEX IF NOT EXISTS ux_settlement_users_wallet
		ON settlement_users (wallet_account_id)
		WHERE wallet_account_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS wallet_claims (
		user_id          TEXT PRIMARY KEY REFERENCES settlement_users (id),
		account_id       TEXT,
		encrypted_secret TEXT,
		created_at       TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS settlement_records (
		id                TEXT PRIMARY KEY,
		external_event_id TEXT NOT NULL UNIQUE,
		user_id           TEXT NOT NULL,
		plan_id           TEXT NOT NULL,
		credit_amount     BIGINT NOT NULL,
		currency          TEXT NOT NULL DEFAULT '',
		status            TEXT NOT NULL,
		failure_reason    TEXT NOT NULL DEFAULT '',
		failure_detail    TEXT NOT NULL DEFAULT '',
		ledger_tx_id      TEXT NOT NULL DEFAULT '',
		ledger_tx_status  TEXT NOT NULL DEFAULT '',
		reconcile_state   TEXT NOT NULL DEFAULT '',
		reconcile_count   INTEGER NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL,
		settled_at        TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS ix_settlement_records_user
		ON settlement_records (user_id, created_at)`,

	`CREATE INDEX IF NOT EXISTS ix_settlement_records_reconcile
		ON settlement_records (status, reconcile_state)`,

	`CREATE TABLE IF NOT EXISTS processor_subscriptions (
		ref        TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL DEFAULT '',
		plan_id    TEXT NOT NULL DEFAULT '',
		status     TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

// Apply executes all schema statements against the database.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
