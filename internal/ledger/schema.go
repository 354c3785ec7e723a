package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// EnsureSchema creates the ledger tables if they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS offline_state (
			device_id      TEXT PRIMARY KEY,
			allowance      NUMERIC NOT NULL DEFAULT 0,
			total_sent     NUMERIC NOT NULL DEFAULT 0,
			total_received NUMERIC NOT NULL DEFAULT 0,
			last_updated   TIMESTAMPTZ NOT NULL,
			lease_owner    TEXT,
			lease_expires  TIMESTAMPTZ,
			lease_version  BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS offline_records (
			id                UUID PRIMARY KEY,
			device_id         TEXT NOT NULL,
			direction         TEXT NOT NULL,
			counterparty      TEXT NOT NULL,
			amount            NUMERIC NOT NULL,
			asset_kind        INT NOT NULL DEFAULT 0,
			asset_contract    TEXT NOT NULL DEFAULT '',
			status            TEXT NOT NULL,
			settlement_tx_ref TEXT NOT NULL DEFAULT '',
			voucher_ref       TEXT NOT NULL DEFAULT '',
			created_at        TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			version           INT NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_offline_records_device_status
			ON offline_records (device_id, status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_offline_records_voucher
			ON offline_records (device_id, voucher_ref) WHERE voucher_ref <> ''`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
