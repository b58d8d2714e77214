package database

import (
	"database/sql"
	"log"
)

// LedgerSchema bootstraps the ledger tables. Every statement is idempotent so
// the schema can be applied on each startup.
//
// snapshot_data is TEXT rather than JSONB: the snapshot integrity hash is
// computed over the exact stored bytes and JSONB rewrites key order and
// whitespace on the way in.
const LedgerSchema = `
CREATE TABLE IF NOT EXISTS ledgers (
    id SERIAL PRIMARY KEY,
    ledger_id VARCHAR(64) UNIQUE NOT NULL,
    name VARCHAR(120) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'active',
    currency VARCHAR(3) NOT NULL DEFAULT 'USD',
    default_creator_percent DOUBLE PRECISION,
    feed_token_hash TEXT,
    settings JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS accounts (
    id SERIAL PRIMARY KEY,
    account_id VARCHAR(64) UNIQUE NOT NULL,
    ledger_id VARCHAR(64) NOT NULL REFERENCES ledgers(ledger_id),
    type VARCHAR(32) NOT NULL,
    entity_id VARCHAR(128) NOT NULL DEFAULT '',
    currency VARCHAR(3) NOT NULL DEFAULT 'USD',
    balance BIGINT NOT NULL DEFAULT 0,
    version INTEGER NOT NULL DEFAULT 0,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (ledger_id, type, entity_id)
);

CREATE TABLE IF NOT EXISTS transactions (
    id SERIAL PRIMARY KEY,
    transaction_id VARCHAR(64) UNIQUE NOT NULL,
    ledger_id VARCHAR(64) NOT NULL REFERENCES ledgers(ledger_id),
    reference_id VARCHAR(128) NOT NULL,
    type VARCHAR(32) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'completed',
    amount BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'USD',
    occurred_at TIMESTAMPTZ NOT NULL,
    metadata JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (ledger_id, reference_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_ledger_occurred ON transactions (ledger_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_transactions_ledger_status ON transactions (ledger_id, status);

CREATE TABLE IF NOT EXISTS entries (
    id SERIAL PRIMARY KEY,
    transaction_id VARCHAR(64) NOT NULL REFERENCES transactions(transaction_id),
    account_id VARCHAR(64) NOT NULL REFERENCES accounts(account_id),
    amount BIGINT NOT NULL,
    entry_type VARCHAR(6) NOT NULL,
    balance BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_entries_transaction ON entries (transaction_id);
CREATE INDEX IF NOT EXISTS idx_entries_account ON entries (account_id, id);

CREATE TABLE IF NOT EXISTS accounting_periods (
    id SERIAL PRIMARY KEY,
    period_id VARCHAR(64) UNIQUE NOT NULL,
    ledger_id VARCHAR(64) NOT NULL REFERENCES ledgers(ledger_id),
    name VARCHAR(120) NOT NULL,
    period_start TIMESTAMPTZ NOT NULL,
    period_end TIMESTAMPTZ NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'open',
    closed_at TIMESTAMPTZ,
    locked_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (ledger_id, name)
);

CREATE INDEX IF NOT EXISTS idx_periods_window ON accounting_periods (ledger_id, status, period_start, period_end);

CREATE TABLE IF NOT EXISTS bank_matches (
    id SERIAL PRIMARY KEY,
    match_id VARCHAR(64) UNIQUE NOT NULL,
    ledger_id VARCHAR(64) NOT NULL REFERENCES ledgers(ledger_id),
    transaction_id VARCHAR(64) UNIQUE NOT NULL REFERENCES transactions(transaction_id),
    bank_transaction_id VARCHAR(128) NOT NULL,
    status VARCHAR(20) NOT NULL DEFAULT 'matched',
    matched_by VARCHAR(120) NOT NULL,
    matched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (ledger_id, bank_transaction_id)
);

CREATE TABLE IF NOT EXISTS bank_statement_lines (
    id SERIAL PRIMARY KEY,
    ledger_id VARCHAR(64) NOT NULL REFERENCES ledgers(ledger_id),
    bank_transaction_id VARCHAR(128) NOT NULL,
    amount BIGINT NOT NULL,
    currency VARCHAR(3) NOT NULL DEFAULT 'USD',
    posted_at TIMESTAMPTZ NOT NULL,
    description VARCHAR(500) NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (ledger_id, bank_transaction_id)
);

CREATE TABLE IF NOT EXISTS reconciliation_snapshots (
    id SERIAL PRIMARY KEY,
    snapshot_id VARCHAR(64) UNIQUE NOT NULL,
    ledger_id VARCHAR(64) NOT NULL REFERENCES ledgers(ledger_id),
    period_start TIMESTAMPTZ NOT NULL,
    period_end TIMESTAMPTZ NOT NULL,
    snapshot_data TEXT NOT NULL,
    integrity_hash VARCHAR(64) NOT NULL,
    matched_count INTEGER NOT NULL DEFAULT 0,
    matched_total BIGINT NOT NULL DEFAULT 0,
    unmatched_count INTEGER NOT NULL DEFAULT 0,
    unmatched_total BIGINT NOT NULL DEFAULT 0,
    created_by VARCHAR(120) NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_snapshots_ledger ON reconciliation_snapshots (ledger_id, created_at);
`

// EnsureSchema applies the ledger schema.
func EnsureSchema(db *sql.DB) error {
	if _, err := db.Exec(LedgerSchema); err != nil {
		return err
	}
	log.Println("Ledger schema applied")
	return nil
}
