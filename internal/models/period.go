package models

import (
	"encoding/json"
	"time"
)

// Period statuses. Transitions are one-way: open -> closed -> locked.
const (
	PeriodStatusOpen   = "open"
	PeriodStatusClosed = "closed"
	PeriodStatusLocked = "locked"
)

// AccountingPeriod freezes a date window of a ledger. Once closed or locked,
// transactions dated inside the window can no longer be created, matched or
// unmatched.
type AccountingPeriod struct {
	ID          int        `json:"id" db:"id"`
	PeriodID    string     `json:"period_id" db:"period_id"`
	LedgerID    string     `json:"ledger_id" db:"ledger_id"`
	Name        string     `json:"name" db:"name"`
	PeriodStart time.Time  `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time  `json:"period_end" db:"period_end"`
	Status      string     `json:"status" db:"status"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	LockedAt    *time.Time `json:"locked_at,omitempty" db:"locked_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Contains reports whether t falls inside the period's inclusive window.
func (p *AccountingPeriod) Contains(t time.Time) bool {
	return !t.Before(p.PeriodStart) && !t.After(p.PeriodEnd)
}

// BankMatch links a ledger transaction to one externally supplied bank
// transaction id. At most one active match per transaction.
type BankMatch struct {
	ID                int       `json:"id" db:"id"`
	MatchID           string    `json:"match_id" db:"match_id"`
	LedgerID          string    `json:"ledger_id" db:"ledger_id"`
	TransactionID     string    `json:"transaction_id" db:"transaction_id"`
	BankTransactionID string    `json:"bank_transaction_id" db:"bank_transaction_id"`
	Status            string    `json:"status" db:"status"`
	MatchedBy         string    `json:"matched_by" db:"matched_by"`
	MatchedAt         time.Time `json:"matched_at" db:"matched_at"`
}

const BankMatchStatusMatched = "matched"

// BankStatementLine is one row of externally supplied bank activity, imported
// through the feed endpoint and consumed by auto-match.
type BankStatementLine struct {
	ID                int       `json:"id" db:"id"`
	LedgerID          string    `json:"ledger_id" db:"ledger_id"`
	BankTransactionID string    `json:"bank_transaction_id" db:"bank_transaction_id"`
	Amount            int64     `json:"amount" db:"amount"` // in cents
	Currency          string    `json:"currency" db:"currency"`
	PostedAt          time.Time `json:"posted_at" db:"posted_at"`
	Description       string    `json:"description,omitempty" db:"description"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// ReconciliationSnapshot is an append-only, content-addressed capture of a
// period's matched/unmatched state. IntegrityHash is SHA-256 over the exact
// stored SnapshotData bytes; verification recomputes over those bytes.
type ReconciliationSnapshot struct {
	ID             int       `json:"id" db:"id"`
	SnapshotID     string    `json:"snapshot_id" db:"snapshot_id"`
	LedgerID       string    `json:"ledger_id" db:"ledger_id"`
	PeriodStart    time.Time `json:"period_start" db:"period_start"`
	PeriodEnd      time.Time `json:"period_end" db:"period_end"`
	SnapshotData   json.RawMessage `json:"snapshot_data,omitempty" db:"snapshot_data" swaggertype:"object"`
	IntegrityHash  string    `json:"integrity_hash" db:"integrity_hash"`
	MatchedCount   int       `json:"matched_count" db:"matched_count"`
	MatchedTotal   int64     `json:"matched_total" db:"matched_total"`
	UnmatchedCount int       `json:"unmatched_count" db:"unmatched_count"`
	UnmatchedTotal int64     `json:"unmatched_total" db:"unmatched_total"`
	CreatedBy      string    `json:"created_by" db:"created_by"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}
