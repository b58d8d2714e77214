package models

import (
	"time"
)

// Transaction kinds.
const (
	TransactionTypeSale       = "sale"
	TransactionTypePayout     = "payout"
	TransactionTypeExpense    = "expense"
	TransactionTypeRefund     = "refund"
	TransactionTypeReversal   = "reversal"
	TransactionTypeAdjustment = "adjustment"
)

// Transaction statuses. voided and reversed are terminal; a transaction is
// never edited, corrections are new offsetting transactions.
const (
	TransactionStatusPending    = "pending"
	TransactionStatusCompleted  = "completed"
	TransactionStatusReconciled = "reconciled"
	TransactionStatusVoided     = "voided"
	TransactionStatusReversed   = "reversed"
)

// TerminalStatus reports whether a transaction in this status is frozen out
// of further matching and reversal.
func TerminalStatus(status string) bool {
	return status == TransactionStatusVoided || status == TransactionStatusReversed
}

// Transaction is one journal event in a ledger. Amount is the gross value in
// integer cents; the balanced detail lives in its entries. ReferenceID is the
// caller-supplied idempotency key, unique within the ledger.
type Transaction struct {
	ID            int       `json:"id" db:"id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	LedgerID      string    `json:"ledger_id" db:"ledger_id"`
	ReferenceID   string    `json:"reference_id" db:"reference_id"`
	Type          string    `json:"type" db:"type"`
	Status        string    `json:"status" db:"status"`
	Amount        int64     `json:"amount" db:"amount"` // gross, in cents
	Currency      string    `json:"currency" db:"currency"`
	OccurredAt    time.Time `json:"occurred_at" db:"occurred_at"`
	Metadata      Metadata  `json:"metadata,omitempty" db:"metadata"`
	Entries       []Entry   `json:"entries,omitempty" db:"-"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Entry sides.
const (
	EntryDebit  = "debit"
	EntryCredit = "credit"
)

// Entry is one leg of a transaction. Amount is always non-negative; the side
// is carried by EntryType. For every transaction the debit amounts and credit
// amounts must sum equal before commit.
type Entry struct {
	ID            int       `json:"id" db:"id"`
	TransactionID string    `json:"transaction_id" db:"transaction_id"`
	AccountID     string    `json:"account_id" db:"account_id"`
	Amount        int64     `json:"amount" db:"amount"` // in cents
	EntryType     string    `json:"entry_type" db:"entry_type"` // debit or credit
	Balance       int64     `json:"balance" db:"balance"` // account balance after this entry
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
