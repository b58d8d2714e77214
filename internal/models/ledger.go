package models

import (
	"time"
)

// Ledger is the tenant boundary. Every account, transaction, period and
// snapshot belongs to exactly one ledger.
type Ledger struct {
	ID                    int       `json:"id" db:"id"`
	LedgerID              string    `json:"ledger_id" db:"ledger_id"`
	Name                  string    `json:"name" db:"name"`
	Status                string    `json:"status" db:"status"`
	Currency              string    `json:"currency" db:"currency"`
	DefaultCreatorPercent *float64  `json:"default_creator_percent,omitempty" db:"default_creator_percent"`
	Settings              Metadata  `json:"settings,omitempty" db:"settings"`
	CreatedAt             time.Time `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

const (
	LedgerStatusActive    = "active"
	LedgerStatusSuspended = "suspended"
)

// Account types. cash and expense carry debit-normal balances; the rest are
// credit-normal (liabilities/revenue owed outward).
const (
	AccountTypeCash            = "cash"
	AccountTypePlatformRevenue = "platform_revenue"
	AccountTypeCreatorBalance  = "creator_balance"
	AccountTypeFeeClearing     = "fee_clearing"
	AccountTypePayoutClearing  = "payout_clearing"
	AccountTypeExpense         = "expense"
	AccountTypeTaxReserve      = "tax_reserve"
)

// DebitNormal reports whether balances of this account type grow on the
// debit side. An entry moves a balance by +amount on its normal side and
// -amount on the opposite side.
func DebitNormal(accountType string) bool {
	switch accountType {
	case AccountTypeCash, AccountTypeExpense:
		return true
	default:
		return false
	}
}

// Account holds a cached balance in integer cents. The cached value must
// always equal the signed sum of the account's entries; version guards the
// balance update with optimistic locking.
type Account struct {
	ID        int       `json:"id" db:"id"`
	AccountID string    `json:"account_id" db:"account_id"`
	LedgerID  string    `json:"ledger_id" db:"ledger_id"`
	Type      string    `json:"type" db:"type"`
	EntityID  string    `json:"entity_id,omitempty" db:"entity_id"`
	Currency  string    `json:"currency" db:"currency"`
	Balance   int64     `json:"balance" db:"balance"` // in cents
	Version   int       `json:"version" db:"version"` // for optimistic locking
	Metadata  Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
