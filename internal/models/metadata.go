package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// Metadata type for JSONB fields
type Metadata map[string]any

// Value implements driver.Valuer for Metadata
func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for Metadata
func (m *Metadata) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}

	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}

	return json.Unmarshal(b, m)
}

// Metadata keys owned by the engine. The details key holds the typed payload
// for the transaction's kind; the reconciliation keys are written and removed
// only by match/unmatch.
const (
	MetaDetails           = "details"
	MetaBankMatchID       = "bank_match_id"
	MetaBankTransactionID = "bank_transaction_id"
	MetaReconciledAt      = "reconciled_at"
)

// SaleDetails is the typed metadata payload of a sale transaction. Extra
// carries platform-specific extension keys the engine does not interpret.
type SaleDetails struct {
	CreatorID      string   `json:"creator_id"`
	CreatorPercent float64  `json:"creator_percent"`
	CreatorCents   int64    `json:"creator_cents"`
	PlatformCents  int64    `json:"platform_cents"`
	FeeCents       int64    `json:"fee_cents"`
	Extra          Metadata `json:"extra,omitempty"`
}

// PayoutDetails is the typed metadata payload of a payout transaction.
type PayoutDetails struct {
	CreatorID       string   `json:"creator_id"`
	CreditorName    string   `json:"creditor_name"`
	CreditorAccount string   `json:"creditor_account"`
	BankCode        string   `json:"bank_code"`
	MessageID       string   `json:"message_id,omitempty"` // pacs.008 MsgId once dispatched
	Extra           Metadata `json:"extra,omitempty"`
}

// ReversalDetails links a reversal to the transaction it offsets.
type ReversalDetails struct {
	OriginalTransactionID string   `json:"original_transaction_id"`
	Reason                string   `json:"reason,omitempty"`
	Extra                 Metadata `json:"extra,omitempty"`
}

// AdjustmentDetails is the typed metadata payload of a manual adjustment.
type AdjustmentDetails struct {
	Reason string   `json:"reason"`
	Extra  Metadata `json:"extra,omitempty"`
}

// WithDetails returns a copy of m with the typed detail payload set.
func (m Metadata) WithDetails(details any) Metadata {
	out := m.clone()
	out[MetaDetails] = details
	return out
}

// DecodeDetails unmarshals the typed detail payload into v.
func (m Metadata) DecodeDetails(v any) error {
	raw, ok := m[MetaDetails]
	if !ok {
		return errors.New("metadata has no details payload")
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// StampReconciliation returns a copy of m carrying the match linkage.
func (m Metadata) StampReconciliation(matchID, bankTransactionID string, at time.Time) Metadata {
	out := m.clone()
	out[MetaBankMatchID] = matchID
	out[MetaBankTransactionID] = bankTransactionID
	out[MetaReconciledAt] = at.UTC().Format(time.RFC3339)
	return out
}

// ClearReconciliation returns a copy of m with the match linkage removed,
// restoring the pre-match metadata.
func (m Metadata) ClearReconciliation() Metadata {
	out := m.clone()
	delete(out, MetaBankMatchID)
	delete(out, MetaBankTransactionID)
	delete(out, MetaReconciledAt)
	return out
}

func (m Metadata) clone() Metadata {
	out := Metadata{}
	for k, v := range m {
		out[k] = v
	}
	return out
}
