package services

import (
	"database/sql"

	"github.com/creatorpay/backend/internal/models"
	"github.com/shopspring/decimal"
)

// Breakdown is the cent-exact allocation of one sale.
type Breakdown struct {
	GrossCents     int64
	FeeCents       int64
	NetCents       int64
	CreatorCents   int64
	PlatformCents  int64
	CreatorPercent float64
}

// BreakdownView is the API rendering of a Breakdown, in dollars.
type BreakdownView struct {
	Gross          float64 `json:"gross"`
	Fee            float64 `json:"fee"`
	Net            float64 `json:"net"`
	CreatorAmount  float64 `json:"creator_amount"`
	PlatformAmount float64 `json:"platform_amount"`
	CreatorPercent float64 `json:"creator_percent"`
}

// View renders the breakdown in dollars for API responses.
func (b *Breakdown) View() BreakdownView {
	return BreakdownView{
		Gross:          dollars(b.GrossCents),
		Fee:            dollars(b.FeeCents),
		Net:            dollars(b.NetCents),
		CreatorAmount:  dollars(b.CreatorCents),
		PlatformAmount: dollars(b.PlatformCents),
		CreatorPercent: b.CreatorPercent,
	}
}

func dollars(cents int64) float64 {
	return float64(cents) / 100
}

// CalculateSplit allocates gross minus fee between creator and platform.
// The creator share is net * percent / 100 rounded half-to-even (banker's
// rounding); the platform share is the remainder, so
// creator_cents + platform_cents == gross_cents - fee_cents holds exactly
// for every input.
func CalculateSplit(grossCents, feeCents int64, creatorPercent float64) (*Breakdown, error) {
	if grossCents <= 0 {
		return nil, NewValidationError("gross_amount_cents", "must be positive")
	}
	if creatorPercent < 0 || creatorPercent > 100 {
		return nil, NewValidationError("creator_percent", "must be between 0 and 100")
	}
	if feeCents < 0 || feeCents > grossCents {
		return nil, NewValidationError("processing_fee_cents", "must be between 0 and the gross amount")
	}

	netCents := grossCents - feeCents
	creatorCents := decimal.NewFromInt(netCents).
		Mul(decimal.NewFromFloat(creatorPercent)).
		Div(decimal.NewFromInt(100)).
		RoundBank(0).
		IntPart()
	platformCents := netCents - creatorCents

	return &Breakdown{
		GrossCents:     grossCents,
		FeeCents:       feeCents,
		NetCents:       netCents,
		CreatorCents:   creatorCents,
		PlatformCents:  platformCents,
		CreatorPercent: creatorPercent,
	}, nil
}

// queryRower is satisfied by *sql.DB and *sql.Tx.
type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

// ResolveCreatorPercent resolves the split percent for a sale: explicit
// override first, then the creator account's custom_creator_percent metadata,
// then the ledger default, then the configured fallback. A stored percent is
// always the creator's share.
func ResolveCreatorPercent(q queryRower, ledgerID, creatorID string, override *float64, fallback float64) (float64, error) {
	if override != nil {
		return *override, nil
	}

	var meta models.Metadata
	err := q.QueryRow(`
		SELECT metadata FROM accounts
		WHERE ledger_id = $1 AND type = $2 AND entity_id = $3`,
		ledgerID, models.AccountTypeCreatorBalance, creatorID).Scan(&meta)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	if pct, ok := customPercent(meta); ok {
		return pct, nil
	}

	var ledgerDefault sql.NullFloat64
	err = q.QueryRow(`SELECT default_creator_percent FROM ledgers WHERE ledger_id = $1`, ledgerID).Scan(&ledgerDefault)
	if err == sql.ErrNoRows {
		return 0, &NotFoundError{Entity: "ledger", ID: ledgerID}
	}
	if err != nil {
		return 0, err
	}
	if ledgerDefault.Valid {
		return ledgerDefault.Float64, nil
	}

	return fallback, nil
}

func customPercent(meta models.Metadata) (float64, bool) {
	raw, ok := meta["custom_creator_percent"]
	if !ok {
		return 0, false
	}
	pct, ok := raw.(float64)
	if !ok || pct < 0 || pct > 100 {
		return 0, false
	}
	return pct, true
}
