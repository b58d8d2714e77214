package services

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
	"github.com/google/uuid"
)

// ReconciliationService links ledger transactions to externally supplied bank
// activity. A transaction holds at most one active match; matching flips it
// to reconciled, unmatching restores completed and the pre-match metadata.
type ReconciliationService struct {
	db  *sql.DB
	cfg *config.LedgerConfig
}

func NewReconciliationService(db *sql.DB) *ReconciliationService {
	return &ReconciliationService{
		db:  db,
		cfg: config.LoadLedgerConfig(),
	}
}

// Match links one transaction to one bank transaction id. The transaction
// must be completed and dated in an open period; the bank id must not already
// be consumed within the ledger.
func (rs *ReconciliationService) Match(ledgerID, transactionID, bankTransactionID, matchedBy string) (*models.BankMatch, error) {
	tx, err := rs.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer tx.Rollback()

	txn, err := lockTransaction(tx, ledgerID, transactionID)
	if err != nil {
		return nil, err
	}
	if err := checkPeriodLock(tx, ledgerID, txn.OccurredAt); err != nil {
		return nil, err
	}

	switch txn.Status {
	case models.TransactionStatusReconciled:
		return nil, NewValidationError("transaction_id", "transaction is already matched")
	case models.TransactionStatusCompleted:
	default:
		return nil, NewValidationError("transaction_id", "only completed transactions can be matched")
	}

	var existing string
	err = tx.QueryRow(`
		SELECT transaction_id FROM bank_matches
		WHERE ledger_id = $1 AND bank_transaction_id = $2`,
		ledgerID, bankTransactionID).Scan(&existing)
	if err == nil {
		return nil, NewValidationError("bank_transaction_id",
			fmt.Sprintf("bank transaction already matched to %s", existing))
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	match := &models.BankMatch{
		MatchID:           "match_" + uuid.New().String(),
		LedgerID:          ledgerID,
		TransactionID:     transactionID,
		BankTransactionID: bankTransactionID,
		Status:            models.BankMatchStatusMatched,
		MatchedBy:         matchedBy,
		MatchedAt:         time.Now(),
	}

	_, err = tx.Exec(`
		INSERT INTO bank_matches (match_id, ledger_id, transaction_id, bank_transaction_id, status, matched_by, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		match.MatchID, match.LedgerID, match.TransactionID, match.BankTransactionID,
		match.Status, match.MatchedBy, match.MatchedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, NewValidationError("transaction_id", "transaction is already matched")
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	stamped := txn.Metadata.StampReconciliation(match.MatchID, bankTransactionID, match.MatchedAt)
	_, err = tx.Exec(`
		UPDATE transactions SET status = $1, metadata = $2, updated_at = $3
		WHERE ledger_id = $4 AND transaction_id = $5`,
		models.TransactionStatusReconciled, stamped, time.Now(), ledgerID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	log.Printf("[RECONCILE] Matched %s to bank transaction %s in ledger %s", transactionID, bankTransactionID, ledgerID)
	return match, nil
}

// Unmatch removes a transaction's bank match and restores it to completed
// with its pre-match metadata. Blocked when the transaction's date sits in a
// closed or locked period.
func (rs *ReconciliationService) Unmatch(ledgerID, transactionID string) (*models.BankMatch, error) {
	tx, err := rs.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer tx.Rollback()

	txn, err := lockTransaction(tx, ledgerID, transactionID)
	if err != nil {
		return nil, err
	}
	if err := checkPeriodLock(tx, ledgerID, txn.OccurredAt); err != nil {
		return nil, err
	}

	if txn.Status != models.TransactionStatusReconciled {
		return nil, NewValidationError("transaction_id", "transaction is not matched")
	}

	match := &models.BankMatch{LedgerID: ledgerID, TransactionID: transactionID}
	err = tx.QueryRow(`
		DELETE FROM bank_matches
		WHERE ledger_id = $1 AND transaction_id = $2
		RETURNING match_id, bank_transaction_id, status, matched_by, matched_at`,
		ledgerID, transactionID).Scan(
		&match.MatchID, &match.BankTransactionID, &match.Status, &match.MatchedBy, &match.MatchedAt)
	if err == sql.ErrNoRows {
		return nil, NewValidationError("transaction_id", "transaction is not matched")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	cleared := txn.Metadata.ClearReconciliation()
	_, err = tx.Exec(`
		UPDATE transactions SET status = $1, metadata = $2, updated_at = $3
		WHERE ledger_id = $4 AND transaction_id = $5`,
		models.TransactionStatusCompleted, cleared, time.Now(), ledgerID, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	log.Printf("[RECONCILE] Unmatched %s from bank transaction %s in ledger %s", transactionID, match.BankTransactionID, ledgerID)
	return match, nil
}

// ListUnmatched returns completed, not yet reconciled transactions of a
// ledger, most recent first.
func (rs *ReconciliationService) ListUnmatched(ledgerID string, limit int) ([]models.Transaction, error) {
	if limit <= 0 {
		limit = rs.cfg.UnmatchedPageSize
	}
	if limit > rs.cfg.UnmatchedPageMax {
		limit = rs.cfg.UnmatchedPageMax
	}

	rows, err := rs.db.Query(`
		SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at, metadata, created_at, updated_at
		FROM transactions
		WHERE ledger_id = $1 AND status = $2
		ORDER BY occurred_at DESC
		LIMIT $3`, ledgerID, models.TransactionStatusCompleted, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		var tx models.Transaction
		err := rows.Scan(
			&tx.TransactionID, &tx.LedgerID, &tx.ReferenceID, &tx.Type, &tx.Status,
			&tx.Amount, &tx.Currency, &tx.OccurredAt, &tx.Metadata, &tx.CreatedAt, &tx.UpdatedAt)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// AutoMatchReport summarizes one auto-match pass.
type AutoMatchReport struct {
	Considered int             `json:"considered"`
	Matched    []MatchPair     `json:"matched"`
	Ambiguous  []AmbiguousLine `json:"ambiguous"`
	Skipped    []SkippedLine   `json:"skipped"`
}

type MatchPair struct {
	MatchID           string `json:"match_id"`
	TransactionID     string `json:"transaction_id"`
	BankTransactionID string `json:"bank_transaction_id"`
}

// AmbiguousLine is a bank line with more than one candidate transaction.
// Ambiguity is never resolved automatically; the line is left for manual
// matching.
type AmbiguousLine struct {
	BankTransactionID string `json:"bank_transaction_id"`
	CandidateCount    int    `json:"candidate_count"`
}

type SkippedLine struct {
	BankTransactionID string `json:"bank_transaction_id"`
	Reason            string `json:"reason"`
}

// AutoMatch pairs imported bank lines with unmatched transactions by exact
// amount and currency within the configured date tolerance. Each successful
// pair commits independently so one bad line never rolls back the pass.
func (rs *ReconciliationService) AutoMatch(ledgerID, actor string) (*AutoMatchReport, error) {
	lines, err := rs.fetchUnconsumedLines(ledgerID)
	if err != nil {
		return nil, err
	}

	candidates, err := rs.ListUnmatched(ledgerID, rs.cfg.UnmatchedPageMax)
	if err != nil {
		return nil, err
	}

	report := &AutoMatchReport{
		Considered: len(lines),
		Matched:    []MatchPair{},
		Ambiguous:  []AmbiguousLine{},
		Skipped:    []SkippedLine{},
	}
	consumed := map[string]bool{}

	for _, line := range lines {
		var hits []models.Transaction
		for _, tx := range candidates {
			if consumed[tx.TransactionID] {
				continue
			}
			if tx.Amount != line.Amount {
				continue
			}
			if line.Currency != "" && tx.Currency != line.Currency {
				continue
			}
			gap := tx.OccurredAt.Sub(line.PostedAt)
			if gap < 0 {
				gap = -gap
			}
			if gap > rs.cfg.AutoMatchTolerance {
				continue
			}
			hits = append(hits, tx)
		}

		switch len(hits) {
		case 0:
			report.Skipped = append(report.Skipped, SkippedLine{
				BankTransactionID: line.BankTransactionID,
				Reason:            "no_candidate",
			})
		case 1:
			match, err := rs.Match(ledgerID, hits[0].TransactionID, line.BankTransactionID, "auto:"+actor)
			if err != nil {
				log.Printf("[RECONCILE] Auto-match failed for bank transaction %s: %v", line.BankTransactionID, err)
				report.Skipped = append(report.Skipped, SkippedLine{
					BankTransactionID: line.BankTransactionID,
					Reason:            err.Error(),
				})
				continue
			}
			consumed[hits[0].TransactionID] = true
			report.Matched = append(report.Matched, MatchPair{
				MatchID:           match.MatchID,
				TransactionID:     match.TransactionID,
				BankTransactionID: match.BankTransactionID,
			})
		default:
			report.Ambiguous = append(report.Ambiguous, AmbiguousLine{
				BankTransactionID: line.BankTransactionID,
				CandidateCount:    len(hits),
			})
		}
	}

	log.Printf("[RECONCILE] Auto-match for ledger %s: %d lines, %d matched, %d ambiguous, %d skipped",
		ledgerID, report.Considered, len(report.Matched), len(report.Ambiguous), len(report.Skipped))
	return report, nil
}

// BankLineInput is one statement row of a bank feed import.
type BankLineInput struct {
	BankTransactionID string    `json:"bank_transaction_id" validate:"required,min=1,max=128"`
	AmountCents       int64     `json:"amount_cents" validate:"required"`
	Currency          string    `json:"currency" validate:"omitempty,len=3"`
	PostedAt          time.Time `json:"posted_at" validate:"required"`
	Description       string    `json:"description" validate:"omitempty,max=500"`
}

// ImportReport summarizes one bank feed import.
type ImportReport struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
}

// ImportBankLines stores statement rows for auto-match. Re-imported rows are
// counted as duplicates and left untouched, so feeds can replay safely.
func (rs *ReconciliationService) ImportBankLines(ledgerID string, lines []BankLineInput) (*ImportReport, error) {
	report := &ImportReport{}
	now := time.Now()

	for _, line := range lines {
		result, err := rs.db.Exec(`
			INSERT INTO bank_statement_lines (ledger_id, bank_transaction_id, amount, currency, posted_at, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (ledger_id, bank_transaction_id) DO NOTHING`,
			ledgerID, line.BankTransactionID, line.AmountCents, line.Currency, line.PostedAt, line.Description, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		if rows == 0 {
			report.Duplicates++
		} else {
			report.Imported++
		}
	}

	log.Printf("[RECONCILE] Imported %d bank lines for ledger %s (%d duplicates)", report.Imported, ledgerID, report.Duplicates)
	return report, nil
}

func (rs *ReconciliationService) fetchUnconsumedLines(ledgerID string) ([]models.BankStatementLine, error) {
	rows, err := rs.db.Query(`
		SELECT l.bank_transaction_id, l.amount, l.currency, l.posted_at, l.description
		FROM bank_statement_lines l
		WHERE l.ledger_id = $1
		  AND NOT EXISTS (
		      SELECT 1 FROM bank_matches m
		      WHERE m.ledger_id = l.ledger_id AND m.bank_transaction_id = l.bank_transaction_id
		  )
		ORDER BY l.posted_at`, ledgerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lines := []models.BankStatementLine{}
	for rows.Next() {
		line := models.BankStatementLine{LedgerID: ledgerID}
		if err := rows.Scan(&line.BankTransactionID, &line.Amount, &line.Currency, &line.PostedAt, &line.Description); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// lockTransaction selects one transaction for update within its ledger.
func lockTransaction(tx *sql.Tx, ledgerID, transactionID string) (*models.Transaction, error) {
	txn := &models.Transaction{}
	err := tx.QueryRow(`
		SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at, metadata
		FROM transactions
		WHERE ledger_id = $1 AND transaction_id = $2
		FOR UPDATE`, ledgerID, transactionID).Scan(
		&txn.TransactionID, &txn.LedgerID, &txn.ReferenceID, &txn.Type, &txn.Status,
		&txn.Amount, &txn.Currency, &txn.OccurredAt, &txn.Metadata)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "transaction", ID: transactionID}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	return txn, nil
}
