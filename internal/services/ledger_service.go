package services

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// LedgerEngine owns the invariant-enforcing write path of the ledger store:
// balanced journals committed as a unit, idempotent replay on reference_id,
// lazy account creation and cached balance maintenance.
type LedgerEngine struct {
	db  *sql.DB
	cfg *config.LedgerConfig
}

func NewLedgerEngine(db *sql.DB) *LedgerEngine {
	return &LedgerEngine{
		db:  db,
		cfg: config.LoadLedgerConfig(),
	}
}

// JournalLine is one leg of a journal. Lines are usually addressed by account
// type and entity (accounts are created lazily on first use); reversals
// address the exact AccountID instead.
type JournalLine struct {
	AccountID   string
	AccountType string
	EntityID    string
	EntryType   string
	Amount      int64
}

func (l JournalLine) key() string {
	if l.AccountID != "" {
		return "id/" + l.AccountID
	}
	return l.AccountType + "/" + l.EntityID
}

// JournalParams describes one balanced journal to record.
type JournalParams struct {
	LedgerID    string
	ReferenceID string
	Type        string
	Amount      int64
	Currency    string
	OccurredAt  time.Time
	Metadata    models.Metadata
	Lines       []JournalLine
}

// JournalResult reports a committed journal. Balances maps account_id to the
// balance after commit; AccountIDs maps each line key to the account it hit.
type JournalResult struct {
	TransactionID string
	Balances      map[string]int64
	AccountIDs    map[string]string
}

// SaleParams is the record-sale input after HTTP validation.
type SaleParams struct {
	LedgerID       string
	ReferenceID    string
	CreatorID      string
	GrossCents     int64
	FeeCents       int64
	CreatorPercent *float64
	Currency       string
	OccurredAt     time.Time
	Extra          models.Metadata
}

// SaleResult is returned to the record-sale boundary.
type SaleResult struct {
	TransactionID  string
	Breakdown      *Breakdown
	CreatorBalance int64
}

// RecordSale resolves the split percent, computes the allocation and records
// the sale journal: debit cash for the gross, credit the creator balance,
// platform revenue and (when non-zero) the fee clearing account.
func (e *LedgerEngine) RecordSale(p SaleParams) (*SaleResult, error) {
	percent, err := ResolveCreatorPercent(e.db, p.LedgerID, p.CreatorID, p.CreatorPercent, e.cfg.FallbackCreatorPercent)
	if err != nil {
		return nil, err
	}

	breakdown, err := CalculateSplit(p.GrossCents, p.FeeCents, percent)
	if err != nil {
		return nil, err
	}

	details := models.SaleDetails{
		CreatorID:      p.CreatorID,
		CreatorPercent: breakdown.CreatorPercent,
		CreatorCents:   breakdown.CreatorCents,
		PlatformCents:  breakdown.PlatformCents,
		FeeCents:       breakdown.FeeCents,
		Extra:          p.Extra,
	}

	lines := []JournalLine{
		{AccountType: models.AccountTypeCash, EntryType: models.EntryDebit, Amount: breakdown.GrossCents},
		{AccountType: models.AccountTypeCreatorBalance, EntityID: p.CreatorID, EntryType: models.EntryCredit, Amount: breakdown.CreatorCents},
		{AccountType: models.AccountTypePlatformRevenue, EntryType: models.EntryCredit, Amount: breakdown.PlatformCents},
		{AccountType: models.AccountTypeFeeClearing, EntryType: models.EntryCredit, Amount: breakdown.FeeCents},
	}

	result, err := e.RecordJournal(JournalParams{
		LedgerID:    p.LedgerID,
		ReferenceID: p.ReferenceID,
		Type:        models.TransactionTypeSale,
		Amount:      breakdown.GrossCents,
		Currency:    p.Currency,
		OccurredAt:  p.OccurredAt,
		Metadata:    models.Metadata{}.WithDetails(details),
		Lines:       lines,
	})
	if err != nil {
		return nil, err
	}

	creatorAccount := result.AccountIDs[JournalLine{AccountType: models.AccountTypeCreatorBalance, EntityID: p.CreatorID}.key()]
	return &SaleResult{
		TransactionID:  result.TransactionID,
		Breakdown:      breakdown,
		CreatorBalance: result.Balances[creatorAccount],
	}, nil
}

// RecordJournal records one balanced journal in its own store transaction.
func (e *LedgerEngine) RecordJournal(p JournalParams) (*JournalResult, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer tx.Rollback()

	result, err := e.RecordJournalTx(tx, p)
	if err != nil {
		tx.Rollback()
		var dup *DuplicateReferenceError
		if errors.As(err, &dup) {
			return nil, e.resolveDuplicate(p.LedgerID, dup)
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	return result, nil
}

// RecordJournalTx records one balanced journal inside the caller's store
// transaction: period guard, idempotency pre-check, account creation, ordered
// locks, entry rows and cached balance updates. The caller commits.
func (e *LedgerEngine) RecordJournalTx(tx *sql.Tx, p JournalParams) (*JournalResult, error) {
	if err := checkPeriodLock(tx, p.LedgerID, p.OccurredAt); err != nil {
		return nil, err
	}

	// Pre-check the reference; the unique constraint backstops the race.
	var existingID string
	err := tx.QueryRow(`SELECT transaction_id FROM transactions WHERE ledger_id = $1 AND reference_id = $2`,
		p.LedgerID, p.ReferenceID).Scan(&existingID)
	if err == nil {
		return nil, &DuplicateReferenceError{ReferenceID: p.ReferenceID, TransactionID: existingID}
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	lines := make([]JournalLine, 0, len(p.Lines))
	var debits, credits int64
	for _, line := range p.Lines {
		if line.Amount < 0 {
			return nil, NewValidationError("amount", "entry amounts must be non-negative")
		}
		if line.Amount == 0 {
			continue
		}
		switch line.EntryType {
		case models.EntryDebit:
			debits += line.Amount
		case models.EntryCredit:
			credits += line.Amount
		default:
			return nil, NewValidationError("entry_type", "must be debit or credit")
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, NewValidationError("entries", "journal has no entries")
	}
	if debits != credits {
		return nil, fmt.Errorf("%w: debits %d, credits %d", ErrUnbalancedEntries, debits, credits)
	}

	accountIDs := make(map[string]string, len(lines))
	for _, line := range lines {
		key := line.key()
		if _, ok := accountIDs[key]; ok {
			continue
		}
		if line.AccountID != "" {
			accountIDs[key] = line.AccountID
			continue
		}
		accountID, err := e.ensureAccount(tx, p.LedgerID, line.AccountType, line.EntityID, p.Currency)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		accountIDs[key] = accountID
	}

	// Lock accounts in consistent order to prevent deadlocks.
	lockOrder := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		lockOrder = append(lockOrder, id)
	}
	sort.Strings(lockOrder)

	accounts := make(map[string]*models.Account, len(lockOrder))
	for _, id := range lockOrder {
		account, err := e.lockAccount(tx, p.LedgerID, id)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, &NotFoundError{Entity: "account", ID: id}
			}
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		accounts[id] = account
	}

	transactionID := "txn_" + uuid.New().String()
	now := time.Now()
	_, err = tx.Exec(`
		INSERT INTO transactions (transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		transactionID, p.LedgerID, p.ReferenceID, p.Type, models.TransactionStatusCompleted,
		p.Amount, p.Currency, p.OccurredAt, p.Metadata, now)
	if err != nil {
		if isUniqueViolation(err) {
			// Pre-check raced a concurrent insert of the same reference. The
			// store transaction is aborted; the caller resolves the winner
			// outside of it.
			return nil, &DuplicateReferenceError{ReferenceID: p.ReferenceID}
		}
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	balances := make(map[string]int64, len(accounts))
	for id, account := range accounts {
		balances[id] = account.Balance
	}

	for _, line := range lines {
		accountID := accountIDs[line.key()]
		account := accounts[accountID]

		delta := line.Amount
		if models.DebitNormal(account.Type) != (line.EntryType == models.EntryDebit) {
			delta = -delta
		}
		newBalance := balances[accountID] + delta
		if account.Type == models.AccountTypeCreatorBalance && newBalance < 0 {
			return nil, ErrInsufficientBalance
		}

		if err := e.createEntry(tx, transactionID, accountID, line.Amount, line.EntryType, newBalance); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		balances[accountID] = newBalance
	}

	for _, id := range lockOrder {
		if err := e.updateAccountBalance(tx, id, balances[id], accounts[id].Version); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
	}

	return &JournalResult{
		TransactionID: transactionID,
		Balances:      balances,
		AccountIDs:    accountIDs,
	}, nil
}

// ReverseTransaction records the offsetting journal for a transaction and
// terminally marks the original reversed. The original must not sit in a
// closed or locked period; the reversal itself is dated now. A repeated call
// replays idempotently through the rev_ reference.
func (e *LedgerEngine) ReverseTransaction(transactionID, reason string) (*JournalResult, error) {
	tx, err := e.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer tx.Rollback()

	var original models.Transaction
	err = tx.QueryRow(`
		SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at
		FROM transactions
		WHERE transaction_id = $1
		FOR UPDATE`, transactionID).Scan(
		&original.TransactionID, &original.LedgerID, &original.ReferenceID, &original.Type, &original.Status,
		&original.Amount, &original.Currency, &original.OccurredAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "transaction", ID: transactionID}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	if models.TerminalStatus(original.Status) {
		return nil, NewValidationError("transaction_id", "transaction is already voided or reversed")
	}
	if original.Status == models.TransactionStatusReconciled {
		return nil, NewValidationError("transaction_id", "unmatch the transaction before reversing it")
	}
	if err := checkPeriodLock(tx, original.LedgerID, original.OccurredAt); err != nil {
		return nil, err
	}

	rows, err := tx.Query(`
		SELECT account_id, amount, entry_type
		FROM entries
		WHERE transaction_id = $1
		ORDER BY id`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer rows.Close()

	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		if err := rows.Scan(&line.AccountID, &line.Amount, &line.EntryType); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
		}
		// Mirror the original leg.
		if line.EntryType == models.EntryDebit {
			line.EntryType = models.EntryCredit
		} else {
			line.EntryType = models.EntryDebit
		}
		lines = append(lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	details := models.ReversalDetails{OriginalTransactionID: transactionID, Reason: reason}
	result, err := e.RecordJournalTx(tx, JournalParams{
		LedgerID:    original.LedgerID,
		ReferenceID: "rev_" + transactionID,
		Type:        models.TransactionTypeReversal,
		Amount:      original.Amount,
		Currency:    original.Currency,
		OccurredAt:  time.Now(),
		Metadata:    models.Metadata{}.WithDetails(details),
		Lines:       lines,
	})
	if err != nil {
		tx.Rollback()
		var dup *DuplicateReferenceError
		if errors.As(err, &dup) {
			return nil, e.resolveDuplicate(original.LedgerID, dup)
		}
		return nil, err
	}

	_, err = tx.Exec(`
		UPDATE transactions SET status = $1, updated_at = $2
		WHERE transaction_id = $3`,
		models.TransactionStatusReversed, time.Now(), transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	return result, nil
}

// resolveDuplicate fills in the winning transaction id after a lost insert
// race. Runs outside the aborted transaction; if the winner has not committed
// yet the caller retries and hits the pre-check instead.
func (e *LedgerEngine) resolveDuplicate(ledgerID string, dup *DuplicateReferenceError) error {
	if dup.TransactionID != "" {
		return dup
	}
	var id string
	err := e.db.QueryRow(`SELECT transaction_id FROM transactions WHERE ledger_id = $1 AND reference_id = $2`,
		ledgerID, dup.ReferenceID).Scan(&id)
	if err != nil {
		return fmt.Errorf("%w: reference %s raced a concurrent write", ErrRecordingFailed, dup.ReferenceID)
	}
	dup.TransactionID = id
	return dup
}

func (e *LedgerEngine) ensureAccount(tx *sql.Tx, ledgerID, accountType, entityID, currency string) (string, error) {
	accountID := "acct_" + uuid.New().String()
	now := time.Now()
	_, err := tx.Exec(`
		INSERT INTO accounts (account_id, ledger_id, type, entity_id, currency, balance, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 1, $6, $6)
		ON CONFLICT (ledger_id, type, entity_id) DO NOTHING`,
		accountID, ledgerID, accountType, entityID, currency, now)
	if err != nil {
		return "", err
	}

	err = tx.QueryRow(`
		SELECT account_id FROM accounts
		WHERE ledger_id = $1 AND type = $2 AND entity_id = $3`,
		ledgerID, accountType, entityID).Scan(&accountID)
	return accountID, err
}

func (e *LedgerEngine) lockAccount(tx *sql.Tx, ledgerID, accountID string) (*models.Account, error) {
	var account models.Account
	err := tx.QueryRow(`
		SELECT account_id, type, entity_id, balance, version, updated_at
		FROM accounts
		WHERE ledger_id = $1 AND account_id = $2
		FOR UPDATE`, ledgerID, accountID).Scan(
		&account.AccountID, &account.Type, &account.EntityID,
		&account.Balance, &account.Version, &account.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (e *LedgerEngine) createEntry(tx *sql.Tx, transactionID, accountID string, amount int64, entryType string, balance int64) error {
	_, err := tx.Exec(`
		INSERT INTO entries (transaction_id, account_id, amount, entry_type, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		transactionID, accountID, amount, entryType, balance, time.Now())
	return err
}

func (e *LedgerEngine) updateAccountBalance(tx *sql.Tx, accountID string, newBalance int64, version int) error {
	result, err := tx.Exec(`
		UPDATE accounts
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE account_id = $3 AND version = $4`,
		newBalance, time.Now(), accountID, version)

	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return fmt.Errorf("optimistic lock failed for account %s", accountID)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
