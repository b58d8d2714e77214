package services

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/creatorpay/backend/internal/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestLedgerEngine_RecordSale(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	engine := NewLedgerEngine(db)

	ledgerID := "led_1"
	occurredAt := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	override := 80.0

	t.Run("successful sale", func(t *testing.T) {
		mock.ExpectBegin()

		// Period guard finds no closed or locked period
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))

		// Reference pre-check misses
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "order-1001").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		// Lazy account creation, one per line
		expectEnsureAccount(mock, ledgerID, models.AccountTypeCash, "", "acct_a")
		expectEnsureAccount(mock, ledgerID, models.AccountTypeCreatorBalance, "creator_42", "acct_b")
		expectEnsureAccount(mock, ledgerID, models.AccountTypePlatformRevenue, "", "acct_c")
		expectEnsureAccount(mock, ledgerID, models.AccountTypeFeeClearing, "", "acct_d")

		// Row locks in sorted account order
		expectLockAccount(mock, ledgerID, "acct_a", models.AccountTypeCash, "", 0, 1)
		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 0, 1)
		expectLockAccount(mock, ledgerID, "acct_c", models.AccountTypePlatformRevenue, "", 0, 1)
		expectLockAccount(mock, ledgerID, "acct_d", models.AccountTypeFeeClearing, "", 0, 1)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "order-1001", models.TransactionTypeSale, models.TransactionStatusCompleted,
				10000, "USD", occurredAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// Entries in journal order with running balances
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_a", 10000, models.EntryDebit, 10000, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_b", 7760, models.EntryCredit, 7760, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_c", 1940, models.EntryCredit, 1940, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(3, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_d", 300, models.EntryCredit, 300, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(4, 1))

		// Cached balances in lock order
		expectBalanceUpdate(mock, "acct_a", 10000, 1)
		expectBalanceUpdate(mock, "acct_b", 7760, 1)
		expectBalanceUpdate(mock, "acct_c", 1940, 1)
		expectBalanceUpdate(mock, "acct_d", 300, 1)

		mock.ExpectCommit()

		result, err := engine.RecordSale(SaleParams{
			LedgerID:       ledgerID,
			ReferenceID:    "order-1001",
			CreatorID:      "creator_42",
			GrossCents:     10000,
			FeeCents:       300,
			CreatorPercent: &override,
			Currency:       "USD",
			OccurredAt:     occurredAt,
		})
		assert.NoError(t, err)
		assert.Contains(t, result.TransactionID, "txn_")
		assert.Equal(t, int64(7760), result.Breakdown.CreatorCents)
		assert.Equal(t, int64(1940), result.Breakdown.PlatformCents)
		assert.Equal(t, int64(7760), result.CreatorBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero fee drops the fee leg", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "order-1002").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		// No fee_clearing account: the zero-amount leg never reaches storage
		expectEnsureAccount(mock, ledgerID, models.AccountTypeCash, "", "acct_a")
		expectEnsureAccount(mock, ledgerID, models.AccountTypeCreatorBalance, "creator_42", "acct_b")
		expectEnsureAccount(mock, ledgerID, models.AccountTypePlatformRevenue, "", "acct_c")

		expectLockAccount(mock, ledgerID, "acct_a", models.AccountTypeCash, "", 10000, 2)
		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 7760, 2)
		expectLockAccount(mock, ledgerID, "acct_c", models.AccountTypePlatformRevenue, "", 1940, 2)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "order-1002", models.TransactionTypeSale, models.TransactionStatusCompleted,
				1000, "USD", occurredAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_a", 1000, models.EntryDebit, 11000, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(5, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_b", 800, models.EntryCredit, 8560, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(6, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_c", 200, models.EntryCredit, 2140, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(7, 1))

		expectBalanceUpdate(mock, "acct_a", 11000, 2)
		expectBalanceUpdate(mock, "acct_b", 8560, 2)
		expectBalanceUpdate(mock, "acct_c", 2140, 2)

		mock.ExpectCommit()

		result, err := engine.RecordSale(SaleParams{
			LedgerID:       ledgerID,
			ReferenceID:    "order-1002",
			CreatorID:      "creator_42",
			GrossCents:     1000,
			FeeCents:       0,
			CreatorPercent: &override,
			Currency:       "USD",
			OccurredAt:     occurredAt,
		})
		assert.NoError(t, err)
		assert.Equal(t, int64(8560), result.CreatorBalance)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate reference replays the original transaction", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "order-1001").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow("txn_existing"))
		mock.ExpectRollback()

		_, err := engine.RecordSale(SaleParams{
			LedgerID:       ledgerID,
			ReferenceID:    "order-1001",
			CreatorID:      "creator_42",
			GrossCents:     10000,
			FeeCents:       300,
			CreatorPercent: &override,
			Currency:       "USD",
			OccurredAt:     occurredAt,
		})
		assert.True(t, errors.Is(err, ErrDuplicateReference))

		var dup *DuplicateReferenceError
		assert.True(t, errors.As(err, &dup))
		assert.Equal(t, "txn_existing", dup.TransactionID)
		assert.Equal(t, "order-1001", dup.ReferenceID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sale into a closed period is rejected", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}).
				AddRow("per_1", "February 2026", models.PeriodStatusClosed))
		mock.ExpectRollback()

		_, err := engine.RecordSale(SaleParams{
			LedgerID:       ledgerID,
			ReferenceID:    "order-1003",
			CreatorID:      "creator_42",
			GrossCents:     10000,
			CreatorPercent: &override,
			Currency:       "USD",
			OccurredAt:     occurredAt,
		})
		assert.True(t, errors.Is(err, ErrPeriodLocked))

		var locked *PeriodLockedError
		assert.True(t, errors.As(err, &locked))
		assert.Equal(t, "per_1", locked.PeriodID)
		assert.Equal(t, models.PeriodStatusClosed, locked.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerEngine_RecordJournal(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	engine := NewLedgerEngine(db)

	ledgerID := "led_1"
	occurredAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("unbalanced journal is never committed", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "adj-1").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))
		mock.ExpectRollback()

		_, err := engine.RecordJournal(JournalParams{
			LedgerID:    ledgerID,
			ReferenceID: "adj-1",
			Type:        models.TransactionTypeAdjustment,
			Amount:      100,
			Currency:    "USD",
			OccurredAt:  occurredAt,
			Lines: []JournalLine{
				{AccountType: models.AccountTypeCash, EntryType: models.EntryDebit, Amount: 100},
				{AccountType: models.AccountTypePlatformRevenue, EntryType: models.EntryCredit, Amount: 50},
			},
		})
		assert.True(t, errors.Is(err, ErrUnbalancedEntries))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative entry amount is rejected", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "adj-2").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))
		mock.ExpectRollback()

		_, err := engine.RecordJournal(JournalParams{
			LedgerID:    ledgerID,
			ReferenceID: "adj-2",
			Type:        models.TransactionTypeAdjustment,
			Amount:      100,
			Currency:    "USD",
			OccurredAt:  occurredAt,
			Lines: []JournalLine{
				{AccountType: models.AccountTypeCash, EntryType: models.EntryDebit, Amount: -100},
				{AccountType: models.AccountTypePlatformRevenue, EntryType: models.EntryCredit, Amount: -100},
			},
		})

		var valErr *ValidationError
		assert.True(t, errors.As(err, &valErr))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("payout overdrawing the creator balance", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "payout-1").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		expectEnsureAccount(mock, ledgerID, models.AccountTypeCreatorBalance, "creator_42", "acct_b")
		expectEnsureAccount(mock, ledgerID, models.AccountTypePayoutClearing, "", "acct_a")

		// Only 1000 cents available against a 5000 cent payout
		expectLockAccount(mock, ledgerID, "acct_a", models.AccountTypePayoutClearing, "", 0, 1)
		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 1000, 1)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "payout-1", models.TransactionTypePayout, models.TransactionStatusCompleted,
				5000, "USD", occurredAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectRollback()

		_, err := engine.RecordJournal(JournalParams{
			LedgerID:    ledgerID,
			ReferenceID: "payout-1",
			Type:        models.TransactionTypePayout,
			Amount:      5000,
			Currency:    "USD",
			OccurredAt:  occurredAt,
			Lines: []JournalLine{
				{AccountType: models.AccountTypeCreatorBalance, EntityID: "creator_42", EntryType: models.EntryDebit, Amount: 5000},
				{AccountType: models.AccountTypePayoutClearing, EntryType: models.EntryCredit, Amount: 5000},
			},
		})
		assert.True(t, errors.Is(err, ErrInsufficientBalance))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert race resolves to the winning transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "adj-3").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		expectEnsureAccount(mock, ledgerID, models.AccountTypeCash, "", "acct_a")
		expectEnsureAccount(mock, ledgerID, models.AccountTypePlatformRevenue, "", "acct_c")

		expectLockAccount(mock, ledgerID, "acct_a", models.AccountTypeCash, "", 0, 1)
		expectLockAccount(mock, ledgerID, "acct_c", models.AccountTypePlatformRevenue, "", 0, 1)

		// A concurrent writer committed the same reference between the
		// pre-check and the insert
		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "adj-3", models.TransactionTypeAdjustment, models.TransactionStatusCompleted,
				500, "USD", occurredAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		// Winner lookup runs outside the aborted transaction
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "adj-3").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow("txn_winner"))

		_, err := engine.RecordJournal(JournalParams{
			LedgerID:    ledgerID,
			ReferenceID: "adj-3",
			Type:        models.TransactionTypeAdjustment,
			Amount:      500,
			Currency:    "USD",
			OccurredAt:  occurredAt,
			Lines: []JournalLine{
				{AccountType: models.AccountTypeCash, EntryType: models.EntryDebit, Amount: 500},
				{AccountType: models.AccountTypePlatformRevenue, EntryType: models.EntryCredit, Amount: 500},
			},
		})
		assert.True(t, errors.Is(err, ErrDuplicateReference))

		var dup *DuplicateReferenceError
		assert.True(t, errors.As(err, &dup))
		assert.Equal(t, "txn_winner", dup.TransactionID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerEngine_ReverseTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	engine := NewLedgerEngine(db)

	ledgerID := "led_1"
	occurredAt := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	originalColumns := []string{"transaction_id", "ledger_id", "reference_id", "type", "status", "amount", "currency", "occurred_at"}

	t.Run("successful reversal restores all balances", func(t *testing.T) {
		mock.ExpectBegin()

		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("txn_orig").
			WillReturnRows(sqlmock.NewRows(originalColumns).
				AddRow("txn_orig", ledgerID, "order-1001", models.TransactionTypeSale, models.TransactionStatusCompleted, 10000, "USD", occurredAt))

		// Original must not sit in a frozen period
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))

		mock.ExpectQuery("SELECT account_id, amount, entry_type FROM entries WHERE transaction_id = \\$1 ORDER BY id").
			WithArgs("txn_orig").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "amount", "entry_type"}).
				AddRow("acct_a", 10000, models.EntryDebit).
				AddRow("acct_b", 7760, models.EntryCredit).
				AddRow("acct_c", 1940, models.EntryCredit).
				AddRow("acct_d", 300, models.EntryCredit))

		// The reversal journal is dated now, so the guard runs again
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "rev_txn_orig").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		expectLockAccount(mock, ledgerID, "acct_a", models.AccountTypeCash, "", 10000, 2)
		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 7760, 2)
		expectLockAccount(mock, ledgerID, "acct_c", models.AccountTypePlatformRevenue, "", 1940, 2)
		expectLockAccount(mock, ledgerID, "acct_d", models.AccountTypeFeeClearing, "", 300, 2)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "rev_txn_orig", models.TransactionTypeReversal, models.TransactionStatusCompleted,
				10000, "USD", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		// Each leg mirrored: debits become credits and vice versa
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_a", 10000, models.EntryCredit, 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(8, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_b", 7760, models.EntryDebit, 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(9, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_c", 1940, models.EntryDebit, 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(10, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_d", 300, models.EntryDebit, 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(11, 1))

		expectBalanceUpdate(mock, "acct_a", 0, 2)
		expectBalanceUpdate(mock, "acct_b", 0, 2)
		expectBalanceUpdate(mock, "acct_c", 0, 2)
		expectBalanceUpdate(mock, "acct_d", 0, 2)

		mock.ExpectExec("UPDATE transactions SET status = \\$1, updated_at = \\$2 WHERE transaction_id = \\$3").
			WithArgs(models.TransactionStatusReversed, sqlmock.AnyArg(), "txn_orig").
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectCommit()

		result, err := engine.ReverseTransaction("txn_orig", "customer refund")
		assert.NoError(t, err)
		assert.Contains(t, result.TransactionID, "txn_")
		for accountID, balance := range result.Balances {
			assert.Equal(t, int64(0), balance, "account %s", accountID)
		}
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown transaction", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("txn_missing").
			WillReturnRows(sqlmock.NewRows(originalColumns))
		mock.ExpectRollback()

		_, err := engine.ReverseTransaction("txn_missing", "")
		assert.True(t, errors.Is(err, ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already reversed transaction is terminal", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("txn_orig").
			WillReturnRows(sqlmock.NewRows(originalColumns).
				AddRow("txn_orig", ledgerID, "order-1001", models.TransactionTypeSale, models.TransactionStatusReversed, 10000, "USD", occurredAt))
		mock.ExpectRollback()

		_, err := engine.ReverseTransaction("txn_orig", "")

		var valErr *ValidationError
		assert.True(t, errors.As(err, &valErr))
		assert.Contains(t, err.Error(), "already voided or reversed")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reconciled transaction must be unmatched first", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("txn_orig").
			WillReturnRows(sqlmock.NewRows(originalColumns).
				AddRow("txn_orig", ledgerID, "order-1001", models.TransactionTypeSale, models.TransactionStatusReconciled, 10000, "USD", occurredAt))
		mock.ExpectRollback()

		_, err := engine.ReverseTransaction("txn_orig", "")

		var valErr *ValidationError
		assert.True(t, errors.As(err, &valErr))
		assert.Contains(t, err.Error(), "unmatch the transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("original inside a locked period", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("txn_orig").
			WillReturnRows(sqlmock.NewRows(originalColumns).
				AddRow("txn_orig", ledgerID, "order-1001", models.TransactionTypeSale, models.TransactionStatusCompleted, 10000, "USD", occurredAt))
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}).
				AddRow("per_1", "February 2026", models.PeriodStatusLocked))
		mock.ExpectRollback()

		_, err := engine.ReverseTransaction("txn_orig", "")
		assert.True(t, errors.Is(err, ErrPeriodLocked))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestLedgerEngine_lockAccount(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	engine := NewLedgerEngine(db)

	t.Run("existing account", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectQuery("SELECT account_id, type, entity_id, balance, version, updated_at FROM accounts WHERE ledger_id = \\$1 AND account_id = \\$2 FOR UPDATE").
			WithArgs("led_1", "acct_b").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "type", "entity_id", "balance", "version", "updated_at"}).
				AddRow("acct_b", models.AccountTypeCreatorBalance, "creator_42", 5000, 3, time.Now()))

		account, err := engine.lockAccount(tx, "led_1", "acct_b")
		assert.NoError(t, err)
		assert.Equal(t, "acct_b", account.AccountID)
		assert.Equal(t, models.AccountTypeCreatorBalance, account.Type)
		assert.Equal(t, int64(5000), account.Balance)
		assert.Equal(t, 3, account.Version)
	})
}

func TestLedgerEngine_updateAccountBalance(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	engine := NewLedgerEngine(db)

	t.Run("successful update", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		expectBalanceUpdate(mock, "acct_a", 4000, 1)

		err := engine.updateAccountBalance(tx, "acct_a", 4000, 1)
		assert.NoError(t, err)
	})

	t.Run("optimistic lock failure", func(t *testing.T) {
		mock.ExpectBegin()
		tx, _ := db.Begin()

		mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE account_id = \\$3 AND version = \\$4").
			WithArgs(4000, sqlmock.AnyArg(), "acct_a", 1).
			WillReturnResult(sqlmock.NewResult(1, 0)) // No rows affected

		err := engine.updateAccountBalance(tx, "acct_a", 4000, 1)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "optimistic lock failed")
	})
}

// expectEnsureAccount expects the lazy upsert-then-select pair for one account.
func expectEnsureAccount(mock sqlmock.Sqlmock, ledgerID, accountType, entityID, accountID string) {
	mock.ExpectExec("INSERT INTO accounts").
		WithArgs(sqlmock.AnyArg(), ledgerID, accountType, entityID, "USD", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT account_id FROM accounts WHERE ledger_id = \\$1 AND type = \\$2 AND entity_id = \\$3").
		WithArgs(ledgerID, accountType, entityID).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(accountID))
}

func expectLockAccount(mock sqlmock.Sqlmock, ledgerID, accountID, accountType, entityID string, balance int64, version int) {
	mock.ExpectQuery("SELECT account_id, type, entity_id, balance, version, updated_at FROM accounts WHERE ledger_id = \\$1 AND account_id = \\$2 FOR UPDATE").
		WithArgs(ledgerID, accountID).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "type", "entity_id", "balance", "version", "updated_at"}).
			AddRow(accountID, accountType, entityID, balance, version, time.Now()))
}

func expectBalanceUpdate(mock sqlmock.Sqlmock, accountID string, balance int64, version int) {
	mock.ExpectExec("UPDATE accounts SET balance = \\$1, version = version \\+ 1, updated_at = \\$2 WHERE account_id = \\$3 AND version = \\$4").
		WithArgs(balance, sqlmock.AnyArg(), accountID, version).
		WillReturnResult(sqlmock.NewResult(1, 1))
}
