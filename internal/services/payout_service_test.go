package services

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/creatorpay/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func payoutBody(overrides map[string]interface{}) []byte {
	payload := map[string]interface{}{
		"ledger_id":        "led_1",
		"reference_id":     "payout-feb-0001",
		"creator_id":       "creator_42",
		"amount_cents":     5000,
		"creditor_name":    "Ada Example",
		"creditor_account": "000123456789",
		"bank_code":        "021000021",
		"occurred_at":      "2026-02-14T12:00:00Z",
	}
	for key, value := range overrides {
		if value == nil {
			delete(payload, key)
			continue
		}
		payload[key] = value
	}
	body, _ := json.Marshal(payload)
	return body
}

func TestPayoutService_RecordPayout(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewPayoutService(db, redisClient, nil)

	ledgerID := "led_1"
	occurredAt := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)

	t.Run("debits the creator balance into payout clearing", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "payout-feb-0001").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		expectEnsureAccount(mock, ledgerID, models.AccountTypeCreatorBalance, "creator_42", "acct_b")
		expectEnsureAccount(mock, ledgerID, models.AccountTypePayoutClearing, "", "acct_p")

		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 7760, 2)
		expectLockAccount(mock, ledgerID, "acct_p", models.AccountTypePayoutClearing, "", 0, 1)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "payout-feb-0001", models.TransactionTypePayout,
				models.TransactionStatusCompleted, 5000, "USD", occurredAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_b", 5000, models.EntryDebit, 2760, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_p", 5000, models.EntryCredit, 5000, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		expectBalanceUpdate(mock, "acct_b", 2760, 2)
		expectBalanceUpdate(mock, "acct_p", 5000, 1)
		mock.ExpectCommit()

		req := httptest.NewRequest("POST", "/payouts", bytes.NewReader(payoutBody(nil)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.RecordPayout(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)

		var response map[string]interface{}
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.True(t, strings.HasPrefix(response["transaction_id"].(string), "txn_"))
		assert.Len(t, response["message_id"].(string), 32)
		assert.NotContains(t, response["message_id"].(string), "-")
		assert.Equal(t, 2760.0, response["creator_balance"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects an unknown bank code before touching the ledger", func(t *testing.T) {
		body := payoutBody(map[string]interface{}{"bank_code": "999999999"})
		req := httptest.NewRequest("POST", "/payouts", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.RecordPayout(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Unknown bank code", response.Error)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails when the creator balance cannot cover the payout", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "payout-feb-0002").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		expectEnsureAccount(mock, ledgerID, models.AccountTypeCreatorBalance, "creator_42", "acct_b")
		expectEnsureAccount(mock, ledgerID, models.AccountTypePayoutClearing, "", "acct_p")

		// The creator has earned 1000 cents, not enough for a 5000 payout.
		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 1000, 5)
		expectLockAccount(mock, ledgerID, "acct_p", models.AccountTypePayoutClearing, "", 0, 1)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "payout-feb-0002", models.TransactionTypePayout,
				models.TransactionStatusCompleted, 5000, "USD", occurredAt, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectRollback()

		body := payoutBody(map[string]interface{}{"reference_id": "payout-feb-0002"})
		req := httptest.NewRequest("POST", "/payouts", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.RecordPayout(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Contains(t, response.Error, "insufficient balance")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replays a duplicate payout reference", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "payout-feb-0001").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}).AddRow("txn_prior"))
		mock.ExpectRollback()

		req := httptest.NewRequest("POST", "/payouts", bytes.NewReader(payoutBody(nil)))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.RecordPayout(w, req)

		assert.Equal(t, http.StatusConflict, w.Code)

		var response map[string]interface{}
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "duplicate_reference", response["error"])
		assert.Equal(t, true, response["idempotent"])
		assert.Equal(t, "txn_prior", response["transaction_id"])
		assert.Equal(t, "payout-feb-0001", response["reference_id"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("fails validation when the creditor account is missing", func(t *testing.T) {
		body := payoutBody(map[string]interface{}{"creditor_account": nil})
		req := httptest.NewRequest("POST", "/payouts", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.RecordPayout(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, "Validation failed", response.Error)
		assert.Contains(t, response.Details, "CreditorAccount")
	})

	t.Run("rejects a zero amount", func(t *testing.T) {
		body := payoutBody(map[string]interface{}{"amount_cents": 0})
		req := httptest.NewRequest("POST", "/payouts", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		service.RecordPayout(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Contains(t, response.Details, "AmountCents")
	})
}

func payoutMetadata() []byte {
	return []byte(`{"details":{"creator_id":"creator_42","creditor_name":"Ada Example","creditor_account":"000123456789","bank_code":"021000021","message_id":"MSG20260214PAYOUT0001"}}`)
}

func TestPayoutService_GetPayoutPacs008(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewPayoutService(db, redisClient, nil)

	r := chi.NewRouter()
	r.Get("/payouts/{txId}/pacs008", service.GetPayoutPacs008)

	instructionColumns := []string{"transaction_id", "ledger_id", "reference_id", "type",
		"status", "amount", "currency", "metadata"}

	t.Run("renders the stored instruction as pacs.008", func(t *testing.T) {
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, metadata FROM transactions WHERE transaction_id = \\$1").
			WithArgs("txn_pay").
			WillReturnRows(sqlmock.NewRows(instructionColumns).
				AddRow("txn_pay", "led_1", "payout-feb-0001", models.TransactionTypePayout,
					models.TransactionStatusCompleted, 5000, "USD", payoutMetadata()))

		req := httptest.NewRequest("GET", "/payouts/txn_pay/pacs008", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/xml", w.Header().Get("Content-Type"))

		body := w.Body.String()
		assert.True(t, strings.HasPrefix(body, "<?xml"))
		assert.Contains(t, body, "MSG20260214PAYOUT0001")
		assert.Contains(t, body, "Ada Example")
		assert.Contains(t, body, "021000021")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns 404 for an unknown transaction", func(t *testing.T) {
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, metadata FROM transactions WHERE transaction_id = \\$1").
			WithArgs("txn_missing").
			WillReturnRows(sqlmock.NewRows(instructionColumns))

		req := httptest.NewRequest("GET", "/payouts/txn_missing/pacs008", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a transaction that is not a payout", func(t *testing.T) {
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, metadata FROM transactions WHERE transaction_id = \\$1").
			WithArgs("txn_sale").
			WillReturnRows(sqlmock.NewRows(instructionColumns).
				AddRow("txn_sale", "led_1", "order-1001", models.TransactionTypeSale,
					models.TransactionStatusCompleted, 10000, "USD", []byte(`{}`)))

		req := httptest.NewRequest("GET", "/payouts/txn_sale/pacs008", nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Contains(t, response.Error, "not a payout")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPayoutService_AcknowledgePayout(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	redisClient, _ := redismock.NewClientMock()
	service := NewPayoutService(db, redisClient, nil)

	r := chi.NewRouter()
	r.Post("/payouts/{txId}/acknowledge", service.AcknowledgePayout)

	ledgerID := "led_1"
	occurredAt := time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC)
	instructionColumns := []string{"transaction_id", "ledger_id", "reference_id", "type",
		"status", "amount", "currency", "metadata"}

	expectFetchInstruction := func() {
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, metadata FROM transactions WHERE transaction_id = \\$1").
			WithArgs("txn_pay").
			WillReturnRows(sqlmock.NewRows(instructionColumns).
				AddRow("txn_pay", ledgerID, "payout-feb-0001", models.TransactionTypePayout,
					models.TransactionStatusCompleted, 5000, "USD", payoutMetadata()))
	}

	t.Run("ACSC settles without a reversal", func(t *testing.T) {
		expectFetchInstruction()

		body := []byte(`{"status":"ACSC"}`)
		req := httptest.NewRequest("POST", "/payouts/txn_pay/acknowledge", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, true, response["success"])
		assert.Equal(t, "ACSC", response["status"])
		assert.NotContains(t, response, "reversal_transaction_id")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RJCT reverses the payout and restores the creator balance", func(t *testing.T) {
		expectFetchInstruction()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at FROM transactions WHERE transaction_id = \\$1 FOR UPDATE").
			WithArgs("txn_pay").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id", "ledger_id", "reference_id", "type",
				"status", "amount", "currency", "occurred_at"}).
				AddRow("txn_pay", ledgerID, "payout-feb-0001", models.TransactionTypePayout,
					models.TransactionStatusCompleted, 5000, "USD", occurredAt))
		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, occurredAt).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT account_id, amount, entry_type FROM entries WHERE transaction_id = \\$1 ORDER BY id").
			WithArgs("txn_pay").
			WillReturnRows(sqlmock.NewRows([]string{"account_id", "amount", "entry_type"}).
				AddRow("acct_b", 5000, models.EntryDebit).
				AddRow("acct_p", 5000, models.EntryCredit))

		mock.ExpectQuery("SELECT period_id, name, status FROM accounting_periods").
			WithArgs(ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"period_id", "name", "status"}))
		mock.ExpectQuery("SELECT transaction_id FROM transactions WHERE ledger_id = \\$1 AND reference_id = \\$2").
			WithArgs(ledgerID, "rev_txn_pay").
			WillReturnRows(sqlmock.NewRows([]string{"transaction_id"}))

		expectLockAccount(mock, ledgerID, "acct_b", models.AccountTypeCreatorBalance, "creator_42", 2760, 2)
		expectLockAccount(mock, ledgerID, "acct_p", models.AccountTypePayoutClearing, "", 5000, 2)

		mock.ExpectExec("INSERT INTO transactions").
			WithArgs(sqlmock.AnyArg(), ledgerID, "rev_txn_pay", models.TransactionTypeReversal,
				models.TransactionStatusCompleted, 5000, "USD", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))

		// The mirrored journal credits the earnings back and drains clearing.
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_b", 5000, models.EntryCredit, 7760, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO entries").
			WithArgs(sqlmock.AnyArg(), "acct_p", 5000, models.EntryDebit, 0, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(2, 1))

		expectBalanceUpdate(mock, "acct_b", 7760, 2)
		expectBalanceUpdate(mock, "acct_p", 0, 2)

		mock.ExpectExec("UPDATE transactions SET status = \\$1, updated_at = \\$2 WHERE transaction_id = \\$3").
			WithArgs(models.TransactionStatusReversed, sqlmock.AnyArg(), "txn_pay").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		body := []byte(`{"status":"RJCT"}`)
		req := httptest.NewRequest("POST", "/payouts/txn_pay/acknowledge", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var response map[string]interface{}
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Equal(t, true, response["success"])
		assert.Equal(t, "RJCT", response["status"])
		assert.True(t, strings.HasPrefix(response["reversal_transaction_id"].(string), "txn_"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects an unknown settlement status", func(t *testing.T) {
		body := []byte(`{"status":"SETT"}`)
		req := httptest.NewRequest("POST", "/payouts/txn_pay/acknowledge", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)

		var response ErrorResponse
		err := json.Unmarshal(w.Body.Bytes(), &response)
		assert.NoError(t, err)
		assert.Contains(t, response.Details, "Status")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/payouts/txn_pay/acknowledge", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
