package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

// TransactionService is the HTTP boundary over the ledger engine: sale
// recording, transaction queries, reversals and account enquiries.
type TransactionService struct {
	db        *sql.DB
	redis     *redis.Client
	engine    *LedgerEngine
	audit     *audit.Recorder
	validator *ValidationHelper
}

func NewTransactionService(db *sql.DB, redisClient *redis.Client, auditRecorder *audit.Recorder) *TransactionService {
	return &TransactionService{
		db:        db,
		redis:     redisClient,
		engine:    NewLedgerEngine(db),
		audit:     auditRecorder,
		validator: NewValidationHelper(),
	}
}

// Engine exposes the underlying ledger engine to sibling services that
// record their own journal kinds.
func (ts *TransactionService) Engine() *LedgerEngine {
	return ts.engine
}

// RecordSale records one sale with its revenue split
// @Summary Record a sale
// @Description Record a sale transaction, splitting the net amount between creator and platform with cent-exact rounding. Replaying a reference_id returns 409 with the original transaction id.
// @Tags sales
// @Accept json
// @Produce json
// @Param sale body object{ledger_id=string,reference_id=string,creator_id=string,gross_amount_cents=int,processing_fee_cents=int,creator_percent=number,currency=string,occurred_at=string,metadata=object} true "Sale data"
// @Success 201 {object} object{transaction_id=string,breakdown=BreakdownView,creator_balance=int}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /sales [post]
func (ts *TransactionService) RecordSale(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LedgerID           string          `json:"ledger_id" validate:"required"`
		ReferenceID        string          `json:"reference_id" validate:"required,min=1,max=128"`
		CreatorID          string          `json:"creator_id" validate:"required"`
		GrossAmountCents   int64           `json:"gross_amount_cents" validate:"required,gt=0"`
		ProcessingFeeCents int64           `json:"processing_fee_cents" validate:"omitempty,gte=0"`
		CreatorPercent     *float64        `json:"creator_percent" validate:"omitempty,gte=0,lte=100"`
		Currency           string          `json:"currency" validate:"omitempty,len=3"`
		OccurredAt         *time.Time      `json:"occurred_at"`
		Metadata           models.Metadata `json:"metadata"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	occurredAt := time.Now()
	if req.OccurredAt != nil {
		occurredAt = *req.OccurredAt
	}

	result, err := ts.engine.RecordSale(SaleParams{
		LedgerID:       req.LedgerID,
		ReferenceID:    req.ReferenceID,
		CreatorID:      req.CreatorID,
		GrossCents:     req.GrossAmountCents,
		FeeCents:       req.ProcessingFeeCents,
		CreatorPercent: req.CreatorPercent,
		Currency:       currency,
		OccurredAt:     occurredAt,
		Extra:          req.Metadata,
	})
	if err != nil {
		var dup *DuplicateReferenceError
		if errors.As(err, &dup) {
			log.Printf("[TRANSACTION] Duplicate reference replayed: %s -> %s", dup.ReferenceID, dup.TransactionID)
			ts.audit.Record(audit.Event{
				LedgerID:       req.LedgerID,
				Action:         "record_sale",
				EntityType:     "transaction",
				EntityID:       dup.TransactionID,
				Actor:          requestActor(r),
				RequestBody:    audit.Sanitize(body),
				ResponseStatus: http.StatusConflict,
			})
		}
		SendServiceError(w, err)
		return
	}

	ts.audit.Record(audit.Event{
		LedgerID:       req.LedgerID,
		Action:         "record_sale",
		EntityType:     "transaction",
		EntityID:       result.TransactionID,
		Actor:          requestActor(r),
		RequestBody:    audit.Sanitize(body),
		ResponseStatus: http.StatusCreated,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transaction_id":  result.TransactionID,
		"breakdown":       result.Breakdown.View(),
		"creator_balance": result.CreatorBalance,
	})
}

// GetTransaction retrieves one transaction with its entries
// @Summary Get transaction by ID
// @Description Retrieve a transaction and its balanced entries
// @Tags transactions
// @Produce json
// @Param txId path string true "Transaction ID"
// @Success 200 {object} models.Transaction
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId} [get]
func (ts *TransactionService) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	tx, err := ts.fetchTransaction(txID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendServiceError(w, &NotFoundError{Entity: "transaction", ID: txID})
		} else {
			SendErrorResponse(w, "Failed to fetch transaction", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(tx)
}

// ListTransactions retrieves transactions with optional filters
// @Summary List transactions
// @Description Get the transactions of a ledger with optional filtering, most recent first
// @Tags transactions
// @Produce json
// @Param ledger_id query string true "Ledger ID"
// @Param status query string false "Filter by status"
// @Param type query string false "Filter by type"
// @Param limit query int false "Number of transactions to return (default: 50, max: 200)"
// @Success 200 {object} object{transactions=[]models.Transaction,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /transactions [get]
func (ts *TransactionService) ListTransactions(w http.ResponseWriter, r *http.Request) {
	ledgerID := r.URL.Query().Get("ledger_id")
	if ledgerID == "" {
		SendErrorResponse(w, "ledger_id is required", http.StatusBadRequest, nil)
		return
	}

	status := r.URL.Query().Get("status")
	txType := r.URL.Query().Get("type")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = l
		}
	}
	if limit > 200 {
		limit = 200
	}

	transactions, err := ts.fetchTransactions(ledgerID, status, txType, limit)
	if err != nil {
		log.Printf("[TRANSACTION] Failed to list transactions for ledger %s: %v", ledgerID, err)
		SendErrorResponse(w, "Failed to fetch transactions", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transactions": transactions,
		"count":        len(transactions),
	})
}

// ReverseTransaction records an offsetting reversal
// @Summary Reverse a transaction
// @Description Record the offsetting journal for a transaction and mark the original reversed. Transactions are never edited in place.
// @Tags transactions
// @Accept json
// @Produce json
// @Param txId path string true "Transaction ID"
// @Param reversal body object{reason=string} false "Reversal reason"
// @Success 201 {object} object{success=bool,transaction_id=string,original_transaction_id=string}
// @Failure 403 {object} map[string]interface{}
// @Failure 404 {object} ErrorResponse
// @Router /transactions/{txId}/reverse [post]
func (ts *TransactionService) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	var req struct {
		Reason string `json:"reason" validate:"omitempty,max=500"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}
	if len(bytes.TrimSpace(body)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
			return
		}
	}

	if err := ts.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := ts.engine.ReverseTransaction(txID, req.Reason)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	log.Printf("[TRANSACTION] Transaction %s reversed by %s", txID, result.TransactionID)
	ts.audit.Record(audit.Event{
		Action:         "reverse_transaction",
		EntityType:     "transaction",
		EntityID:       result.TransactionID,
		Actor:          requestActor(r),
		RequestBody:    audit.Sanitize(body),
		ResponseStatus: http.StatusCreated,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success":                 true,
		"transaction_id":          result.TransactionID,
		"original_transaction_id": txID,
	})
}

// ListAccounts lists the accounts of a ledger
// @Summary List accounts
// @Description Get the accounts of a ledger with optional type and entity filters
// @Tags accounts
// @Produce json
// @Param ledger_id query string true "Ledger ID"
// @Param type query string false "Filter by account type"
// @Param entity_id query string false "Filter by entity"
// @Success 200 {object} object{accounts=[]models.Account,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /accounts [get]
func (ts *TransactionService) ListAccounts(w http.ResponseWriter, r *http.Request) {
	ledgerID := r.URL.Query().Get("ledger_id")
	if ledgerID == "" {
		SendErrorResponse(w, "ledger_id is required", http.StatusBadRequest, nil)
		return
	}

	var conditions []string
	var args []interface{}
	argIndex := 1

	conditions = append(conditions, fmt.Sprintf("ledger_id = $%d", argIndex))
	args = append(args, ledgerID)
	argIndex++

	if accountType := r.URL.Query().Get("type"); accountType != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, accountType)
		argIndex++
	}
	if entityID := r.URL.Query().Get("entity_id"); entityID != "" {
		conditions = append(conditions, fmt.Sprintf("entity_id = $%d", argIndex))
		args = append(args, entityID)
	}

	query := `
		SELECT account_id, ledger_id, type, entity_id, currency, balance, version, metadata, created_at, updated_at
		FROM accounts
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY type, entity_id`

	rows, err := ts.db.Query(query, args...)
	if err != nil {
		log.Printf("[ACCOUNT_ENQUIRY] Failed to list accounts for ledger %s: %v", ledgerID, err)
		SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	accounts := []models.Account{}
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.AccountID, &a.LedgerID, &a.Type, &a.EntityID, &a.Currency,
			&a.Balance, &a.Version, &a.Metadata, &a.CreatedAt, &a.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch accounts", http.StatusInternalServerError, nil)
			return
		}
		accounts = append(accounts, a)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	})
}

// AccountBalanceEnquiry retrieves one account balance
// @Summary Get account balance
// @Description Retrieve an account's cached balance, cross-checked against its latest entry
// @Tags accounts
// @Produce json
// @Param accountId query string true "Account ID"
// @Success 200 {object} object{responseCode=string,account_id=string,type=string,entity_id=string,balance=int,consistent=bool}
// @Failure 404 {object} ErrorResponse
// @Router /accounts/{accountId} [get]
func (ts *TransactionService) AccountBalanceEnquiry(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountId")
	if accountID == "" {
		accountID = r.URL.Query().Get("accountId")
	}
	if accountID == "" {
		SendErrorResponse(w, "accountId is required", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[ACCOUNT_ENQUIRY] Balance enquiry for account: %s from IP: %s", accountID, r.RemoteAddr)

	var account models.Account
	err := ts.db.QueryRow(`
		SELECT account_id, ledger_id, type, entity_id, currency, balance, version, updated_at
		FROM accounts
		WHERE account_id = $1`, accountID).Scan(
		&account.AccountID, &account.LedgerID, &account.Type, &account.EntityID,
		&account.Currency, &account.Balance, &account.Version, &account.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendServiceError(w, &NotFoundError{Entity: "account", ID: accountID})
		} else {
			log.Printf("[ACCOUNT_ENQUIRY] Lookup failed for account %s: %v", accountID, err)
			SendErrorResponse(w, "Failed to fetch account", http.StatusInternalServerError, nil)
		}
		return
	}

	// Cross-check the cached balance against the latest entry. Entries carry
	// the post-entry balance, so the newest one must agree with the cache.
	consistent := true
	var latestEntryBalance int64
	err = ts.db.QueryRow(`
		SELECT balance FROM entries
		WHERE account_id = $1
		ORDER BY id DESC
		LIMIT 1`, accountID).Scan(&latestEntryBalance)
	if err == nil && latestEntryBalance != account.Balance {
		consistent = false
		log.Printf("[ACCOUNT_ENQUIRY] Balance discrepancy for account %s: cached %d, latest entry %d",
			accountID, account.Balance, latestEntryBalance)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"responseCode": "00",
		"account_id":   account.AccountID,
		"ledger_id":    account.LedgerID,
		"type":         account.Type,
		"entity_id":    account.EntityID,
		"currency":     account.Currency,
		"balance":      account.Balance,
		"consistent":   consistent,
	})
}

// Database helper functions

func (ts *TransactionService) fetchTransaction(txID string) (*models.Transaction, error) {
	tx := &models.Transaction{}
	err := ts.db.QueryRow(`
		SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at, metadata, created_at, updated_at
		FROM transactions
		WHERE transaction_id = $1`, txID).Scan(
		&tx.TransactionID, &tx.LedgerID, &tx.ReferenceID, &tx.Type, &tx.Status,
		&tx.Amount, &tx.Currency, &tx.OccurredAt, &tx.Metadata, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[TRANSACTION] Failed to fetch transaction %s: %v", txID, err)
		}
		return nil, err
	}

	entries, err := ts.fetchEntries(txID)
	if err != nil {
		return nil, err
	}
	tx.Entries = entries
	return tx, nil
}

func (ts *TransactionService) fetchEntries(txID string) ([]models.Entry, error) {
	rows, err := ts.db.Query(`
		SELECT account_id, amount, entry_type, balance, created_at
		FROM entries
		WHERE transaction_id = $1
		ORDER BY id`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []models.Entry{}
	for rows.Next() {
		entry := models.Entry{TransactionID: txID}
		if err := rows.Scan(&entry.AccountID, &entry.Amount, &entry.EntryType, &entry.Balance, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (ts *TransactionService) fetchTransactions(ledgerID, status, txType string, limit int) ([]models.Transaction, error) {
	var conditions []string
	var args []interface{}
	argIndex := 1

	baseQuery := `
		SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, occurred_at, metadata, created_at, updated_at
		FROM transactions
	`

	conditions = append(conditions, fmt.Sprintf("ledger_id = $%d", argIndex))
	args = append(args, ledgerID)
	argIndex++

	if status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIndex))
		args = append(args, status)
		argIndex++
	}

	if txType != "" {
		conditions = append(conditions, fmt.Sprintf("type = $%d", argIndex))
		args = append(args, txType)
		argIndex++
	}

	query := baseQuery + " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY occurred_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := ts.db.Query(query, args...)
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
