package services

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
)

// PayoutService moves earned creator balance onto the settlement rail: the
// payout journal debits the creator balance into payout clearing, then the
// instruction is dispatched as pacs.008. A rejected payout is reversed so the
// creator's balance is restored.
type PayoutService struct {
	db        *sql.DB
	engine    *LedgerEngine
	iso       *ISO20022Service
	audit     *audit.Recorder
	validator *ValidationHelper
}

func NewPayoutService(db *sql.DB, redisClient *redis.Client, auditRecorder *audit.Recorder) *PayoutService {
	return &PayoutService{
		db:        db,
		engine:    NewLedgerEngine(db),
		iso:       NewISO20022Service(redisClient),
		audit:     auditRecorder,
		validator: NewValidationHelper(),
	}
}

// RecordPayout records one payout and dispatches it for settlement
// @Summary Record a payout
// @Description Debit a creator's balance into payout clearing and queue the pacs.008 instruction. Fails when the balance is insufficient; replaying a reference_id returns 409 with the original transaction id.
// @Tags payouts
// @Accept json
// @Produce json
// @Param payout body object{ledger_id=string,reference_id=string,creator_id=string,amount_cents=int,currency=string,creditor_name=string,creditor_account=string,bank_code=string,occurred_at=string,metadata=object} true "Payout data"
// @Success 201 {object} object{transaction_id=string,message_id=string,creator_balance=int}
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} map[string]interface{}
// @Failure 409 {object} map[string]interface{}
// @Router /payouts [post]
func (ps *PayoutService) RecordPayout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LedgerID        string          `json:"ledger_id" validate:"required"`
		ReferenceID     string          `json:"reference_id" validate:"required,min=1,max=128"`
		CreatorID       string          `json:"creator_id" validate:"required"`
		AmountCents     int64           `json:"amount_cents" validate:"required,gt=0"`
		Currency        string          `json:"currency" validate:"omitempty,len=3"`
		CreditorName    string          `json:"creditor_name" validate:"required,max=140"`
		CreditorAccount string          `json:"creditor_account" validate:"required,max=34"`
		BankCode        string          `json:"bank_code" validate:"required"`
		OccurredAt      *time.Time      `json:"occurred_at"`
		Metadata        models.Metadata `json:"metadata"`
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

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !ValidBankCode(req.BankCode) {
		SendErrorResponse(w, "Unknown bank code", http.StatusBadRequest, nil)
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

	messageID := NewSettlementMessageID()
	details := models.PayoutDetails{
		CreatorID:       req.CreatorID,
		CreditorName:    req.CreditorName,
		CreditorAccount: req.CreditorAccount,
		BankCode:        req.BankCode,
		MessageID:       messageID,
		Extra:           req.Metadata,
	}

	result, err := ps.engine.RecordJournal(JournalParams{
		LedgerID:    req.LedgerID,
		ReferenceID: req.ReferenceID,
		Type:        models.TransactionTypePayout,
		Amount:      req.AmountCents,
		Currency:    currency,
		OccurredAt:  occurredAt,
		Metadata:    models.Metadata{}.WithDetails(details),
		Lines: []JournalLine{
			{AccountType: models.AccountTypeCreatorBalance, EntityID: req.CreatorID, EntryType: models.EntryDebit, Amount: req.AmountCents},
			{AccountType: models.AccountTypePayoutClearing, EntryType: models.EntryCredit, Amount: req.AmountCents},
		},
	})
	if err != nil {
		var dup *DuplicateReferenceError
		if errors.As(err, &dup) {
			log.Printf("[PAYOUT] Duplicate reference replayed: %s -> %s", dup.ReferenceID, dup.TransactionID)
			ps.audit.Record(audit.Event{
				LedgerID:       req.LedgerID,
				Action:         "record_payout",
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

	// Queue for settlement (after commit)
	instruction := &PayoutInstruction{
		TransactionID:   result.TransactionID,
		ReferenceID:     req.ReferenceID,
		AmountCents:     req.AmountCents,
		Currency:        currency,
		CreditorName:    req.CreditorName,
		CreditorAccount: req.CreditorAccount,
		BankCode:        req.BankCode,
		MessageID:       messageID,
	}
	if err := ps.iso.QueueForSettlement(instruction); err != nil {
		log.Printf("[PAYOUT] Failed to queue payout %s for settlement: %v", result.TransactionID, err)
	}

	ps.audit.Record(audit.Event{
		LedgerID:       req.LedgerID,
		Action:         "record_payout",
		EntityType:     "transaction",
		EntityID:       result.TransactionID,
		Actor:          requestActor(r),
		RequestBody:    audit.Sanitize(body),
		ResponseStatus: http.StatusCreated,
	})

	creatorAccount := result.AccountIDs[JournalLine{AccountType: models.AccountTypeCreatorBalance, EntityID: req.CreatorID}.key()]
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"transaction_id":  result.TransactionID,
		"message_id":      messageID,
		"creator_balance": result.Balances[creatorAccount],
	})
}

// GetPayoutPacs008 renders a payout's settlement instruction
// @Summary Get a payout's pacs.008 message
// @Description Regenerate the pacs.008 XML of a recorded payout from its stored details
// @Tags payouts
// @Produce xml
// @Param txId path string true "Transaction ID"
// @Success 200 {string} string "pacs.008 XML"
// @Failure 404 {object} ErrorResponse
// @Router /payouts/{txId}/pacs008 [get]
func (ps *PayoutService) GetPayoutPacs008(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	instruction, err := ps.fetchPayoutInstruction(txID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	pacs008, err := ps.iso.CreatePacs008(instruction)
	if err != nil {
		SendErrorResponse(w, "Failed to build pacs.008", http.StatusInternalServerError, nil)
		return
	}
	xmlData, err := ps.iso.ConvertToXML(pacs008)
	if err != nil {
		SendErrorResponse(w, "Failed to build pacs.008", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.Write([]byte(xmlData))
}

// AcknowledgePayout applies a settlement status to a payout
// @Summary Acknowledge a payout
// @Description Apply the rail's pacs.002 status to a payout. RJCT reverses the payout so the creator's balance is restored.
// @Tags payouts
// @Accept json
// @Produce json
// @Param txId path string true "Transaction ID"
// @Param ack body object{status=string} true "Settlement status (ACCP, ACSC or RJCT)"
// @Success 200 {object} object{success=bool,status=string,reversal_transaction_id=string}
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /payouts/{txId}/acknowledge [post]
func (ps *PayoutService) AcknowledgePayout(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "txId")

	var req struct {
		Status string `json:"status" validate:"required,oneof=ACCP ACSC RJCT"`
	}

	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := ps.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	instruction, err := ps.fetchPayoutInstruction(txID)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	pacs002, err := ps.iso.CreatePacs002(instruction, req.Status)
	if err != nil {
		SendErrorResponse(w, "Failed to build pacs.002", http.StatusInternalServerError, nil)
		return
	}
	if _, err := ps.iso.ConvertToXML(pacs002); err != nil {
		SendErrorResponse(w, "Failed to build pacs.002", http.StatusInternalServerError, nil)
		return
	}

	response := map[string]interface{}{
		"success": true,
		"status":  req.Status,
	}

	if req.Status == "RJCT" {
		reversal, err := ps.engine.ReverseTransaction(txID, "payout rejected by settlement rail")
		if err != nil {
			SendServiceError(w, err)
			return
		}
		response["reversal_transaction_id"] = reversal.TransactionID
		log.Printf("[PAYOUT] Payout %s rejected, reversed by %s", txID, reversal.TransactionID)
	}

	ps.audit.Record(audit.Event{
		Action:         "acknowledge_payout",
		EntityType:     "transaction",
		EntityID:       txID,
		Actor:          requestActor(r),
		ResponseStatus: http.StatusOK,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// fetchPayoutInstruction rebuilds the settlement instruction from a stored
// payout transaction and its typed metadata.
func (ps *PayoutService) fetchPayoutInstruction(txID string) (*PayoutInstruction, error) {
	var txn models.Transaction
	err := ps.db.QueryRow(`
		SELECT transaction_id, ledger_id, reference_id, type, status, amount, currency, metadata
		FROM transactions
		WHERE transaction_id = $1`, txID).Scan(
		&txn.TransactionID, &txn.LedgerID, &txn.ReferenceID, &txn.Type, &txn.Status,
		&txn.Amount, &txn.Currency, &txn.Metadata)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "transaction", ID: txID}
	}
	if err != nil {
		return nil, err
	}

	if txn.Type != models.TransactionTypePayout {
		return nil, NewValidationError("transaction_id", "transaction is not a payout")
	}

	var details models.PayoutDetails
	if err := txn.Metadata.DecodeDetails(&details); err != nil {
		return nil, err
	}

	return &PayoutInstruction{
		TransactionID:   txn.TransactionID,
		ReferenceID:     txn.ReferenceID,
		AmountCents:     txn.Amount,
		Currency:        txn.Currency,
		CreditorName:    details.CreditorName,
		CreditorAccount: details.CreditorAccount,
		BankCode:        details.BankCode,
		MessageID:       details.MessageID,
	}, nil
}
