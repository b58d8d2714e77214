package handlers

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/services"
	"github.com/go-chi/chi/v5"
)

// ReconciliationHandler is the HTTP boundary for matching, snapshots and the
// bank statement feed.
type ReconciliationHandler struct {
	recon     *services.ReconciliationService
	snapshots *services.SnapshotService
	ledgers   *services.LedgerAdminService
	audit     *audit.Recorder
	validator *services.ValidationHelper
}

func NewReconciliationHandler(recon *services.ReconciliationService, snapshots *services.SnapshotService, ledgers *services.LedgerAdminService, auditRecorder *audit.Recorder) *ReconciliationHandler {
	return &ReconciliationHandler{
		recon:     recon,
		snapshots: snapshots,
		ledgers:   ledgers,
		audit:     auditRecorder,
		validator: services.NewValidationHelper(),
	}
}

// HandleAction dispatches one reconciliation action
// @Summary Run a reconciliation action
// @Description Dispatch match, unmatch, auto_match, list_unmatched, create_snapshot or get_snapshot against a ledger
// @Tags reconciliation
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{action=string,ledger_id=string,transaction_id=string,bank_transaction_id=string,snapshot_id=string,period_start=string,period_end=string,limit=int} true "Reconciliation action"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} services.ErrorResponse
// @Failure 403 {object} map[string]interface{}
// @Failure 404 {object} services.ErrorResponse
// @Router /reconciliation [post]
func (h *ReconciliationHandler) HandleAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := r.Context().Value("userID").(string)
	if !ok || actor == "" {
		actor = "system"
	}

	var req struct {
		Action            string     `json:"action" validate:"required,oneof=match unmatch auto_match list_unmatched create_snapshot get_snapshot"`
		LedgerID          string     `json:"ledger_id"`
		TransactionID     string     `json:"transaction_id"`
		BankTransactionID string     `json:"bank_transaction_id"`
		SnapshotID        string     `json:"snapshot_id"`
		PeriodStart       *time.Time `json:"period_start"`
		PeriodEnd         *time.Time `json:"period_end"`
		Limit             int        `json:"limit" validate:"omitempty,gte=1"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if req.Action != "get_snapshot" && req.LedgerID == "" {
		services.SendErrorResponse(w, "ledger_id is required", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[RECONCILE] Action %s on ledger %s by %s", req.Action, req.LedgerID, actor)

	switch req.Action {
	case "match":
		if req.TransactionID == "" || req.BankTransactionID == "" {
			services.SendErrorResponse(w, "transaction_id and bank_transaction_id are required", http.StatusBadRequest, nil)
			return
		}
		match, err := h.recon.Match(req.LedgerID, req.TransactionID, req.BankTransactionID, actor)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		h.recordAudit(r, req.LedgerID, "match_transaction", req.TransactionID, http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "match": match})

	case "unmatch":
		if req.TransactionID == "" {
			services.SendErrorResponse(w, "transaction_id is required", http.StatusBadRequest, nil)
			return
		}
		match, err := h.recon.Unmatch(req.LedgerID, req.TransactionID)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		h.recordAudit(r, req.LedgerID, "unmatch_transaction", req.TransactionID, http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "match": match})

	case "auto_match":
		report, err := h.recon.AutoMatch(req.LedgerID, actor)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		h.recordAudit(r, req.LedgerID, "auto_match", "", http.StatusOK)
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "report": report})

	case "list_unmatched":
		transactions, err := h.recon.ListUnmatched(req.LedgerID, req.Limit)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": transactions, "count": len(transactions)})

	case "create_snapshot":
		if req.PeriodStart == nil || req.PeriodEnd == nil {
			services.SendErrorResponse(w, "period_start and period_end are required", http.StatusBadRequest, nil)
			return
		}
		snapshot, err := h.snapshots.CreateSnapshot(req.LedgerID, *req.PeriodStart, *req.PeriodEnd, actor)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		h.recordAudit(r, req.LedgerID, "create_snapshot", snapshot.SnapshotID, http.StatusCreated)
		writeJSON(w, http.StatusCreated, map[string]interface{}{"success": true, "snapshot": snapshot})

	case "get_snapshot":
		if req.SnapshotID == "" {
			services.SendErrorResponse(w, "snapshot_id is required", http.StatusBadRequest, nil)
			return
		}
		snapshot, valid, err := h.snapshots.GetSnapshot(req.SnapshotID)
		if err != nil {
			services.SendServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"snapshot": snapshot, "integrity_valid": valid})
	}
}

// ListSnapshots lists a ledger's snapshots
// @Summary List reconciliation snapshots
// @Description Get a ledger's snapshots newest first, without payloads
// @Tags reconciliation
// @Produce json
// @Security BearerAuth
// @Param ledger_id query string true "Ledger ID"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} services.ErrorResponse
// @Router /reconciliation/snapshots [get]
func (h *ReconciliationHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	ledgerID := r.URL.Query().Get("ledger_id")
	if ledgerID == "" {
		services.SendErrorResponse(w, "ledger_id is required", http.StatusBadRequest, nil)
		return
	}

	snapshots, err := h.snapshots.ListSnapshots(ledgerID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"snapshots": snapshots, "count": len(snapshots)})
}

// SnapshotQR serves a snapshot's verification QR
// @Summary Get a snapshot verification QR code
// @Description PNG QR encoding the snapshot id and integrity hash for out-of-band verification
// @Tags reconciliation
// @Produce png
// @Security BearerAuth
// @Param snapshotId path string true "Snapshot ID"
// @Success 200 {string} binary "PNG image"
// @Failure 404 {object} services.ErrorResponse
// @Router /reconciliation/snapshots/{snapshotId}/qr [get]
func (h *ReconciliationHandler) SnapshotQR(w http.ResponseWriter, r *http.Request) {
	snapshotID := chi.URLParam(r, "snapshotId")

	encoded, err := h.snapshots.SnapshotQR(snapshotID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		services.SendErrorResponse(w, "Failed to render QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(image)
}

// ImportBankLines ingests externally supplied bank statement lines
// @Summary Import bank statement lines
// @Description Feed-token-authenticated import of bank activity for auto-matching. Replayed lines are counted as duplicates, not errors.
// @Tags reconciliation
// @Accept json
// @Produce json
// @Param X-Feed-Token header string true "Per-ledger feed token"
// @Param request body object{ledger_id=string,lines=[]services.BankLineInput} true "Statement lines"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /reconciliation/bank-lines [post]
func (h *ReconciliationHandler) ImportBankLines(w http.ResponseWriter, r *http.Request) {
	feedToken := r.Header.Get("X-Feed-Token")
	if feedToken == "" {
		services.SendErrorResponse(w, "X-Feed-Token header required", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		LedgerID string                   `json:"ledger_id" validate:"required"`
		Lines    []services.BankLineInput `json:"lines" validate:"required,min=1,max=1000,dive"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	if !h.ledgers.VerifyFeedToken(req.LedgerID, feedToken) {
		log.Printf("[RECONCILE] Rejected feed token for ledger %s", req.LedgerID)
		services.SendErrorResponse(w, "Invalid feed token", http.StatusUnauthorized, nil)
		return
	}

	report, err := h.recon.ImportBankLines(req.LedgerID, req.Lines)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	log.Printf("[RECONCILE] Imported %d bank lines for ledger %s (%d duplicates)", report.Imported, req.LedgerID, report.Duplicates)
	h.recordAudit(r, req.LedgerID, "import_bank_lines", "", http.StatusOK)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"imported":   report.Imported,
		"duplicates": report.Duplicates,
	})
}

func (h *ReconciliationHandler) recordAudit(r *http.Request, ledgerID, action, entityID string, status int) {
	actor, ok := r.Context().Value("userID").(string)
	if !ok || actor == "" {
		actor = "system"
	}
	h.audit.Record(audit.Event{
		LedgerID:       ledgerID,
		Action:         action,
		EntityType:     "reconciliation",
		EntityID:       entityID,
		Actor:          actor,
		ResponseStatus: status,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
