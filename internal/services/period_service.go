package services

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// checkPeriodLock rejects mutations whose effective date falls inside a
// closed or locked accounting period. Works against *sql.DB or an open
// *sql.Tx so the guard runs inside the same store transaction as the write
// it protects.
func checkPeriodLock(q queryRower, ledgerID string, t time.Time) error {
	var period models.AccountingPeriod
	err := q.QueryRow(`
		SELECT period_id, name, status
		FROM accounting_periods
		WHERE ledger_id = $1 AND status IN ($2, $3) AND period_start <= $4 AND period_end >= $4
		ORDER BY period_start
		LIMIT 1`,
		ledgerID, models.PeriodStatusClosed, models.PeriodStatusLocked, t).
		Scan(&period.PeriodID, &period.Name, &period.Status)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	return &PeriodLockedError{PeriodID: period.PeriodID, Name: period.Name, Status: period.Status}
}

// PeriodService manages accounting period lifecycle. Transitions are one-way:
// open -> closed -> locked. There is no reopen; corrections against a frozen
// window go through out-of-period correcting entries instead.
type PeriodService struct {
	db        *sql.DB
	validator *ValidationHelper
	audit     *audit.Recorder
}

func NewPeriodService(db *sql.DB, auditRecorder *audit.Recorder) *PeriodService {
	return &PeriodService{
		db:        db,
		validator: NewValidationHelper(),
		audit:     auditRecorder,
	}
}

// CreatePeriod opens a new accounting period
// @Summary Create an accounting period
// @Description Open a new accounting period over a date window of a ledger
// @Tags periods
// @Accept json
// @Produce json
// @Param period body object{ledger_id=string,name=string,period_start=string,period_end=string} true "Period window"
// @Success 201 {object} models.AccountingPeriod
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /periods [post]
func (ps *PeriodService) CreatePeriod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		LedgerID    string `json:"ledger_id" validate:"required"`
		Name        string `json:"name" validate:"required,min=1,max=120"`
		PeriodStart string `json:"period_start" validate:"required"`
		PeriodEnd   string `json:"period_end" validate:"required"`
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

	periodStart, err := parsePeriodBound(req.PeriodStart, false)
	if err != nil {
		SendErrorResponse(w, "period_start must be an RFC3339 timestamp or a YYYY-MM-DD date", http.StatusBadRequest, nil)
		return
	}
	periodEnd, err := parsePeriodBound(req.PeriodEnd, true)
	if err != nil {
		SendErrorResponse(w, "period_end must be an RFC3339 timestamp or a YYYY-MM-DD date", http.StatusBadRequest, nil)
		return
	}
	if periodEnd.Before(periodStart) {
		SendErrorResponse(w, "period_end must not precede period_start", http.StatusBadRequest, nil)
		return
	}

	var exists int
	if err := ps.db.QueryRow(`SELECT 1 FROM ledgers WHERE ledger_id = $1`, req.LedgerID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			SendServiceError(w, &NotFoundError{Entity: "ledger", ID: req.LedgerID})
		} else {
			SendErrorResponse(w, "Failed to create period", http.StatusInternalServerError, nil)
		}
		return
	}

	now := time.Now()
	period := models.AccountingPeriod{
		PeriodID:    "per_" + uuid.New().String(),
		LedgerID:    req.LedgerID,
		Name:        req.Name,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Status:      models.PeriodStatusOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = ps.db.Exec(`
		INSERT INTO accounting_periods (period_id, ledger_id, name, period_start, period_end, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)`,
		period.PeriodID, period.LedgerID, period.Name, period.PeriodStart, period.PeriodEnd, period.Status, now)
	if err != nil {
		if isUniqueViolation(err) {
			SendErrorResponse(w, "A period with this name already exists for the ledger", http.StatusConflict, nil)
			return
		}
		log.Printf("[PERIOD] Failed to create period for ledger %s: %v", req.LedgerID, err)
		SendErrorResponse(w, "Failed to create period", http.StatusInternalServerError, nil)
		return
	}

	ps.audit.Record(audit.Event{
		LedgerID:       period.LedgerID,
		Action:         "create_period",
		EntityType:     "period",
		EntityID:       period.PeriodID,
		Actor:          requestActor(r),
		ResponseStatus: http.StatusCreated,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(period)
}

// ClosePeriod transitions a period from open to closed
// @Summary Close an accounting period
// @Description Freeze a period so transactions dated inside it can no longer be created, matched or unmatched. Closing an already-closed period is a no-op.
// @Tags periods
// @Produce json
// @Param periodId path string true "Period ID"
// @Success 200 {object} models.AccountingPeriod
// @Failure 404 {object} ErrorResponse
// @Router /periods/{periodId}/close [post]
func (ps *PeriodService) ClosePeriod(w http.ResponseWriter, r *http.Request) {
	ps.transition(w, r, models.PeriodStatusClosed)
}

// LockPeriod transitions a period from closed to locked
// @Summary Lock an accounting period
// @Description Make a closed period permanently immutable. Locking requires the period to be closed first; locking a locked period is a no-op.
// @Tags periods
// @Produce json
// @Param periodId path string true "Period ID"
// @Success 200 {object} models.AccountingPeriod
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /periods/{periodId}/lock [post]
func (ps *PeriodService) LockPeriod(w http.ResponseWriter, r *http.Request) {
	ps.transition(w, r, models.PeriodStatusLocked)
}

func (ps *PeriodService) transition(w http.ResponseWriter, r *http.Request, target string) {
	periodID := chi.URLParam(r, "periodId")

	period, err := ps.transitionPeriod(periodID, target)
	if err != nil {
		SendServiceError(w, err)
		return
	}

	ps.audit.Record(audit.Event{
		LedgerID:       period.LedgerID,
		Action:         target + "_period",
		EntityType:     "period",
		EntityID:       period.PeriodID,
		Actor:          requestActor(r),
		ResponseStatus: http.StatusOK,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(period)
}

// transitionPeriod advances a period toward target under row lock. Reaching a
// state the period already passed is a no-op returning current state, so
// retried close and lock calls converge instead of failing.
func (ps *PeriodService) transitionPeriod(periodID, target string) (*models.AccountingPeriod, error) {
	tx, err := ps.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	defer tx.Rollback()

	period, err := fetchPeriodForUpdate(tx, periodID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	switch {
	case period.Status == target:
		return period, nil
	case target == models.PeriodStatusClosed && period.Status == models.PeriodStatusLocked:
		// Already past closed.
		return period, nil
	case target == models.PeriodStatusLocked && period.Status == models.PeriodStatusOpen:
		return nil, NewValidationError("status", "period must be closed before locking")
	case target == models.PeriodStatusClosed:
		period.ClosedAt = &now
		_, err = tx.Exec(`
			UPDATE accounting_periods SET status = $1, closed_at = $2, updated_at = $2
			WHERE period_id = $3`,
			target, now, periodID)
	case target == models.PeriodStatusLocked:
		period.LockedAt = &now
		_, err = tx.Exec(`
			UPDATE accounting_periods SET status = $1, locked_at = $2, updated_at = $2
			WHERE period_id = $3`,
			target, now, periodID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}

	period.Status = target
	period.UpdatedAt = now
	log.Printf("[PERIOD] Period %s (%s) transitioned to %s", period.PeriodID, period.Name, target)
	return period, nil
}

// ListPeriods lists the periods of a ledger
// @Summary List accounting periods
// @Description Get the accounting periods of a ledger, most recent window first
// @Tags periods
// @Produce json
// @Param ledger_id query string true "Ledger ID"
// @Success 200 {object} object{periods=[]models.AccountingPeriod,count=int}
// @Failure 400 {object} ErrorResponse
// @Router /periods [get]
func (ps *PeriodService) ListPeriods(w http.ResponseWriter, r *http.Request) {
	ledgerID := r.URL.Query().Get("ledger_id")
	if ledgerID == "" {
		SendErrorResponse(w, "ledger_id is required", http.StatusBadRequest, nil)
		return
	}

	rows, err := ps.db.Query(`
		SELECT period_id, ledger_id, name, period_start, period_end, status, closed_at, locked_at, created_at, updated_at
		FROM accounting_periods
		WHERE ledger_id = $1
		ORDER BY period_start DESC`, ledgerID)
	if err != nil {
		log.Printf("[PERIOD] Failed to list periods for ledger %s: %v", ledgerID, err)
		SendErrorResponse(w, "Failed to fetch periods", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	periods := []models.AccountingPeriod{}
	for rows.Next() {
		var p models.AccountingPeriod
		if err := rows.Scan(&p.PeriodID, &p.LedgerID, &p.Name, &p.PeriodStart, &p.PeriodEnd,
			&p.Status, &p.ClosedAt, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			SendErrorResponse(w, "Failed to fetch periods", http.StatusInternalServerError, nil)
			return
		}
		periods = append(periods, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"periods": periods,
		"count":   len(periods),
	})
}

// GetPeriod retrieves one period
// @Summary Get an accounting period
// @Description Retrieve a period by its ID
// @Tags periods
// @Produce json
// @Param periodId path string true "Period ID"
// @Success 200 {object} models.AccountingPeriod
// @Failure 404 {object} ErrorResponse
// @Router /periods/{periodId} [get]
func (ps *PeriodService) GetPeriod(w http.ResponseWriter, r *http.Request) {
	periodID := chi.URLParam(r, "periodId")

	var p models.AccountingPeriod
	err := ps.db.QueryRow(`
		SELECT period_id, ledger_id, name, period_start, period_end, status, closed_at, locked_at, created_at, updated_at
		FROM accounting_periods
		WHERE period_id = $1`, periodID).Scan(
		&p.PeriodID, &p.LedgerID, &p.Name, &p.PeriodStart, &p.PeriodEnd,
		&p.Status, &p.ClosedAt, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			SendServiceError(w, &NotFoundError{Entity: "period", ID: periodID})
		} else {
			SendErrorResponse(w, "Failed to fetch period", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p)
}

func fetchPeriodForUpdate(tx *sql.Tx, periodID string) (*models.AccountingPeriod, error) {
	var p models.AccountingPeriod
	err := tx.QueryRow(`
		SELECT period_id, ledger_id, name, period_start, period_end, status, closed_at, locked_at, created_at, updated_at
		FROM accounting_periods
		WHERE period_id = $1
		FOR UPDATE`, periodID).Scan(
		&p.PeriodID, &p.LedgerID, &p.Name, &p.PeriodStart, &p.PeriodEnd,
		&p.Status, &p.ClosedAt, &p.LockedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, &NotFoundError{Entity: "period", ID: periodID}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	return &p, nil
}

// parsePeriodBound accepts an RFC3339 timestamp or a plain date. A plain date
// used as an end bound extends to the end of that day so the window stays
// inclusive.
func parsePeriodBound(value string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		return t.Add(24*time.Hour - time.Nanosecond), nil
	}
	return t, nil
}

// requestActor resolves the acting principal stamped by the auth middleware.
func requestActor(r *http.Request) string {
	if actor, ok := r.Context().Value("userID").(string); ok && actor != "" {
		return actor
	}
	return "system"
}
