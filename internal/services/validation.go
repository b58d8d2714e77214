package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
)

// ErrorResponse represents error response structure
type ErrorResponse struct {
	Error   string            `json:"error"`             // Error message
	Details map[string]string `json:"details,omitempty"` // Validation details
}

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns validation errors
func (vh *ValidationHelper) ValidateStruct(s any) error {
	return vh.validator.Struct(s)
}

// SendErrorResponse sends a JSON error response
func SendErrorResponse(w http.ResponseWriter, message string, statusCode int, validationErr error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := ErrorResponse{Error: message}
	if validationErr != nil {
		errorResp.Details = make(map[string]string)
		for _, err := range validationErr.(validator.ValidationErrors) {
			errorResp.Details[err.Field()] = fmt.Sprintf("Field Validation Failed on '%s' tag", err.Tag())
		}
	}

	json.NewEncoder(w).Encode(errorResp)
}

// SendServiceError maps the ledger error taxonomy onto HTTP statuses.
// Duplicate references come back as 409 with idempotent:true and the original
// transaction id so automated retriers see success, not failure. Period-lock
// rejections name the offending period.
func SendServiceError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")

	var dupErr *DuplicateReferenceError
	if errors.As(err, &dupErr) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error":          "duplicate_reference",
			"idempotent":     true,
			"transaction_id": dupErr.TransactionID,
			"reference_id":   dupErr.ReferenceID,
		})
		return
	}

	var lockErr *PeriodLockedError
	if errors.As(err, &lockErr) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{
			"error":         "period_locked",
			"period_id":     lockErr.PeriodID,
			"period_name":   lockErr.Name,
			"period_status": lockErr.Status,
		})
		return
	}

	var valErr *ValidationError
	switch {
	case errors.As(err, &valErr):
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: valErr.Error()})
	case errors.Is(err, ErrInsufficientBalance):
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(ErrorResponse{Error: err.Error()})
	default:
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "Failed to process request"})
	}
}
