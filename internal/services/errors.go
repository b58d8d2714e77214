package services

import (
	"errors"
	"fmt"
)

// Sentinel errors for ledger operations. Callers branch with errors.Is; the
// HTTP mapping lives in SendServiceError.
var (
	// ErrNotFound indicates an unknown ledger, transaction, account, period
	// or snapshot.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReference indicates an idempotent replay: the reference_id
	// was already recorded. Not a failure, the caller gets the original
	// transaction id.
	ErrDuplicateReference = errors.New("duplicate reference")

	// ErrPeriodLocked indicates a mutation against a transaction dated inside
	// a closed or locked accounting period.
	ErrPeriodLocked = errors.New("period locked")

	// ErrRecordingFailed indicates a storage-layer failure mid-write. The
	// whole operation rolled back and is safe to retry with the same
	// reference_id.
	ErrRecordingFailed = errors.New("recording failed")

	// ErrIntegrityMismatch indicates a snapshot whose stored hash no longer
	// matches its stored data. Surfaced, never repaired.
	ErrIntegrityMismatch = errors.New("snapshot integrity mismatch")

	// ErrUnbalancedEntries indicates a journal whose debit and credit sums
	// differ. Such a journal is never committed.
	ErrUnbalancedEntries = errors.New("entries do not balance")

	// ErrInsufficientBalance indicates a debit that would overdraw a creator
	// balance account.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// ValidationError marks caller-fault input. No side effects occurred.
type ValidationError struct {
	Field   string
	Message string
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// DuplicateReferenceError carries the transaction originally recorded under
// the replayed reference so callers can return it as an idempotent success.
type DuplicateReferenceError struct {
	ReferenceID   string
	TransactionID string
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("reference %s already recorded as transaction %s", e.ReferenceID, e.TransactionID)
}

func (e *DuplicateReferenceError) Is(target error) bool {
	return target == ErrDuplicateReference
}

// NotFoundError names the missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// PeriodLockedError names the offending period so the caller can decide on an
// out-of-period correcting entry instead.
type PeriodLockedError struct {
	PeriodID string
	Name     string
	Status   string
}

func (e *PeriodLockedError) Error() string {
	return fmt.Sprintf("period %s (%s) is %s", e.PeriodID, e.Name, e.Status)
}

func (e *PeriodLockedError) Is(target error) bool {
	return target == ErrPeriodLocked
}

// IntegrityMismatchError carries both hashes for the audit trail.
type IntegrityMismatchError struct {
	SnapshotID string
	Stored     string
	Computed   string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("snapshot %s integrity mismatch: stored %s, computed %s", e.SnapshotID, e.Stored, e.Computed)
}

func (e *IntegrityMismatchError) Is(target error) bool {
	return target == ErrIntegrityMismatch
}
