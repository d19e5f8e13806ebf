/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Validation errors - rejected before any mutation
  2. Not-found errors  - unknown period, entity, due record or wallet
  3. Duplicate errors  - idempotency keys and (period, entity) dues
  4. Store errors      - retryable write conflicts

USAGE:
    if errors.Is(err, ledger.ErrDuplicateDue) {
        // already assessed, safe to ignore
    }

SEE ALSO:
  - processor.go: swallows DuplicateProcessingError
  - api/handlers.go: maps errors to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is the parent of every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is the parent of every NotFoundError.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned when a wallet entry with the same
	// idempotency key already exists. Expected on retries.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrDuplicateDue is returned when a due record already exists for the
	// (period, entity) pair.
	ErrDuplicateDue = errors.New("due already assessed for entity")

	// ErrPeriodClosed is returned when a period no longer accepts contributions.
	ErrPeriodClosed = errors.New("collection period closed")

	// ErrAlreadyProcessed is returned when a period's dues were already processed.
	ErrAlreadyProcessed = errors.New("dues already processed")

	// ErrAmountOutOfRange is returned when an amount cannot be stored in
	// integer minor units.
	ErrAmountOutOfRange = errors.New("amount out of storable range")

	// ErrForbidden is returned when the actor may not perform an operation.
	ErrForbidden = errors.New("operation not permitted for caller")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the missing resource.
type NotFoundError struct {
	Resource string // "period", "entity", "due", "wallet"
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// DuplicateProcessingError is raised by stores when a due record already
// exists. The processor treats it as "already handled".
type DuplicateProcessingError struct {
	PeriodID string
	EntityID string
}

func (e *DuplicateProcessingError) Error() string {
	return fmt.Sprintf("due already assessed: period %s entity %s", e.PeriodID, e.EntityID)
}

func (e *DuplicateProcessingError) Unwrap() error { return ErrDuplicateDue }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Client errors and duplicates are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsClientError(err) && !IsNotFound(err) && !errors.Is(err, ErrDuplicateDue)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateIdempotencyKey) ||
		errors.Is(err, ErrPeriodClosed) ||
		errors.Is(err, ErrAlreadyProcessed) ||
		errors.Is(err, ErrAmountOutOfRange) ||
		errors.Is(err, ErrForbidden)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
