/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these onto HTTP status codes.

ERROR CATEGORIES:
  1. Validation errors - bad input, recovered locally, never partially
     applied
  2. Stock errors - withdrawal would drive stock below zero
  3. Write errors - header/lines commit failures, including the
     compensating-rollback failure mode
  4. Navigation errors - snapshot date out of range

USAGE:
  Callers match with errors.Is / errors.As:

    var stockErr *ledger.InsufficientStockError
    if errors.As(err, &stockErr) {
        // stockErr.Item, stockErr.Shortfall
    }

SEE ALSO:
  - commit.go: Produces validation, stock and write errors
  - snapshot.go: Produces navigation errors
  - api/handlers.go: Maps errors to HTTP responses
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
	// ErrInvalidQuantity is returned when a line quantity is zero or
	// negative. Every event quantity must be strictly positive.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrUnknownItem is returned when a line references an item that is
	// not in the catalog.
	ErrUnknownItem = errors.New("unknown item")

	// ErrInactiveItem is returned when a manual submission references a
	// deactivated item. Historical imports are exempt.
	ErrInactiveItem = errors.New("item is inactive")

	// ErrDuplicateLineItem is returned when one batch lists the same
	// item on more than one line.
	ErrDuplicateLineItem = errors.New("duplicate item in batch")

	// ErrEmptyBatch is returned when a submission carries no lines.
	ErrEmptyBatch = errors.New("batch has no lines")

	// ErrInsufficientStock is returned when a withdrawal requests more
	// than the item's current stock.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInvalidDateRange is returned for malformed report ranges
	// (end before start).
	ErrInvalidDateRange = errors.New("invalid date range: end before start")

	// ErrHeaderNotFound is returned when a header id does not exist.
	ErrHeaderNotFound = errors.New("header not found")

	// ErrBeforeHistory is returned when snapshot navigation would go
	// before the earliest event in the store.
	ErrBeforeHistory = errors.New("date precedes earliest recorded event")

	// ErrFutureDate is returned when snapshot navigation would go past
	// the caller's clock.
	ErrFutureDate = errors.New("date is in the future")

	// ErrNoEvents is returned when the store holds no events at all and
	// an earliest-event date is requested.
	ErrNoEvents = errors.New("no events recorded")

	// ErrStorage marks transport/storage failures. Retryable.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientStockError reports the offending item and both figures,
// so the caller can correct the request.
type InsufficientStockError struct {
	Item      ItemID
	Requested Quantity
	Available Quantity
	Shortfall Quantity
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %s, available %s, shortfall %s",
		e.Item, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// LineError pins a validation failure to the line that caused it. The
// whole batch is rejected; nothing is partially applied.
type LineError struct {
	Item ItemID
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %s: %v", e.Item, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// PartialWriteError reports a header-then-lines commit that failed
// after the header was written. When RollbackErr is nil the
// compensating delete succeeded and no header survives. When it is
// non-nil the header is orphaned and requires operator repair via the
// integrity sweep.
type PartialWriteError struct {
	Header      HeaderID
	Cause       error
	RollbackErr error
}

func (e *PartialWriteError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("partial write: header %s orphaned (lines: %v; rollback: %v)",
			e.Header, e.Cause, e.RollbackErr)
	}
	return fmt.Sprintf("partial write rolled back: header %s (lines: %v)", e.Header, e.Cause)
}

func (e *PartialWriteError) Unwrap() error { return e.Cause }

// Orphaned reports whether the header survived the rollback attempt.
func (e *PartialWriteError) Orphaned() bool { return e.RollbackErr != nil }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true when the error is due to invalid caller
// input and the caller can recover by correcting the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrUnknownItem) ||
		errors.Is(err, ErrInactiveItem) ||
		errors.Is(err, ErrDuplicateLineItem) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrBeforeHistory) ||
		errors.Is(err, ErrFutureDate)
}

// IsRetryable returns true when the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorage)
}

// IsNotFound returns true when the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrHeaderNotFound) || errors.Is(err, ErrUnknownItem)
}
