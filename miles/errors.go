/*
errors.go - Centralized error types for the miles engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The sales coordinator and the HTTP layer only ever branch on these,
  never on driver-specific errors.

ERROR CATEGORIES:
  1. Inventory errors - Not enough miles, bad quantities
  2. Consistency errors - Ledger and lots disagree
  3. Concurrency errors - Conditional update lost a race (retryable)
  4. Storage errors - Persistence failures, always wrapped in StorageError

USAGE:
    var short *miles.InsufficientInventoryError
    if errors.As(err, &short) {
        // short.Shortfall miles are missing
    }
    if miles.IsStorageFailure(err) {
        // infrastructure problem, not a business rule
    }

SEE ALSO:
  - allocation.go: Produces InsufficientInventoryError
  - reversal.go: Produces ErrLedgerInconsistent
  - store.go: Contract for ErrConcurrentModification / ErrLotNotFound
*/
package miles

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientInventory is returned when active lots of a program cannot
	// cover a requirement.
	ErrInsufficientInventory = errors.New("insufficient miles inventory")

	// ErrInvalidQuantity is returned for zero or negative quantities.
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidRequirement is returned when a requirement is missing identifiers.
	ErrInvalidRequirement = errors.New("invalid requirement")

	// ErrInvalidLot is returned when a lot violates its quantity/status rules.
	ErrInvalidLot = errors.New("invalid lot")

	// ErrLotNotFound is returned when a referenced lot doesn't exist.
	ErrLotNotFound = errors.New("lot not found")

	// ErrRecordNotFound is returned when a referenced consumption record doesn't exist.
	ErrRecordNotFound = errors.New("consumption record not found")

	// ErrDuplicateLot is returned when a lot id is already taken.
	ErrDuplicateLot = errors.New("duplicate lot id")

	// ErrConcurrentModification is returned by a conditional lot update whose
	// expected remaining quantity no longer matches the stored one.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrLedgerInconsistent is returned when the records of a sale cannot be
	// reconciled with the lots they reference.
	ErrLedgerInconsistent = errors.New("ledger inconsistent with lots")

	// ErrStorage is the category of every persistence failure.
	ErrStorage = errors.New("storage failure")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientInventoryError provides details about a miles shortage.
type InsufficientInventoryError struct {
	ProgramID ProgramID
	Requested int64
	Available int64
	Shortfall int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient miles for program %s: requested %d, available %d, shortfall %d",
		e.ProgramID, e.Requested, e.Available, e.Shortfall)
}

func (e *InsufficientInventoryError) Unwrap() error {
	return ErrInsufficientInventory
}

// StorageError wraps a persistence failure with the operation that failed.
// errors.Is(err, ErrStorage) holds, and the driver error stays reachable.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// WrapStorage tags err as a storage failure of op. Domain sentinels pass
// through untouched so errors.Is keeps working on them.
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	if isDomainError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrLotNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrDuplicateLot) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrInvalidLot) ||
		errors.Is(err, ErrInvalidQuantity)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientInventory) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidRequirement) ||
		errors.Is(err, ErrInvalidLot) ||
		errors.Is(err, ErrDuplicateLot)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrLotNotFound) ||
		errors.Is(err, ErrRecordNotFound)
}

// IsStorageFailure returns true for infrastructure failures.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrStorage)
}
