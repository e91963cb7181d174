package store

import (
	"errors"
	"fmt"
)

// Common store errors.
var (
	// ErrNotFound indicates that a requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate indicates that an entity with the same key already exists.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity indicates a constraint violation on write.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed indicates that a transaction could not be completed.
	ErrTransactionFailed = errors.New("transaction failed")
)

// Entity-specific not-found errors.
var (
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)
	ErrWorkNotFound = fmt.Errorf("%w: work", ErrNotFound)
	ErrUserNotFound = fmt.Errorf("%w: user", ErrNotFound)
)

// IsNotFoundError reports whether err means a missing entity.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicateError reports whether err means a key collision.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError adds entity and operation context to a persistence failure.
type StoreError struct {
	Entity    string // The entity type (e.g., "task", "credit_ledger")
	Operation string // The operation that failed (e.g., "create", "refund")
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation on %s failed: %s: %v", e.Operation, e.Entity, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{Entity: entity, Operation: operation, Message: message, Err: err}
}
