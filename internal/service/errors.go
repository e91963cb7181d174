package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/store"
)

// Service sentinel errors. The API layer maps them to HTTP status codes.
var (
	// ErrTaskNotFound is returned for unknown tasks and for tasks owned by
	// another user, so ownership is not disclosed.
	ErrTaskNotFound = errors.New("task not found")
)

// GenerationServiceError wraps unexpected failures with the operation that
// produced them.
type GenerationServiceError struct {
	Operation string
	Message   string
	Err       error
}

func (e *GenerationServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("generation service %s failed: %s", e.Operation, e.Message)
}

func (e *GenerationServiceError) Unwrap() error {
	return e.Err
}

// NewGenerationServiceError wraps err unless it is an expected condition
// the caller checks with errors.Is, which is returned as is.
func NewGenerationServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInsufficientCredits),
		errors.Is(err, domain.ErrTaskTerminal),
		errors.Is(err, domain.ErrDuplicateSubmission),
		errors.Is(err, ErrTaskNotFound):
		return err
	case errors.Is(err, store.ErrTaskNotFound), errors.Is(err, store.ErrWorkNotFound):
		return ErrTaskNotFound
	}

	return &GenerationServiceError{Operation: operation, Message: message, Err: err}
}
