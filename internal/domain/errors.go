package domain

import (
	"errors"
	"fmt"
)

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a request or entity fails validation.
	// It is usually wrapped by a ValidationError naming the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientCredits is returned when a reservation would drive a
	// user's balance below zero.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidTaskStatus is returned when a status value is not recognised.
	ErrInvalidTaskStatus = errors.New("invalid task status")

	// ErrWatchdogTimeout is recorded when the watchdog forces a task to fail
	// before the host kills the worker.
	ErrWatchdogTimeout = errors.New("execution timeout")

	// ErrDispatchFailed is recorded when the worker provably never started.
	ErrDispatchFailed = errors.New("dispatch failed")

	// ErrTaskTerminal is returned when a transition is requested for a task
	// that has already reached a terminal state.
	ErrTaskTerminal = errors.New("task already in terminal state")

	// ErrDuplicateSubmission is returned when a submission with the same
	// idempotency key is still being processed.
	ErrDuplicateSubmission = errors.New("duplicate submission in progress")

	// ErrNoModelAvailable is returned when no registered model satisfies the
	// requirements of a generation request.
	ErrNoModelAvailable = errors.New("no model available")
)

// ValidationError describes a structural problem with a submission.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for the given field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Message)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Message)
}

// Unwrap allows errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// DispatchClass separates dispatch failures that prove the worker never
// started from those that leave its fate unknown.
type DispatchClass string

const (
	// DispatchTransient covers timeouts on the dispatch call itself. The
	// worker may be running.
	DispatchTransient DispatchClass = "transient"

	// DispatchFatal covers rejections by the dispatch target. The worker
	// never started.
	DispatchFatal DispatchClass = "fatal"
)

// DispatchError wraps an error returned by a dispatch call together with
// its classification.
type DispatchError struct {
	Class DispatchClass
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s dispatch error: %v", e.Class, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the dispatch target rejected the call.
func (e *DispatchError) IsFatal() bool {
	return e.Class == DispatchFatal
}

// StageError records which pipeline stage failed and why.
type StageError struct {
	Stage string
	Err   error
}

// NewStageError wraps err as a failure of the named stage.
func NewStageError(stage string, err error) *StageError {
	return &StageError{Stage: stage, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
