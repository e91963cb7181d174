package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/store"
)

// Reasons recorded with terminal states written outside the stages.
const (
	ReasonStale = "task expired without reaching a terminal state"
)

// Outcome describes the result of a terminal write attempt.
type Outcome struct {
	// Won reports whether this call performed the transition.
	Won bool
	// Status is the stored terminal status after the attempt.
	Status domain.TaskStatus
	// Refunded reports whether this call credited the user back.
	Refunded bool
}

// Finalizer is the single path to a terminal task state.
type Finalizer struct {
	tasks  store.TaskStore
	works  store.WorkStore
	ledger store.CreditLedger
	logger *slog.Logger
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(tasks store.TaskStore, works store.WorkStore, ledger store.CreditLedger, logger *slog.Logger) *Finalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{
		tasks:  tasks,
		works:  works,
		ledger: ledger,
		logger: logger.With("component", "finalizer"),
	}
}

// Complete marks the task completed with the uploaded images.
func (f *Finalizer) Complete(ctx context.Context, taskID uuid.UUID, images []domain.Image) (Outcome, error) {
	if images == nil {
		images = []domain.Image{}
	}
	if _, err := f.works.AttachImages(ctx, taskID, images); err != nil {
		return Outcome{}, fmt.Errorf("failed to attach images: %w", err)
	}
	return f.finish(ctx, taskID, domain.TaskStatusCompleted, "")
}

// Fail marks the task failed and refunds its reservation.
func (f *Finalizer) Fail(ctx context.Context, taskID uuid.UUID, reason string) (Outcome, error) {
	return f.finish(ctx, taskID, domain.TaskStatusFailed, reason)
}

// Expire marks a stale task expired and refunds its reservation.
func (f *Finalizer) Expire(ctx context.Context, taskID uuid.UUID, reason string) (Outcome, error) {
	return f.finish(ctx, taskID, domain.TaskStatusExpired, reason)
}

// Cancel marks the task cancelled. It does not interrupt a running worker
// and does not refund.
func (f *Finalizer) Cancel(ctx context.Context, taskID uuid.UUID) (Outcome, error) {
	return f.finish(ctx, taskID, domain.TaskStatusCancelled, "cancelled by user")
}

func (f *Finalizer) finish(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, reason string) (Outcome, error) {
	log := f.logger.With("task_id", taskID, "requested_status", status)

	won, err := f.tasks.FinishTask(ctx, taskID, status, reason)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to write terminal status: %w", err)
	}
	if won {
		log.InfoContext(ctx, "task reached terminal state", "reason", reason)
	} else {
		log.InfoContext(ctx, "terminal write lost, task already terminal")
	}

	out, err := f.Settle(ctx, taskID)
	out.Won = won
	return out, err
}

// Settle brings the refund and the Work in line with the stored terminal
// status of a task. It is safe to call any number of times.
func (f *Finalizer) Settle(ctx context.Context, taskID uuid.UUID) (Outcome, error) {
	task, err := f.tasks.GetTask(ctx, taskID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to reload task: %w", err)
	}
	if !task.Status.IsTerminal() {
		return Outcome{Status: task.Status}, fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTaskStatus, taskID, task.Status)
	}

	out := Outcome{Status: task.Status}
	var errs []error

	if task.Status.Refundable() && task.Cost > 0 && !task.CreditsRefunded {
		refunded, err := f.ledger.Refund(ctx, task.UserID, task.ID, task.Cost)
		if err != nil {
			errs = append(errs, fmt.Errorf("refund: %w", err))
		} else {
			out.Refunded = refunded
			if err := f.tasks.MarkRefunded(ctx, task.ID); err != nil {
				errs = append(errs, fmt.Errorf("mark refunded: %w", err))
			}
		}
	}

	// Images attached before a lost completion race are cleared.
	var images []domain.Image
	if task.Status != domain.TaskStatusCompleted {
		images = []domain.Image{}
	}
	if _, err := f.works.FinishWork(ctx, task.ID, task.Status, images); err != nil && !errors.Is(err, store.ErrWorkNotFound) {
		errs = append(errs, fmt.Errorf("mirror work: %w", err))
	}

	if len(errs) > 0 {
		err := errors.Join(errs...)
		f.logger.ErrorContext(ctx, "failed to settle terminal task",
			"task_id", taskID,
			"status", task.Status,
			"error", err)
		return out, err
	}
	return out, nil
}
