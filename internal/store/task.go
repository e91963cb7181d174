package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
)

// TaskStore persists generation tasks.
//
// Every status change is conditional on the current status, which makes
// the store the only ordering primitive between concurrent writers.
type TaskStore interface {
	// CreateTask inserts a new pending task.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task by ID. Returns ErrTaskNotFound if absent.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// MarkProcessing moves a pending task to processing. It reports false
	// when the task was not pending.
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)

	// Checkpoint records the last completed stage of a processing task.
	Checkpoint(ctx context.Context, id uuid.UUID, stage string) error

	// FinishTask writes a terminal status only if the task is still pending
	// or processing. It reports whether this call performed the transition.
	FinishTask(ctx context.Context, id uuid.UUID, status domain.TaskStatus, reason string) (bool, error)

	// MarkRefunded sets the credits_refunded flag.
	MarkRefunded(ctx context.Context, id uuid.UUID) error

	// ListStale returns non-terminal tasks last updated before the cutoff.
	ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error)

	// ListUnrefunded returns refundable terminal tasks whose refund flag is
	// not yet set.
	ListUnrefunded(ctx context.Context, limit int) ([]*domain.Task, error)

	// WithTx returns a TaskStore that runs on tx.
	WithTx(tx *sql.Tx) TaskStore
}
