package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
)

// WorkStore persists the user-facing result records.
type WorkStore interface {
	// CreateWork inserts a new pending work.
	CreateWork(ctx context.Context, work *domain.Work) error

	// GetWorkByTask retrieves the work paired with a task.
	// Returns ErrWorkNotFound if absent.
	GetWorkByTask(ctx context.Context, taskID uuid.UUID) (*domain.Work, error)

	// FinishWork writes a terminal status, and the images when non-nil, if
	// the work is not yet terminal. It reports whether a row changed.
	FinishWork(ctx context.Context, taskID uuid.UUID, status domain.TaskStatus, images []domain.Image) (bool, error)

	// AttachImages stores result images on a work that is not yet terminal.
	// It reports whether a row changed.
	AttachImages(ctx context.Context, taskID uuid.UUID, images []domain.Image) (bool, error)

	// MarkProcessing mirrors the task's pending to processing transition.
	MarkProcessing(ctx context.Context, taskID uuid.UUID) error

	// ListDiverged returns works whose task is terminal while the work is
	// not, along with the task status they should converge on.
	ListDiverged(ctx context.Context, limit int) ([]DivergedWork, error)

	// WithTx returns a WorkStore that runs on tx.
	WithTx(tx *sql.Tx) WorkStore
}

// DivergedWork pairs a lagging work with its task's terminal status.
type DivergedWork struct {
	TaskID     uuid.UUID
	TaskStatus domain.TaskStatus
}
