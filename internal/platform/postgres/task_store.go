package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/store"
)

const taskColumns = `id, type, user_id, status, params, image_count, cost, stage,
	error_message, credits_refunded, created_at, updated_at`

// PostgresTaskStore implements store.TaskStore.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.TaskStore = (*PostgresTaskStore)(nil)

// NewPostgresTaskStore creates a new PostgresTaskStore.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTaskStore{
		db:     db,
		logger: logger.With("component", "task_store"),
	}
}

// WithTx returns a store that runs on tx.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{db: tx, logger: s.logger}
}

// CreateTask inserts a new task.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("failed to encode task params: %w", err)
	}

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		task.UserID,
		string(task.Status),
		string(params),
		task.Count,
		task.Cost,
		task.Stage,
		task.ErrorMessage,
		task.CreditsRefunded,
		task.CreatedAt.UTC(),
		task.UpdatedAt.UTC(),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save task",
			"task_id", task.ID,
			"error", err)
		return MapError(err)
	}

	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrTaskNotFound
		}
		return nil, MapError(err)
	}
	return task, nil
}

// MarkProcessing moves a pending task to processing.
func (s *PostgresTaskStore) MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	result, err := s.db.ExecContext(ctx, query,
		string(domain.TaskStatusProcessing),
		time.Now().UTC(),
		id,
		string(domain.TaskStatusPending),
	)
	if err != nil {
		return false, MapError(err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Checkpoint records the last completed stage of a processing task.
func (s *PostgresTaskStore) Checkpoint(ctx context.Context, id uuid.UUID, stage string) error {
	query := `
		UPDATE tasks
		SET stage = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`
	_, err := s.db.ExecContext(ctx, query,
		stage,
		time.Now().UTC(),
		id,
		string(domain.TaskStatusProcessing),
	)
	return MapError(err)
}

// FinishTask writes a terminal status if the task is not terminal yet.
func (s *PostgresTaskStore) FinishTask(
	ctx context.Context,
	id uuid.UUID,
	status domain.TaskStatus,
	reason string,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidTaskStatus, status)
	}

	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4 AND status IN ($5, $6)
	`
	result, err := s.db.ExecContext(ctx, query,
		string(status),
		reason,
		time.Now().UTC(),
		id,
		string(domain.TaskStatusPending),
		string(domain.TaskStatusProcessing),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to write terminal task status",
			"task_id", id,
			"status", status,
			"error", err)
		return false, MapError(err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRefunded sets the credits_refunded flag.
func (s *PostgresTaskStore) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE tasks SET credits_refunded = TRUE, updated_at = $1 WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return MapError(err)
	}
	return CheckRowsAffected(result, store.ErrTaskNotFound)
}

// ListStale returns non-terminal tasks last updated before the cutoff.
func (s *PostgresTaskStore) ListStale(ctx context.Context, before time.Time, limit int) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2) AND updated_at < $3
		ORDER BY updated_at ASC
		LIMIT $4
	`
	return s.queryTasks(ctx, query,
		string(domain.TaskStatusPending),
		string(domain.TaskStatusProcessing),
		before.UTC(),
		limit,
	)
}

// ListUnrefunded returns failed or expired tasks without a refund flag.
func (s *PostgresTaskStore) ListUnrefunded(ctx context.Context, limit int) ([]*domain.Task, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE status IN ($1, $2) AND credits_refunded = FALSE AND cost > 0
		ORDER BY updated_at ASC
		LIMIT $3
	`
	return s.queryTasks(ctx, query,
		string(domain.TaskStatusFailed),
		string(domain.TaskStatusExpired),
		limit,
	)
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.logger.WarnContext(ctx, "failed to close rows", "error", err)
		}
	}()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task   domain.Task
		status string
		params []byte
	)
	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.UserID,
		&status,
		&params,
		&task.Count,
		&task.Cost,
		&task.Stage,
		&task.ErrorMessage,
		&task.CreditsRefunded,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = domain.TaskStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return nil, fmt.Errorf("failed to decode task params: %w", err)
		}
	}
	return &task, nil
}
