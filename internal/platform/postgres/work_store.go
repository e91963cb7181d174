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

// PostgresWorkStore implements store.WorkStore.
type PostgresWorkStore struct {
	db     store.DBTX
	logger *slog.Logger
}

var _ store.WorkStore = (*PostgresWorkStore)(nil)

// NewPostgresWorkStore creates a new PostgresWorkStore.
func NewPostgresWorkStore(db store.DBTX, logger *slog.Logger) *PostgresWorkStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresWorkStore{
		db:     db,
		logger: logger.With("component", "work_store"),
	}
}

// WithTx returns a store that runs on tx.
func (s *PostgresWorkStore) WithTx(tx *sql.Tx) store.WorkStore {
	return &PostgresWorkStore{db: tx, logger: s.logger}
}

// CreateWork inserts a new work.
func (s *PostgresWorkStore) CreateWork(ctx context.Context, work *domain.Work) error {
	if work.TaskID == uuid.Nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrEmptyWorkTaskID)
	}

	images, err := encodeImages(work.Images)
	if err != nil {
		return err
	}
	params, err := json.Marshal(work.Params)
	if err != nil {
		return fmt.Errorf("failed to encode work params: %w", err)
	}

	query := `
		INSERT INTO works (id, task_id, user_id, status, images, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.ExecContext(ctx, query,
		work.ID,
		work.TaskID,
		work.UserID,
		string(work.Status),
		images,
		string(params),
		work.CreatedAt.UTC(),
		work.UpdatedAt.UTC(),
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to save work",
			"work_id", work.ID,
			"task_id", work.TaskID,
			"error", err)
		return MapError(err)
	}
	return nil
}

// GetWorkByTask retrieves the work paired with a task.
func (s *PostgresWorkStore) GetWorkByTask(ctx context.Context, taskID uuid.UUID) (*domain.Work, error) {
	query := `
		SELECT id, task_id, user_id, status, images, params, created_at, updated_at
		FROM works
		WHERE task_id = $1
	`
	var (
		work   domain.Work
		status string
		images []byte
		params []byte
	)
	err := s.db.QueryRowContext(ctx, query, taskID).Scan(
		&work.ID,
		&work.TaskID,
		&work.UserID,
		&status,
		&images,
		&params,
		&work.CreatedAt,
		&work.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrWorkNotFound
		}
		return nil, MapError(err)
	}

	work.Status = domain.TaskStatus(status)
	if err := json.Unmarshal(images, &work.Images); err != nil {
		return nil, fmt.Errorf("failed to decode work images: %w", err)
	}
	if work.Images == nil {
		work.Images = []domain.Image{}
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &work.Params); err != nil {
			return nil, fmt.Errorf("failed to decode work params: %w", err)
		}
	}
	return &work, nil
}

// MarkProcessing mirrors the task's move to processing.
func (s *PostgresWorkStore) MarkProcessing(ctx context.Context, taskID uuid.UUID) error {
	query := `
		UPDATE works
		SET status = $1, updated_at = $2
		WHERE task_id = $3 AND status = $4
	`
	_, err := s.db.ExecContext(ctx, query,
		string(domain.TaskStatusProcessing),
		time.Now().UTC(),
		taskID,
		string(domain.TaskStatusPending),
	)
	return MapError(err)
}

// AttachImages stores images on a non-terminal work.
func (s *PostgresWorkStore) AttachImages(ctx context.Context, taskID uuid.UUID, images []domain.Image) (bool, error) {
	encoded, err := encodeImages(images)
	if err != nil {
		return false, err
	}
	query := `
		UPDATE works
		SET images = $1, updated_at = $2
		WHERE task_id = $3 AND status IN ($4, $5)
	`
	result, err := s.db.ExecContext(ctx, query,
		encoded, time.Now().UTC(), taskID,
		string(domain.TaskStatusPending), string(domain.TaskStatusProcessing))
	if err != nil {
		return false, MapError(err)
	}
	n, err := rowsAffected(result)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishWork writes a terminal status, and images when non-nil, if the
// work is not terminal yet.
func (s *PostgresWorkStore) FinishWork(
	ctx context.Context,
	taskID uuid.UUID,
	status domain.TaskStatus,
	images []domain.Image,
) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal status", domain.ErrInvalidTaskStatus, status)
	}

	var (
		result sql.Result
		err    error
	)
	now := time.Now().UTC()
	if images != nil {
		encoded, encErr := encodeImages(images)
		if encErr != nil {
			return false, encErr
		}
		query := `
			UPDATE works
			SET status = $1, images = $2, updated_at = $3
			WHERE task_id = $4 AND status IN ($5, $6)
		`
		result, err = s.db.ExecContext(ctx, query,
			string(status), encoded, now, taskID,
			string(domain.TaskStatusPending), string(domain.TaskStatusProcessing))
	} else {
		query := `
			UPDATE works
			SET status = $1, updated_at = $2
			WHERE task_id = $3 AND status IN ($4, $5)
		`
		result, err = s.db.ExecContext(ctx, query,
			string(status), now, taskID,
			string(domain.TaskStatusPending), string(domain.TaskStatusProcessing))
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to write terminal work status",
			"task_id", taskID,
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

// ListDiverged returns works lagging behind their terminal task.
func (s *PostgresWorkStore) ListDiverged(ctx context.Context, limit int) ([]store.DivergedWork, error) {
	query := `
		SELECT w.task_id, t.status
		FROM works w
		JOIN tasks t ON t.id = w.task_id
		WHERE t.status IN ($1, $2, $3, $4) AND w.status IN ($5, $6)
		ORDER BY t.updated_at ASC
		LIMIT $7
	`
	rows, err := s.db.QueryContext(ctx, query,
		string(domain.TaskStatusCompleted),
		string(domain.TaskStatusFailed),
		string(domain.TaskStatusCancelled),
		string(domain.TaskStatusExpired),
		string(domain.TaskStatusPending),
		string(domain.TaskStatusProcessing),
		limit,
	)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var diverged []store.DivergedWork
	for rows.Next() {
		var (
			d      store.DivergedWork
			status string
		)
		if err := rows.Scan(&d.TaskID, &status); err != nil {
			return nil, MapError(err)
		}
		d.TaskStatus = domain.TaskStatus(status)
		diverged = append(diverged, d)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return diverged, nil
}

func encodeImages(images []domain.Image) (string, error) {
	if images == nil {
		images = []domain.Image{}
	}
	b, err := json.Marshal(images)
	if err != nil {
		return "", fmt.Errorf("failed to encode work images: %w", err)
	}
	return string(b), nil
}
