package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/genpipe/internal/store"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// RiverArgs is the River job carrying a generation task.
type RiverArgs struct {
	TaskID uuid.UUID `json:"task_id"`
	UserID uuid.UUID `json:"user_id"`
}

// Kind implements river.JobArgs.
func (RiverArgs) Kind() string { return "generation_run" }

// InsertOpts makes a second insert of the same task a no-op.
func (RiverArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{UniqueOpts: river.UniqueOpts{ByArgs: true}}
}

// RiverConfig configures the River backend.
type RiverConfig struct {
	Queue       string
	HostTimeout time.Duration
	MaxRetry    int
	Concurrency int
}

// RiverWorker runs generation jobs delivered by River.
type RiverWorker struct {
	river.WorkerDefaults[RiverArgs]
	runner  Runner
	timeout time.Duration
	logger  *slog.Logger
}

// NewRiverWorker creates a RiverWorker.
func NewRiverWorker(runner Runner, hostTimeout time.Duration, logger *slog.Logger) *RiverWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RiverWorker{
		runner:  runner,
		timeout: hostTimeout,
		logger:  logger.With("component", "river_worker"),
	}
}

// Timeout is the hard execution limit of one delivery.
func (w *RiverWorker) Timeout(*river.Job[RiverArgs]) time.Duration {
	return w.timeout
}

// Work implements river.Worker.
func (w *RiverWorker) Work(ctx context.Context, job *river.Job[RiverArgs]) error {
	if job.Args.TaskID == uuid.Nil {
		return river.JobCancel(fmt.Errorf("%w: empty task id", ErrInvalidJob))
	}

	w.logger.InfoContext(ctx, "running job",
		"task_id", job.Args.TaskID,
		"attempt", job.Attempt)

	err := w.runner.Run(ctx, job.Args.TaskID)
	if errors.Is(err, store.ErrTaskNotFound) {
		return river.JobCancel(err)
	}
	return err
}

// NewRiverClient creates a River client on pool. With a nil runner the
// client only inserts jobs.
func NewRiverClient(pool *pgxpool.Pool, runner Runner, cfg RiverConfig, logger *slog.Logger) (*river.Client[pgx.Tx], error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Queue == "" {
		cfg.Queue = river.QueueDefault
	}

	rc := &river.Config{
		Logger:      logger.With("component", "river"),
		MaxAttempts: cfg.MaxRetry + 1,
	}
	if runner != nil {
		workers := river.NewWorkers()
		river.AddWorker(workers, NewRiverWorker(runner, cfg.HostTimeout, logger))
		rc.Workers = workers
		rc.Queues = map[string]river.QueueConfig{
			cfg.Queue: {MaxWorkers: max(cfg.Concurrency, 1)},
		}
	}

	client, err := river.NewClient(riverpgxv5.New(pool), rc)
	if err != nil {
		return nil, fmt.Errorf("failed to create river client: %w", err)
	}
	return client, nil
}

// MigrateRiver applies River's own schema.
func MigrateRiver(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), &rivermigrate.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("failed to apply river migrations: %w", err)
	}
	for _, v := range res.Versions {
		logger.Info("applied river migration", "version", v.Version)
	}
	return nil
}

// RiverDispatcher inserts jobs through a River client.
type RiverDispatcher struct {
	client *river.Client[pgx.Tx]
	queue  string
	logger *slog.Logger
}

var _ Dispatcher = (*RiverDispatcher)(nil)

// NewRiverDispatcher creates a RiverDispatcher.
func NewRiverDispatcher(client *river.Client[pgx.Tx], queue string, logger *slog.Logger) *RiverDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if queue == "" {
		queue = river.QueueDefault
	}
	return &RiverDispatcher{
		client: client,
		queue:  queue,
		logger: logger.With("component", "river_dispatcher"),
	}
}

// Dispatch inserts job.
func (d *RiverDispatcher) Dispatch(ctx context.Context, job Job) error {
	if job.TaskID == uuid.Nil {
		return fmt.Errorf("%w: empty task id", ErrInvalidJob)
	}
	res, err := d.client.Insert(ctx, RiverArgs(job), &river.InsertOpts{
		Queue:      d.queue,
		UniqueOpts: river.UniqueOpts{ByArgs: true},
	})
	if err != nil {
		return fmt.Errorf("failed to insert job for task %s: %w", job.TaskID, err)
	}
	if res.UniqueSkippedAsDuplicate {
		d.logger.InfoContext(ctx, "task already enqueued", "task_id", job.TaskID)
	}
	return nil
}

// Close is a no-op; the client is stopped by its owner.
func (d *RiverDispatcher) Close() error {
	return nil
}
