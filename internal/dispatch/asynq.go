package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/phrazzld/genpipe/internal/store"
)

// TaskTypeGeneration is the asynq task type of a generation job.
const TaskTypeGeneration = "generation:run"

// AsynqConfig configures both sides of the asynq backend.
type AsynqConfig struct {
	Queue string
	// HostTimeout is the hard per-delivery limit enforced by asynq.
	HostTimeout time.Duration
	MaxRetry    int
	Concurrency int
	// Retention keeps finished task IDs around so a late duplicate enqueue
	// is still rejected.
	Retention time.Duration
}

func (c AsynqConfig) withDefaults() AsynqConfig {
	if c.Queue == "" {
		c.Queue = "default"
	}
	if c.HostTimeout <= 0 {
		c.HostTimeout = 5 * time.Minute
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	return c
}

// AsynqDispatcher enqueues jobs on Redis through asynq.
type AsynqDispatcher struct {
	client *asynq.Client
	cfg    AsynqConfig
	logger *slog.Logger
}

var _ Dispatcher = (*AsynqDispatcher)(nil)

// NewAsynqDispatcher creates an AsynqDispatcher.
func NewAsynqDispatcher(redisOpt asynq.RedisConnOpt, cfg AsynqConfig, logger *slog.Logger) *AsynqDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsynqDispatcher{
		client: asynq.NewClient(redisOpt),
		cfg:    cfg.withDefaults(),
		logger: logger.With("component", "asynq_dispatcher"),
	}
}

// Dispatch enqueues job using the task ID as the asynq task ID, so a repeat
// dispatch of the same task is accepted without a second delivery.
func (d *AsynqDispatcher) Dispatch(ctx context.Context, job Job) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}

	info, err := d.client.EnqueueContext(ctx,
		asynq.NewTask(TaskTypeGeneration, payload),
		asynq.Queue(d.cfg.Queue),
		asynq.TaskID(job.TaskID.String()),
		asynq.MaxRetry(d.cfg.MaxRetry),
		asynq.Timeout(d.cfg.HostTimeout),
		asynq.Retention(d.cfg.Retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		d.logger.InfoContext(ctx, "task already enqueued", "task_id", job.TaskID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task %s: %w", job.TaskID, err)
	}

	d.logger.DebugContext(ctx, "task enqueued",
		"task_id", job.TaskID,
		"queue", info.Queue)
	return nil
}

// Close releases the Redis connection.
func (d *AsynqDispatcher) Close() error {
	return d.client.Close()
}

// NewAsynqHandler returns the asynq handler that runs generation jobs.
// Malformed payloads and unknown tasks are not retried.
func NewAsynqHandler(runner Runner, logger *slog.Logger) asynq.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "asynq_handler")

	return func(ctx context.Context, t *asynq.Task) error {
		job, err := decodeJob(t.Payload())
		if err != nil {
			logger.ErrorContext(ctx, "dropping malformed job", "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}

		retried, _ := asynq.GetRetryCount(ctx)
		logger.InfoContext(ctx, "running job",
			"task_id", job.TaskID,
			"retry", retried)

		if err := runner.Run(ctx, job.TaskID); err != nil {
			if errors.Is(err, store.ErrTaskNotFound) {
				return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

// AsynqServer consumes generation jobs from Redis.
type AsynqServer struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// NewAsynqServer creates a server that runs jobs with runner.
func NewAsynqServer(redisOpt asynq.RedisConnOpt, runner Runner, cfg AsynqConfig, logger *slog.Logger) *AsynqServer {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	logger = logger.With("component", "asynq_server")

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{cfg.Queue: 1},
		Logger:          asynqLogger{logger},
		LogLevel:        asynq.WarnLevel,
		ShutdownTimeout: 10 * time.Second,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, t *asynq.Task, err error) {
			id, _ := asynq.GetTaskID(ctx)
			logger.ErrorContext(ctx, "job failed", "task_id", id, "error", err)
		}),
	})

	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeGeneration, NewAsynqHandler(runner, logger))
	return &AsynqServer{server: server, mux: mux, logger: logger}
}

// Start begins processing in the background.
func (s *AsynqServer) Start() error {
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("failed to start asynq server: %w", err)
	}
	s.logger.Info("asynq server started")
	return nil
}

// Shutdown waits for active jobs up to the shutdown timeout, then stops.
func (s *AsynqServer) Shutdown() {
	s.server.Shutdown()
	s.logger.Info("asynq server stopped")
}

// asynqLogger routes asynq's internal logging to slog.
type asynqLogger struct {
	l *slog.Logger
}

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
