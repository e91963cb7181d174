package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// LocalConfig tunes the in-process queue.
type LocalConfig struct {
	// QueueSize is the channel buffer. Dispatch fails fast when it is full.
	QueueSize int
	// Workers is the number of goroutines draining the queue.
	Workers int
	// HostTimeout is the deadline given to each run.
	HostTimeout time.Duration
}

// LocalQueue is a buffered in-process queue drained by a worker pool.
type LocalQueue struct {
	jobs   chan Job
	runner Runner
	cfg    LocalConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
}

var _ Dispatcher = (*LocalQueue)(nil)

// NewLocalQueue creates a queue; call Start to begin draining it.
func NewLocalQueue(runner Runner, cfg LocalConfig, logger *slog.Logger) *LocalQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Workers <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", cfg.Workers,
			"default_count", 1)
		cfg.Workers = 1
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = 5 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		jobs:   make(chan Job, cfg.QueueSize),
		runner: runner,
		cfg:    cfg,
		logger: logger.With("component", "local_queue"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Dispatch enqueues job without blocking.
func (q *LocalQueue) Dispatch(ctx context.Context, job Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		q.logger.DebugContext(ctx, "job enqueued",
			"task_id", job.TaskID,
			"queue_len", len(q.jobs),
			"queue_cap", cap(q.jobs))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.jobs))
	}
}

// Start launches the workers. Calling it again has no effect.
func (q *LocalQueue) Start() {
	q.start.Do(func() {
		for i := range q.cfg.Workers {
			q.wg.Add(1)
			go q.work(i)
		}
		q.logger.Info("local queue started", "workers", q.cfg.Workers)
	})
}

// Close stops accepting jobs and waits for the workers to drain the queue.
func (q *LocalQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	q.logger.Info("local queue closed")
	return nil
}

// Abort cancels running jobs and closes the queue.
func (q *LocalQueue) Abort() {
	q.cancel()
	_ = q.Close()
}

func (q *LocalQueue) work(id int) {
	defer q.wg.Done()
	log := q.logger.With("worker_id", id)

	for job := range q.jobs {
		ctx, cancel := context.WithTimeout(q.ctx, q.cfg.HostTimeout)
		err := q.runner.Run(ctx, job.TaskID)
		cancel()
		if err != nil {
			// Nothing redelivers in-process; the sweeper settles the task.
			log.Error("job run failed",
				"task_id", job.TaskID,
				"error", err)
		}
	}
}
