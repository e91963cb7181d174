package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/genpipe/internal/store"
	"github.com/robfig/cron/v3"
)

// SweeperConfig tunes the periodic recovery job.
type SweeperConfig struct {
	// StaleAfter is the idle time after which a non-terminal task expires.
	StaleAfter time.Duration
	// Batch caps the rows handled per pass and category.
	Batch int
	// Schedule is a cron spec such as "@every 1m".
	Schedule string
}

// SweepReport counts what one pass did.
type SweepReport struct {
	Expired  int
	Refunded int
	Repaired int
}

// Sweeper expires abandoned tasks and settles refunds and works that an
// earlier terminal write left behind.
type Sweeper struct {
	tasks     store.TaskStore
	works     store.WorkStore
	finalizer *Finalizer
	cfg       SweeperConfig
	logger    *slog.Logger
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper.
func NewSweeper(tasks store.TaskStore, works store.WorkStore, finalizer *Finalizer, cfg SweeperConfig, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Sweeper{
		tasks:     tasks,
		works:     works,
		finalizer: finalizer,
		cfg:       cfg,
		logger:    logger.With("component", "sweeper"),
		now:       time.Now,
	}
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var (
		report SweepReport
		errs   []error
	)

	stale, err := s.tasks.ListStale(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.Batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list stale tasks: %w", err))
	}
	for _, task := range stale {
		out, err := s.finalizer.Expire(ctx, task.ID, ReasonStale)
		if err != nil {
			errs = append(errs, fmt.Errorf("expire %s: %w", task.ID, err))
			continue
		}
		if out.Won {
			report.Expired++
		}
		if out.Refunded {
			report.Refunded++
		}
	}

	unrefunded, err := s.tasks.ListUnrefunded(ctx, s.cfg.Batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list unrefunded tasks: %w", err))
	}
	for _, task := range unrefunded {
		out, err := s.finalizer.Settle(ctx, task.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("settle %s: %w", task.ID, err))
			continue
		}
		if out.Refunded {
			report.Refunded++
		}
	}

	diverged, err := s.works.ListDiverged(ctx, s.cfg.Batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("list diverged works: %w", err))
	}
	for _, d := range diverged {
		if _, err := s.finalizer.Settle(ctx, d.TaskID); err != nil {
			errs = append(errs, fmt.Errorf("repair work %s: %w", d.TaskID, err))
			continue
		}
		report.Repaired++
	}

	if report != (SweepReport{}) {
		s.logger.InfoContext(ctx, "sweep finished",
			"expired", report.Expired,
			"refunded", report.Refunded,
			"repaired", report.Repaired)
	}
	return report, errors.Join(errs...)
}

// Start schedules Sweep on the configured cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.logger.InfoContext(ctx, "sweeper started", "schedule", s.cfg.Schedule)
	return nil
}

// Stop unschedules the sweeper and waits for a running pass to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
