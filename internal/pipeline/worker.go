package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/generation"
	"github.com/phrazzld/genpipe/internal/redact"
	"github.com/phrazzld/genpipe/internal/store"
)

// Stage names, recorded as checkpoints on the task.
const (
	StageMaterialize = "materialize"
	StageCompose     = "compose"
	StageGenerate    = "generate"
	StageUpload      = "upload"
)

// WorkerConfig tunes the worker.
type WorkerConfig struct {
	// HostTimeout is assumed when the context carries no deadline.
	HostTimeout time.Duration
	// WatchdogMargin is how long before the host deadline the watchdog fires.
	WatchdogMargin time.Duration
	// FinalizeTimeout bounds a terminal write, which outlives the host
	// context. Defaults to WatchdogMargin.
	FinalizeTimeout time.Duration
}

// Stages bundles the generation stages the worker runs.
type Stages struct {
	Materializer *generation.Materializer
	Composer     *generation.Composer
	Registry     *generation.Registry
	Invoker      *generation.Invoker
	Uploader     *generation.Uploader
}

// Worker executes one task per Run call.
type Worker struct {
	tasks     store.TaskStore
	works     store.WorkStore
	finalizer *Finalizer
	stages    Stages
	cfg       WorkerConfig
	logger    *slog.Logger
}

// NewWorker creates a Worker.
func NewWorker(
	tasks store.TaskStore,
	works store.WorkStore,
	finalizer *Finalizer,
	stages Stages,
	cfg WorkerConfig,
	logger *slog.Logger,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		tasks:     tasks,
		works:     works,
		finalizer: finalizer,
		stages:    stages,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
	}
}

// runState carries stage outputs forward.
type runState struct {
	task      *domain.Task
	assets    []generation.Asset
	prompt    string
	model     generation.ModelSpec
	backend   generation.Backend
	artifacts []generation.Artifact
	images    []domain.Image
}

type stage struct {
	name string
	run  func(ctx context.Context, st *runState) error
}

// Run drives the task to a terminal state. It returns an error only when
// the store could not be reached, so the delivery may be retried; pipeline
// failures are recorded on the task instead.
func (w *Worker) Run(ctx context.Context, taskID uuid.UUID) error {
	log := w.logger.With("task_id", taskID)

	task, err := w.tasks.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load task: %w", err)
	}
	if task.Status.IsTerminal() {
		log.InfoContext(ctx, "task already terminal, skipping", "status", task.Status)
		return nil
	}

	dog := w.arm(ctx, taskID, log)
	defer func() {
		// A watchdog that already fired is writing concurrently; the
		// delivery ends only after it returns.
		if !dog.Stop() {
			dog.Wait()
		}
	}()

	moved, err := w.tasks.MarkProcessing(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to mark task processing: %w", err)
	}
	if moved {
		if err := w.works.MarkProcessing(ctx, taskID); err != nil {
			log.WarnContext(ctx, "failed to mirror processing status on work", "error", err)
		}
	} else {
		current, err := w.tasks.GetTask(ctx, taskID)
		if err != nil {
			return fmt.Errorf("failed to reload task: %w", err)
		}
		if current.Status != domain.TaskStatusProcessing {
			log.InfoContext(ctx, "task left pending before start, skipping", "status", current.Status)
			return nil
		}
		log.InfoContext(ctx, "resuming task already in processing", "checkpoint", current.Stage)
		task = current
	}

	st := &runState{task: task}
	runErr := w.execute(ctx, st, log)

	fctx, cancel := w.finalizeContext(ctx)
	defer cancel()

	var out Outcome
	if runErr != nil {
		out, err = w.finalizer.Fail(fctx, taskID, redact.Error(runErr))
	} else {
		out, err = w.finalizer.Complete(fctx, taskID, st.images)
	}
	if err != nil {
		return err
	}

	log.InfoContext(ctx, "task finished",
		"status", out.Status,
		"won", out.Won,
		"refunded", out.Refunded,
		"images", len(st.images))
	return nil
}

func (w *Worker) arm(ctx context.Context, taskID uuid.UUID, log *slog.Logger) *Watchdog {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(w.cfg.HostTimeout)
	}
	fireIn := time.Until(deadline) - w.cfg.WatchdogMargin

	return ArmWatchdog(fireIn, func() {
		fctx, cancel := w.finalizeContext(ctx)
		defer cancel()

		log.WarnContext(fctx, "watchdog fired before pipeline finished",
			"host_deadline", deadline)
		out, err := w.finalizer.Fail(fctx, taskID, domain.ErrWatchdogTimeout.Error())
		if err != nil {
			log.ErrorContext(fctx, "watchdog failed to write terminal state", "error", err)
			return
		}
		log.InfoContext(fctx, "watchdog terminal write",
			"won", out.Won,
			"status", out.Status,
			"refunded", out.Refunded)
	})
}

// finalizeContext detaches ctx from the host deadline so a terminal write
// can land after the host gave up on the delivery.
func (w *Worker) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := w.cfg.FinalizeTimeout
	if timeout <= 0 {
		timeout = w.cfg.WatchdogMargin
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (w *Worker) execute(ctx context.Context, st *runState, log *slog.Logger) error {
	for _, s := range w.pipeline() {
		stageLog := log.With("stage", s.name)
		start := time.Now()

		if err := s.run(ctx, st); err != nil {
			stageLog.ErrorContext(ctx, "stage failed",
				"duration_ms", time.Since(start).Milliseconds(),
				"error", err)
			var se *domain.StageError
			if errors.As(err, &se) {
				return err
			}
			return domain.NewStageError(s.name, err)
		}

		if err := w.tasks.Checkpoint(ctx, st.task.ID, s.name); err != nil {
			stageLog.WarnContext(ctx, "failed to record checkpoint", "error", err)
		}
		stageLog.DebugContext(ctx, "stage completed", "duration_ms", time.Since(start).Milliseconds())
	}
	return nil
}

func (w *Worker) pipeline() []stage {
	return []stage{
		{name: StageMaterialize, run: w.materialize},
		{name: StageCompose, run: w.compose},
		{name: StageGenerate, run: w.generate},
		{name: StageUpload, run: w.upload},
	}
}

func (w *Worker) materialize(ctx context.Context, st *runState) error {
	if !st.task.Params.HasInputImages() {
		return nil
	}
	st.assets = w.stages.Materializer.Materialize(ctx, st.task.Params.AssetRefs)
	if generation.CountConverted(st.assets) == 0 {
		return generation.ErrNoImagesMaterialized
	}
	return nil
}

func (w *Worker) compose(ctx context.Context, st *runState) error {
	inputs := generation.CountConverted(st.assets)
	st.prompt = w.stages.Composer.Compose(ctx, st.task.Params, inputs, st.task.Count)
	return nil
}

func (w *Worker) generate(ctx context.Context, st *runState) error {
	inputs := generation.Converted(st.assets)
	spec, backend, err := w.stages.Registry.Select(generation.RequirementsFor(len(inputs)))
	if err != nil {
		return err
	}
	st.model, st.backend = spec, backend

	artifacts, err := w.stages.Invoker.Invoke(ctx, backend, generation.GenerateRequest{
		Model:       spec.Name,
		Prompt:      st.prompt,
		Images:      inputs,
		Count:       st.task.Count,
		Tier:        st.task.Params.Tier.OrDefault(),
		AspectRatio: st.task.Params.AspectRatio,
	})
	if err != nil {
		return err
	}
	st.artifacts = artifacts
	return nil
}

func (w *Worker) upload(ctx context.Context, st *runState) error {
	images, _, err := w.stages.Uploader.Upload(ctx, st.task.ID, st.artifacts)
	if err != nil {
		return err
	}
	st.images = images
	return nil
}
