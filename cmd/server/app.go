package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/genpipe/internal/config"
	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/generation"
	"github.com/phrazzld/genpipe/internal/idempotency"
	"github.com/phrazzld/genpipe/internal/pipeline"
	"github.com/phrazzld/genpipe/internal/platform/gemini"
	"github.com/phrazzld/genpipe/internal/platform/migrations"
	"github.com/phrazzld/genpipe/internal/platform/postgres"
	"github.com/phrazzld/genpipe/internal/platform/sqlite"
	"github.com/phrazzld/genpipe/internal/service"
	"github.com/phrazzld/genpipe/internal/storage"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
)

// state is filled by the root command before any subcommand runs.
type state struct {
	cfg    *config.Config
	logger *slog.Logger
}

// application holds the long-lived dependencies shared by the commands.
type application struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *sql.DB
	tasks     *postgres.PostgresTaskStore
	works     *postgres.PostgresWorkStore
	ledger    *postgres.PostgresCreditLedger
	finalizer *pipeline.Finalizer

	objects storage.Store
	assets  http.Handler
	pool    *pgxpool.Pool

	closers []func() error
}

// newApplication opens the database and builds the stores.
func newApplication(ctx context.Context, st *state) (*application, error) {
	app := &application{cfg: st.cfg, logger: st.logger}

	db, err := openDB(ctx, st.cfg.Database)
	if err != nil {
		return nil, err
	}
	app.db = db
	app.onClose(db.Close)

	app.tasks = postgres.NewPostgresTaskStore(db, app.logger)
	app.works = postgres.NewPostgresWorkStore(db, app.logger)
	app.ledger = postgres.NewPostgresCreditLedger(db, app.logger)
	app.finalizer = pipeline.NewFinalizer(app.tasks, app.works, app.ledger, app.logger)
	return app, nil
}

func openDB(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	switch cfg.Driver {
	case migrations.DriverSQLite:
		return sqlite.Open(ctx, cfg.URL)
	default:
		return postgres.Open(ctx, cfg.URL, cfg.MaxOpenConns)
	}
}

func (app *application) onClose(fn func() error) {
	app.closers = append(app.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (app *application) Close() error {
	var errs []error
	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}

// objectStore builds the configured object store once.
func (app *application) objectStore(ctx context.Context) (storage.Store, error) {
	if app.objects != nil {
		return app.objects, nil
	}
	sc := app.cfg.Storage
	switch sc.Backend {
	case "gcs":
		gcs, err := storage.NewGCSStore(ctx, sc.Bucket, sc.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		app.onClose(gcs.Close)
		app.objects = gcs
	default:
		fs, err := storage.NewFileStore(sc.FSRoot, sc.PublicBaseURL, sc.SigningSecret, app.logger)
		if err != nil {
			return nil, err
		}
		fs.Publish("tasks/")
		app.objects = fs
		app.assets = fs.Handler()
	}
	return app.objects, nil
}

// pgxPool opens the pgx pool River runs on.
func (app *application) pgxPool(ctx context.Context) (*pgxpool.Pool, error) {
	if app.pool != nil {
		return app.pool, nil
	}
	pool, err := pgxpool.New(ctx, app.cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open pgx pool: %w", err)
	}
	app.onClose(func() error { pool.Close(); return nil })
	app.pool = pool
	return pool, nil
}

func (app *application) redisOpt() asynq.RedisClientOpt {
	rc := app.cfg.Redis
	return asynq.RedisClientOpt{Addr: rc.Addr, Password: rc.Password, DB: rc.DB}
}

// newWorker builds the pipeline a dispatched job runs.
func (app *application) newWorker(ctx context.Context) (*pipeline.Worker, error) {
	objects, err := app.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	client, err := gemini.NewClient(ctx, app.cfg.LLM.GeminiAPIKey)
	if err != nil {
		return nil, err
	}

	pc := app.cfg.Pipeline
	prompts := gemini.NewPromptService(client, app.cfg.LLM.PromptModel, app.cfg.LLM.PromptTimeout, app.logger)
	backend := gemini.NewImageBackend(client, app.logger)

	registry := generation.NewRegistry()
	for _, m := range app.cfg.Models {
		caps := make([]generation.Capability, 0, len(m.Capabilities))
		for _, c := range m.Capabilities {
			caps = append(caps, generation.Capability(c))
		}
		registry.Register(generation.ModelSpec{
			Name:           m.Name,
			Capabilities:   caps,
			Priority:       m.Priority,
			MaxInputImages: m.MaxInputImages,
			Enabled:        m.Enabled,
		}, backend)
	}

	stages := pipeline.Stages{
		Materializer: generation.NewMaterializer(objects, nil, generation.MaterializerConfig{
			Concurrency:     pc.MaterializeConcurrency,
			DownloadTimeout: pc.DownloadTimeout,
			SignedURLTTL:    app.cfg.Storage.SignedURLTTL,
		}, app.logger),
		Composer: generation.NewComposer(prompts, generation.SceneCatalog(app.cfg.Scenes), app.logger),
		Registry: registry,
		Invoker:  generation.NewInvoker(pc.ModelTimeout, app.logger),
		Uploader: generation.NewUploader(objects, generation.UploaderConfig{
			Concurrency: pc.UploadConcurrency,
			Attempts:    pc.UploadAttempts,
			Backoff:     pc.UploadBackoff,
		}, app.logger),
	}

	return pipeline.NewWorker(app.tasks, app.works, app.finalizer, stages, pipeline.WorkerConfig{
		HostTimeout:    app.cfg.Dispatch.HostTimeout,
		WatchdogMargin: app.cfg.Dispatch.WatchdogMargin,
	}, app.logger), nil
}

func (app *application) newSweeper() *pipeline.Sweeper {
	pc := app.cfg.Pipeline
	return pipeline.NewSweeper(app.tasks, app.works, app.finalizer, pipeline.SweeperConfig{
		StaleAfter: pc.StaleAfter,
		Batch:      pc.SweepBatch,
		Schedule:   pc.SweepSchedule,
	}, app.logger)
}

// newDispatcher returns the submitting side of the configured backend.
// The local backend runs jobs in this process with runner.
func (app *application) newDispatcher(ctx context.Context, runner dispatch.Runner) (dispatch.Dispatcher, error) {
	dc := app.cfg.Dispatch
	switch dc.Backend {
	case "asynq":
		d := dispatch.NewAsynqDispatcher(app.redisOpt(), app.asynqConfig(), app.logger)
		app.onClose(d.Close)
		return d, nil
	case "river":
		client, err := app.riverClient(ctx, nil)
		if err != nil {
			return nil, err
		}
		return dispatch.NewRiverDispatcher(client, dc.Queue, app.logger), nil
	default:
		q := dispatch.NewLocalQueue(runner, dispatch.LocalConfig{
			QueueSize:   dc.QueueSize,
			Workers:     dc.Concurrency,
			HostTimeout: dc.HostTimeout,
		}, app.logger)
		q.Start()
		app.onClose(q.Close)
		return q, nil
	}
}

func (app *application) asynqConfig() dispatch.AsynqConfig {
	dc := app.cfg.Dispatch
	return dispatch.AsynqConfig{
		Queue:       dc.Queue,
		HostTimeout: dc.HostTimeout,
		MaxRetry:    dc.MaxRetry,
		Concurrency: dc.Concurrency,
	}
}

func (app *application) riverClient(ctx context.Context, runner dispatch.Runner) (*river.Client[pgx.Tx], error) {
	pool, err := app.pgxPool(ctx)
	if err != nil {
		return nil, err
	}
	dc := app.cfg.Dispatch
	return dispatch.NewRiverClient(pool, runner, dispatch.RiverConfig{
		Queue:       dc.Queue,
		HostTimeout: dc.HostTimeout,
		MaxRetry:    dc.MaxRetry,
		Concurrency: dc.Concurrency,
	}, app.logger)
}

// newIdempotency returns the registry, or nil when keys are disabled.
func (app *application) newIdempotency() service.IdempotencyRegistry {
	if !app.cfg.Idempotency.Enabled {
		return nil
	}
	rc := app.cfg.Redis
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	app.onClose(client.Close)
	return idempotency.NewRedisRegistry(client, app.cfg.Idempotency.TTL, app.logger)
}

func (app *application) newGenerationService(d dispatch.Dispatcher) (service.GenerationService, error) {
	pricing := make(domain.Pricing, len(app.cfg.Pricing))
	for tier, credits := range app.cfg.Pricing {
		pricing[domain.Tier(tier)] = credits
	}
	return service.NewGenerationService(app.db, app.tasks, app.works, app.ledger, app.finalizer, d,
		app.newIdempotency(), service.GenerationConfig{
			MaxCount:       app.cfg.Pipeline.MaxCount,
			MaxAssetRefs:   app.cfg.Pipeline.MaxAssetRefs,
			Pricing:        pricing,
			EnqueueTimeout: app.cfg.Dispatch.EnqueueTimeout,
			Scenes:         app.cfg.Scenes,
		}, app.logger)
}
