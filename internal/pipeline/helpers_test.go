package pipeline_test

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/generation"
	"github.com/phrazzld/genpipe/internal/mocks"
	"github.com/phrazzld/genpipe/internal/pipeline"
	"github.com/phrazzld/genpipe/internal/platform/postgres"
	"github.com/phrazzld/genpipe/internal/testdb"
	"github.com/stretchr/testify/require"
)

const startingBalance = 5

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	db        *sql.DB
	tasks     *postgres.PostgresTaskStore
	works     *postgres.PostgresWorkStore
	ledger    *postgres.PostgresCreditLedger
	finalizer *pipeline.Finalizer
	objects   *mocks.MockObjectStore
	backend   *mocks.MockBackend
	prompts   *mocks.MockPromptService
	registry  *generation.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testdb.Open(t)
	h := &harness{
		db:       db,
		tasks:    postgres.NewPostgresTaskStore(db, discardLogger()),
		works:    postgres.NewPostgresWorkStore(db, discardLogger()),
		ledger:   postgres.NewPostgresCreditLedger(db, discardLogger()),
		objects:  mocks.NewMockObjectStore(),
		backend:  &mocks.MockBackend{},
		prompts:  &mocks.MockPromptService{Prompt: "a composed prompt"},
		registry: generation.NewRegistry(),
	}
	h.finalizer = pipeline.NewFinalizer(h.tasks, h.works, h.ledger, discardLogger())
	h.registry.Register(generation.ModelSpec{
		Name:           "test-image-model",
		Capabilities:   []generation.Capability{generation.CapabilityTextToImage, generation.CapabilityImageEdit},
		Priority:       1,
		MaxInputImages: 4,
		Enabled:        true,
	}, h.backend)
	return h
}

// submit funds a user, reserves the cost and stores a pending task with
// its work.
func (h *harness) submit(t *testing.T, params domain.GenerationParams, count int) *domain.Task {
	t.Helper()
	ctx := context.Background()

	userID := uuid.New()
	_, err := h.ledger.Grant(ctx, userID, startingBalance)
	require.NoError(t, err)

	task, err := domain.NewTask(userID, params, count, count)
	require.NoError(t, err)
	_, err = h.ledger.Reserve(ctx, userID, task.ID, task.Cost)
	require.NoError(t, err)
	require.NoError(t, h.tasks.CreateTask(ctx, task))

	work, err := domain.NewWork(task)
	require.NoError(t, err)
	require.NoError(t, h.works.CreateWork(ctx, work))
	return task
}

func (h *harness) worker(cfg pipeline.WorkerConfig) *pipeline.Worker {
	if cfg.HostTimeout == 0 {
		cfg.HostTimeout = time.Minute
	}
	if cfg.WatchdogMargin == 0 {
		cfg.WatchdogMargin = time.Second
	}
	stages := pipeline.Stages{
		Materializer: generation.NewMaterializer(h.objects, http.DefaultClient, generation.MaterializerConfig{
			Concurrency:     2,
			DownloadTimeout: time.Second,
			SignedURLTTL:    time.Minute,
		}, discardLogger()),
		Composer: generation.NewComposer(h.prompts, generation.SceneCatalog{}, discardLogger()),
		Registry: h.registry,
		Invoker:  generation.NewInvoker(5*time.Second, discardLogger()),
		Uploader: generation.NewUploader(h.objects, generation.UploaderConfig{
			Concurrency: 5,
			Attempts:    2,
			Backoff:     time.Millisecond,
		}, discardLogger()),
	}
	return pipeline.NewWorker(h.tasks, h.works, h.finalizer, stages, cfg, discardLogger())
}

func (h *harness) task(t *testing.T, id uuid.UUID) *domain.Task {
	t.Helper()
	task, err := h.tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (h *harness) work(t *testing.T, id uuid.UUID) *domain.Work {
	t.Helper()
	work, err := h.works.GetWorkByTask(context.Background(), id)
	require.NoError(t, err)
	return work
}

func (h *harness) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (h *harness) refunds(t *testing.T, taskID uuid.UUID) int {
	t.Helper()
	entries, err := h.ledger.Entries(context.Background(), taskID)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Kind == domain.EntryKindRefund {
			n++
		}
	}
	return n
}
