package service_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/generation"
	"github.com/phrazzld/genpipe/internal/idempotency"
	"github.com/phrazzld/genpipe/internal/mocks"
	"github.com/phrazzld/genpipe/internal/pipeline"
	"github.com/phrazzld/genpipe/internal/platform/postgres"
	"github.com/phrazzld/genpipe/internal/service"
	"github.com/phrazzld/genpipe/internal/testdb"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	db         *sql.DB
	tasks      *postgres.PostgresTaskStore
	works      *postgres.PostgresWorkStore
	ledger     *postgres.PostgresCreditLedger
	finalizer  *pipeline.Finalizer
	dispatcher *mocks.MockDispatcher
	backend    *mocks.MockBackend
	svc        service.GenerationService
}

func newFixture(t *testing.T, registry service.IdempotencyRegistry) *fixture {
	t.Helper()
	db := testdb.Open(t)
	f := &fixture{
		db:         db,
		tasks:      postgres.NewPostgresTaskStore(db, discardLogger()),
		works:      postgres.NewPostgresWorkStore(db, discardLogger()),
		ledger:     postgres.NewPostgresCreditLedger(db, discardLogger()),
		dispatcher: &mocks.MockDispatcher{},
		backend:    &mocks.MockBackend{},
	}
	f.finalizer = pipeline.NewFinalizer(f.tasks, f.works, f.ledger, discardLogger())

	svc, err := service.NewGenerationService(db, f.tasks, f.works, f.ledger, f.finalizer, f.dispatcher, registry,
		service.GenerationConfig{
			MaxCount:       3,
			MaxAssetRefs:   2,
			Pricing:        domain.Pricing{domain.TierStandard: 1, domain.TierHD: 2},
			EnqueueTimeout: time.Second,
			Scenes:         map[string]string{"studio": "a softly lit photo studio"},
		}, discardLogger())
	require.NoError(t, err)
	f.svc = svc
	return f
}

// worker builds the pipeline a dispatched job would run.
func (f *fixture) worker() *pipeline.Worker {
	objects := mocks.NewMockObjectStore()
	registry := generation.NewRegistry()
	registry.Register(generation.ModelSpec{
		Name:         "test-image-model",
		Capabilities: []generation.Capability{generation.CapabilityTextToImage, generation.CapabilityImageEdit},
		Enabled:      true,
	}, f.backend)

	return pipeline.NewWorker(f.tasks, f.works, f.finalizer, pipeline.Stages{
		Materializer: generation.NewMaterializer(objects, http.DefaultClient, generation.MaterializerConfig{Concurrency: 2}, discardLogger()),
		Composer:     generation.NewComposer(nil, nil, discardLogger()),
		Registry:     registry,
		Invoker:      generation.NewInvoker(5*time.Second, discardLogger()),
		Uploader:     generation.NewUploader(objects, generation.UploaderConfig{Concurrency: 5, Attempts: 1}, discardLogger()),
	}, pipeline.WorkerConfig{HostTimeout: time.Minute, WatchdogMargin: time.Second}, discardLogger())
}

func (f *fixture) fund(t *testing.T, credits int) uuid.UUID {
	t.Helper()
	userID := uuid.New()
	_, err := f.ledger.Grant(context.Background(), userID, credits)
	require.NoError(t, err)
	return userID
}

func (f *fixture) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	b, err := f.svc.Balance(context.Background(), userID)
	require.NoError(t, err)
	return b
}

func (f *fixture) refunds(t *testing.T, taskID uuid.UUID) int {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background(), taskID)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.Kind == domain.EntryKindRefund {
			n++
		}
	}
	return n
}

func submitReq(userID uuid.UUID, count int) service.SubmitRequest {
	return service.SubmitRequest{
		UserID: userID,
		Params: domain.GenerationParams{Prompt: "a linen armchair", Scene: "studio"},
		Count:  count,
	}
}

func TestSubmit_ReservesAndCreatesPendingTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)

	var balanceAtDispatch int
	f.dispatcher.DispatchFn = func(ctx context.Context, job dispatch.Job) error {
		b, err := f.ledger.Balance(ctx, job.UserID)
		require.NoError(t, err)
		balanceAtDispatch = b
		return nil
	}

	sub, err := f.svc.Submit(ctx, submitReq(userID, 2))
	require.NoError(t, err)
	assert.False(t, sub.Replayed)

	task, err := f.tasks.GetTask(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.Cost)
	assert.Equal(t, domain.TierStandard, task.Params.Tier)

	work, err := f.works.GetWorkByTask(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, sub.WorkID, work.ID)
	assert.Equal(t, domain.TaskStatusPending, work.Status)

	assert.Equal(t, 3, balanceAtDispatch, "credits are reserved before dispatch")
	assert.Equal(t, 3, f.balance(t, userID))
	require.Len(t, f.dispatcher.Jobs(), 1)
	assert.Equal(t, dispatch.Job{TaskID: sub.TaskID, UserID: userID}, f.dispatcher.Jobs()[0])
}

func TestSubmit_HDCostsMore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	userID := f.fund(t, 10)

	req := submitReq(userID, 3)
	req.Params.Tier = domain.TierHD
	_, err := f.svc.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 4, f.balance(t, userID))
}

func TestSubmit_Validation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	userID := f.fund(t, 10)

	tests := []struct {
		name  string
		mut   func(r *service.SubmitRequest)
		field string
	}{
		{"zero count", func(r *service.SubmitRequest) { r.Count = 0 }, "count"},
		{"count above limit", func(r *service.SubmitRequest) { r.Count = 4 }, "count"},
		{"unknown tier", func(r *service.SubmitRequest) { r.Params.Tier = "ultra" }, "tier"},
		{"bad aspect ratio", func(r *service.SubmitRequest) { r.Params.AspectRatio = "2:7" }, "aspect_ratio"},
		{"too many refs", func(r *service.SubmitRequest) { r.Params.AssetRefs = []string{"a", "b", "c"} }, "asset_refs"},
		{"blank ref", func(r *service.SubmitRequest) { r.Params.AssetRefs = []string{""} }, "asset_refs"},
		{"unknown scene", func(r *service.SubmitRequest) { r.Params.Scene = "volcano" }, "scene"},
		{"missing inputs", func(r *service.SubmitRequest) { r.Params = domain.GenerationParams{} }, "prompt"},
		{"missing user", func(r *service.SubmitRequest) { r.UserID = uuid.Nil }, "user_id"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := submitReq(userID, 1)
			tc.mut(&req)

			_, err := f.svc.Submit(context.Background(), req)
			require.ErrorIs(t, err, domain.ErrValidation)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}

	assert.Equal(t, 10, f.balance(t, userID), "validation failures have no side effects")
	assert.Empty(t, f.dispatcher.Jobs())
}

func TestSubmit_InsufficientCredits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 1)

	_, err := f.svc.Submit(ctx, submitReq(userID, 2))
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Equal(t, 1, f.balance(t, userID))
	assert.Empty(t, f.dispatcher.Jobs())

	var tasks int
	require.NoError(t, f.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&tasks))
	assert.Zero(t, tasks)
}

func TestSubmit_UnknownUserHasNoCredits(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := f.svc.Submit(context.Background(), submitReq(uuid.New(), 1))
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestSubmit_FatalDispatchFailsAndRefunds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)
	f.dispatcher.DispatchFn = func(ctx context.Context, job dispatch.Job) error {
		return dispatch.ErrQueueFull
	}

	sub, err := f.svc.Submit(ctx, submitReq(userID, 2))
	require.NoError(t, err, "the handle is returned even when dispatch fails")

	view, err := f.svc.Query(ctx, userID, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, view.Status)
	assert.Equal(t, "dispatch failed", view.ErrorMessage)
	assert.Equal(t, 0, view.Progress)

	work, err := f.works.GetWorkByTask(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, work.Status)
	assert.Equal(t, 1, f.refunds(t, sub.TaskID))
	assert.Equal(t, 5, f.balance(t, userID))
}

func TestSubmit_TransientDispatchLeavesTaskAlone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)
	f.dispatcher.DispatchFn = func(ctx context.Context, job dispatch.Job) error {
		return context.DeadlineExceeded
	}

	sub, err := f.svc.Submit(ctx, submitReq(userID, 2))
	require.NoError(t, err)

	task, err := f.tasks.GetTask(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Empty(t, task.ErrorMessage)
	assert.Zero(t, f.refunds(t, sub.TaskID))
	assert.Equal(t, 3, f.balance(t, userID))
}

func TestSubmit_DispatchUsesDetachedContext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)
	ctx, cancel := context.WithCancel(context.Background())
	f.dispatcher.DispatchFn = func(dctx context.Context, job dispatch.Job) error {
		cancel()
		_, hasDeadline := dctx.Deadline()
		assert.True(t, hasDeadline)
		return dctx.Err()
	}
	sub, err := f.svc.Submit(ctx, submitReq(userID, 1))
	require.NoError(t, err)

	task, err := f.tasks.GetTask(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, task.Status, "request cancellation does not abort dispatch")
}

func TestSubmit_IdempotencyKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(t, idempotency.NewRedisRegistry(client, time.Hour, discardLogger()))
	userID := f.fund(t, 5)

	req := submitReq(userID, 1)
	req.IdempotencyKey = "order-42"

	first, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, first.WorkID, second.WorkID)
	assert.Len(t, f.dispatcher.Jobs(), 1)
	assert.Equal(t, 4, f.balance(t, userID))
}

func TestSubmit_IdempotencyKeyReleasedOnRejection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := newFixture(t, idempotency.NewRedisRegistry(client, time.Hour, discardLogger()))
	userID := f.fund(t, 1)

	req := submitReq(userID, 2)
	req.IdempotencyKey = "order-43"
	_, err := f.svc.Submit(ctx, req)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	req.Count = 1
	_, err = f.svc.Submit(ctx, req)
	assert.NoError(t, err)
}

func TestSubmit_ConcurrentIdempotentDuplicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	reg := idempotency.NewRedisRegistry(client, time.Hour, discardLogger())
	f := newFixture(t, reg)
	userID := f.fund(t, 5)

	// Another request holds the key without a recorded result.
	_, err := reg.Claim(ctx, idempotency.Key(userID, "order-44"))
	require.NoError(t, err)

	req := submitReq(userID, 1)
	req.IdempotencyKey = "order-44"
	_, err = f.svc.Submit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrDuplicateSubmission)
}

func TestQuery_HidesOtherUsersTasks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	owner := f.fund(t, 5)

	sub, err := f.svc.Submit(ctx, submitReq(owner, 1))
	require.NoError(t, err)

	_, err = f.svc.Query(ctx, uuid.New(), sub.TaskID)
	assert.ErrorIs(t, err, service.ErrTaskNotFound)
	_, err = f.svc.Query(ctx, owner, uuid.New())
	assert.ErrorIs(t, err, service.ErrTaskNotFound)

	view, err := f.svc.Query(ctx, owner, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusPending, view.Status)
	assert.Equal(t, 10, view.Progress)
	assert.Empty(t, view.Images)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)

	sub, err := f.svc.Submit(ctx, submitReq(userID, 2))
	require.NoError(t, err)

	view, err := f.svc.Cancel(ctx, userID, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, view.Status)
	assert.Equal(t, 3, f.balance(t, userID), "cancellation does not refund")

	_, err = f.svc.Cancel(ctx, userID, sub.TaskID)
	assert.ErrorIs(t, err, domain.ErrTaskTerminal)
	_, err = f.svc.Cancel(ctx, uuid.New(), sub.TaskID)
	assert.ErrorIs(t, err, service.ErrTaskNotFound)

	// A worker picking up the cancelled task does nothing.
	require.NoError(t, f.worker().Run(ctx, sub.TaskID))
	assert.Empty(t, f.backend.Requests())
	after, err := f.svc.Query(ctx, userID, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCancelled, after.Status)
}

func TestEndToEnd_StageErrorRefundsReservation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)
	f.backend.GenerateFn = func(ctx context.Context, req generation.GenerateRequest) ([]generation.Artifact, error) {
		return nil, errors.New("model rejected the request")
	}

	sub, err := f.svc.Submit(ctx, submitReq(userID, 2))
	require.NoError(t, err)
	assert.Equal(t, 3, f.balance(t, userID))

	require.NoError(t, f.worker().Run(ctx, f.dispatcher.Jobs()[0].TaskID))

	view, err := f.svc.Query(ctx, userID, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, view.Status)
	assert.Equal(t, 0, view.Progress)
	assert.Contains(t, view.ErrorMessage, "model rejected the request")

	work, err := f.works.GetWorkByTask(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, work.Status)

	entries, err := f.ledger.Entries(ctx, sub.TaskID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.EntryKindRefund, entries[1].Kind)
	assert.Equal(t, domain.DirectionCredit, entries[1].Direction)
	assert.Equal(t, 2, entries[1].Amount)
	assert.Equal(t, 5, f.balance(t, userID))
}

func TestEndToEnd_SingleImageSuccess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)

	sub, err := f.svc.Submit(ctx, submitReq(userID, 1))
	require.NoError(t, err)
	require.NoError(t, f.worker().Run(ctx, sub.TaskID))

	view, err := f.svc.Query(ctx, userID, sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	require.Len(t, view.Images, 1)

	work, err := f.works.GetWorkByTask(ctx, sub.TaskID)
	require.NoError(t, err)
	assert.Len(t, work.Images, 1)
	assert.Zero(t, f.refunds(t, sub.TaskID))
	assert.Equal(t, 4, f.balance(t, userID))
}

func TestEndToEnd_WatchdogRacesPipelineFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t, nil)
	userID := f.fund(t, 5)

	sub, err := f.svc.Submit(ctx, submitReq(userID, 2))
	require.NoError(t, err)

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, reason := range []string{"execution timeout", "stage generate failed: boom"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.finalizer.Fail(ctx, sub.TaskID, reason)
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, f.refunds(t, sub.TaskID))
	assert.Equal(t, 5, f.balance(t, userID))
}

func TestBalance_UnknownUserIsZero(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	assert.Zero(t, f.balance(t, uuid.New()))
}

func TestNewGenerationService_RequiresDependencies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)

	_, err := service.NewGenerationService(nil, f.tasks, f.works, f.ledger, f.finalizer, f.dispatcher, nil, service.GenerationConfig{}, nil)
	var serr *service.GenerationServiceError
	assert.ErrorAs(t, err, &serr)

	_, err = service.NewGenerationService(f.db, f.tasks, f.works, f.ledger, f.finalizer, nil, nil, service.GenerationConfig{}, nil)
	assert.ErrorAs(t, err, &serr)
}
