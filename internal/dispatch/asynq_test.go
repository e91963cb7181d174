package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/phrazzld/genpipe/internal/dispatch"
	"github.com/phrazzld/genpipe/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) asynq.RedisClientOpt {
	t.Helper()
	s := miniredis.RunT(t)
	return asynq.RedisClientOpt{Addr: s.Addr()}
}

func TestAsynqDispatcher_EnqueuesWithTaskID(t *testing.T) {
	t.Parallel()
	redisOpt := newRedis(t)
	d := dispatch.NewAsynqDispatcher(redisOpt, dispatch.AsynqConfig{
		Queue:       "generation",
		HostTimeout: time.Minute,
		MaxRetry:    1,
	}, discardLogger())
	t.Cleanup(func() { _ = d.Close() })

	job := dispatch.Job{TaskID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, d.Dispatch(context.Background(), job))

	inspector := asynq.NewInspector(redisOpt)
	t.Cleanup(func() { _ = inspector.Close() })

	info, err := inspector.GetTaskInfo("generation", job.TaskID.String())
	require.NoError(t, err)
	assert.Equal(t, dispatch.TaskTypeGeneration, info.Type)
	assert.Equal(t, 1, info.MaxRetry)
	assert.Equal(t, time.Minute, info.Timeout)

	var got dispatch.Job
	require.NoError(t, json.Unmarshal(info.Payload, &got))
	assert.Equal(t, job, got)
}

func TestAsynqDispatcher_DuplicateIsAccepted(t *testing.T) {
	t.Parallel()
	d := dispatch.NewAsynqDispatcher(newRedis(t), dispatch.AsynqConfig{Queue: "generation"}, discardLogger())
	t.Cleanup(func() { _ = d.Close() })

	job := dispatch.Job{TaskID: uuid.New(), UserID: uuid.New()}
	require.NoError(t, d.Dispatch(context.Background(), job))
	assert.NoError(t, d.Dispatch(context.Background(), job))
}

func TestAsynqDispatcher_RejectsEmptyTask(t *testing.T) {
	t.Parallel()
	d := dispatch.NewAsynqDispatcher(newRedis(t), dispatch.AsynqConfig{}, discardLogger())
	t.Cleanup(func() { _ = d.Close() })

	err := d.Dispatch(context.Background(), dispatch.Job{})
	assert.ErrorIs(t, err, dispatch.ErrInvalidJob)
}

func TestAsynqDispatcher_UnreachableRedisIsFatal(t *testing.T) {
	t.Parallel()
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	d := dispatch.NewAsynqDispatcher(asynq.RedisClientOpt{Addr: addr}, dispatch.AsynqConfig{}, discardLogger())
	t.Cleanup(func() { _ = d.Close() })

	err := d.Dispatch(context.Background(), dispatch.Job{TaskID: uuid.New()})
	require.Error(t, err)
	assert.True(t, dispatch.Classify(err).IsFatal())
}

func TestAsynqHandler(t *testing.T) {
	t.Parallel()
	taskID := uuid.New()
	payload, err := json.Marshal(dispatch.Job{TaskID: taskID, UserID: uuid.New()})
	require.NoError(t, err)

	t.Run("runs the task", func(t *testing.T) {
		t.Parallel()
		runner := &recordingRunner{}
		h := dispatch.NewAsynqHandler(runner, discardLogger())

		require.NoError(t, h.ProcessTask(context.Background(), asynq.NewTask(dispatch.TaskTypeGeneration, payload)))
		assert.Equal(t, []uuid.UUID{taskID}, runner.Ran())
	})

	t.Run("malformed payload skips retry", func(t *testing.T) {
		t.Parallel()
		h := dispatch.NewAsynqHandler(&recordingRunner{}, discardLogger())

		err := h.ProcessTask(context.Background(), asynq.NewTask(dispatch.TaskTypeGeneration, []byte("{")))
		assert.ErrorIs(t, err, asynq.SkipRetry)
		assert.ErrorIs(t, err, dispatch.ErrInvalidJob)
	})

	t.Run("missing task skips retry", func(t *testing.T) {
		t.Parallel()
		runner := &recordingRunner{RunFn: func(ctx context.Context, id uuid.UUID) error {
			return store.ErrTaskNotFound
		}}
		h := dispatch.NewAsynqHandler(runner, discardLogger())

		err := h.ProcessTask(context.Background(), asynq.NewTask(dispatch.TaskTypeGeneration, payload))
		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("infrastructure error is retried", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("connection reset")
		runner := &recordingRunner{RunFn: func(ctx context.Context, id uuid.UUID) error { return boom }}
		h := dispatch.NewAsynqHandler(runner, discardLogger())

		err := h.ProcessTask(context.Background(), asynq.NewTask(dispatch.TaskTypeGeneration, payload))
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, asynq.SkipRetry)
	})
}

func TestAsynqServer_DeliversWithDeadline(t *testing.T) {
	t.Parallel()
	redisOpt := newRedis(t)
	cfg := dispatch.AsynqConfig{Queue: "generation", HostTimeout: 30 * time.Second, Concurrency: 2}

	done := make(chan bool, 1)
	runner := dispatch.RunnerFunc(func(ctx context.Context, id uuid.UUID) error {
		_, ok := ctx.Deadline()
		done <- ok
		return nil
	})

	server := dispatch.NewAsynqServer(redisOpt, runner, cfg, discardLogger())
	require.NoError(t, server.Start())
	t.Cleanup(server.Shutdown)

	d := dispatch.NewAsynqDispatcher(redisOpt, cfg, discardLogger())
	t.Cleanup(func() { _ = d.Close() })
	require.NoError(t, d.Dispatch(context.Background(), dispatch.Job{TaskID: uuid.New(), UserID: uuid.New()}))

	select {
	case hasDeadline := <-done:
		assert.True(t, hasDeadline)
	case <-time.After(10 * time.Second):
		t.Fatal("job was not delivered")
	}
}
