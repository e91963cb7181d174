package postgres_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/platform/postgres"
	"github.com/phrazzld/genpipe/internal/store"
	"github.com/phrazzld/genpipe/internal/testdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkStore_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testdb.Open(t)
	works := postgres.NewPostgresWorkStore(db, testLogger())
	task := seedTask(t, db)

	work, err := domain.NewWork(task)
	require.NoError(t, err)
	require.NoError(t, works.CreateWork(ctx, work))

	got, err := works.GetWorkByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, work.ID, got.ID)
	assert.Equal(t, domain.TaskStatusPending, got.Status)
	assert.Empty(t, got.Images)
	assert.Equal(t, task.Params, got.Params)

	require.NoError(t, works.MarkProcessing(ctx, task.ID))

	images := []domain.Image{{Key: "tasks/x/0.png", URL: "https://cdn/x/0.png", MIMEType: "image/png"}}
	changed, err := works.FinishWork(ctx, task.ID, domain.TaskStatusCompleted, images)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = works.FinishWork(ctx, task.ID, domain.TaskStatusFailed, nil)
	require.NoError(t, err)
	assert.False(t, changed)

	got, err = works.GetWorkByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, got.Status)
	assert.Equal(t, images, got.Images)
}

func TestWorkStore_AttachImages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testdb.Open(t)
	works := postgres.NewPostgresWorkStore(db, testLogger())
	task := seedTask(t, db)

	work, err := domain.NewWork(task)
	require.NoError(t, err)
	require.NoError(t, works.CreateWork(ctx, work))

	images := []domain.Image{{Key: "tasks/a/0.png", URL: "u", MIMEType: "image/png"}}
	attached, err := works.AttachImages(ctx, task.ID, images)
	require.NoError(t, err)
	assert.True(t, attached)

	// A nil image list leaves the attached images in place.
	changed, err := works.FinishWork(ctx, task.ID, domain.TaskStatusCompleted, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := works.GetWorkByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, images, got.Images)

	attached, err = works.AttachImages(ctx, task.ID, nil)
	require.NoError(t, err)
	assert.False(t, attached, "terminal works are immutable")
}

func TestWorkStore_GetMissing(t *testing.T) {
	t.Parallel()
	works := postgres.NewPostgresWorkStore(testdb.Open(t), testLogger())

	_, err := works.GetWorkByTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrWorkNotFound)
}

func TestWorkStore_ListDiverged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := testdb.Open(t)
	works := postgres.NewPostgresWorkStore(db, testLogger())
	tasks := postgres.NewPostgresTaskStore(db, testLogger())

	task := seedTask(t, db)
	work, err := domain.NewWork(task)
	require.NoError(t, err)
	require.NoError(t, works.CreateWork(ctx, work))

	diverged, err := works.ListDiverged(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, diverged)

	_, err = tasks.FinishTask(ctx, task.ID, domain.TaskStatusExpired, "stale")
	require.NoError(t, err)

	diverged, err = works.ListDiverged(ctx, 10)
	require.NoError(t, err)
	require.Len(t, diverged, 1)
	assert.Equal(t, task.ID, diverged[0].TaskID)
	assert.Equal(t, domain.TaskStatusExpired, diverged[0].TaskStatus)
}
