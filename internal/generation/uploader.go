package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/domain"
	"github.com/phrazzld/genpipe/internal/storage"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/semaphore"
)

// UploaderConfig tunes the result uploader.
type UploaderConfig struct {
	// Concurrency bounds the uploads in flight at any instant.
	Concurrency int
	// Attempts is the number of tries per artifact, including the first.
	Attempts int
	// Backoff is the base delay; the n-th retry waits n*Backoff.
	Backoff time.Duration
}

// UploadResult is the outcome of uploading one artifact.
type UploadResult struct {
	Index    int
	Image    domain.Image
	Attempts int
	Err      error
}

// Uploader writes generated artifacts to the object store.
type Uploader struct {
	store  storage.Store
	cfg    UploaderConfig
	logger *slog.Logger
}

// NewUploader creates an Uploader.
func NewUploader(store storage.Store, cfg UploaderConfig, logger *slog.Logger) *Uploader {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "uploader"),
	}
}

// ObjectKey returns the storage key of the index-th artifact of a task.
func ObjectKey(taskID uuid.UUID, index int, mimeType string) string {
	return fmt.Sprintf("tasks/%s/%d.%s", taskID, index, storage.ExtensionFor(mimeType))
}

// Upload stores every artifact and returns the uploaded images in artifact
// order along with the per-item results. A failing item does not stop its
// siblings. It returns ErrNoUploads when nothing was stored.
func (u *Uploader) Upload(ctx context.Context, taskID uuid.UUID, artifacts []Artifact) ([]domain.Image, []UploadResult, error) {
	results := make([]UploadResult, len(artifacts))
	sem := semaphore.NewWeighted(int64(u.cfg.Concurrency))

	var wg sync.WaitGroup
	for i, a := range artifacts {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(artifacts); j++ {
				results[j] = UploadResult{Index: j, Err: err}
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			results[i] = u.uploadOne(ctx, taskID, i, a)
		}()
	}
	wg.Wait()

	images := make([]domain.Image, 0, len(artifacts))
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			continue
		}
		images = append(images, r.Image)
	}

	u.logger.InfoContext(ctx, "uploaded artifacts",
		"task_id", taskID,
		"uploaded", len(images),
		"failed", failed)

	if len(images) == 0 {
		return nil, results, fmt.Errorf("%w: %d of %d failed", ErrNoUploads, failed, len(artifacts))
	}
	return images, results, nil
}

func (u *Uploader) uploadOne(ctx context.Context, taskID uuid.UUID, index int, a Artifact) UploadResult {
	mimeType := a.MIMEType
	if mimeType == "" {
		mimeType = storage.ContentTypeFor("", a.Data)
	}
	key := ObjectKey(taskID, index, mimeType)

	attempts := 0
	err := retry.Do(ctx, retry.WithMaxRetries(uint64(u.cfg.Attempts-1), linearBackoff(u.cfg.Backoff)),
		func(ctx context.Context) error {
			attempts++
			if err := u.store.Put(ctx, key, a.Data, mimeType); err != nil {
				u.logger.WarnContext(ctx, "artifact upload attempt failed",
					"task_id", taskID,
					"key", key,
					"attempt", attempts,
					"error", err)
				return retry.RetryableError(err)
			}
			return nil
		})
	if err != nil {
		return UploadResult{Index: index, Attempts: attempts, Err: err}
	}

	return UploadResult{
		Index:    index,
		Attempts: attempts,
		Image: domain.Image{
			Key:      key,
			URL:      u.store.PublicURL(key),
			MIMEType: mimeType,
		},
	}
}

// linearBackoff waits base, 2*base, 3*base, ... between attempts.
func linearBackoff(base time.Duration) retry.Backoff {
	var n int64
	return retry.BackoffFunc(func() (time.Duration, bool) {
		n++
		return time.Duration(n) * base, false
	})
}
