package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Job is the payload of one dispatch.
type Job struct {
	TaskID uuid.UUID `json:"task_id"`
	UserID uuid.UUID `json:"user_id"`
}

// Dispatcher hands a job to a worker host without waiting for it to run.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
	Close() error
}

// Runner executes a delivered job. An error asks the host to redeliver.
type Runner interface {
	Run(ctx context.Context, taskID uuid.UUID) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, taskID uuid.UUID) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, taskID uuid.UUID) error {
	return f(ctx, taskID)
}

func encodeJob(job Job) ([]byte, error) {
	if job.TaskID == uuid.Nil {
		return nil, fmt.Errorf("%w: empty task id", ErrInvalidJob)
	}
	b, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job: %w", err)
	}
	return b, nil
}

func decodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	if job.TaskID == uuid.Nil {
		return Job{}, fmt.Errorf("%w: empty task id", ErrInvalidJob)
	}
	return job, nil
}
