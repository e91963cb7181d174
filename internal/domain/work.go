package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyWorkTaskID is returned when a Work does not reference a task.
var ErrEmptyWorkTaskID = errors.New("work task ID cannot be empty")

// Image is one uploaded result artifact.
type Image struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	MIMEType string `json:"mime_type"`
}

// Work is the user-facing record exposing the result of a Task. Its status
// mirrors the task status and converges on the same terminal state.
type Work struct {
	ID        uuid.UUID        `json:"id"`
	TaskID    uuid.UUID        `json:"task_id"`
	UserID    uuid.UUID        `json:"user_id"`
	Status    TaskStatus       `json:"status"`
	Images    []Image          `json:"images"`
	Params    GenerationParams `json:"params"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// NewWork creates a pending Work paired with task.
func NewWork(task *Task) (*Work, error) {
	if task == nil || task.ID == uuid.Nil {
		return nil, ErrEmptyWorkTaskID
	}
	w := &Work{
		ID:        uuid.New(),
		TaskID:    task.ID,
		UserID:    task.UserID,
		Status:    TaskStatusPending,
		Images:    []Image{},
		Params:    task.Params,
		CreatedAt: task.CreatedAt,
		UpdatedAt: task.CreatedAt,
	}
	return w, nil
}
