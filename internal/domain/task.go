package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a generation task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
	TaskStatusExpired    TaskStatus = "expired"
)

// TaskTypeImageGeneration is the only task type handled by the pipeline.
const TaskTypeImageGeneration = "image_generation"

// Common validation errors for Task.
var (
	ErrEmptyTaskID     = errors.New("task ID cannot be empty")
	ErrEmptyTaskUserID = errors.New("task user ID cannot be empty")
	ErrInvalidCount    = errors.New("count must be positive")
	ErrNegativeCost    = errors.New("cost cannot be negative")
)

// IsValid reports whether s is a known status.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusProcessing, TaskStatusCompleted,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusExpired:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s can no longer change.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusExpired:
		return true
	default:
		return false
	}
}

// Refundable reports whether reaching s entitles the user to a refund.
// Cancellation only overwrites the status and does not compensate.
func (s TaskStatus) Refundable() bool {
	return s == TaskStatusFailed || s == TaskStatusExpired
}

// Progress returns the progress percentage reported for s.
func (s TaskStatus) Progress() int {
	switch s {
	case TaskStatusPending:
		return 10
	case TaskStatusProcessing:
		return 60
	case TaskStatusCompleted:
		return 100
	default:
		return 0
	}
}

// NonTerminalStatuses lists the statuses from which a terminal write may
// still happen.
func NonTerminalStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusPending, TaskStatusProcessing}
}

// Task is the internal record tracking one generation request.
// It is mutated only through conditional writes in the store.
type Task struct {
	ID              uuid.UUID        `json:"id"`
	Type            string           `json:"type"`
	UserID          uuid.UUID        `json:"user_id"`
	Status          TaskStatus       `json:"status"`
	Params          GenerationParams `json:"params"`
	Count           int              `json:"count"`
	Cost            int              `json:"cost"`
	Stage           string           `json:"stage,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	CreditsRefunded bool             `json:"credits_refunded"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// NewTask creates a pending Task for the given user.
func NewTask(userID uuid.UUID, params GenerationParams, count, cost int) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.New(),
		Type:      TaskTypeImageGeneration,
		UserID:    userID,
		Status:    TaskStatusPending,
		Params:    params,
		Count:     count,
		Cost:      cost,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.UserID == uuid.Nil {
		return ErrEmptyTaskUserID
	}
	if t.Count <= 0 {
		return ErrInvalidCount
	}
	if t.Cost < 0 {
		return ErrNegativeCost
	}
	if !t.Status.IsValid() {
		return ErrInvalidTaskStatus
	}
	return nil
}
