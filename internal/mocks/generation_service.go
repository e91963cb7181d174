package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/phrazzld/genpipe/internal/service"
)

// MockGenerationService implements service.GenerationService for handler
// tests. Unset functions return zero values.
type MockGenerationService struct {
	SubmitFn  func(ctx context.Context, req service.SubmitRequest) (*service.Submission, error)
	QueryFn   func(ctx context.Context, userID, taskID uuid.UUID) (*service.TaskView, error)
	CancelFn  func(ctx context.Context, userID, taskID uuid.UUID) (*service.TaskView, error)
	BalanceFn func(ctx context.Context, userID uuid.UUID) (int, error)
}

var _ service.GenerationService = (*MockGenerationService)(nil)

// Submit implements service.GenerationService.
func (m *MockGenerationService) Submit(ctx context.Context, req service.SubmitRequest) (*service.Submission, error) {
	if m.SubmitFn != nil {
		return m.SubmitFn(ctx, req)
	}
	return &service.Submission{TaskID: uuid.New(), WorkID: uuid.New()}, nil
}

// Query implements service.GenerationService.
func (m *MockGenerationService) Query(ctx context.Context, userID, taskID uuid.UUID) (*service.TaskView, error) {
	if m.QueryFn != nil {
		return m.QueryFn(ctx, userID, taskID)
	}
	return nil, service.ErrTaskNotFound
}

// Cancel implements service.GenerationService.
func (m *MockGenerationService) Cancel(ctx context.Context, userID, taskID uuid.UUID) (*service.TaskView, error) {
	if m.CancelFn != nil {
		return m.CancelFn(ctx, userID, taskID)
	}
	return nil, service.ErrTaskNotFound
}

// Balance implements service.GenerationService.
func (m *MockGenerationService) Balance(ctx context.Context, userID uuid.UUID) (int, error) {
	if m.BalanceFn != nil {
		return m.BalanceFn(ctx, userID)
	}
	return 0, nil
}
