package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/genpipe/internal/dispatch"
)

// MockDispatcher implements dispatch.Dispatcher and records every job.
type MockDispatcher struct {
	DispatchFn func(ctx context.Context, job dispatch.Job) error

	mu     sync.Mutex
	jobs   []dispatch.Job
	closed bool
}

var _ dispatch.Dispatcher = (*MockDispatcher)(nil)

// Dispatch records job and returns DispatchFn's result, or nil.
func (m *MockDispatcher) Dispatch(ctx context.Context, job dispatch.Job) error {
	m.mu.Lock()
	m.jobs = append(m.jobs, job)
	m.mu.Unlock()
	if m.DispatchFn != nil {
		return m.DispatchFn(ctx, job)
	}
	return nil
}

// Close marks the dispatcher closed.
func (m *MockDispatcher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Jobs returns the recorded jobs.
func (m *MockDispatcher) Jobs() []dispatch.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dispatch.Job(nil), m.jobs...)
}
