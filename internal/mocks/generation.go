package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/genpipe/internal/generation"
)

// PNG is a minimal payload recognised as image/png by content sniffing.
var PNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// MockBackend implements generation.Backend.
type MockBackend struct {
	GenerateFn func(ctx context.Context, req generation.GenerateRequest) ([]generation.Artifact, error)

	mu       sync.Mutex
	requests []generation.GenerateRequest
}

var _ generation.Backend = (*MockBackend)(nil)

// Generate records req. Without GenerateFn it returns req.Count PNG images.
func (m *MockBackend) Generate(ctx context.Context, req generation.GenerateRequest) ([]generation.Artifact, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.GenerateFn != nil {
		return m.GenerateFn(ctx, req)
	}
	out := make([]generation.Artifact, req.Count)
	for i := range out {
		out[i] = generation.Artifact{Data: PNG, MIMEType: "image/png"}
	}
	return out, nil
}

// Requests returns the recorded requests.
func (m *MockBackend) Requests() []generation.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]generation.GenerateRequest(nil), m.requests...)
}

// MockPromptService implements generation.PromptService.
type MockPromptService struct {
	ComposePromptFn func(ctx context.Context, req generation.PromptRequest) (string, error)

	// Prompt and Err are returned when ComposePromptFn is nil.
	Prompt string
	Err    error
}

var _ generation.PromptService = (*MockPromptService)(nil)

// ComposePrompt implements generation.PromptService.
func (m *MockPromptService) ComposePrompt(ctx context.Context, req generation.PromptRequest) (string, error) {
	if m.ComposePromptFn != nil {
		return m.ComposePromptFn(ctx, req)
	}
	return m.Prompt, m.Err
}
