package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/phrazzld/genpipe/internal/domain"
)

// ModelSpec describes a registered model.
type ModelSpec struct {
	Name           string
	Capabilities   []Capability
	Priority       int
	MaxInputImages int
	Enabled        bool
}

// Supports reports whether the model has capability c.
func (s ModelSpec) Supports(c Capability) bool {
	return slices.Contains(s.Capabilities, c)
}

// Requirements constrain model selection.
type Requirements struct {
	Capability  Capability
	InputImages int
}

// RequirementsFor derives the selection requirements of a request with
// the given number of resolved input images.
func RequirementsFor(inputImages int) Requirements {
	if inputImages > 0 {
		return Requirements{Capability: CapabilityImageEdit, InputImages: inputImages}
	}
	return Requirements{Capability: CapabilityTextToImage}
}

type registeredModel struct {
	spec    ModelSpec
	backend Backend
}

// Registry holds the available model backends.
type Registry struct {
	mu     sync.RWMutex
	models []registeredModel
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a model. Registering a name twice replaces the entry.
func (r *Registry) Register(spec ModelSpec, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, m := range r.models {
		if m.spec.Name == spec.Name {
			r.models[i] = registeredModel{spec: spec, backend: backend}
			return
		}
	}
	r.models = append(r.models, registeredModel{spec: spec, backend: backend})
}

// Select returns the enabled model with the highest priority satisfying
// req. Ties are broken by name. Returns domain.ErrNoModelAvailable when no
// model qualifies.
func (r *Registry) Select(req Requirements) (ModelSpec, Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]registeredModel, 0, len(r.models))
	for _, m := range r.models {
		if !m.spec.Enabled || m.backend == nil || !m.spec.Supports(req.Capability) {
			continue
		}
		if req.InputImages > m.spec.MaxInputImages {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return ModelSpec{}, nil, fmt.Errorf("%w: capability %s with %d input images",
			domain.ErrNoModelAvailable, req.Capability, req.InputImages)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].spec.Priority != candidates[j].spec.Priority {
			return candidates[i].spec.Priority > candidates[j].spec.Priority
		}
		return candidates[i].spec.Name < candidates[j].spec.Name
	})
	return candidates[0].spec, candidates[0].backend, nil
}

// Invoker performs one bounded model call. It does not retry.
type Invoker struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewInvoker creates an Invoker with a hard per-call timeout.
func NewInvoker(timeout time.Duration, logger *slog.Logger) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{timeout: timeout, logger: logger.With("component", "invoker")}
}

// Invoke calls backend once under the timeout.
func (i *Invoker) Invoke(ctx context.Context, backend Backend, req GenerateRequest) ([]Artifact, error) {
	callCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	start := time.Now()
	artifacts, err := backend.Generate(callCtx, req)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w after %s: %v", ErrModelTimeout, i.timeout, err)
		}
		i.logger.ErrorContext(ctx, "model call failed",
			"model", req.Model,
			"duration_ms", elapsed.Milliseconds(),
			"error", err)
		return nil, err
	}

	usable := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		if len(a.Data) > 0 {
			usable = append(usable, a)
		}
	}
	if len(usable) == 0 {
		return nil, fmt.Errorf("%w: model %s", ErrEmptyOutput, req.Model)
	}

	i.logger.InfoContext(ctx, "model call succeeded",
		"model", req.Model,
		"images", len(usable),
		"duration_ms", elapsed.Milliseconds())
	return usable, nil
}
