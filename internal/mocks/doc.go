// Package mocks provides hand-written test doubles for the interfaces at
// the pipeline boundaries: the object store, model backends, the prompt
// service, the dispatcher, the token service and the generation service.
//
// Each mock exposes an XxxFn field per method. A nil field falls back to a
// simple default so tests only override what they exercise:
//
//	backend := &mocks.MockBackend{
//	    GenerateFn: func(ctx context.Context, req generation.GenerateRequest) ([]generation.Artifact, error) {
//	        return nil, errors.New("model unavailable")
//	    },
//	}
package mocks
