package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/phrazzld/genpipe/internal/storage"
)

// MockObjectStore implements storage.Store over an in-memory map.
type MockObjectStore struct {
	PutFn       func(ctx context.Context, key string, data []byte, contentType string) error
	GetFn       func(ctx context.Context, key string) (*storage.Object, error)
	SignedURLFn func(ctx context.Context, key string, ttl time.Duration) (string, error)

	// BaseURL prefixes PublicURL and the default signed URLs.
	BaseURL string

	mu       sync.Mutex
	objects  map[string]storage.Object
	putCalls int
}

var _ storage.Store = (*MockObjectStore)(nil)

// NewMockObjectStore returns an empty store.
func NewMockObjectStore() *MockObjectStore {
	return &MockObjectStore{BaseURL: "https://assets.test", objects: map[string]storage.Object{}}
}

// Put records the object unless PutFn rejects it.
func (m *MockObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	m.mu.Lock()
	m.putCalls++
	m.mu.Unlock()

	if m.PutFn != nil {
		if err := m.PutFn(ctx, key, data, contentType); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string]storage.Object{}
	}
	m.objects[key] = storage.Object{Data: append([]byte(nil), data...), ContentType: contentType}
	return nil
}

// Get returns a stored object or storage.ErrObjectNotFound.
func (m *MockObjectStore) Get(ctx context.Context, key string) (*storage.Object, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrObjectNotFound, key)
	}
	return &obj, nil
}

// SignedURL returns BaseURL/key?sig=test by default.
func (m *MockObjectStore) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if m.SignedURLFn != nil {
		return m.SignedURLFn(ctx, key, ttl)
	}
	return m.PublicURL(key) + "?sig=test", nil
}

// PublicURL returns BaseURL/key.
func (m *MockObjectStore) PublicURL(key string) string {
	return m.BaseURL + "/" + key
}

// Keys returns the stored keys.
func (m *MockObjectStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	return keys
}

// PutCalls returns how many times Put was called, including failures.
func (m *MockObjectStore) PutCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putCalls
}
