package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

// GCSStore stores objects in a Cloud Storage bucket.
type GCSStore struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	baseURL string
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore opens a client with application default credentials.
func NewGCSStore(ctx context.Context, bucket, baseURL string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("storage: bucket is required")
	}
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: create gcs client: %w", err)
	}
	return &GCSStore{
		client:  client,
		bucket:  client.Bucket(bucket),
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put uploads data to key.
func (s *GCSStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	clean, err := SanitizeKey(key)
	if err != nil {
		return err
	}
	w := s.bucket.Object(clean).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: finalize object: %w", err)
	}
	return nil
}

// Get downloads the object at key.
func (s *GCSStore) Get(ctx context.Context, key string) (*Object, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(clean).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: open object: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("storage: read object: %w", err)
	}
	ct := r.Attrs.ContentType
	if ct == "" {
		ct = ContentTypeFor(clean, data)
	}
	return &Object{Data: data, ContentType: ct}, nil
}

// SignedURL returns a V4 signed GET URL.
func (s *GCSStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	u, err := s.bucket.SignedURL(clean, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(ttl),
	})
	if err != nil {
		return "", fmt.Errorf("storage: sign url: %w", err)
	}
	return u, nil
}

// PublicURL returns baseURL/key.
func (s *GCSStore) PublicURL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
