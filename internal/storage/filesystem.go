package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileStore persists objects on the local filesystem and serves them
// through HMAC-signed URLs.
type FileStore struct {
	basePath string
	baseURL  string
	secret   []byte
	public   []string
	now      func() time.Time
	logger   *slog.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore initializes a FileStore rooted at basePath. baseURL is the
// public prefix under which Handler is mounted.
func NewFileStore(basePath, baseURL, secret string, logger *slog.Logger) (*FileStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if secret == "" {
		return nil, errors.New("storage: signing secret is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{
		basePath: basePath,
		baseURL:  strings.TrimRight(baseURL, "/"),
		secret:   []byte(secret),
		now:      time.Now,
		logger:   logger.With("component", "file_store"),
	}, nil
}

// Publish makes Handler serve keys under prefix without a signature, the
// way a public bucket serves generated output.
func (s *FileStore) Publish(prefix string) {
	s.public = append(s.public, strings.TrimLeft(prefix, "/"))
}

func (s *FileStore) isPublic(key string) bool {
	for _, p := range s.public {
		if p != "" && strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// Put writes data at the sanitized key.
func (s *FileStore) Put(ctx context.Context, key string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("storage: ensure directory: %w", err)
	}

	// Write then rename so readers never observe a partial object.
	tmp := fullPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("storage: commit file: %w", err)
	}
	return nil
}

// Get reads the object at key.
func (s *FileStore) Get(ctx context.Context, key string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return &Object{Data: data, ContentType: ContentTypeFor(key, data)}, nil
}

// SignedURL returns baseURL/key?expires=..&sig=.. valid for ttl.
func (s *FileStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	expires := s.now().Add(ttl).Unix()

	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(clean, expires))
	return s.PublicURL(clean) + "?" + q.Encode(), nil
}

// PublicURL returns baseURL/key.
func (s *FileStore) PublicURL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

// Handler serves objects requested through signed URLs, and published keys
// without one. It expects the
// object key as the request path, so mount it behind http.StripPrefix.
func (s *FileStore) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := SanitizeKey(r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		if !s.isPublic(key) {
			expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
			if err != nil || s.now().Unix() > expires {
				http.Error(w, "link expired", http.StatusForbidden)
				return
			}
			want := s.sign(key, expires)
			if !hmac.Equal([]byte(want), []byte(r.URL.Query().Get("sig"))) {
				http.Error(w, "invalid signature", http.StatusForbidden)
				return
			}
		}

		obj, err := s.Get(r.Context(), key)
		if errors.Is(err, ErrObjectNotFound) {
			http.NotFound(w, r)
			return
		}
		if err != nil {
			s.logger.ErrorContext(r.Context(), "failed to serve object", "key", key, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", obj.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
		w.Header().Set("Cache-Control", "private, max-age=60")
		_, _ = w.Write(obj.Data)
	})
}

func (s *FileStore) path(key string) (string, error) {
	clean, err := SanitizeKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(clean)), nil
}

func (s *FileStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
