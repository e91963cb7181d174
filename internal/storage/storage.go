package storage

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

var (
	// ErrObjectNotFound is returned when a key does not exist.
	ErrObjectNotFound = errors.New("storage: object not found")

	// ErrInvalidKey is returned for empty keys and keys escaping the root.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Object is a stored blob and its content type.
type Object struct {
	Data        []byte
	ContentType string
}

// Store reads and writes objects by key.
type Store interface {
	// Put writes data under key, replacing any existing object.
	Put(ctx context.Context, key string, data []byte, contentType string) error

	// Get reads the object stored under key.
	Get(ctx context.Context, key string) (*Object, error)

	// SignedURL returns a URL granting read access to key until ttl elapses.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)

	// PublicURL returns the stable URL reported to clients for key.
	PublicURL(key string) string
}

// SanitizeKey normalizes a key and prevents escaping the storage root.
func SanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", ErrInvalidKey
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := path.Clean(key)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// ContentTypeFor returns the content type for key from its extension,
// sniffing data when the extension is unknown.
func ContentTypeFor(key string, data []byte) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

// ExtensionFor returns the file extension, without the dot, used for
// objects of the given content type.
func ExtensionFor(contentType string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "bin"
	}
}
