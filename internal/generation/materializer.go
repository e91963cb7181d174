package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phrazzld/genpipe/internal/storage"
	"golang.org/x/sync/errgroup"
)

// maxDownloadBytes caps a single fallback download.
const maxDownloadBytes = 20 << 20

// MaterializerConfig tunes asset resolution.
type MaterializerConfig struct {
	Concurrency     int
	DownloadTimeout time.Duration
	SignedURLTTL    time.Duration
}

// Materializer resolves asset references into inline image content. Each
// reference is first read from the object store directly; when that fails
// a signed URL is requested and the content downloaded over HTTP.
type Materializer struct {
	store  storage.Store
	client *http.Client
	cfg    MaterializerConfig
	logger *slog.Logger
}

// NewMaterializer creates a Materializer. A nil client uses a client with
// the configured download timeout.
func NewMaterializer(store storage.Store, client *http.Client, cfg MaterializerConfig, logger *slog.Logger) *Materializer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.SignedURLTTL <= 0 {
		cfg.SignedURLTTL = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.DownloadTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{
		store:  store,
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "materializer"),
	}
}

// Materialize resolves every reference. The result has one entry per
// reference, in input order; individual failures are reported in the entry
// rather than as an error.
func (m *Materializer) Materialize(ctx context.Context, refs []string) []Asset {
	assets := make([]Asset, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			assets[i] = m.resolve(gctx, ref)
			return nil
		})
	}
	_ = g.Wait()

	converted := CountConverted(assets)
	m.logger.InfoContext(ctx, "materialized input images",
		"requested", len(refs),
		"converted", converted,
		"failed", len(refs)-converted)
	return assets
}

func (m *Materializer) resolve(ctx context.Context, ref string) Asset {
	obj, err := m.store.Get(ctx, ref)
	if err == nil && len(obj.Data) > 0 {
		return Asset{Ref: ref, Status: AssetConverted, Data: obj.Data, MIMEType: obj.ContentType}
	}
	if err == nil {
		err = errors.New("empty object")
	}
	m.logger.DebugContext(ctx, "primary asset read failed, trying signed url",
		"ref", ref,
		"error", err)

	data, mimeType, fbErr := m.download(ctx, ref)
	if fbErr != nil {
		m.logger.WarnContext(ctx, "failed to materialize asset",
			"ref", ref,
			"primary_error", err,
			"fallback_error", fbErr)
		return Asset{Ref: ref, Status: AssetFailed, Err: errors.Join(err, fbErr)}
	}
	return Asset{Ref: ref, Status: AssetConverted, Data: data, MIMEType: mimeType}
}

func (m *Materializer) download(ctx context.Context, ref string) ([]byte, string, error) {
	signed, err := m.store.SignedURL(ctx, ref, m.cfg.SignedURLTTL)
	if err != nil {
		return nil, "", fmt.Errorf("sign url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("download: empty body")
	}
	if len(data) > maxDownloadBytes {
		return nil, "", fmt.Errorf("download: asset exceeds %d bytes", maxDownloadBytes)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || strings.HasPrefix(mimeType, "application/octet-stream") {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// Converted returns the successfully resolved assets.
func Converted(assets []Asset) []Asset {
	out := make([]Asset, 0, len(assets))
	for _, a := range assets {
		if a.Status == AssetConverted {
			out = append(out, a)
		}
	}
	return out
}

// CountConverted returns how many assets were resolved.
func CountConverted(assets []Asset) int {
	n := 0
	for _, a := range assets {
		if a.Status == AssetConverted {
			n++
		}
	}
	return n
}
