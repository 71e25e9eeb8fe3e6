package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
	"mockupforge/internal/storage"
)

// Fetcher downloads artwork and template inputs, validates them and rehosts
// them in the blob store. Downstream stages only ever see the returned
// references; raw image bytes never travel through orchestration records.
type Fetcher struct {
	client   *http.Client
	store    *storage.BlobStore
	maxBytes int64
	logger   zerolog.Logger
}

func NewFetcher(store *storage.BlobStore, maxBytes int64, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client:   &http.Client{Timeout: 60 * time.Second},
		store:    store,
		maxBytes: maxBytes,
		logger:   logger,
	}
}

// WithHTTPClient overrides the transport, used by tests.
func (f *Fetcher) WithHTTPClient(c *http.Client) *Fetcher {
	f.client = c
	return f
}

// Fetch downloads one image, enforces the size cap and format validation,
// and rehosts it content-addressed.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (storage.Ref, error) {
	data, contentType, err := f.download(ctx, rawURL)
	if err != nil {
		return storage.Ref{}, err
	}

	ref, err := f.store.Put(ctx, data, contentType)
	if err != nil {
		return storage.Ref{}, domain.NewPipelineError(domain.ErrTransientIO, "failed to rehost asset", err)
	}
	f.logger.Debug().Str("url", rawURL).Str("key", ref.Key).Int64("size", ref.Size).Msg("asset rehosted")
	return ref, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", domain.NewPipelineError(domain.ErrAssetInvalid, "invalid asset url", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", domain.NewPipelineError(domain.ErrTimeout, "asset download timed out", err)
		}
		return nil, "", domain.NewPipelineError(domain.ErrTransientIO, "asset download failed", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, "", domain.NewPipelineError(domain.ErrTransientIO,
			fmt.Sprintf("asset host returned %d", resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		return nil, "", domain.NewPipelineError(domain.ErrAssetInvalid,
			fmt.Sprintf("asset host returned %d", resp.StatusCode), nil)
	}

	if resp.ContentLength > f.maxBytes {
		return nil, "", domain.NewPipelineError(domain.ErrAssetTooLarge,
			fmt.Sprintf("asset is %d bytes, cap is %d", resp.ContentLength, f.maxBytes), nil)
	}

	// The cap is enforced while reading as well: Content-Length is advisory.
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, "", domain.NewPipelineError(domain.ErrTimeout, "asset download timed out", err)
		}
		return nil, "", domain.NewPipelineError(domain.ErrTransientIO, "asset read failed", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, "", domain.NewPipelineError(domain.ErrAssetTooLarge,
			fmt.Sprintf("asset exceeds %d byte cap", f.maxBytes), nil)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", domain.NewPipelineError(domain.ErrAssetInvalid, "asset is not a decodable image", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", domain.NewPipelineError(domain.ErrAssetInvalid, "asset has zero dimensions", nil)
	}

	return data, mimeForFormat(format), nil
}

func mimeForFormat(format string) string {
	switch format {
	case "png":
		return "image/png"
	case "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
