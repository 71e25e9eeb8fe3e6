package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Ref is a content-addressed reference to a stored blob. Identical content
// always maps to the identical key, which is what makes re-running a stage a
// no-op at the storage layer.
type Ref struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
}

// BlobStore persists image blobs on the local filesystem under
// content-derived keys and serves them by stable URL. It stands in for an
// object storage bucket in development and test environments; the contract
// (put bytes, get bytes, stable URL, write-once keys) is all downstream
// stages may rely on.
type BlobStore struct {
	basePath string
	baseURL  string
}

// NewBlobStore initializes a BlobStore rooted at basePath.
func NewBlobStore(basePath, baseURL string) (*BlobStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &BlobStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// BasePath returns the configured root directory.
func (s *BlobStore) BasePath() string {
	if s == nil {
		return ""
	}
	return s.basePath
}

// Put stores data under its content hash and returns the reference. Writing
// an already-present key is a no-op, so replays never duplicate work or
// corrupt a published blob.
func (s *BlobStore) Put(ctx context.Context, data []byte, contentType string) (Ref, error) {
	if s == nil {
		return Ref{}, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return Ref{}, err
	}
	if len(data) == 0 {
		return Ref{}, errors.New("storage: empty payload")
	}

	sum := sha256.Sum256(data)
	key := hex.EncodeToString(sum[:]) + extensionForMIME(contentType)
	fullPath := filepath.Join(s.basePath, key)

	if _, err := os.Stat(fullPath); err == nil {
		return s.ref(key, int64(len(data)), contentType), nil
	}

	// Write through a temp file so a crash mid-write never leaves a partial
	// blob under a valid key.
	tmp, err := os.CreateTemp(s.basePath, ".put-*")
	if err != nil {
		return Ref{}, fmt.Errorf("storage: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("storage: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("storage: close: %w", err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		os.Remove(tmpName)
		return Ref{}, fmt.Errorf("storage: publish: %w", err)
	}
	return s.ref(key, int64(len(data)), contentType), nil
}

// Get loads a blob by key.
func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, errors.New("storage: no store configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(cleanKey)))
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", cleanKey, err)
	}
	return data, nil
}

// URLFor returns the stable public URL for a key.
func (s *BlobStore) URLFor(key string) string {
	if s == nil || key == "" {
		return ""
	}
	return s.baseURL + "/" + key
}

func (s *BlobStore) ref(key string, size int64, contentType string) Ref {
	return Ref{Key: key, URL: s.URLFor(key), Size: size, ContentType: contentType}
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.Clean(key)
	cleaned = strings.ReplaceAll(cleaned, "\\", "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".bin"
	}
}
