// Package storage opens uploaded batch files from blob storage as streams.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/ingest-worker/internal/config"
	"github.com/ignite/ingest-worker/internal/pkg/httpretry"
)

// ErrObjectNotFound is returned when the storage path names no object.
var ErrObjectNotFound = errors.New("storage object not found")

// Opener opens the object at a batch's storage_path for streaming reads.
// The caller must close the returned reader.
type Opener interface {
	Open(ctx context.Context, storagePath string) (io.ReadCloser, error)
}

// Checker reports whether the backing store is reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// Store is an Opener that can also be health-checked.
type Store interface {
	Opener
	Checker
}

// New builds the Store selected by cfg.Provider. signedURLExpiry bounds the
// lifetime of presigned download URLs for the s3 and minio providers.
func New(ctx context.Context, cfg config.StorageConfig, signedURLExpiry time.Duration) (Store, error) {
	switch cfg.Provider {
	case config.ProviderS3:
		return NewS3Opener(ctx, cfg, signedURLExpiry)
	case config.ProviderMinio:
		return NewMinioOpener(cfg, signedURLExpiry)
	case config.ProviderLocal:
		return NewLocalOpener(cfg.LocalRoot)
	default:
		return nil, fmt.Errorf("unknown storage provider %q", cfg.Provider)
	}
}

// ObjectKey converts a storage_path into an object key within bucket.
// Paths may be stored bucket-qualified ("imports/casino/file.csv") or bare.
func ObjectKey(bucket, storagePath string) string {
	key := strings.TrimLeft(storagePath, "/")
	if bucket != "" {
		key = strings.TrimPrefix(key, bucket+"/")
	}
	return key
}

// download streams a presigned GET. The response body is handed to the
// caller unread so large files never sit in memory.
func download(ctx context.Context, client httpretry.HTTPDoer, signedURL string, header http.Header) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download object: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrObjectNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("download object: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}
