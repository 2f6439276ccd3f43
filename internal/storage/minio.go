package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/ignite/ingest-worker/internal/config"
	"github.com/ignite/ingest-worker/internal/pkg/httpretry"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioOpener reads batch files from a MinIO deployment.
type MinioOpener struct {
	client *minio.Client
	http   httpretry.HTTPDoer
	bucket string
	expiry time.Duration
}

// NewMinioOpener connects to cfg.Endpoint, e.g. "http://minio:9000".
// A bare host:port is treated as TLS.
func NewMinioOpener(cfg config.StorageConfig, expiry time.Duration) (*MinioOpener, error) {
	host, secure, err := splitEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &MinioOpener{
		client: client,
		http:   httpretry.NewRetryClient(nil, 3),
		bucket: cfg.Bucket,
		expiry: expiry,
	}, nil
}

// Open presigns a GET for storagePath and returns the streaming body.
func (o *MinioOpener) Open(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	key := ObjectKey(o.bucket, storagePath)

	signed, err := o.client.PresignedGetObject(ctx, o.bucket, key, o.expiry, url.Values{})
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	logger.Debug("opening object", "provider", config.ProviderMinio, "bucket", o.bucket, "key", key)
	body, err := download(ctx, o.http, signed.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return body, nil
}

// Check verifies the bucket exists.
func (o *MinioOpener) Check(ctx context.Context) error {
	ok, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", o.bucket)
	}
	return nil
}

func splitEndpoint(endpoint string) (host string, secure bool, err error) {
	if endpoint == "" {
		return "", false, fmt.Errorf("minio endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint, true, nil
	}
	switch u.Scheme {
	case "http":
		return u.Host, false, nil
	case "https":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported minio endpoint scheme %q", u.Scheme)
	}
}
