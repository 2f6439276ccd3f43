package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/ingest-worker/internal/config"
	"github.com/ignite/ingest-worker/internal/pkg/httpretry"
	"github.com/ignite/ingest-worker/internal/pkg/logger"
)

// S3Opener reads batch files from S3 (or any S3-compatible endpoint) by
// presigning a GET and streaming it over plain HTTP.
type S3Opener struct {
	client  *s3.Client
	presign *s3.PresignClient
	http    httpretry.HTTPDoer
	bucket  string
	expiry  time.Duration
}

// NewS3Opener loads AWS configuration and builds an S3 opener for cfg.Bucket.
// Static keys take precedence over the named profile; with neither, the
// default credential chain applies.
func NewS3Opener(ctx context.Context, cfg config.StorageConfig, expiry time.Duration) (*S3Opener, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	} else if cfg.AWSProfile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWSProfile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	return &S3Opener{
		client:  client,
		presign: s3.NewPresignClient(client),
		http:    httpretry.NewRetryClient(nil, 3),
		bucket:  cfg.Bucket,
		expiry:  expiry,
	}, nil
}

// Open presigns a GET for storagePath and returns the streaming body.
func (o *S3Opener) Open(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	key := ObjectKey(o.bucket, storagePath)

	signed, err := o.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(o.expiry))
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	logger.Debug("opening object", "provider", config.ProviderS3, "bucket", o.bucket, "key", key)
	body, err := download(ctx, o.http, signed.URL, signed.SignedHeader)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return body, nil
}

// Check verifies the bucket is reachable with the configured credentials.
func (o *S3Opener) Check(ctx context.Context) error {
	_, err := o.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(o.bucket)})
	return err
}
