package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures an S3-compatible object store. GCS is reached
// through its interoperability endpoint (storage.googleapis.com) with HMAC
// keys, in which case Scheme should be "gs".
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	// Scheme prefixes object URIs: "s3" or "gs".
	Scheme string
}

// MinioStore is a BlobStore backed by minio-go.
type MinioStore struct {
	client *minio.Client
	scheme string
}

// NewMinioStore creates a MinioStore. It does not contact the endpoint.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("dispatch: minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: minio client: %w", err)
	}
	scheme := cfg.Scheme
	if scheme == "" {
		scheme = "s3"
	}
	return &MinioStore{client: client, scheme: scheme}, nil
}

// EnsureBucket creates bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context, bucket, region string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("dispatch: check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("dispatch: create bucket %s: %w", bucket, err)
	}
	return nil
}

// PutObject uploads data under bucket/key.
func (s *MinioStore) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/jsonl"})
	return err
}

// URI returns scheme://bucket/key.
func (s *MinioStore) URI(bucket, key string) string {
	return s.scheme + "://" + bucket + "/" + key
}
