// Package blob holds the S3-compatible document byte store used when the
// service runs outside Google Cloud.
package blob

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// MinIOConfig holds the connection settings for a MinIO or S3 endpoint.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore stores document bytes as objects in one bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOStore connects and creates the bucket when it is missing.
func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio endpoint and bucket must be provided")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created MinIO bucket.", "bucket", cfg.Bucket)
	}
	return &MinIOStore{client: client, bucket: cfg.Bucket}, nil
}

// URI is the s3:// address of key.
func (s *MinIOStore) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *MinIOStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (models.BlobLocator, error) {
	if size <= 0 {
		size = -1
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: metadata,
	})
	if err != nil {
		return models.BlobLocator{}, fmt.Errorf("%w: failed to write %s: %v", models.ErrUpstream, s.URI(key), err)
	}
	return models.BlobLocator{Key: key, URI: s.URI(key)}, nil
}

func (s *MinIOStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := s.stat(ctx, key); err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", models.ErrUpstream, s.URI(key), err)
	}
	return obj, nil
}

// Delete removes the object. RemoveObject succeeds for absent keys, so the
// object is stat'ed first to report a wrapped ErrNotFound.
func (s *MinIOStore) Delete(ctx context.Context, key string) error {
	if err := s.stat(ctx, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("%w: failed to delete %s: %v", models.ErrUpstream, s.URI(key), err)
	}
	return nil
}

func (s *MinIOStore) stat(ctx context.Context, key string) error {
	_, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	return fmt.Errorf("%w: failed to stat %s: %v", models.ErrUpstream, s.URI(key), err)
}

// List returns every object key under prefix.
func (s *MinIOStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("%w: failed to list %s: %v", models.ErrUpstream, s.URI(prefix), obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *MinIOStore) Close() error { return nil }
