package gcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// Objects up to this size are sent in one request instead of a resumable upload.
const singleShotUploadLimit = 8 << 20

// GCSBlobStore stores document bytes as objects in one bucket.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
}

// NewGCSBlobStore creates a storage client bound to bucket.
func NewGCSBlobStore(ctx context.Context, bucket string) (*GCSBlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name must be provided to create a blob store")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Storage client: %w", err)
	}
	return &GCSBlobStore{client: client, bucket: bucket}, nil
}

// URI is the gs:// address the indexing backend reads key from.
func (s *GCSBlobStore) URI(key string) string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, key)
}

// Put writes the object only if it does not already exist. Keys are unique per
// document, so an existing object is the result of an earlier attempt at the
// same write and counts as stored.
func (s *GCSBlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (models.BlobLocator, error) {
	loc := models.BlobLocator{Key: key, URI: s.URI(key)}
	writer := s.client.Bucket(s.bucket).Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = contentType
	writer.Metadata = metadata
	if size > 0 && size <= singleShotUploadLimit {
		writer.ChunkSize = 0
	}

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", key)
			return loc, nil
		}
		return models.BlobLocator{}, fmt.Errorf("%w: failed to write gs://%s/%s: %v", models.ErrUpstream, s.bucket, key, err)
	}
	if err := writer.Close(); err != nil {
		if isPreconditionFailed(err) {
			slog.Info("Object already exists, skipping write.", "gcsObject", key)
			return loc, nil
		}
		return models.BlobLocator{}, fmt.Errorf("%w: failed to finalize gs://%s/%s: %v", models.ErrUpstream, s.bucket, key, err)
	}
	return loc, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == 412
}

func (s *GCSBlobStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get GCS object reader for gs://%s/%s: %v", models.ErrUpstream, s.bucket, key, err)
	}
	return r, nil
}

// Delete removes the object. A missing object yields a wrapped ErrNotFound.
func (s *GCSBlobStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	if err != nil {
		return fmt.Errorf("%w: failed to delete gs://%s/%s: %v", models.ErrUpstream, s.bucket, key, err)
	}
	return nil
}

// List returns every object key under prefix.
func (s *GCSBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var keys []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to list gs://%s/%s: %v", models.ErrUpstream, s.bucket, prefix, err)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (s *GCSBlobStore) Close() error {
	return s.client.Close()
}
