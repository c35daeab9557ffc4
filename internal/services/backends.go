package services

import (
	"context"
	"io"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// BlobStore is an opaque object store for document bytes. Delete and Get
// return an error wrapping models.ErrNotFound for absent keys.
type BlobStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string, metadata map[string]string) (models.BlobLocator, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// IndexBackend is the asynchronous indexing and search engine. Submit returns
// an operation handle; OperationStatus reports indexing until the operation
// finishes. Delete returns an error wrapping models.ErrNotFound when the
// engine does not know the document. List enumerates every indexed document.
type IndexBackend interface {
	Submit(ctx context.Context, req models.IndexRequest) (string, error)
	OperationStatus(ctx context.Context, handle string) (models.IndexStatus, string, error)
	Delete(ctx context.Context, indexDocumentID string) error
	List(ctx context.Context) ([]models.IndexedDocument, error)
	Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error)
}

// Alerter surfaces deletion entries that exhausted their retries.
type Alerter interface {
	Abandoned(ctx context.Context, e *models.DeletionEntry)
}
