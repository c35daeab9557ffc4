// Package store defines the relational metadata store for collections,
// documents and the deletion queue, with in-memory and PostgreSQL
// implementations. The Firestore implementation lives in internal/gcp.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// ErrNoChange is returned by an update callback to skip the write. The update
// method then returns the current record together with ErrNoChange.
var ErrNoChange = errors.New("store: no change")

// DefaultPageSize and MaxPageSize bound document listings.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// DocumentQuery filters a document scan. Zero fields do not filter.
type DocumentQuery struct {
	Owner           string
	CollectionID    string
	Status          models.IndexStatus
	IncludeDeleting bool
	Limit           int
	Offset          int
}

// DeletionQuery filters a deletion-queue scan.
type DeletionQuery struct {
	CollectionID string
	Target       models.DeletionTarget
	State        models.DeletionState
}

// Store is the relational metadata store. Update methods run fn inside a
// transaction against the latest row so state transitions never lose writes.
type Store interface {
	CreateCollection(ctx context.Context, c *models.Collection) error
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	ListCollections(ctx context.Context, owner string) ([]*models.Collection, error)
	UpdateCollection(ctx context.Context, id string, fn func(*models.Collection) error) (*models.Collection, error)
	DeleteCollection(ctx context.Context, id string) error

	CreateDocument(ctx context.Context, d *models.Document) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error
	ListDocuments(ctx context.Context, q DocumentQuery) ([]*models.Document, int, error)
	// RecountCollection rewrites the collection's document count from its
	// live document rows, counting inside the same transaction that writes
	// the result. It returns the new count.
	RecountCollection(ctx context.Context, id string, at time.Time) (int, error)

	CreateDeletionEntry(ctx context.Context, e *models.DeletionEntry) error
	SaveDeletionEntry(ctx context.Context, e *models.DeletionEntry) error
	DeleteDeletionEntry(ctx context.Context, id string) error
	ListDueDeletionEntries(ctx context.Context, now time.Time, limit int) ([]*models.DeletionEntry, error)
	ListDeletionEntries(ctx context.Context, q DeletionQuery) ([]*models.DeletionEntry, error)

	Close() error
}

// ClampPage applies the listing defaults and bounds.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
