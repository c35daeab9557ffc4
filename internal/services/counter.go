package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/store"
)

// CollectionCounter rewrites a collection's document count from the live
// document rows. The count and the write happen in one store transaction, so
// refreshes from different instances serialize on the collection row.
type CollectionCounter struct {
	store store.Store
	now   func() time.Time
}

// NewCollectionCounter returns a counter over s.
func NewCollectionCounter(s store.Store) *CollectionCounter {
	return &CollectionCounter{store: s, now: time.Now}
}

// Refresh recomputes and persists the count of collectionID, returning the
// new value. A collection that no longer exists is not an error.
func (c *CollectionCounter) Refresh(ctx context.Context, collectionID string) (int, error) {
	n, err := c.store.RecountCollection(ctx, collectionID, c.now().UTC())
	switch {
	case err == nil:
		slog.Debug("Collection document count refreshed.", "collectionId", collectionID, "documentCount", n)
	case isNotFound(err):
		slog.Info("Collection gone before count refresh.", "collectionId", collectionID)
		return 0, nil
	default:
		return 0, fmt.Errorf("failed to recount documents of collection %s: %w", collectionID, err)
	}
	return n, nil
}
