package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

// OrphanScanner finds blobs and index documents that no document row or
// deletion queue entry accounts for.
type OrphanScanner struct {
	store store.Store
	blobs BlobStore
	index IndexBackend
}

// NewOrphanScanner returns a scanner over s, blobs and index.
func NewOrphanScanner(s store.Store, blobs BlobStore, index IndexBackend) *OrphanScanner {
	return &OrphanScanner{store: s, blobs: blobs, index: index}
}

// references are the blob keys and index ids the relational store still
// accounts for.
type references struct {
	blobKeys map[string]bool
	indexIDs map[string]bool
}

// referenceCache loads document rows per collection on first use. Queue
// entries are loaded up front since their row may already be gone.
type referenceCache struct {
	store  store.Store
	byCol  map[string]*references
	queued *references
}

func newReferenceCache(ctx context.Context, s store.Store) (*referenceCache, error) {
	entries, err := s.ListDeletionEntries(ctx, store.DeletionQuery{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deletion entries: %w", err)
	}
	queued := &references{blobKeys: map[string]bool{}, indexIDs: map[string]bool{}}
	for _, e := range entries {
		if e.Target != models.DeletionTargetDocument {
			continue
		}
		if e.BlobKey != "" {
			queued.blobKeys[e.BlobKey] = true
		}
		if e.IndexDocumentID != "" {
			queued.indexIDs[e.IndexDocumentID] = true
		}
	}
	return &referenceCache{store: s, byCol: map[string]*references{}, queued: queued}, nil
}

func (c *referenceCache) collection(ctx context.Context, cid string) (*references, error) {
	if refs, ok := c.byCol[cid]; ok {
		return refs, nil
	}
	docs, _, err := c.store.ListDocuments(ctx, store.DocumentQuery{CollectionID: cid, IncludeDeleting: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents of collection %s: %w", cid, err)
	}
	refs := &references{blobKeys: make(map[string]bool, len(docs)), indexIDs: make(map[string]bool, len(docs))}
	for _, d := range docs {
		refs.blobKeys[d.BlobKey] = true
		// A row can lose its recorded index id when the instance dies
		// between submission and acceptance; the id is derived from the row.
		refs.indexIDs[sanitizeIndexID(d.ID)] = true
		if d.IndexDocumentID != "" {
			refs.indexIDs[d.IndexDocumentID] = true
		}
	}
	c.byCol[cid] = refs
	return refs, nil
}

// FindOrphans lists orphaned keys under one collection's prefix, or under every
// collection when collectionID is empty.
func (o *OrphanScanner) FindOrphans(ctx context.Context, collectionID string) ([]string, error) {
	prefix := "collections/"
	if collectionID != "" {
		prefix = CollectionPrefix(collectionID)
	}
	keys, err := o.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list blobs under %s: %w", prefix, err)
	}
	refs, err := newReferenceCache(ctx, o.store)
	if err != nil {
		return nil, err
	}

	var orphans []string
	for _, key := range keys {
		cid, ok := collectionOf(key)
		if !ok {
			orphans = append(orphans, key)
			continue
		}
		if refs.queued.blobKeys[key] {
			continue
		}
		col, err := refs.collection(ctx, cid)
		if err != nil {
			return nil, err
		}
		if !col.blobKeys[key] {
			orphans = append(orphans, key)
		}
	}
	return orphans, nil
}

// DeleteOrphans removes the given keys and returns how many were deleted.
func (o *OrphanScanner) DeleteOrphans(ctx context.Context, keys []string) (int, error) {
	deleted := 0
	for _, k := range keys {
		if err := o.blobs.Delete(ctx, k); err != nil && !isNotFound(err) {
			return deleted, fmt.Errorf("failed to delete orphan %s: %w", k, err)
		}
		deleted++
		slog.Info("Orphaned blob deleted.", "blobKey", k)
	}
	return deleted, nil
}

// FindIndexOrphans lists index documents that no row or queue entry accounts
// for, limited to one collection's metadata when collectionID is set.
// Documents indexed without collection metadata are always reported.
func (o *OrphanScanner) FindIndexOrphans(ctx context.Context, collectionID string) ([]models.IndexedDocument, error) {
	indexed, err := o.index.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list index documents: %w", err)
	}
	refs, err := newReferenceCache(ctx, o.store)
	if err != nil {
		return nil, err
	}

	var orphans []models.IndexedDocument
	for _, d := range indexed {
		if collectionID != "" && d.CollectionID != collectionID {
			continue
		}
		if refs.queued.indexIDs[d.ID] {
			continue
		}
		if d.CollectionID == "" {
			orphans = append(orphans, d)
			continue
		}
		col, err := refs.collection(ctx, d.CollectionID)
		if err != nil {
			return nil, err
		}
		if !col.indexIDs[d.ID] {
			orphans = append(orphans, d)
		}
	}
	return orphans, nil
}

// DeleteIndexOrphans removes the given index documents and returns how many
// were deleted.
func (o *OrphanScanner) DeleteIndexOrphans(ctx context.Context, docs []models.IndexedDocument) (int, error) {
	deleted := 0
	for _, d := range docs {
		if err := o.index.Delete(ctx, d.ID); err != nil && !isNotFound(err) {
			return deleted, fmt.Errorf("failed to delete orphaned index document %s: %w", d.ID, err)
		}
		deleted++
		slog.Info("Orphaned index document deleted.", "indexDocumentId", d.ID, "collectionId", d.CollectionID)
	}
	return deleted, nil
}

// collectionOf extracts the collection id from collections/<id>/<file>.
func collectionOf(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "collections/")
	if !ok {
		return "", false
	}
	cid, _, ok := strings.Cut(rest, "/")
	return cid, ok && cid != ""
}
