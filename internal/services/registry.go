package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

const maxCollectionNameLen = 255

// CollectionRegistry manages collection metadata. Document counts it returns
// are always recomputed from the live document rows.
type CollectionRegistry struct {
	store     store.Store
	counter   *CollectionCounter
	deletions *DeletionOrchestrator
	now       func() time.Time
}

// NewCollectionRegistry wires a registry. deletions receives cascading
// collection deletes.
func NewCollectionRegistry(s store.Store, counter *CollectionCounter, deletions *DeletionOrchestrator) *CollectionRegistry {
	return &CollectionRegistry{store: s, counter: counter, deletions: deletions, now: time.Now}
}

func validateName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: collection name must not be empty", models.ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxCollectionNameLen {
		return "", fmt.Errorf("%w: collection name longer than %d characters", models.ErrValidation, maxCollectionNameLen)
	}
	return name, nil
}

// Create adds a collection for owner with a zero document count.
func (r *CollectionRegistry) Create(ctx context.Context, owner, name, description string) (*models.Collection, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	now := r.now().UTC()
	c := &models.Collection{
		ID:          uuid.NewString(),
		Owner:       owner,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.CreateCollection(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to create collection: %w", err)
	}
	slog.Info("Collection created.", "collectionId", c.ID, "owner", owner)
	return c, nil
}

// owned loads a collection and checks the caller may see it.
func (r *CollectionRegistry) owned(ctx context.Context, owner, id string) (*models.Collection, error) {
	c, err := r.store.GetCollection(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := authorizeCollection(c, owner); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns one collection with a fresh document count.
func (r *CollectionRegistry) Get(ctx context.Context, owner, id string) (*models.Collection, error) {
	c, err := r.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	n, err := r.counter.Refresh(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.DocumentCount = n
	return c, nil
}

// List returns owner's collections, newest first, each with a fresh count.
func (r *CollectionRegistry) List(ctx context.Context, owner string) ([]*models.Collection, error) {
	cols, err := r.store.ListCollections(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	for _, c := range cols {
		n, err := r.counter.Refresh(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		c.DocumentCount = n
	}
	return cols, nil
}

// Rename changes a collection's name and, when description is non-nil, its
// description.
func (r *CollectionRegistry) Rename(ctx context.Context, owner, id, name string, description *string) (*models.Collection, error) {
	name, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if _, err := r.owned(ctx, owner, id); err != nil {
		return nil, err
	}
	c, err := r.store.UpdateCollection(ctx, id, func(c *models.Collection) error {
		if err := authorizeCollection(c, owner); err != nil {
			return err
		}
		c.Name = name
		if description != nil {
			c.Description = strings.TrimSpace(*description)
		}
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rename collection: %w", err)
	}
	return c, nil
}

// Delete hides the collection and enqueues a cascading delete. It returns as
// soon as the queue entries exist.
func (r *CollectionRegistry) Delete(ctx context.Context, owner, id string) (*models.DeletionReceipt, error) {
	c, err := r.store.UpdateCollection(ctx, id, func(c *models.Collection) error {
		if err := authorizeCollection(c, owner); err != nil {
			return err
		}
		c.Deleting = true
		c.UpdatedAt = r.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	receipt, err := r.deletions.EnqueueCollection(ctx, c)
	if err != nil {
		if _, rerr := r.store.UpdateCollection(context.WithoutCancel(ctx), id, func(c *models.Collection) error {
			c.Deleting = false
			return nil
		}); rerr != nil {
			slog.Error("Failed to unhide collection after enqueue failure.", "collectionId", id, "error", rerr)
		}
		return nil, fmt.Errorf("failed to enqueue collection deletion: %w", err)
	}
	return receipt, nil
}

// ListDocuments pages through owner's documents, optionally within one
// collection and one status, newest first.
func (r *CollectionRegistry) ListDocuments(ctx context.Context, owner, collectionID string, status models.IndexStatus, limit, offset int) (*models.DocumentPage, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}
	if collectionID != "" {
		if _, err := r.owned(ctx, owner, collectionID); err != nil {
			return nil, err
		}
	}
	limit, offset = store.ClampPage(limit, offset)
	docs, total, err := r.store.ListDocuments(ctx, store.DocumentQuery{
		Owner:        owner,
		CollectionID: collectionID,
		Status:       status,
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	if docs == nil {
		docs = []*models.Document{}
	}
	return &models.DocumentPage{Documents: docs, Total: total, Limit: limit, Offset: offset}, nil
}
