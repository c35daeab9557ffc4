package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// FirestoreStore keeps collections, documents and the deletion queue in three
// Firestore collections. Read-modify-write paths run in transactions.
type FirestoreStore struct {
	client      *firestore.Client
	collections string
	documents   string
	queue       string
}

var _ store.Store = (*FirestoreStore)(nil)

// NewFirestoreStore wraps client. prefix is prepended to every collection name
// so several deployments can share one database.
func NewFirestoreStore(client *firestore.Client, prefix string) *FirestoreStore {
	return &FirestoreStore{
		client:      client,
		collections: prefix + "collections",
		documents:   prefix + "documents",
		queue:       prefix + "deletion_queue",
	}
}

func (s *FirestoreStore) CreateCollection(ctx context.Context, c *models.Collection) error {
	ref := s.client.Collection(s.collections).Doc(c.ID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if err := s.checkNameFree(tx, c.Owner, c.Name, c.ID); err != nil {
			return err
		}
		return tx.Create(ref, c)
	})
	return fsErr(err, "collection", c.ID)
}

// checkNameFree must run before any write in the transaction.
func (s *FirestoreStore) checkNameFree(tx *firestore.Transaction, owner, name, selfID string) error {
	q := s.client.Collection(s.collections).Where("owner", "==", owner).Where("name", "==", name)
	snaps, err := tx.Documents(q).GetAll()
	if err != nil {
		return err
	}
	for _, snap := range snaps {
		if snap.Ref.ID == selfID {
			continue
		}
		// Collections being deleted release their name.
		if deleting, _ := snap.Data()["deleting"].(bool); deleting {
			continue
		}
		return fmt.Errorf("%w: collection named %q already exists", models.ErrConflict, name)
	}
	return nil
}

func (s *FirestoreStore) GetCollection(ctx context.Context, id string) (*models.Collection, error) {
	snap, err := s.client.Collection(s.collections).Doc(id).Get(ctx)
	if err != nil {
		return nil, fsErr(err, "collection", id)
	}
	var c models.Collection
	if err := snap.DataTo(&c); err != nil {
		return nil, fmt.Errorf("failed to decode collection %s: %w", id, err)
	}
	return &c, nil
}

func (s *FirestoreStore) ListCollections(ctx context.Context, owner string) ([]*models.Collection, error) {
	snaps, err := s.client.Collection(s.collections).Where("owner", "==", owner).Documents(ctx).GetAll()
	if err != nil {
		return nil, fsErr(err, "collections of", owner)
	}
	out := make([]*models.Collection, 0, len(snaps))
	for _, snap := range snaps {
		var c models.Collection
		if err := snap.DataTo(&c); err != nil {
			return nil, fmt.Errorf("failed to decode collection %s: %w", snap.Ref.ID, err)
		}
		if !c.Deleting {
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *FirestoreStore) UpdateCollection(ctx context.Context, id string, fn func(*models.Collection) error) (*models.Collection, error) {
	ref := s.client.Collection(s.collections).Doc(id)
	var out models.Collection
	var fnErr error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		out = models.Collection{}
		if err := snap.DataTo(&out); err != nil {
			return err
		}
		before := out.Name
		if fnErr = fn(&out); fnErr != nil {
			return fnErr
		}
		if out.Name != before {
			if err := s.checkNameFree(tx, out.Owner, out.Name, id); err != nil {
				return err
			}
		}
		return tx.Set(ref, &out)
	})
	if fnErr != nil {
		return &out, fnErr
	}
	if err != nil {
		return nil, fsErr(err, "collection", id)
	}
	return &out, nil
}

func (s *FirestoreStore) DeleteCollection(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.collections).Doc(id).Delete(ctx)
	return fsErr(err, "collection", id)
}

func (s *FirestoreStore) CreateDocument(ctx context.Context, d *models.Document) error {
	_, err := s.client.Collection(s.documents).Doc(d.ID).Create(ctx, d)
	return fsErr(err, "document", d.ID)
}

func (s *FirestoreStore) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	snap, err := s.client.Collection(s.documents).Doc(id).Get(ctx)
	if err != nil {
		return nil, fsErr(err, "document", id)
	}
	var d models.Document
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	return &d, nil
}

func (s *FirestoreStore) UpdateDocument(ctx context.Context, id string, fn func(*models.Document) error) (*models.Document, error) {
	ref := s.client.Collection(s.documents).Doc(id)
	var out models.Document
	var fnErr error
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		out = models.Document{}
		if err := snap.DataTo(&out); err != nil {
			return err
		}
		if fnErr = fn(&out); fnErr != nil {
			return fnErr
		}
		return tx.Set(ref, &out)
	})
	if fnErr != nil {
		return &out, fnErr
	}
	if err != nil {
		return nil, fsErr(err, "document", id)
	}
	return &out, nil
}

func (s *FirestoreStore) DeleteDocument(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.documents).Doc(id).Delete(ctx)
	return fsErr(err, "document", id)
}

func (s *FirestoreStore) documentQuery(q store.DocumentQuery) firestore.Query {
	query := s.client.Collection(s.documents).Query
	if q.Owner != "" {
		query = query.Where("owner", "==", q.Owner)
	}
	if q.CollectionID != "" {
		query = query.Where("collectionId", "==", q.CollectionID)
	}
	if q.Status != "" {
		query = query.Where("indexStatus", "==", string(q.Status))
	}
	if !q.IncludeDeleting {
		query = query.Where("deletionRequested", "==", false)
	}
	return query
}

func (s *FirestoreStore) ListDocuments(ctx context.Context, q store.DocumentQuery) ([]*models.Document, int, error) {
	base := s.documentQuery(q)
	total, err := count(ctx, base)
	if err != nil {
		return nil, 0, fsErr(err, "documents", q.CollectionID)
	}

	query := base.OrderBy("uploadedAt", firestore.Desc)
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	snaps, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, 0, fsErr(err, "documents", q.CollectionID)
	}
	out := make([]*models.Document, 0, len(snaps))
	for _, snap := range snaps {
		var d models.Document
		if err := snap.DataTo(&d); err != nil {
			return nil, 0, fmt.Errorf("failed to decode document %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &d)
	}
	return out, total, nil
}

// RecountCollection counts the live rows with a transactional query so the
// write is based on the same snapshot as the count.
func (s *FirestoreStore) RecountCollection(ctx context.Context, id string, at time.Time) (int, error) {
	ref := s.client.Collection(s.collections).Doc(id)
	var n int
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var c models.Collection
		if err := snap.DataTo(&c); err != nil {
			return err
		}
		live, err := tx.Documents(s.documentQuery(store.DocumentQuery{CollectionID: id}).Select()).GetAll()
		if err != nil {
			return err
		}
		n = len(live)
		if c.DocumentCount == n {
			return nil
		}
		return tx.Update(ref, []firestore.Update{
			{Path: "documentCount", Value: n},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return 0, fsErr(err, "collection", id)
	}
	return n, nil
}

// count runs a server-side COUNT aggregation over q.
func count(ctx context.Context, q firestore.Query) (int, error) {
	results, err := q.NewAggregationQuery().WithCount("all").Get(ctx)
	if err != nil {
		return 0, err
	}
	v, ok := results["all"].(*firestorepb.Value)
	if !ok {
		return 0, fmt.Errorf("unexpected count result type %T", results["all"])
	}
	return int(v.GetIntegerValue()), nil
}

func (s *FirestoreStore) CreateDeletionEntry(ctx context.Context, e *models.DeletionEntry) error {
	_, err := s.client.Collection(s.queue).Doc(e.ID).Create(ctx, e)
	return fsErr(err, "deletion entry", e.ID)
}

func (s *FirestoreStore) SaveDeletionEntry(ctx context.Context, e *models.DeletionEntry) error {
	_, err := s.client.Collection(s.queue).Doc(e.ID).Set(ctx, e)
	return fsErr(err, "deletion entry", e.ID)
}

func (s *FirestoreStore) DeleteDeletionEntry(ctx context.Context, id string) error {
	_, err := s.client.Collection(s.queue).Doc(id).Delete(ctx)
	return fsErr(err, "deletion entry", id)
}

func (s *FirestoreStore) ListDueDeletionEntries(ctx context.Context, now time.Time, limit int) ([]*models.DeletionEntry, error) {
	query := s.client.Collection(s.queue).
		Where("state", "==", string(models.DeletionStatePending)).
		Where("dueAt", "<=", now).
		OrderBy("dueAt", firestore.Asc)
	if limit > 0 {
		query = query.Limit(limit)
	}
	return s.entries(ctx, query)
}

func (s *FirestoreStore) ListDeletionEntries(ctx context.Context, q store.DeletionQuery) ([]*models.DeletionEntry, error) {
	query := s.client.Collection(s.queue).Query
	if q.CollectionID != "" {
		query = query.Where("collectionId", "==", q.CollectionID)
	}
	if q.Target != "" {
		query = query.Where("target", "==", string(q.Target))
	}
	if q.State != "" {
		query = query.Where("state", "==", string(q.State))
	}
	out, err := s.entries(ctx, query)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FirestoreStore) entries(ctx context.Context, q firestore.Query) ([]*models.DeletionEntry, error) {
	snaps, err := q.Documents(ctx).GetAll()
	if err != nil {
		return nil, fsErr(err, "deletion entries", "")
	}
	out := make([]*models.DeletionEntry, 0, len(snaps))
	for _, snap := range snaps {
		var e models.DeletionEntry
		if err := snap.DataTo(&e); err != nil {
			return nil, fmt.Errorf("failed to decode deletion entry %s: %w", snap.Ref.ID, err)
		}
		out = append(out, &e)
	}
	return out, nil
}

func (s *FirestoreStore) Close() error {
	if err := s.client.Close(); err != nil {
		slog.Warn("Failed to close Firestore client.", "error", err)
		return err
	}
	return nil
}

// fsErr maps gRPC status codes onto the model taxonomy. Errors that already
// carry a taxonomy sentinel pass through.
func fsErr(err error, what, id string) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{store.ErrNoChange, models.ErrConflict, models.ErrNotFound, models.ErrForbidden, models.ErrValidation} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%w: %s %s", models.ErrNotFound, what, id)
	case codes.AlreadyExists:
		return fmt.Errorf("%w: %s %s already exists", models.ErrConflict, what, id)
	}
	return fmt.Errorf("%w: firestore %s %s: %v", models.ErrUpstream, what, id, err)
}
