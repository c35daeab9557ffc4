package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// MemoryStore is a process-local Store. It backs tests and single-instance
// development runs; every record handed out is a copy.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*models.Collection
	documents   map[string]*models.Document
	entries     map[string]*models.DeletionEntry
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*models.Collection),
		documents:   make(map[string]*models.Document),
		entries:     make(map[string]*models.DeletionEntry),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) CreateCollection(_ context.Context, c *models.Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[c.ID]; ok {
		return fmt.Errorf("%w: collection %s already exists", models.ErrConflict, c.ID)
	}
	if s.nameTaken(c.Owner, c.Name, c.ID) {
		return fmt.Errorf("%w: collection named %q already exists", models.ErrConflict, c.Name)
	}
	s.collections[c.ID] = c.Clone()
	return nil
}

func (s *MemoryStore) GetCollection(_ context.Context, id string) (*models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", models.ErrNotFound, id)
	}
	return c.Clone(), nil
}

func (s *MemoryStore) ListCollections(_ context.Context, owner string) ([]*models.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Collection
	for _, c := range s.collections {
		if c.Owner == owner && !c.Deleting {
			out = append(out, c.Clone())
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

func (s *MemoryStore) UpdateCollection(_ context.Context, id string, fn func(*models.Collection) error) (*models.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.collections[id]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", models.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return cur.Clone(), err
	}
	if !next.Deleting && s.nameTaken(next.Owner, next.Name, id) {
		return cur.Clone(), fmt.Errorf("%w: collection named %q already exists", models.ErrConflict, next.Name)
	}
	s.collections[id] = next
	return next.Clone(), nil
}

// nameTaken reports whether another live collection of owner uses name.
// Collections being deleted release their name.
func (s *MemoryStore) nameTaken(owner, name, selfID string) bool {
	for _, other := range s.collections {
		if other.ID != selfID && !other.Deleting && other.Owner == owner && other.Name == name {
			return true
		}
	}
	return false
}

func (s *MemoryStore) DeleteCollection(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, id)
	return nil
}

func (s *MemoryStore) CreateDocument(_ context.Context, d *models.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[d.ID]; ok {
		return fmt.Errorf("%w: document %s already exists", models.ErrConflict, d.ID)
	}
	s.documents[d.ID] = d.Clone()
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) UpdateDocument(_ context.Context, id string, fn func(*models.Document) error) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return cur.Clone(), err
	}
	s.documents[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents, id)
	return nil
}

// ListDocuments returns matches newest first. A Limit of zero or less returns
// every match.
func (s *MemoryStore) ListDocuments(_ context.Context, q DocumentQuery) ([]*models.Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*models.Document
	for _, d := range s.documents {
		if matchesDocument(d, q) {
			matched = append(matched, d)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].UploadedAt.Equal(matched[j].UploadedAt) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].UploadedAt.After(matched[j].UploadedAt)
	})
	total := len(matched)
	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	out := make([]*models.Document, 0, len(matched))
	for _, d := range matched {
		out = append(out, d.Clone())
	}
	return out, total, nil
}

func matchesDocument(d *models.Document, q DocumentQuery) bool {
	if q.Owner != "" && d.Owner != q.Owner {
		return false
	}
	if q.CollectionID != "" && d.CollectionID != q.CollectionID {
		return false
	}
	if q.Status != "" && d.IndexStatus != q.Status {
		return false
	}
	return q.IncludeDeleting || !d.DeletionRequested
}

func (s *MemoryStore) RecountCollection(_ context.Context, id string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collections[id]
	if !ok {
		return 0, fmt.Errorf("%w: collection %s", models.ErrNotFound, id)
	}
	n := 0
	for _, d := range s.documents {
		if d.CollectionID == id && !d.DeletionRequested {
			n++
		}
	}
	if c.DocumentCount != n {
		next := c.Clone()
		next.DocumentCount = n
		next.UpdatedAt = at
		s.collections[id] = next
	}
	return n, nil
}

func (s *MemoryStore) CreateDeletionEntry(_ context.Context, e *models.DeletionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[e.ID]; ok {
		return fmt.Errorf("%w: deletion entry %s already exists", models.ErrConflict, e.ID)
	}
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) SaveDeletionEntry(_ context.Context, e *models.DeletionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) DeleteDeletionEntry(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) ListDueDeletionEntries(_ context.Context, now time.Time, limit int) ([]*models.DeletionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.DeletionEntry
	for _, e := range s.entries {
		if e.State == models.DeletionStatePending && !e.DueAt.After(now) {
			due = append(due, e.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ListDeletionEntries(_ context.Context, q DeletionQuery) ([]*models.DeletionEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.DeletionEntry
	for _, e := range s.entries {
		if q.CollectionID != "" && e.CollectionID != q.CollectionID {
			continue
		}
		if q.Target != "" && e.Target != q.Target {
			continue
		}
		if q.State != "" && e.State != q.State {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
