package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

var errUnavailable = errors.New("service unavailable")

type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	// putErr, when set, decides the fate of each Put after the bytes are read.
	putErr func(ctx context.Context, key string, data []byte) error
	// deleteFailures makes the next n deletes of a key fail; -1 fails forever.
	deleteFailures map[string]int
	deletes        []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{objects: make(map[string][]byte), deleteFailures: make(map[string]int)}
}

func (f *fakeBlobs) Put(ctx context.Context, key string, r io.Reader, _ int64, _ string, _ map[string]string) (models.BlobLocator, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return models.BlobLocator{}, err
	}
	if f.putErr != nil {
		if err := f.putErr(ctx, key, data); err != nil {
			return models.BlobLocator{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return models.BlobLocator{Key: key, URI: "mem://bucket/" + key}, nil
}

func (f *fakeBlobs) Get(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, key)
	if n := f.deleteFailures[key]; n != 0 {
		if n > 0 {
			f.deleteFailures[key] = n - 1
		}
		return fmt.Errorf("%w: delete %s: %v", models.ErrUpstream, key, errUnavailable)
	}
	if _, ok := f.objects[key]; !ok {
		return fmt.Errorf("%w: object %s", models.ErrNotFound, key)
	}
	delete(f.objects, key)
	return nil
}

func (f *fakeBlobs) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (f *fakeBlobs) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

type opResult struct {
	status models.IndexStatus
	detail string
	err    error
}

type fakeIndex struct {
	mu        sync.Mutex
	submitted []models.IndexRequest
	docs      map[string]bool
	ops       map[string]opResult
	submitErr func(req models.IndexRequest) error
	// collections holds the collection metadata each document was
	// submitted with.
	collections map[string]string
	// deleteFailures makes the next n deletes of an id fail; -1 fails forever.
	deleteFailures map[string]int
	deleted        []string
	queries        []models.SearchQuery
	results        []models.SearchResult
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{
		docs:           make(map[string]bool),
		collections:    make(map[string]string),
		ops:            make(map[string]opResult),
		deleteFailures: make(map[string]int),
	}
}

func (f *fakeIndex) Submit(_ context.Context, req models.IndexRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		if err := f.submitErr(req); err != nil {
			return "", err
		}
	}
	f.submitted = append(f.submitted, req)
	f.docs[req.IndexDocumentID] = true
	if cid, ok := req.Metadata["collection"].(string); ok {
		f.collections[req.IndexDocumentID] = cid
	}
	return "operations/import-" + req.IndexDocumentID, nil
}

func (f *fakeIndex) OperationStatus(_ context.Context, handle string) (models.IndexStatus, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.ops[handle]
	if !ok {
		return models.IndexStatusIndexing, "", nil
	}
	return r.status, r.detail, r.err
}

func (f *fakeIndex) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.deleteFailures[id]; n != 0 {
		if n > 0 {
			f.deleteFailures[id] = n - 1
		}
		return fmt.Errorf("%w: delete %s: %v", models.ErrUpstream, id, errUnavailable)
	}
	if !f.docs[id] {
		return fmt.Errorf("%w: index document %s", models.ErrNotFound, id)
	}
	delete(f.docs, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeIndex) List(context.Context) ([]models.IndexedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.IndexedDocument
	for id := range f.docs {
		out = append(out, models.IndexedDocument{ID: id, CollectionID: f.collections[id]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeIndex) Search(_ context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return f.results, nil
}

func (f *fakeIndex) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id]
}

type recordingAlerter struct {
	mu      sync.Mutex
	entries []*models.DeletionEntry
}

func (a *recordingAlerter) Abandoned(_ context.Context, e *models.DeletionEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e.Clone())
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	*Runtime
	store   *store.MemoryStore
	blobs   *fakeBlobs
	index   *fakeIndex
	alerter *recordingAlerter
	clock   *clock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StoreBackend = StoreMemory
	cfg.MaxFileSize = 1 << 20
	cfg.IngestConcurrency = 4
	cfg.DeletionMaxAttempts = 3
	cfg.DeletionInitialDelay = time.Minute
	cfg.DeletionMaxDelay = 10 * time.Minute
	cfg.DeletionAbandonGrace = time.Hour
	cfg.DeletionMaxDeferral = 3 * time.Hour
	cfg.IndexTimeout = time.Hour
	return cfg
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := &harness{
		store:   store.NewMemoryStore(),
		blobs:   newFakeBlobs(),
		index:   newFakeIndex(),
		alerter: &recordingAlerter{},
		clock:   &clock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	h.Runtime = Assemble(cfg, h.store, h.blobs, h.index, h.alerter)
	now := h.clock.Now
	h.Tracker.now = now
	h.Counter.now = now
	h.Registry.now = now
	h.Ingest.now = now
	h.Deletions.now = now
	h.Poller.now = now
	return h
}

func (h *harness) collection(t *testing.T, owner, name string) *models.Collection {
	t.Helper()
	c, err := h.Registry.Create(context.Background(), owner, name, "")
	require.NoError(t, err)
	return c
}

// seedDocument inserts a document row and its blob directly.
func (h *harness) seedDocument(t *testing.T, c *models.Collection, status models.IndexStatus) *models.Document {
	t.Helper()
	ctx := context.Background()
	id := fmt.Sprintf("doc-%d", h.clock.Now().UnixNano())
	h.clock.Advance(time.Second)
	d := &models.Document{
		ID:               id,
		CollectionID:     c.ID,
		Owner:            c.Owner,
		OriginalFilename: id + ".txt",
		BlobKey:          BlobKey(c.ID, id, ".txt"),
		FileType:         ".txt",
		SizeBytes:        5,
		ContentType:      "text/plain",
		IndexStatus:      status,
		UploadedAt:       h.clock.Now(),
		UpdatedAt:        h.clock.Now(),
	}
	if status != models.IndexStatusPending {
		d.IndexDocumentID = id
		d.OperationHandle = "operations/import-" + id
		submitted := h.clock.Now()
		d.SubmittedAt = &submitted
		h.index.mu.Lock()
		h.index.docs[id] = true
		h.index.collections[id] = c.ID
		h.index.mu.Unlock()
	}
	require.NoError(t, h.store.CreateDocument(ctx, d))
	_, err := h.blobs.Put(ctx, d.BlobKey, strings.NewReader("hello"), 5, "text/plain", nil)
	require.NoError(t, err)
	return d
}

// drain runs deletion passes, advancing the clock between them, until the
// queue holds no pending entries or the pass budget runs out.
func (h *harness) drain(t *testing.T, passes int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < passes; i++ {
		_, err := h.Deletions.ProcessDue(ctx)
		require.NoError(t, err)
		stats, err := h.Deletions.Stats(ctx)
		require.NoError(t, err)
		if stats.Pending == 0 {
			return
		}
		h.clock.Advance(h.Config.DeletionMaxDelay)
	}
}

func txt(name, body string) File {
	return File{Filename: name, ContentType: "text/plain", Data: []byte(body)}
}
