package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

func TestOrphanScanner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	work := h.collection(t, "alice", "Work Docs")
	home := h.collection(t, "alice", "Home")
	kept := h.seedDocument(t, work, models.IndexStatusIndexed)
	queued := h.seedDocument(t, home, models.IndexStatusFailed)
	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", queued.ID)
	require.NoError(t, err)

	put := func(key string) {
		_, err := h.blobs.Put(ctx, key, strings.NewReader("x"), 1, "text/plain", nil)
		require.NoError(t, err)
	}
	strayWork := CollectionPrefix(work.ID) + "lost.pdf"
	strayGone := CollectionPrefix("deleted-collection") + "old.txt"
	put(strayWork)
	put(strayGone)
	put("collections/loose-file.txt")
	put("exports/report.csv")

	orphans, err := h.Orphans.FindOrphans(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{strayWork, strayGone, "collections/loose-file.txt"}, orphans)
	assert.NotContains(t, orphans, kept.BlobKey)
	assert.NotContains(t, orphans, queued.BlobKey, "the deletion queue owns queued blobs")

	scoped, err := h.Orphans.FindOrphans(ctx, work.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{strayWork}, scoped)

	n, err := h.Orphans.DeleteOrphans(ctx, orphans)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, h.blobs.has(kept.BlobKey))
	assert.True(t, h.blobs.has("exports/report.csv"))

	again, err := h.Orphans.FindOrphans(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestCollectionOf(t *testing.T) {
	tests := []struct {
		key  string
		want string
		ok   bool
	}{
		{"collections/c1/d1.pdf", "c1", true},
		{"collections/c1/", "c1", true},
		{"collections/file.txt", "", false},
		{"collections//d.txt", "", false},
		{"other/c1/d1.pdf", "", false},
	}
	for _, tt := range tests {
		got, ok := collectionOf(tt.key)
		assert.Equal(t, tt.want, got, tt.key)
		assert.Equal(t, tt.ok, ok, tt.key)
	}
}

func TestFindIndexOrphans(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	work := h.collection(t, "alice", "Work Docs")
	kept := h.seedDocument(t, work, models.IndexStatusIndexed)
	unrecorded := h.seedDocument(t, work, models.IndexStatusPending)
	retrying := h.seedDocument(t, work, models.IndexStatusIndexed)

	h.index.mu.Lock()
	h.index.docs[unrecorded.ID] = true
	h.index.collections[unrecorded.ID] = work.ID
	for id, cid := range map[string]string{"ghost": work.ID, "old": "deleted-collection", "loose": ""} {
		h.index.docs[id] = true
		h.index.collections[id] = cid
	}
	h.index.deleteFailures[retrying.IndexDocumentID] = -1
	h.index.mu.Unlock()

	// The row goes away but the index sub-goal keeps retrying.
	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", retrying.ID)
	require.NoError(t, err)
	_, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	_, err = h.store.GetDocument(ctx, retrying.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	ids := func(docs []models.IndexedDocument) []string {
		var out []string
		for _, d := range docs {
			out = append(out, d.ID)
		}
		return out
	}

	orphans, err := h.Orphans.FindIndexOrphans(ctx, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ghost", "old", "loose"}, ids(orphans))

	scoped, err := h.Orphans.FindIndexOrphans(ctx, work.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, ids(scoped))

	n, err := h.Orphans.DeleteIndexOrphans(ctx, orphans)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, h.index.has(kept.IndexDocumentID))
	assert.True(t, h.index.has(unrecorded.ID))
	assert.False(t, h.index.has("ghost"))

	again, err := h.Orphans.FindIndexOrphans(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestFindOrphans_SkipsBlobsOwnedByQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	work := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, work, models.IndexStatusIndexed)
	h.blobs.deleteFailures[d.BlobKey] = -1

	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	require.NoError(t, err)
	_, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	_, err = h.store.GetDocument(ctx, d.ID)
	require.ErrorIs(t, err, models.ErrNotFound)
	require.True(t, h.blobs.has(d.BlobKey))

	orphans, err := h.Orphans.FindOrphans(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, orphans, "the deletion queue still owns the blob")
}
