package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Minute, MaxDelay: 10 * time.Minute}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{40, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestRequestDocumentDelete_InFlightConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusIndexing)

	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	stored, err := h.store.GetDocument(ctx, d.ID)
	require.NoError(t, err)
	assert.False(t, stored.DeletionRequested)

	_, err = h.Tracker.RecordIndexOutcome(ctx, d.ID, models.IndexStatusIndexed, "")
	require.NoError(t, err)

	receipt, err := h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", receipt.Status)
	assert.Equal(t, d.ID, receipt.TargetID)
	require.Len(t, receipt.EntryIDs, 1)

	// The count drops as soon as the request is accepted.
	stored2, err := h.store.GetCollection(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, stored2.DocumentCount)

	page, err := h.Registry.ListDocuments(ctx, "alice", c.ID, "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Documents)

	h.drain(t, 5)

	_, err = h.store.GetDocument(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, h.blobs.has(d.BlobKey))
	assert.False(t, h.index.has(d.IndexDocumentID))
	stats, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestRequestDocumentDelete_Rejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusFailed)

	_, err := h.Deletions.RequestDocumentDelete(ctx, "mallory", d.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.Deletions.RequestDocumentDelete(ctx, "alice", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	require.NoError(t, err)
	_, err = h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "a second request sees the document as gone")
}

func TestForceDelete_SkipsOwnerButNotInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	pending := h.seedDocument(t, c, models.IndexStatusPending)
	done := h.seedDocument(t, c, models.IndexStatusIndexed)

	_, err := h.Deletions.ForceDelete(ctx, pending.ID)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = h.Deletions.ForceDelete(ctx, done.ID)
	assert.NoError(t, err)
}

func TestProcessDue_RetriesWithBackoff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusIndexed)
	h.blobs.deleteFailures[d.BlobKey] = 2

	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	require.NoError(t, err)

	stats, err := h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessStats{Retried: 1}, stats)

	// The row and index entry went on the first pass; only the blob remains.
	_, err = h.store.GetDocument(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, h.index.has(d.IndexDocumentID))

	entries, err := h.store.ListDeletionEntries(ctx, store.DeletionQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.True(t, e.Relational.Done)
	assert.True(t, e.Index.Done)
	assert.False(t, e.Blob.Done)
	assert.Equal(t, 1, e.Blob.Attempts)
	assert.Equal(t, h.clock.Now().Add(time.Minute), e.DueAt)
	assert.Contains(t, e.LastError, "blob:")

	// Not yet due.
	h.clock.Advance(30 * time.Second)
	stats, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessStats{}, stats)

	h.clock.Advance(30 * time.Second)
	stats, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessStats{Retried: 1}, stats)

	entries, err = h.store.ListDeletionEntries(ctx, store.DeletionQuery{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Blob.Attempts)
	assert.Equal(t, h.clock.Now().Add(2*time.Minute), entries[0].DueAt)

	h.clock.Advance(2 * time.Minute)
	stats, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessStats{Completed: 1}, stats)
	assert.False(t, h.blobs.has(d.BlobKey))
	assert.Zero(t, h.alerter.count())
}

func TestProcessDue_AbandonsAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusIndexed)
	h.blobs.deleteFailures[d.BlobKey] = -1

	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	require.NoError(t, err)

	h.drain(t, 10)

	stats, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Pending: 0, Abandoned: 1, Total: 1}, stats)
	require.Equal(t, 1, h.alerter.count())

	abandoned, err := h.Deletions.ListAbandoned(ctx)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	e := abandoned[0]
	assert.Equal(t, d.ID, e.TargetID)
	assert.Equal(t, d.BlobKey, e.BlobKey)
	assert.Equal(t, 3, e.Blob.Attempts)
	assert.True(t, e.Relational.Done)
	require.NotNil(t, e.AbandonedAt)
	assert.Contains(t, e.LastError, errUnavailable.Error())

	// Abandoned entries are never picked up again.
	h.clock.Advance(24 * time.Hour)
	_, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.alerter.count())
	assert.Len(t, h.blobs.deletes, 3)
}

func TestProcessDue_IndexNotFoundCountsAsDone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusIndexed)
	h.index.mu.Lock()
	delete(h.index.docs, d.IndexDocumentID)
	h.index.mu.Unlock()

	_, err := h.Deletions.RequestDocumentDelete(ctx, "alice", d.ID)
	require.NoError(t, err)
	stats, err := h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ProcessStats{Completed: 1}, stats)
}

func TestCollectionDelete_ConvergesAfterIndexing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	indexed := h.seedDocument(t, c, models.IndexStatusIndexed)
	inflight := h.seedDocument(t, c, models.IndexStatusPending)
	// A blob nothing references still goes with the collection prefix.
	_, err := h.blobs.Put(ctx, CollectionPrefix(c.ID)+"stray.txt", strings.NewReader("x"), 1, "text/plain", nil)
	require.NoError(t, err)

	receipt, err := h.Registry.Delete(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, receipt.Documents)

	stats, err := h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 2, stats.Deferred)

	// The in-flight document stays until indexing settles.
	_, err = h.store.GetDocument(ctx, inflight.ID)
	require.NoError(t, err)
	_, err = h.store.GetCollection(ctx, c.ID)
	require.NoError(t, err)

	_, err = h.Tracker.RecordIngestAccepted(ctx, inflight.ID, Submission{Handle: "op-late", IndexDocumentID: inflight.ID})
	require.NoError(t, err)
	h.index.mu.Lock()
	h.index.docs[inflight.ID] = true
	h.index.mu.Unlock()
	require.NoError(t, h.Tracker.Deliver(ctx, models.IndexOutcome{DocumentID: inflight.ID, Status: models.IndexStatusIndexed}))

	h.drain(t, 10)

	_, err = h.store.GetCollection(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	for _, d := range []*models.Document{indexed, inflight} {
		_, err = h.store.GetDocument(ctx, d.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
		assert.False(t, h.index.has(d.ID))
	}
	assert.Empty(t, h.blobs.objects)

	qs, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, qs.Total)
}

func TestCollectionDelete_AbandonedChildBlocksUntilGrace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusIndexed)
	h.blobs.deleteFailures[d.BlobKey] = 3

	_, err := h.Registry.Delete(ctx, "alice", c.ID)
	require.NoError(t, err)

	h.drain(t, 5)
	require.Equal(t, 1, h.alerter.count())
	stats, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Abandoned)

	_, err = h.store.GetCollection(ctx, c.ID)
	require.NoError(t, err, "collection record waits out the grace period")

	h.clock.Advance(h.Config.DeletionAbandonGrace)
	ps, err := h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ps.Completed)

	_, err = h.store.GetCollection(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, h.blobs.has(d.BlobKey), "the prefix sweep removes what the child left")

	stats, err = h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Abandoned: 1, Total: 1}, stats)
}

func TestEnqueueCollection_ReusesQueuedEntry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	h.seedDocument(t, c, models.IndexStatusIndexed)

	first, err := h.Deletions.EnqueueCollection(ctx, c)
	require.NoError(t, err)
	second, err := h.Deletions.EnqueueCollection(ctx, c)
	require.NoError(t, err)

	assert.Equal(t, 1, first.Documents)
	assert.Zero(t, second.Documents)
	require.Len(t, second.EntryIDs, 1)
	assert.Equal(t, first.EntryIDs[len(first.EntryIDs)-1], second.EntryIDs[0])

	stats, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestProcessDue_AbandonsEntryStuckOnInFlightDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	stuck := h.seedDocument(t, c, models.IndexStatusPending)

	_, err := h.Registry.Delete(ctx, "alice", c.ID)
	require.NoError(t, err)

	// No poller runs here, so nothing ever moves the document out of pending.
	for i := 0; i < 20; i++ {
		_, err := h.Deletions.ProcessDue(ctx)
		require.NoError(t, err)
		h.clock.Advance(30 * time.Minute)
	}

	require.Equal(t, 1, h.alerter.count())
	abandoned, err := h.Deletions.ListAbandoned(ctx)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, stuck.ID, abandoned[0].TargetID)
	assert.Contains(t, abandoned[0].LastError, "document is pending")

	_, err = h.store.GetCollection(ctx, c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound, "the collection finishes once the grace period passes")
	assert.False(t, h.blobs.has(stuck.BlobKey))

	stats, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Abandoned: 1, Total: 1}, stats)
}

func TestProcessDue_WaitsForIndexingWithoutAbandoning(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	d := h.seedDocument(t, c, models.IndexStatusIndexing)

	_, err := h.Deletions.ForceDelete(ctx, d.ID)
	assert.ErrorIs(t, err, models.ErrConflict)
	_, err = h.Registry.Delete(ctx, "alice", c.ID)
	require.NoError(t, err)

	_, err = h.Deletions.ProcessDue(ctx)
	require.NoError(t, err)
	entries, err := h.store.ListDeletionEntries(ctx, store.DeletionQuery{Target: models.DeletionTargetDocument})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].DeferredSince)

	h.clock.Advance(2 * time.Hour)
	_, err = h.Tracker.RecordIndexOutcome(ctx, d.ID, models.IndexStatusIndexed, "")
	require.NoError(t, err)

	h.drain(t, 10)
	assert.Zero(t, h.alerter.count())
	assert.False(t, h.index.has(d.IndexDocumentID))
}
