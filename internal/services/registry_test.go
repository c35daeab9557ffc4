package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

func TestRegistryCreate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	c, err := h.Registry.Create(ctx, "alice", "  Work Docs  ", "quarterly reports")
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Work Docs", c.Name)
	assert.Equal(t, "alice", c.Owner)
	assert.Zero(t, c.DocumentCount)

	for _, name := range []string{"", "   ", "\t\n", strings.Repeat("x", 256)} {
		_, err := h.Registry.Create(ctx, "alice", name, "")
		assert.ErrorIs(t, err, models.ErrValidation, "name %q", name)
	}

	_, err = h.Registry.Create(ctx, "alice", "Work Docs", "")
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = h.Registry.Create(ctx, "bob", "Work Docs", "")
	assert.NoError(t, err)
}

func TestRegistryList_RecomputesCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	work := h.collection(t, "alice", "Work Docs")
	h.clock.Advance(1)
	home := h.collection(t, "alice", "Home")
	h.collection(t, "bob", "Other")

	h.seedDocument(t, work, models.IndexStatusIndexed)
	h.seedDocument(t, work, models.IndexStatusFailed)
	gone := h.seedDocument(t, work, models.IndexStatusIndexed)
	_, err := h.store.UpdateDocument(ctx, gone.ID, func(d *models.Document) error {
		d.DeletionRequested = true
		return nil
	})
	require.NoError(t, err)

	// A stale stored count must never leak out.
	_, err = h.store.UpdateCollection(ctx, home.ID, func(c *models.Collection) error {
		c.DocumentCount = 42
		return nil
	})
	require.NoError(t, err)

	list, err := h.Registry.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, home.ID, list[0].ID)
	assert.Equal(t, 0, list[0].DocumentCount)
	assert.Equal(t, work.ID, list[1].ID)
	assert.Equal(t, 2, list[1].DocumentCount)

	stored, err := h.store.GetCollection(ctx, work.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.DocumentCount)
}

func TestRegistryGet_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")

	got, err := h.Registry.Get(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)

	_, err = h.Registry.Get(ctx, "mallory", c.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.Registry.Get(ctx, "alice", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRegistryRename(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	h.collection(t, "alice", "Home")

	desc := "renamed"
	got, err := h.Registry.Rename(ctx, "alice", c.ID, "Office", &desc)
	require.NoError(t, err)
	assert.Equal(t, "Office", got.Name)
	assert.Equal(t, "renamed", got.Description)

	got, err = h.Registry.Rename(ctx, "alice", c.ID, "Office 2", nil)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Description)

	_, err = h.Registry.Rename(ctx, "alice", c.ID, "Home", nil)
	assert.ErrorIs(t, err, models.ErrConflict)

	_, err = h.Registry.Rename(ctx, "alice", c.ID, " ", nil)
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = h.Registry.Rename(ctx, "bob", c.ID, "Mine", nil)
	assert.ErrorIs(t, err, models.ErrForbidden)
}

func TestRegistryDelete_ReturnsAcceptedAndHides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")
	h.seedDocument(t, c, models.IndexStatusIndexed)
	h.seedDocument(t, c, models.IndexStatusFailed)

	receipt, err := h.Registry.Delete(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, "accepted", receipt.Status)
	assert.Equal(t, c.ID, receipt.TargetID)
	assert.Equal(t, 2, receipt.Documents)
	assert.Len(t, receipt.EntryIDs, 3)

	// Nothing has been removed yet; the work is queued.
	assert.Len(t, h.blobs.objects, 2)
	stats, err := h.Deletions.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)

	list, err := h.Registry.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = h.Registry.Get(ctx, "alice", c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = h.Registry.Delete(ctx, "alice", c.ID)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRegistryDelete_ReleasesNameImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.collection(t, "alice", "Work Docs")
	h.seedDocument(t, old, models.IndexStatusIndexed)

	_, err := h.Registry.Delete(ctx, "alice", old.ID)
	require.NoError(t, err)

	recreated, err := h.Registry.Create(ctx, "alice", "Work Docs", "")
	require.NoError(t, err, "the name is free while the old cascade runs")
	assert.NotEqual(t, old.ID, recreated.ID)
	kept := h.seedDocument(t, recreated, models.IndexStatusIndexed)

	_, err = h.Registry.Create(ctx, "alice", "Work Docs", "")
	assert.ErrorIs(t, err, models.ErrConflict)

	h.drain(t, 5)
	got, err := h.Registry.Get(ctx, "alice", recreated.ID)
	require.NoError(t, err)
	assert.Equal(t, "Work Docs", got.Name)
	assert.Equal(t, 1, got.DocumentCount)
	assert.True(t, h.blobs.has(kept.BlobKey))
}

func TestRegistryDelete_Authorization(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c := h.collection(t, "alice", "Work Docs")

	_, err := h.Registry.Delete(ctx, "mallory", c.ID)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.Registry.Delete(ctx, "alice", "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	got, err := h.Registry.Get(ctx, "alice", c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestRegistryListDocuments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	work := h.collection(t, "alice", "Work Docs")
	home := h.collection(t, "alice", "Home")
	first := h.seedDocument(t, work, models.IndexStatusIndexed)
	second := h.seedDocument(t, work, models.IndexStatusFailed)
	h.seedDocument(t, home, models.IndexStatusIndexed)

	page, err := h.Registry.ListDocuments(ctx, "alice", work.ID, "", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	assert.Equal(t, 100, page.Limit)
	require.Len(t, page.Documents, 2)
	assert.Equal(t, second.ID, page.Documents[0].ID)
	assert.Equal(t, first.ID, page.Documents[1].ID)

	page, err = h.Registry.ListDocuments(ctx, "alice", "", models.IndexStatusIndexed, 5000, -1)
	require.NoError(t, err)
	assert.Equal(t, 1000, page.Limit)
	assert.Equal(t, 0, page.Offset)
	assert.Equal(t, 2, page.Total)

	page, err = h.Registry.ListDocuments(ctx, "bob", "", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Documents)
	assert.NotNil(t, page.Documents)

	_, err = h.Registry.ListDocuments(ctx, "bob", work.ID, "", 10, 0)
	assert.ErrorIs(t, err, models.ErrForbidden)

	_, err = h.Registry.ListDocuments(ctx, "alice", "", "archived", 10, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}
