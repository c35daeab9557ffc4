package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/monitoring"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

// Submission is the result of synchronously handing one document to the
// indexing backend.
type Submission struct {
	Handle          string
	IndexDocumentID string
	BlobURI         string
	Err             error
}

// LifecycleTracker owns the index-status state machine of every document.
// All transitions go through a store update so concurrent signals for the same
// document serialize on its row.
type LifecycleTracker struct {
	store store.Store
	now   func() time.Time
}

// NewLifecycleTracker returns a tracker over s.
func NewLifecycleTracker(s store.Store) *LifecycleTracker {
	return &LifecycleTracker{store: s, now: time.Now}
}

// RecordIngestAccepted moves a pending document to indexing when sub.Err is
// nil, or to failed with the error detail otherwise. A document that already
// left pending keeps its state: a terminal outcome may have been delivered
// before the acceptance was recorded.
func (t *LifecycleTracker) RecordIngestAccepted(ctx context.Context, documentID string, sub Submission) (*models.Document, error) {
	logCtx := slog.With("documentId", documentID)
	next := models.IndexStatusIndexing
	if sub.Err != nil {
		next = models.IndexStatusFailed
	}

	var from models.IndexStatus
	doc, err := t.store.UpdateDocument(ctx, documentID, func(d *models.Document) error {
		from = d.IndexStatus
		if d.IndexStatus != models.IndexStatusPending {
			return store.ErrNoChange
		}
		now := t.now().UTC()
		d.IndexStatus = next
		d.UpdatedAt = now
		if sub.BlobURI != "" {
			d.BlobURI = sub.BlobURI
		}
		if sub.Err != nil {
			d.ErrorDetails = sub.Err.Error()
			return nil
		}
		d.OperationHandle = sub.Handle
		d.IndexDocumentID = sub.IndexDocumentID
		d.SubmittedAt = &now
		return nil
	})
	if isNoChange(err) {
		logCtx.Warn("Ingest acceptance arrived after document left pending; ignoring.", "status", doc.IndexStatus)
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record ingest acceptance: %w", err)
	}
	monitoring.IndexTransitions.WithLabelValues(string(from), string(next)).Inc()
	if sub.Err != nil {
		logCtx.Error("Index submission failed; document marked failed.", "error", sub.Err)
	} else {
		logCtx.Info("Document submitted for indexing.", "operation", sub.Handle)
	}
	return doc, nil
}

// RecordIndexOutcome applies a terminal outcome. Re-applying the current
// terminal outcome is a no-op; moving a terminal document to a different
// terminal state fails with models.ErrInvalidTransition and leaves it as is.
func (t *LifecycleTracker) RecordIndexOutcome(ctx context.Context, documentID string, outcome models.IndexStatus, detail string) (*models.Document, error) {
	if !outcome.Terminal() {
		return nil, fmt.Errorf("%w: outcome %q is not terminal", models.ErrValidation, outcome)
	}
	logCtx := slog.With("documentId", documentID, "outcome", outcome)

	var from models.IndexStatus
	doc, err := t.store.UpdateDocument(ctx, documentID, func(d *models.Document) error {
		from = d.IndexStatus
		if d.IndexStatus == outcome {
			return store.ErrNoChange
		}
		if !d.IndexStatus.CanTransitionTo(outcome) {
			return fmt.Errorf("%w: document %s is %s, refusing %s", models.ErrInvalidTransition, d.ID, d.IndexStatus, outcome)
		}
		now := t.now().UTC()
		d.IndexStatus = outcome
		d.UpdatedAt = now
		if outcome == models.IndexStatusIndexed {
			d.IndexedAt = &now
			d.ErrorDetails = ""
		} else {
			d.ErrorDetails = detail
		}
		return nil
	})
	switch {
	case isNoChange(err):
		logCtx.Info("Duplicate index outcome ignored.")
		return doc, nil
	case errors.Is(err, models.ErrInvalidTransition):
		logCtx.Warn("Contradictory index outcome rejected.", "current", from)
		return doc, err
	case err != nil:
		return nil, fmt.Errorf("failed to record index outcome: %w", err)
	}
	monitoring.IndexTransitions.WithLabelValues(string(from), string(outcome)).Inc()
	logCtx.Info("Index outcome applied.", "from", from)
	return doc, nil
}

// Deliver applies an inbound outcome signal. Signals that cannot apply are
// logged and dropped.
func (t *LifecycleTracker) Deliver(ctx context.Context, o models.IndexOutcome) error {
	if !o.Status.Terminal() {
		slog.Warn("Non-terminal or unknown index signal dropped.", "documentId", o.DocumentID, "status", o.Status)
		return nil
	}
	_, err := t.RecordIndexOutcome(ctx, o.DocumentID, o.Status, o.Detail)
	if errors.Is(err, models.ErrInvalidTransition) {
		return nil
	}
	if isNotFound(err) {
		slog.Warn("Index outcome for unknown document dropped.", "documentId", o.DocumentID)
		return nil
	}
	return err
}

// Consume delivers outcomes from ch until it is closed or ctx is done.
func (t *LifecycleTracker) Consume(ctx context.Context, ch <-chan models.IndexOutcome) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-ch:
			if !ok {
				return nil
			}
			if err := t.Deliver(ctx, o); err != nil {
				slog.Error("Failed to deliver index outcome.", "documentId", o.DocumentID, "error", err)
			}
		}
	}
}

// CanDelete reports whether d may be deleted without racing the indexing
// backend's read of its bytes.
func (t *LifecycleTracker) CanDelete(d *models.Document) bool {
	return !d.IndexStatus.InFlight()
}
