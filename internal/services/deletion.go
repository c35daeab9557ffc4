package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/monitoring"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

const (
	processBatchSize = 100
	receiptAccepted  = "accepted"
)

// RetryPolicy bounds how long a deletion sub-goal keeps retrying.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// AbandonGrace is how long an abandoned document entry keeps blocking
	// the deletion of its collection.
	AbandonGrace time.Duration
	// MaxDeferral is how long a document entry may wait on a document that
	// is still pending or indexing before it is abandoned.
	MaxDeferral time.Duration
}

// Delay is the wait after the given failed attempt: InitialDelay doubled per
// earlier failure, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// ProcessStats summarises one pass over the due queue entries.
type ProcessStats struct {
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Abandoned int `json:"abandoned"`
	Deferred  int `json:"deferred"`
	Errors    int `json:"errors"`
}

type processResult int

const (
	resultCompleted processResult = iota
	resultRetried
	resultAbandoned
	resultDeferred
)

// LogAlerter reports abandoned entries at error level.
type LogAlerter struct{}

func (LogAlerter) Abandoned(_ context.Context, e *models.DeletionEntry) {
	slog.Error("ALERT: deletion abandoned after exhausting retries; manual cleanup required.",
		"entryId", e.ID,
		"target", e.Target,
		"targetId", e.TargetID,
		"collectionId", e.CollectionID,
		"blobKey", e.BlobKey,
		"indexDocumentId", e.IndexDocumentID,
		"relationalDone", e.Relational.Done,
		"blobDone", e.Blob.Done,
		"indexDone", e.Index.Done,
		"lastError", e.LastError,
	)
}

// DeletionOrchestrator removes documents and collections from the relational
// store, the blob store and the search index. Requests only enqueue work;
// ProcessDue drives every entry to completion or abandonment.
type DeletionOrchestrator struct {
	store   store.Store
	blobs   BlobStore
	index   IndexBackend
	tracker *LifecycleTracker
	counter *CollectionCounter
	alerter Alerter
	policy  RetryPolicy
	now     func() time.Time
}

// NewDeletionOrchestrator wires an orchestrator. A nil alerter logs.
func NewDeletionOrchestrator(s store.Store, blobs BlobStore, index IndexBackend, tracker *LifecycleTracker,
	counter *CollectionCounter, alerter Alerter, policy RetryPolicy) *DeletionOrchestrator {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &DeletionOrchestrator{
		store:   s,
		blobs:   blobs,
		index:   index,
		tracker: tracker,
		counter: counter,
		alerter: alerter,
		policy:  policy,
		now:     time.Now,
	}
}

// RequestDocumentDelete queues owner's document for deletion. It fails with
// models.ErrConflict while the document is still being indexed; the check
// runs in the same transaction that marks the document.
func (o *DeletionOrchestrator) RequestDocumentDelete(ctx context.Context, owner, documentID string) (*models.DeletionReceipt, error) {
	return o.requestDocumentDelete(ctx, documentID, func(d *models.Document) error {
		if d.Owner != owner {
			return fmt.Errorf("%w: document %s is not owned by caller", models.ErrForbidden, d.ID)
		}
		return nil
	})
}

// ForceDelete queues a document without an owner check. The in-flight rule
// still applies.
func (o *DeletionOrchestrator) ForceDelete(ctx context.Context, documentID string) (*models.DeletionReceipt, error) {
	return o.requestDocumentDelete(ctx, documentID, nil)
}

func (o *DeletionOrchestrator) requestDocumentDelete(ctx context.Context, documentID string, authorize func(*models.Document) error) (*models.DeletionReceipt, error) {
	logCtx := slog.With("documentId", documentID)
	doc, err := o.store.UpdateDocument(ctx, documentID, func(d *models.Document) error {
		if d.DeletionRequested {
			return fmt.Errorf("%w: document %s", models.ErrNotFound, d.ID)
		}
		if authorize != nil {
			if err := authorize(d); err != nil {
				return err
			}
		}
		if !o.tracker.CanDelete(d) {
			return fmt.Errorf("%w: document %s is %s; retry once indexing finishes", models.ErrConflict, d.ID, d.IndexStatus)
		}
		d.DeletionRequested = true
		d.UpdatedAt = o.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := o.newDocumentEntry(doc, false)
	if err := o.store.CreateDeletionEntry(ctx, entry); err != nil {
		if _, rerr := o.store.UpdateDocument(context.WithoutCancel(ctx), documentID, func(d *models.Document) error {
			d.DeletionRequested = false
			return nil
		}); rerr != nil {
			logCtx.Error("Failed to clear deletion flag after enqueue failure.", "error", rerr)
		}
		return nil, fmt.Errorf("failed to enqueue document deletion: %w", err)
	}
	logCtx.Info("Document deletion enqueued.", "entryId", entry.ID)

	if _, err := o.counter.Refresh(ctx, doc.CollectionID); err != nil {
		logCtx.Warn("Failed to refresh document count after delete request.", "error", err)
	}
	return &models.DeletionReceipt{Status: receiptAccepted, TargetID: doc.ID, EntryIDs: []string{entry.ID}}, nil
}

func (o *DeletionOrchestrator) newDocumentEntry(d *models.Document, cascade bool) *models.DeletionEntry {
	now := o.now().UTC()
	e := &models.DeletionEntry{
		ID:              uuid.NewString(),
		Target:          models.DeletionTargetDocument,
		TargetID:        d.ID,
		CollectionID:    d.CollectionID,
		Owner:           d.Owner,
		Filename:        d.OriginalFilename,
		BlobKey:         d.BlobKey,
		IndexDocumentID: d.IndexDocumentID,
		Cascade:         cascade,
		State:           models.DeletionStatePending,
		DueAt:           now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	e.Blob.Done = d.BlobKey == ""
	e.Index.Done = d.IndexDocumentID == ""
	return e
}

// EnqueueCollection queues every live member document and then the
// collection record itself. Documents still being indexed are queued too;
// their entries wait until indexing finishes.
func (o *DeletionOrchestrator) EnqueueCollection(ctx context.Context, c *models.Collection) (*models.DeletionReceipt, error) {
	logCtx := slog.With("collectionId", c.ID)
	docs, _, err := o.store.ListDocuments(ctx, store.DocumentQuery{CollectionID: c.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list member documents: %w", err)
	}

	receipt := &models.DeletionReceipt{Status: receiptAccepted, TargetID: c.ID}
	for _, d := range docs {
		entry, err := o.enqueueCascade(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			receipt.EntryIDs = append(receipt.EntryIDs, entry.ID)
			receipt.Documents++
		}
	}

	existing, err := o.store.ListDeletionEntries(ctx, store.DeletionQuery{CollectionID: c.ID, Target: models.DeletionTargetCollection})
	if err != nil {
		return nil, fmt.Errorf("failed to check for a queued collection deletion: %w", err)
	}
	if len(existing) > 0 {
		receipt.EntryIDs = append(receipt.EntryIDs, existing[0].ID)
		return receipt, nil
	}

	now := o.now().UTC()
	entry := &models.DeletionEntry{
		ID:           uuid.NewString(),
		Target:       models.DeletionTargetCollection,
		TargetID:     c.ID,
		CollectionID: c.ID,
		Owner:        c.Owner,
		BlobKey:      CollectionPrefix(c.ID),
		Cascade:      true,
		State:        models.DeletionStatePending,
		DueAt:        now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// Member index entries are removed per document.
	entry.Index.Done = true
	if err := o.store.CreateDeletionEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue collection deletion: %w", err)
	}
	receipt.EntryIDs = append(receipt.EntryIDs, entry.ID)
	logCtx.Info("Collection deletion enqueued.", "documents", receipt.Documents)
	return receipt, nil
}

// enqueueCascade marks one member document and queues it. A document already
// marked yields a nil entry.
func (o *DeletionOrchestrator) enqueueCascade(ctx context.Context, documentID string) (*models.DeletionEntry, error) {
	doc, err := o.store.UpdateDocument(ctx, documentID, func(d *models.Document) error {
		if d.DeletionRequested {
			return store.ErrNoChange
		}
		d.DeletionRequested = true
		d.UpdatedAt = o.now().UTC()
		return nil
	})
	if isNoChange(err) || isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark document %s for deletion: %w", documentID, err)
	}
	entry := o.newDocumentEntry(doc, true)
	if err := o.store.CreateDeletionEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue deletion of document %s: %w", documentID, err)
	}
	return entry, nil
}

// ProcessDue runs one pass over the entries that are due now.
func (o *DeletionOrchestrator) ProcessDue(ctx context.Context) (ProcessStats, error) {
	var stats ProcessStats
	entries, err := o.store.ListDueDeletionEntries(ctx, o.now().UTC(), processBatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list due deletion entries: %w", err)
	}
	for _, e := range entries {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		var res processResult
		switch e.Target {
		case models.DeletionTargetCollection:
			res, err = o.processCollection(ctx, e)
		default:
			res, err = o.processDocument(ctx, e)
		}
		if err != nil {
			slog.Error("Failed to process deletion entry.", "entryId", e.ID, "targetId", e.TargetID, "error", err)
			stats.Errors++
			continue
		}
		switch res {
		case resultCompleted:
			stats.Completed++
		case resultRetried:
			stats.Retried++
		case resultAbandoned:
			stats.Abandoned++
		case resultDeferred:
			stats.Deferred++
		}
	}
	if len(entries) > 0 {
		slog.Info("Deletion pass complete.", "completed", stats.Completed, "retried", stats.Retried,
			"abandoned", stats.Abandoned, "deferred", stats.Deferred, "errors", stats.Errors)
	}
	return stats, nil
}

func (o *DeletionOrchestrator) processDocument(ctx context.Context, e *models.DeletionEntry) (processResult, error) {
	now := o.now().UTC()
	doc, err := o.store.GetDocument(ctx, e.TargetID)
	switch {
	case err == nil:
		if !o.tracker.CanDelete(doc) {
			return o.deferDocument(ctx, e, now, doc)
		}
		e.DeferredSince = nil
		// The row is authoritative while it exists; it may have gained an
		// index id after a cascade enqueued it.
		if doc.IndexDocumentID != "" && doc.IndexDocumentID != e.IndexDocumentID {
			e.IndexDocumentID = doc.IndexDocumentID
			e.Index.Done = false
		}
	case isNotFound(err):
		e.Relational.Done = true
	default:
		return 0, fmt.Errorf("failed to load document: %w", err)
	}

	o.runSubGoals(ctx, e, now, []subGoal{
		{"relational", &e.Relational, func(ctx context.Context) error { return o.store.DeleteDocument(ctx, e.TargetID) }},
		{"blob", &e.Blob, func(ctx context.Context) error { return o.blobs.Delete(ctx, e.BlobKey) }},
		{"index", &e.Index, func(ctx context.Context) error { return o.index.Delete(ctx, e.IndexDocumentID) }},
	})
	return o.settle(ctx, e, now)
}

func (o *DeletionOrchestrator) processCollection(ctx context.Context, e *models.DeletionEntry) (processResult, error) {
	now := o.now().UTC()
	blocking, err := o.blockingChildren(ctx, e.TargetID, now)
	if err != nil {
		return 0, err
	}
	if blocking > 0 {
		return o.postpone(ctx, e, now, fmt.Sprintf("%d member document(s) still being deleted", blocking))
	}

	o.runSubGoals(ctx, e, now, []subGoal{
		{"relational", &e.Relational, func(ctx context.Context) error { return o.store.DeleteCollection(ctx, e.TargetID) }},
		{"blob", &e.Blob, func(ctx context.Context) error { return o.sweepPrefix(ctx, e.BlobKey) }},
		{"index", &e.Index, func(context.Context) error { return nil }},
	})
	return o.settle(ctx, e, now)
}

// blockingChildren counts member document work that still gates the
// collection record. Live documents that missed the cascade are queued here.
func (o *DeletionOrchestrator) blockingChildren(ctx context.Context, collectionID string, now time.Time) (int, error) {
	children, err := o.store.ListDeletionEntries(ctx, store.DeletionQuery{CollectionID: collectionID, Target: models.DeletionTargetDocument})
	if err != nil {
		return 0, fmt.Errorf("failed to list member deletion entries: %w", err)
	}
	blocking := 0
	for _, c := range children {
		switch c.State {
		case models.DeletionStatePending:
			blocking++
		case models.DeletionStateAbandoned:
			if c.AbandonedAt == nil || now.Before(c.AbandonedAt.Add(o.policy.AbandonGrace)) {
				blocking++
			}
		}
	}

	stragglers, _, err := o.store.ListDocuments(ctx, store.DocumentQuery{CollectionID: collectionID})
	if err != nil {
		return 0, fmt.Errorf("failed to list member documents: %w", err)
	}
	for _, d := range stragglers {
		entry, err := o.enqueueCascade(ctx, d.ID)
		if err != nil {
			return 0, err
		}
		if entry != nil {
			slog.Info("Queued member document that missed the cascade.", "collectionId", collectionID, "documentId", d.ID)
			blocking++
		}
	}
	return blocking, nil
}

// sweepPrefix deletes every blob under prefix.
func (o *DeletionOrchestrator) sweepPrefix(ctx context.Context, prefix string) error {
	keys, err := o.blobs.List(ctx, prefix)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range keys {
		if err := o.blobs.Delete(ctx, k); err != nil && !isNotFound(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type subGoal struct {
	name  string
	state *models.SubGoal
	run   func(context.Context) error
}

// runSubGoals attempts every unfinished, due sub-goal concurrently. Each
// goroutine only touches its own SubGoal.
func (o *DeletionOrchestrator) runSubGoals(ctx context.Context, e *models.DeletionEntry, now time.Time, goals []subGoal) {
	eg := new(errgroup.Group)
	for _, g := range goals {
		if g.state.Done || g.state.NextAttemptAt.After(now) {
			continue
		}
		eg.Go(func() error {
			err := g.run(ctx)
			if err == nil || isNotFound(err) {
				g.state.Done = true
				g.state.LastError = ""
				monitoring.DeletionAttempts.WithLabelValues(g.name, "success").Inc()
				return nil
			}
			g.state.Attempts++
			g.state.LastError = err.Error()
			g.state.NextAttemptAt = now.Add(o.policy.Delay(g.state.Attempts))
			monitoring.DeletionAttempts.WithLabelValues(g.name, "failure").Inc()
			slog.Warn("Deletion sub-goal failed, will retry.",
				"entryId", e.ID,
				"store", g.name,
				"attempt", g.state.Attempts,
				"maxAttempts", o.policy.MaxAttempts,
				"nextAttemptAt", g.state.NextAttemptAt,
				"error", err,
			)
			return nil
		})
	}
	_ = eg.Wait()
}

// settle persists the outcome of an attempt: the entry is removed when every
// sub-goal is done, abandoned when one ran out of attempts, and otherwise
// rescheduled for its earliest retry.
func (o *DeletionOrchestrator) settle(ctx context.Context, e *models.DeletionEntry, now time.Time) (processResult, error) {
	logCtx := slog.With("entryId", e.ID, "target", e.Target, "targetId", e.TargetID)
	goals := []struct {
		name string
		g    *models.SubGoal
	}{{"relational", &e.Relational}, {"blob", &e.Blob}, {"index", &e.Index}}

	if e.Complete() {
		if err := o.store.DeleteDeletionEntry(ctx, e.ID); err != nil {
			return 0, fmt.Errorf("failed to remove completed entry: %w", err)
		}
		monitoring.DeletionsCompleted.WithLabelValues(string(e.Target)).Inc()
		logCtx.Info("Deletion complete.")
		if e.Target == models.DeletionTargetDocument {
			if _, err := o.counter.Refresh(ctx, e.CollectionID); err != nil {
				logCtx.Warn("Failed to refresh document count after deletion.", "error", err)
			}
		}
		return resultCompleted, nil
	}

	var msgs []string
	exhausted := false
	var due time.Time
	for _, sg := range goals {
		if sg.g.Done {
			continue
		}
		if sg.g.LastError != "" {
			msgs = append(msgs, sg.name+": "+sg.g.LastError)
		}
		if sg.g.Attempts >= o.policy.MaxAttempts {
			exhausted = true
		}
		if due.IsZero() || sg.g.NextAttemptAt.Before(due) {
			due = sg.g.NextAttemptAt
		}
	}
	e.LastError = strings.Join(msgs, "; ")
	e.UpdatedAt = now

	if exhausted {
		return o.abandon(ctx, e, now)
	}

	if due.Before(now) {
		due = now
	}
	e.DueAt = due
	if err := o.store.SaveDeletionEntry(ctx, e); err != nil {
		return 0, fmt.Errorf("failed to reschedule entry: %w", err)
	}
	return resultRetried, nil
}

func (o *DeletionOrchestrator) abandon(ctx context.Context, e *models.DeletionEntry, now time.Time) (processResult, error) {
	e.State = models.DeletionStateAbandoned
	e.AbandonedAt = &now
	e.UpdatedAt = now
	if err := o.store.SaveDeletionEntry(ctx, e); err != nil {
		return 0, fmt.Errorf("failed to mark entry abandoned: %w", err)
	}
	monitoring.DeletionsAbandoned.WithLabelValues(string(e.Target)).Inc()
	o.alerter.Abandoned(ctx, e)
	return resultAbandoned, nil
}

// deferDocument waits for an in-flight document to settle. The index poller
// fails documents stuck in flight, so a wait longer than MaxDeferral means
// nothing is driving the document forward any more.
func (o *DeletionOrchestrator) deferDocument(ctx context.Context, e *models.DeletionEntry, now time.Time, doc *models.Document) (processResult, error) {
	if e.DeferredSince == nil {
		e.DeferredSince = &now
	}
	reason := fmt.Sprintf("document is %s", doc.IndexStatus)
	if o.policy.MaxDeferral > 0 && now.Sub(*e.DeferredSince) >= o.policy.MaxDeferral {
		e.LastError = fmt.Sprintf("%s since %s", reason, e.DeferredSince.Format(time.RFC3339))
		return o.abandon(ctx, e, now)
	}
	return o.postpone(ctx, e, now, reason)
}

// postpone pushes an entry back without spending an attempt.
func (o *DeletionOrchestrator) postpone(ctx context.Context, e *models.DeletionEntry, now time.Time, reason string) (processResult, error) {
	e.DueAt = now.Add(o.policy.InitialDelay)
	e.LastError = reason
	e.UpdatedAt = now
	if err := o.store.SaveDeletionEntry(ctx, e); err != nil {
		return 0, fmt.Errorf("failed to defer entry: %w", err)
	}
	slog.Info("Deletion deferred.", "entryId", e.ID, "targetId", e.TargetID, "reason", reason, "dueAt", e.DueAt)
	return resultDeferred, nil
}

// Stats counts queue entries by state.
func (o *DeletionOrchestrator) Stats(ctx context.Context) (models.QueueStats, error) {
	entries, err := o.store.ListDeletionEntries(ctx, store.DeletionQuery{})
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("failed to list deletion entries: %w", err)
	}
	var s models.QueueStats
	for _, e := range entries {
		switch e.State {
		case models.DeletionStatePending:
			s.Pending++
		case models.DeletionStateAbandoned:
			s.Abandoned++
		}
	}
	s.Total = len(entries)
	monitoring.DeletionQueueDepth.WithLabelValues(string(models.DeletionStatePending)).Set(float64(s.Pending))
	monitoring.DeletionQueueDepth.WithLabelValues(string(models.DeletionStateAbandoned)).Set(float64(s.Abandoned))
	return s, nil
}

// ListAbandoned returns entries that need an operator.
func (o *DeletionOrchestrator) ListAbandoned(ctx context.Context) ([]*models.DeletionEntry, error) {
	entries, err := o.store.ListDeletionEntries(ctx, store.DeletionQuery{State: models.DeletionStateAbandoned})
	if err != nil {
		return nil, fmt.Errorf("failed to list abandoned entries: %w", err)
	}
	return entries, nil
}

// Run processes due entries every interval until ctx is done.
func (o *DeletionOrchestrator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := o.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Deletion pass failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
