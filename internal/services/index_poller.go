package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

const pollBatchSize = 500

// PollStats summarises one IndexPoller pass.
type PollStats struct {
	Indexed  int `json:"indexed"`
	Failed   int `json:"failed"`
	TimedOut int `json:"timedOut"`
	Indexing int `json:"indexing"`
	Errors   int `json:"errors"`
}

// IndexPoller is the poll-style delivery path for index outcomes. Each pass
// checks every indexing document's operation once and fails documents that
// stayed pending past the timeout, such as uploads whose instance died
// before the submission was recorded.
type IndexPoller struct {
	store   store.Store
	index   IndexBackend
	tracker *LifecycleTracker
	timeout time.Duration
	now     func() time.Time
}

// NewIndexPoller returns a poller that fails documents indexing for longer
// than timeout.
func NewIndexPoller(s store.Store, index IndexBackend, tracker *LifecycleTracker, timeout time.Duration) *IndexPoller {
	return &IndexPoller{store: s, index: index, tracker: tracker, timeout: timeout, now: time.Now}
}

// PollOnce runs one pass.
func (p *IndexPoller) PollOnce(ctx context.Context) (PollStats, error) {
	var stats PollStats
	if err := p.expirePending(ctx, &stats); err != nil {
		return stats, err
	}
	docs, _, err := p.store.ListDocuments(ctx, store.DocumentQuery{
		Status:          models.IndexStatusIndexing,
		IncludeDeleting: true,
		Limit:           pollBatchSize,
	})
	if err != nil {
		return stats, fmt.Errorf("failed to list indexing documents: %w", err)
	}

	for _, d := range docs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		logCtx := slog.With("documentId", d.ID, "operation", d.OperationHandle)

		if p.timeout > 0 && d.SubmittedAt != nil && p.now().Sub(*d.SubmittedAt) > p.timeout {
			detail := fmt.Sprintf("indexing did not finish within %s", p.timeout)
			if err := p.tracker.Deliver(ctx, models.IndexOutcome{DocumentID: d.ID, Status: models.IndexStatusFailed, Detail: detail}); err != nil {
				logCtx.Error("Failed to time out document.", "error", err)
				stats.Errors++
				continue
			}
			stats.TimedOut++
			continue
		}

		status, detail, err := p.index.OperationStatus(ctx, d.OperationHandle)
		if err != nil {
			logCtx.Warn("Failed to poll index operation.", "error", err)
			stats.Errors++
			continue
		}
		if !status.Terminal() {
			stats.Indexing++
			continue
		}
		if err := p.tracker.Deliver(ctx, models.IndexOutcome{DocumentID: d.ID, OperationHandle: d.OperationHandle, Status: status, Detail: detail}); err != nil {
			logCtx.Error("Failed to record polled outcome.", "error", err)
			stats.Errors++
			continue
		}
		if status == models.IndexStatusIndexed {
			stats.Indexed++
		} else {
			stats.Failed++
		}
	}
	slog.Info("Index poll pass complete.", "indexed", stats.Indexed, "failed", stats.Failed,
		"timedOut", stats.TimedOut, "indexing", stats.Indexing, "errors", stats.Errors)
	return stats, nil
}

func (p *IndexPoller) expirePending(ctx context.Context, stats *PollStats) error {
	if p.timeout <= 0 {
		return nil
	}
	docs, _, err := p.store.ListDocuments(ctx, store.DocumentQuery{
		Status:          models.IndexStatusPending,
		IncludeDeleting: true,
		Limit:           pollBatchSize,
	})
	if err != nil {
		return fmt.Errorf("failed to list pending documents: %w", err)
	}
	now := p.now()
	for _, d := range docs {
		if now.Sub(d.UploadedAt) <= p.timeout {
			continue
		}
		detail := fmt.Sprintf("upload was not submitted for indexing within %s", p.timeout)
		if err := p.tracker.Deliver(ctx, models.IndexOutcome{DocumentID: d.ID, Status: models.IndexStatusFailed, Detail: detail}); err != nil {
			slog.Error("Failed to expire pending document.", "documentId", d.ID, "error", err)
			stats.Errors++
			continue
		}
		slog.Warn("Pending document expired.", "documentId", d.ID, "uploadedAt", d.UploadedAt)
		stats.TimedOut++
	}
	return nil
}

// Run polls every interval until ctx is done.
func (p *IndexPoller) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			slog.Error("Index poll pass failed.", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
