package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/monitoring"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

// ErrorKindCancelled marks files the caller cancelled before their bytes were
// stored.
const ErrorKindCancelled = "Cancelled"

// File is one upload in an ingest batch.
type File struct {
	Filename    string
	ContentType string
	Data        []byte
}

// IngestPipeline stores uploaded files and hands them to the indexing backend.
type IngestPipeline struct {
	store       store.Store
	blobs       BlobStore
	index       IndexBackend
	tracker     *LifecycleTracker
	counter     *CollectionCounter
	deletions   *DeletionOrchestrator
	maxFileSize int64
	concurrency int
	now         func() time.Time
}

// NewIngestPipeline wires a pipeline. Files larger than maxFileSize are
// rejected; at most concurrency files are in flight per batch.
func NewIngestPipeline(s store.Store, blobs BlobStore, index IndexBackend, tracker *LifecycleTracker,
	counter *CollectionCounter, deletions *DeletionOrchestrator, maxFileSize int64, concurrency int) *IngestPipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &IngestPipeline{
		store:       s,
		blobs:       blobs,
		index:       index,
		tracker:     tracker,
		counter:     counter,
		deletions:   deletions,
		maxFileSize: maxFileSize,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// BlobKey is the deterministic storage key of a document.
func BlobKey(collectionID, documentID, ext string) string {
	return CollectionPrefix(collectionID) + documentID + ext
}

// CollectionPrefix is the storage prefix under which every blob of a
// collection lives.
func CollectionPrefix(collectionID string) string {
	return "collections/" + collectionID + "/"
}

// Upload is a running ingest batch. Events yields increasing percentages and
// ends with one Final event carrying the per-file outcomes; the channel is
// then closed. Events need not be drained: the channel is sized for the whole
// stream.
type Upload struct {
	events   chan models.UploadEvent
	cancel   context.CancelFunc
	done     chan struct{}
	outcomes []models.FileOutcome
	err      error
}

// Events returns the progress stream.
func (u *Upload) Events() <-chan models.UploadEvent { return u.events }

// Cancel stops files whose bytes are not yet stored. Files already stored
// finish normally.
func (u *Upload) Cancel() { u.cancel() }

// Wait blocks until the batch finishes and returns the outcomes in input
// order. The error reports a batch-level problem after the files were
// processed, such as a failed count refresh.
func (u *Upload) Wait() ([]models.FileOutcome, error) {
	<-u.done
	return u.outcomes, u.err
}

// Ingest runs a batch to completion.
func (p *IngestPipeline) Ingest(ctx context.Context, owner, collectionID string, files []File) ([]models.FileOutcome, error) {
	u, err := p.Start(ctx, owner, collectionID, files)
	if err != nil {
		return nil, err
	}
	return u.Wait()
}

// Start validates the batch as a whole and begins processing it in the
// background. Ownership and an empty batch fail here, before any file is
// touched; per-file problems are reported in the outcomes.
func (p *IngestPipeline) Start(ctx context.Context, owner, collectionID string, files []File) (*Upload, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files in upload", models.ErrValidation)
	}
	col, err := p.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if err := authorizeCollection(col, owner); err != nil {
		return nil, err
	}

	checked := make([]checkedFile, len(files))
	errs := make([]error, len(files))
	var total int64
	for i, f := range files {
		checked[i], errs[i] = validateFile(f, p.maxFileSize)
		if errs[i] == nil {
			total += int64(len(f.Data))
		}
	}

	uctx, cancel := context.WithCancel(ctx)
	u := &Upload{
		events:   make(chan models.UploadEvent, 102),
		cancel:   cancel,
		done:     make(chan struct{}),
		outcomes: make([]models.FileOutcome, len(files)),
	}
	prog := &progress{total: total, events: u.events}
	u.events <- models.UploadEvent{Percent: 0}

	go func() {
		defer close(u.done)
		defer close(u.events)
		defer cancel()

		logCtx := slog.With("collectionId", col.ID, "owner", owner, "files", len(files))
		logCtx.Info("Starting ingest batch.", "bytes", total)

		eg := new(errgroup.Group)
		eg.SetLimit(p.concurrency)
		for i := range files {
			if errs[i] != nil {
				u.outcomes[i] = failedOutcome(files[i].Filename, "", errs[i])
				monitoring.IngestFiles.WithLabelValues("rejected").Inc()
				continue
			}
			eg.Go(func() error {
				u.outcomes[i] = p.processFile(uctx, logCtx, col, files[i], checked[i], prog)
				return nil
			})
		}
		_ = eg.Wait()
		prog.finish()

		n, err := p.counter.Refresh(context.WithoutCancel(ctx), col.ID)
		final := models.UploadEvent{Percent: 100, Final: true, Outcomes: u.outcomes}
		if err != nil {
			u.err = err
			final.Error = err.Error()
			logCtx.Error("Failed to refresh document count after ingest.", "error", err)
		}
		u.events <- final
		logCtx.Info("Ingest batch complete.", "documentCount", n)
	}()
	return u, nil
}

func (p *IngestPipeline) processFile(ctx context.Context, logCtx *slog.Logger, col *models.Collection, f File, c checkedFile, prog *progress) models.FileOutcome {
	if ctx.Err() != nil {
		monitoring.IngestFiles.WithLabelValues("cancelled").Inc()
		return cancelledOutcome(f.Filename, "")
	}

	docID := uuid.NewString()
	logCtx = logCtx.With("documentId", docID, "filename", f.Filename)
	now := p.now().UTC()
	doc := &models.Document{
		ID:               docID,
		CollectionID:     col.ID,
		Owner:            col.Owner,
		OriginalFilename: f.Filename,
		BlobKey:          BlobKey(col.ID, docID, c.ext),
		FileType:         c.ext,
		SizeBytes:        int64(len(f.Data)),
		ContentType:      c.contentType,
		PageCount:        c.pageCount,
		IndexStatus:      models.IndexStatusPending,
		UploadedAt:       now,
		UpdatedAt:        now,
	}
	if err := p.store.CreateDocument(ctx, doc); err != nil {
		logCtx.Error("Failed to create document row.", "error", err)
		monitoring.IngestFiles.WithLabelValues("store_failed").Inc()
		return failedOutcome(f.Filename, "", fmt.Errorf("%w: create document: %v", models.ErrUpstream, err))
	}

	reader := &countingReader{r: bytes.NewReader(f.Data), onRead: prog.add}
	loc, err := p.blobs.Put(ctx, doc.BlobKey, reader, doc.SizeBytes, doc.ContentType, map[string]string{
		"owner":      col.Owner,
		"collection": col.ID,
		"document":   docID,
	})

	// Past this point the work runs to completion even if the caller cancels.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		cancelled := errors.Is(err, context.Canceled) || ctx.Err() != nil
		logCtx.Error("Failed to store document bytes.", "error", err, "cancelled", cancelled)
		p.discard(bg, logCtx, docID, fmt.Errorf("%w: blob storage: %v", models.ErrUpstream, err))
		if cancelled {
			monitoring.IngestFiles.WithLabelValues("cancelled").Inc()
			return cancelledOutcome(f.Filename, docID)
		}
		monitoring.IngestFiles.WithLabelValues("blob_failed").Inc()
		out := failedOutcome(f.Filename, docID, fmt.Errorf("%w: blob storage: %v", models.ErrUpstream, err))
		out.IndexStatus = models.IndexStatusFailed
		return out
	}
	monitoring.IngestBytes.Add(float64(doc.SizeBytes))

	indexID := sanitizeIndexID(docID)
	handle, submitErr := p.index.Submit(bg, models.IndexRequest{
		IndexDocumentID: indexID,
		URI:             loc.URI,
		ContentType:     doc.ContentType,
		Metadata: map[string]any{
			"owner":             col.Owner,
			"collection":        col.ID,
			"collection_name":   col.Name,
			"original_filename": f.Filename,
		},
	})
	updated, err := p.tracker.RecordIngestAccepted(bg, docID, Submission{
		Handle:          handle,
		IndexDocumentID: indexID,
		BlobURI:         loc.URI,
		Err:             submitErr,
	})
	if err != nil {
		logCtx.Error("Failed to record index submission.", "error", err)
		monitoring.IngestFiles.WithLabelValues("store_failed").Inc()
		return failedOutcome(f.Filename, docID, err)
	}
	if submitErr != nil {
		monitoring.IngestFiles.WithLabelValues("index_failed").Inc()
		out := failedOutcome(f.Filename, docID, submitErr)
		out.IndexStatus = updated.IndexStatus
		return out
	}

	monitoring.IngestFiles.WithLabelValues("accepted").Inc()
	return models.FileOutcome{
		Filename:    f.Filename,
		DocumentID:  docID,
		Success:     true,
		IndexStatus: updated.IndexStatus,
	}
}

// discard fails a document whose bytes never became durable and queues
// whatever was written for removal.
func (p *IngestPipeline) discard(ctx context.Context, logCtx *slog.Logger, docID string, cause error) {
	if _, err := p.tracker.RecordIngestAccepted(ctx, docID, Submission{Err: cause}); err != nil {
		logCtx.Error("Failed to mark document failed.", "error", err)
		return
	}
	if _, err := p.deletions.ForceDelete(ctx, docID); err != nil {
		logCtx.Error("Failed to queue failed upload for deletion.", "error", err)
	}
}

func failedOutcome(filename, docID string, err error) models.FileOutcome {
	return models.FileOutcome{
		Filename:   filename,
		DocumentID: docID,
		ErrorKind:  models.ErrorKind(err),
		Error:      err.Error(),
	}
}

func cancelledOutcome(filename, docID string) models.FileOutcome {
	return models.FileOutcome{
		Filename:   filename,
		DocumentID: docID,
		ErrorKind:  ErrorKindCancelled,
		Error:      "upload cancelled before the file was stored",
	}
}

// progress turns byte counts into a non-decreasing percentage stream. It
// holds at 99 until every file has been handled.
type progress struct {
	mu      sync.Mutex
	total   int64
	written int64
	last    int
	events  chan<- models.UploadEvent
}

func (p *progress) add(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written += n
	if p.total <= 0 {
		return
	}
	pct := int(p.written * 100 / p.total)
	if pct > 99 {
		pct = 99
	}
	if pct > p.last {
		p.last = pct
		p.events <- models.UploadEvent{Percent: pct}
	}
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 100
	p.events <- models.UploadEvent{Percent: 100}
}

type countingReader struct {
	r      io.Reader
	onRead func(int64)
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.onRead(int64(n))
	}
	return n, err
}
