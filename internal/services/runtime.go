package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Lllllllleong/documentcollections/internal/blob"
	"github.com/Lllllllleong/documentcollections/internal/gcp"
	"github.com/Lllllllleong/documentcollections/internal/store"
)

// Runtime holds every component of one process, wired over the configured
// backends.
type Runtime struct {
	Config    Config
	Store     store.Store
	Blobs     BlobStore
	Index     IndexBackend
	Tracker   *LifecycleTracker
	Counter   *CollectionCounter
	Registry  *CollectionRegistry
	Ingest    *IngestPipeline
	Deletions *DeletionOrchestrator
	Poller    *IndexPoller
	Retriever *Retriever
	Orphans   *OrphanScanner

	closers []func() error
}

// NewRuntime loads the configuration from the environment and connects to
// the selected backends.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return Connect(ctx, cfg)
}

// Connect builds a Runtime for cfg.
func Connect(ctx context.Context, cfg Config) (*Runtime, error) {
	var closers []func() error
	fail := func(err error) (*Runtime, error) {
		for _, c := range closers {
			_ = c()
		}
		return nil, err
	}

	var st store.Store
	switch cfg.StoreBackend {
	case StoreFirestore:
		client, err := gcp.NewFirestoreClient(ctx, cfg.ProjectID)
		if err != nil {
			return fail(fmt.Errorf("failed to create firestore client: %w", err))
		}
		st = gcp.NewFirestoreStore(client, cfg.FirestorePrefix)
	case StorePostgres:
		pg, err := store.NewPostgresStore(ctx, store.PostgresConfig{DSN: cfg.PostgresDSN})
		if err != nil {
			return fail(err)
		}
		st = pg
	default:
		st = store.NewMemoryStore()
	}
	closers = append(closers, st.Close)

	var blobs BlobStore
	switch cfg.BlobBackend {
	case BlobMinIO:
		m, err := blob.NewMinIOStore(ctx, blob.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.BucketName,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return fail(err)
		}
		blobs = m
		closers = append(closers, m.Close)
	default:
		g, err := gcp.NewGCSBlobStore(ctx, cfg.BucketName)
		if err != nil {
			return fail(err)
		}
		blobs = g
		closers = append(closers, g.Close)
	}

	search, err := gcp.NewVertexSearch(ctx, gcp.VertexSearchConfig{
		ProjectID:   cfg.ProjectID,
		Location:    cfg.SearchLocation,
		DataStoreID: cfg.SearchDataStore,
	})
	if err != nil {
		return fail(err)
	}
	closers = append(closers, search.Close)

	rt := Assemble(cfg, st, blobs, search, nil)
	rt.closers = closers
	slog.Info("Runtime initialized.", "store", cfg.StoreBackend, "blob", cfg.BlobBackend, "dataStore", cfg.SearchDataStore)
	return rt, nil
}

// Assemble wires the components over already-connected backends. A nil
// alerter logs abandoned deletions.
func Assemble(cfg Config, st store.Store, blobs BlobStore, index IndexBackend, alerter Alerter) *Runtime {
	tracker := NewLifecycleTracker(st)
	counter := NewCollectionCounter(st)
	deletions := NewDeletionOrchestrator(st, blobs, index, tracker, counter, alerter, RetryPolicy{
		MaxAttempts:  cfg.DeletionMaxAttempts,
		InitialDelay: cfg.DeletionInitialDelay,
		MaxDelay:     cfg.DeletionMaxDelay,
		AbandonGrace: cfg.DeletionAbandonGrace,
		MaxDeferral:  cfg.DeletionMaxDeferral,
	})
	return &Runtime{
		Config:    cfg,
		Store:     st,
		Blobs:     blobs,
		Index:     index,
		Tracker:   tracker,
		Counter:   counter,
		Registry:  NewCollectionRegistry(st, counter, deletions),
		Ingest:    NewIngestPipeline(st, blobs, index, tracker, counter, deletions, cfg.MaxFileSize, cfg.IngestConcurrency),
		Deletions: deletions,
		Poller:    NewIndexPoller(st, index, tracker, cfg.IndexTimeout),
		Retriever: NewRetriever(index),
		Orphans:   NewOrphanScanner(st, blobs, index),
	}
}

// Close releases every backend client.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i]())
	}
	return errors.Join(errs...)
}
