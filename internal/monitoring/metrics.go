// Package monitoring registers the Prometheus collectors shared by every
// function and the docctl server.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts API requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docs_http_requests_total",
			Help: "Total number of document API requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration measures API request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docs_http_request_duration_seconds",
			Help:    "Document API request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// IngestFiles counts ingested files by result kind.
	IngestFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docs_ingest_files_total",
			Help: "Files processed by the ingest pipeline",
		},
		[]string{"result"},
	)

	// IngestBytes counts bytes written to blob storage.
	IngestBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docs_ingest_bytes_total",
			Help: "Bytes written to blob storage by the ingest pipeline",
		},
	)

	// IndexTransitions counts applied index status transitions.
	IndexTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docs_index_transitions_total",
			Help: "Applied document index status transitions",
		},
		[]string{"from", "to"},
	)

	// DeletionAttempts counts sub-goal attempts by store and result.
	DeletionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docs_deletion_attempts_total",
			Help: "Deletion sub-goal attempts",
		},
		[]string{"store", "result"},
	)

	// DeletionsCompleted counts queue entries that finished.
	DeletionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docs_deletions_completed_total",
			Help: "Deletion queue entries completed",
		},
		[]string{"target"},
	)

	// DeletionsAbandoned counts queue entries that exhausted their retries.
	DeletionsAbandoned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docs_deletions_abandoned_total",
			Help: "Deletion queue entries abandoned after exhausting retries",
		},
		[]string{"target"},
	)

	// DeletionQueueDepth is the last observed queue size by state.
	DeletionQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docs_deletion_queue_depth",
			Help: "Deletion queue entries by state",
		},
		[]string{"state"},
	)

	// SearchDuration measures search backend latency.
	SearchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docs_search_duration_seconds",
			Help:    "Search backend duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)
