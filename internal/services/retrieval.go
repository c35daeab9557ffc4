package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lllllllleong/documentcollections/internal/filter"
	"github.com/Lllllllleong/documentcollections/internal/models"
	"github.com/Lllllllleong/documentcollections/internal/monitoring"
)

// Retriever scopes every search to the caller and the selected collections.
type Retriever struct {
	index IndexBackend
}

// NewRetriever returns a retriever over index.
func NewRetriever(index IndexBackend) *Retriever {
	return &Retriever{index: index}
}

// Query builds the outbound search request for principal. An empty
// selection searches every collection the principal owns. Page size and
// params go to the backend as given; the backend applies its own defaults.
func (r *Retriever) Query(principal string, req models.SearchRequest) (models.SearchQuery, error) {
	expr, err := filter.Compile(principal, req.CollectionIDs)
	if err != nil {
		return models.SearchQuery{}, err
	}
	return models.SearchQuery{
		Query:    req.Query,
		Filter:   expr,
		PageSize: req.PageSize,
		Params:   req.Params,
	}, nil
}

// Search runs a filtered query against the search backend.
func (r *Retriever) Search(ctx context.Context, principal string, req models.SearchRequest) (*models.SearchResponse, error) {
	q, err := r.Query(principal, req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	results, err := r.index.Search(ctx, q)
	monitoring.SearchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	slog.Info("Search complete.", "owner", principal, "collections", len(req.CollectionIDs), "results", len(results))
	return &models.SearchResponse{Filter: q.Filter, Results: results}, nil
}
