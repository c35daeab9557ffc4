package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	discoveryengine "cloud.google.com/go/discoveryengine/apiv1"
	"cloud.google.com/go/discoveryengine/apiv1/discoveryenginepb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Lllllllleong/documentcollections/internal/models"
)

// VertexSearchConfig locates one Vertex AI Search data store.
type VertexSearchConfig struct {
	ProjectID   string
	Location    string
	DataStoreID string
}

func (c VertexSearchConfig) dataStore() string {
	return fmt.Sprintf("projects/%s/locations/%s/collections/default_collection/dataStores/%s",
		c.ProjectID, c.Location, c.DataStoreID)
}

func (c VertexSearchConfig) branch() string {
	return c.dataStore() + "/branches/default_branch"
}

func (c VertexSearchConfig) servingConfig() string {
	return c.dataStore() + "/servingConfigs/default_search"
}

// VertexSearch submits, tracks, deletes and searches documents in a Vertex AI
// Search data store.
type VertexSearch struct {
	docs   *discoveryengine.DocumentClient
	search *discoveryengine.SearchClient
	config VertexSearchConfig
}

// NewVertexSearch creates the document and search clients. Regional data
// stores are served from a regional endpoint.
func NewVertexSearch(ctx context.Context, cfg VertexSearchConfig) (*VertexSearch, error) {
	if cfg.ProjectID == "" || cfg.DataStoreID == "" {
		return nil, fmt.Errorf("NewVertexSearch: projectID and dataStoreID cannot be empty")
	}
	if cfg.Location == "" {
		cfg.Location = "global"
	}
	var opts []option.ClientOption
	if cfg.Location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-discoveryengine.googleapis.com:443", cfg.Location)))
	}

	docs, err := discoveryengine.NewDocumentClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("discoveryengine.NewDocumentClient: %w", err)
	}
	search, err := discoveryengine.NewSearchClient(ctx, opts...)
	if err != nil {
		_ = docs.Close()
		return nil, fmt.Errorf("discoveryengine.NewSearchClient: %w", err)
	}
	slog.Info("Vertex AI Search client initialized.", "dataStore", cfg.dataStore())
	return &VertexSearch{docs: docs, search: search, config: cfg}, nil
}

// Submit starts an incremental import of one document and returns the
// long-running operation name.
func (v *VertexSearch) Submit(ctx context.Context, req models.IndexRequest) (string, error) {
	data, err := structpb.NewStruct(req.Metadata)
	if err != nil {
		return "", fmt.Errorf("%w: metadata for %s: %v", models.ErrValidation, req.IndexDocumentID, err)
	}
	doc := &discoveryenginepb.Document{
		Id:   req.IndexDocumentID,
		Data: &discoveryenginepb.Document_StructData{StructData: data},
		Content: &discoveryenginepb.Document_Content{
			MimeType: req.ContentType,
			Content:  &discoveryenginepb.Document_Content_Uri{Uri: req.URI},
		},
	}
	op, err := v.docs.ImportDocuments(ctx, &discoveryenginepb.ImportDocumentsRequest{
		Parent: v.config.branch(),
		Source: &discoveryenginepb.ImportDocumentsRequest_InlineSource_{
			InlineSource: &discoveryenginepb.ImportDocumentsRequest_InlineSource{
				Documents: []*discoveryenginepb.Document{doc},
			},
		},
		ReconciliationMode: discoveryenginepb.ImportDocumentsRequest_INCREMENTAL,
	})
	if err != nil {
		return "", fmt.Errorf("%w: import of %s: %v", models.ErrUpstream, req.IndexDocumentID, err)
	}
	return op.Name(), nil
}

// OperationStatus polls an import operation once. A running operation reports
// indexing; a finished one reports indexed or failed with the first error
// sample as detail.
func (v *VertexSearch) OperationStatus(ctx context.Context, handle string) (models.IndexStatus, string, error) {
	op := v.docs.ImportDocumentsOperation(handle)
	resp, err := op.Poll(ctx)
	if err != nil {
		if op.Done() {
			return models.IndexStatusFailed, err.Error(), nil
		}
		return "", "", fmt.Errorf("%w: poll %s: %v", models.ErrUpstream, handle, err)
	}
	if !op.Done() {
		return models.IndexStatusIndexing, "", nil
	}
	if resp != nil && len(resp.GetErrorSamples()) > 0 {
		return models.IndexStatusFailed, resp.GetErrorSamples()[0].GetMessage(), nil
	}
	if meta, err := op.Metadata(); err == nil && meta.GetFailureCount() > 0 {
		return models.IndexStatusFailed, fmt.Sprintf("%d document(s) failed to import", meta.GetFailureCount()), nil
	}
	return models.IndexStatusIndexed, "", nil
}

// Delete removes one document from the data store. A document the store does
// not know yields a wrapped ErrNotFound.
func (v *VertexSearch) Delete(ctx context.Context, indexDocumentID string) error {
	name := fmt.Sprintf("%s/documents/%s", v.config.branch(), indexDocumentID)
	err := v.docs.DeleteDocument(ctx, &discoveryenginepb.DeleteDocumentRequest{Name: name})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%w: index document %s", models.ErrNotFound, indexDocumentID)
	}
	if err != nil {
		return fmt.Errorf("%w: delete index document %s: %v", models.ErrUpstream, indexDocumentID, err)
	}
	return nil
}

// List pages through every document in the default branch.
func (v *VertexSearch) List(ctx context.Context) ([]models.IndexedDocument, error) {
	it := v.docs.ListDocuments(ctx, &discoveryenginepb.ListDocumentsRequest{
		Parent:   v.config.branch(),
		PageSize: 1000,
	})
	var out []models.IndexedDocument
	for {
		doc, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list index documents: %v", models.ErrUpstream, err)
		}
		fields := doc.GetStructData().GetFields()
		out = append(out, models.IndexedDocument{
			ID:           doc.GetId(),
			CollectionID: fields["collection"].GetStringValue(),
			Owner:        fields["owner"].GetStringValue(),
		})
	}
	return out, nil
}

// Search runs q against the default serving config and returns at most
// q.PageSize results.
func (v *VertexSearch) Search(ctx context.Context, q models.SearchQuery) ([]models.SearchResult, error) {
	pageSize := q.PageSize
	if pageSize <= 0 {
		pageSize = 10
	}
	req := &discoveryenginepb.SearchRequest{
		ServingConfig: v.config.servingConfig(),
		Query:         q.Query,
		Filter:        q.Filter,
		PageSize:      int32(pageSize),
	}
	if len(q.Params) > 0 {
		req.Params = make(map[string]*structpb.Value, len(q.Params))
		for k, val := range q.Params {
			req.Params[k] = structpb.NewStringValue(val)
		}
	}

	it := v.search.Search(ctx, req)
	var out []models.SearchResult
	for len(out) < pageSize {
		res, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: search: %v", models.ErrUpstream, err)
		}
		doc := res.GetDocument()
		out = append(out, models.SearchResult{
			IndexDocumentID: res.GetId(),
			URI:             doc.GetContent().GetUri(),
			Metadata:        doc.GetStructData().AsMap(),
		})
	}
	return out, nil
}

func (v *VertexSearch) Close() error {
	return errors.Join(v.docs.Close(), v.search.Close())
}
