package models

// These structs define the JSON payloads exchanged between callers and the
// document-api function, and between the indexing backend and index-status.

// CreateCollectionRequest is the input for POST /collections.
type CreateCollectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// RenameCollectionRequest is the input for PATCH /collections/{id}.
type RenameCollectionRequest struct {
	Name        string  `json:"name"`
	Description *string `json:"description,omitempty"`
}

// CollectionList is the output of GET /collections.
type CollectionList struct {
	Collections []*Collection `json:"collections"`
}

// DocumentPage is the output of the document listing endpoints.
type DocumentPage struct {
	Documents []*Document `json:"documents"`
	Total     int         `json:"total"`
	Limit     int         `json:"limit"`
	Offset    int         `json:"offset"`
}

// DeletionReceipt tells the caller deletion is in progress, not complete.
type DeletionReceipt struct {
	Status    string   `json:"status"`
	TargetID  string   `json:"targetId"`
	EntryIDs  []string `json:"entryIds"`
	Documents int      `json:"documents,omitempty"`
}

// FileOutcome is the per-file result of an ingest batch, in input order.
type FileOutcome struct {
	Filename    string      `json:"filename"`
	DocumentID  string      `json:"documentId,omitempty"`
	Success     bool        `json:"success"`
	IndexStatus IndexStatus `json:"indexStatus,omitempty"`
	ErrorKind   string      `json:"errorKind,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// UploadEvent is one element of an ingest progress stream. Exactly one event,
// the last, has Final set.
type UploadEvent struct {
	Percent  int           `json:"percent"`
	Final    bool          `json:"final,omitempty"`
	Outcomes []FileOutcome `json:"outcomes,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// IngestResponse is the non-streaming output of POST
// /collections/{id}/documents.
type IngestResponse struct {
	Outcomes []FileOutcome `json:"outcomes"`
	Error    string        `json:"error,omitempty"`
}

// SearchRequest is the input for POST /search.
type SearchRequest struct {
	Query         string            `json:"query"`
	CollectionIDs []string          `json:"collectionIds"`
	PageSize      int               `json:"pageSize,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
}

// SearchResponse is the output of POST /search.
type SearchResponse struct {
	Filter  string         `json:"filter"`
	Results []SearchResult `json:"results"`
}

// QueueStats summarises the deletion queue.
type QueueStats struct {
	Pending   int `json:"pending"`
	Abandoned int `json:"abandoned"`
	Total     int `json:"total"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Kind  string `json:"kind"`
	Error string `json:"error"`
}
