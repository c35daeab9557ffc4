package models

// BlobLocator points at stored document bytes.
type BlobLocator struct {
	Key string `json:"key"`
	URI string `json:"uri"`
}

// IndexRequest submits one stored document to the indexing backend. Metadata
// becomes the searchable struct data that filter expressions match against.
type IndexRequest struct {
	IndexDocumentID string
	URI             string
	ContentType     string
	Metadata        map[string]any
}

// IndexOutcome is a terminal (or still-running) signal from the indexing
// backend, correlated to a document.
type IndexOutcome struct {
	DocumentID      string      `json:"documentId"`
	OperationHandle string      `json:"operation,omitempty"`
	Status          IndexStatus `json:"status"`
	Detail          string      `json:"detail,omitempty"`
}

// IndexedDocument is one document the search backend holds, with the
// ownership metadata it was submitted with.
type IndexedDocument struct {
	ID           string `json:"id"`
	CollectionID string `json:"collectionId,omitempty"`
	Owner        string `json:"owner,omitempty"`
}

// SearchQuery is the outbound request to the search backend. Params is an
// opaque passthrough for ranking and paging knobs.
type SearchQuery struct {
	Query    string
	Filter   string
	PageSize int
	Params   map[string]string
}

// SearchResult is one ranked match.
type SearchResult struct {
	IndexDocumentID string         `json:"indexDocumentId"`
	URI             string         `json:"uri,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
