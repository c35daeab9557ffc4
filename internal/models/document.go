package models

import "time"

// IndexStatus is a document's position in the asynchronous indexing lifecycle.
type IndexStatus string

const (
	IndexStatusPending  IndexStatus = "pending"
	IndexStatusIndexing IndexStatus = "indexing"
	IndexStatusIndexed  IndexStatus = "indexed"
	IndexStatusFailed   IndexStatus = "failed"
)

// Valid reports whether s is one of the four known states.
func (s IndexStatus) Valid() bool {
	switch s {
	case IndexStatusPending, IndexStatusIndexing, IndexStatusIndexed, IndexStatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s can no longer change.
func (s IndexStatus) Terminal() bool {
	return s == IndexStatusIndexed || s == IndexStatusFailed
}

// InFlight reports whether the indexing backend may still be reading the
// document's bytes.
func (s IndexStatus) InFlight() bool {
	return s == IndexStatusPending || s == IndexStatusIndexing
}

// CanTransitionTo reports whether next is a legal forward move from s.
// A terminal outcome may arrive before the acceptance was recorded, so
// pending may move straight to indexed.
func (s IndexStatus) CanTransitionTo(next IndexStatus) bool {
	switch s {
	case IndexStatusPending:
		return next == IndexStatusIndexing || next.Terminal()
	case IndexStatusIndexing:
		return next.Terminal()
	}
	return false
}

// Document is the metadata row for one uploaded file. It belongs to exactly
// one collection for its whole life.
type Document struct {
	ID                string      `firestore:"id" gorm:"primaryKey;size:64" json:"id"`
	CollectionID      string      `firestore:"collectionId" gorm:"size:64;not null;index:idx_documents_collection" json:"collectionId"`
	Owner             string      `firestore:"owner" gorm:"size:255;not null;index:idx_documents_owner" json:"owner"`
	OriginalFilename  string      `firestore:"originalFilename" gorm:"size:500;not null" json:"originalFilename"`
	BlobKey           string      `firestore:"blobKey" gorm:"size:500;not null" json:"blobKey"`
	BlobURI           string      `firestore:"blobUri,omitempty" gorm:"type:text" json:"blobUri,omitempty"`
	IndexDocumentID   string      `firestore:"indexDocumentId,omitempty" gorm:"size:500" json:"indexDocumentId,omitempty"`
	FileType          string      `firestore:"fileType" gorm:"size:100;not null" json:"fileType"`
	SizeBytes         int64       `firestore:"sizeBytes" gorm:"not null" json:"sizeBytes"`
	ContentType       string      `firestore:"contentType" gorm:"size:100;not null" json:"contentType"`
	PageCount         int         `firestore:"pageCount,omitempty" json:"pageCount,omitempty"`
	IndexStatus       IndexStatus `firestore:"indexStatus" gorm:"size:20;not null;index:idx_documents_status" json:"indexStatus"`
	ErrorDetails      string      `firestore:"errorDetails,omitempty" gorm:"type:text" json:"errorDetails,omitempty"`
	OperationHandle   string      `firestore:"operationHandle,omitempty" gorm:"size:500" json:"operationHandle,omitempty"`
	DeletionRequested bool        `firestore:"deletionRequested" gorm:"not null;default:false" json:"-"`
	UploadedAt        time.Time   `firestore:"uploadedAt" gorm:"not null;index:idx_documents_uploaded" json:"uploadedAt"`
	SubmittedAt       *time.Time  `firestore:"submittedAt,omitempty" json:"submittedAt,omitempty"`
	IndexedAt         *time.Time  `firestore:"indexedAt,omitempty" json:"indexedAt,omitempty"`
	UpdatedAt         time.Time   `firestore:"updatedAt" json:"updatedAt"`
}

// TableName is the gorm table for documents.
func (Document) TableName() string { return "documents" }

// Clone returns a deep copy so stores never hand out shared pointers.
func (d *Document) Clone() *Document {
	c := *d
	if d.SubmittedAt != nil {
		t := *d.SubmittedAt
		c.SubmittedAt = &t
	}
	if d.IndexedAt != nil {
		t := *d.IndexedAt
		c.IndexedAt = &t
	}
	return &c
}

// Collection is a named, owner-scoped grouping of documents. DocumentCount is
// derived: it is rewritten from the live document rows, never incremented.
// Names are unique among an owner's collections that are not being deleted.
type Collection struct {
	ID            string    `firestore:"id" gorm:"primaryKey;size:64" json:"id"`
	Owner         string    `firestore:"owner" gorm:"size:255;not null;uniqueIndex:idx_collections_owner_live_name,where:deleting = false" json:"owner"`
	Name          string    `firestore:"name" gorm:"size:255;not null;uniqueIndex:idx_collections_owner_live_name,where:deleting = false" json:"name"`
	Description   string    `firestore:"description,omitempty" gorm:"type:text" json:"description,omitempty"`
	DocumentCount int       `firestore:"documentCount" gorm:"not null;default:0" json:"documentCount"`
	Deleting      bool      `firestore:"deleting" gorm:"not null;default:false" json:"-"`
	CreatedAt     time.Time `firestore:"createdAt" json:"createdAt"`
	UpdatedAt     time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// TableName is the gorm table for collections.
func (Collection) TableName() string { return "collections" }

// Clone returns a copy of c.
func (c *Collection) Clone() *Collection {
	cp := *c
	return &cp
}
