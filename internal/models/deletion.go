package models

import "time"

// DeletionTarget names what a queue entry removes.
type DeletionTarget string

const (
	DeletionTargetDocument   DeletionTarget = "document"
	DeletionTargetCollection DeletionTarget = "collection"
)

// DeletionState is the queue-level state of an entry. Completed entries are
// removed from the queue, so there is no completed state.
type DeletionState string

const (
	DeletionStatePending   DeletionState = "pending"
	DeletionStateAbandoned DeletionState = "abandoned"
)

// SubGoal tracks one backing store's part of a deletion.
type SubGoal struct {
	Done          bool      `firestore:"done" json:"done"`
	Attempts      int       `firestore:"attempts" json:"attempts"`
	NextAttemptAt time.Time `firestore:"nextAttemptAt" json:"nextAttemptAt"`
	LastError     string    `firestore:"lastError,omitempty" json:"lastError,omitempty"`
}

// DeletionEntry is one unit of cross-store cleanup. Locators are captured at
// enqueue time because the relational row may be gone before the blob and
// index sub-goals finish.
type DeletionEntry struct {
	ID              string         `firestore:"id" gorm:"primaryKey;size:64" json:"id"`
	Target          DeletionTarget `firestore:"target" gorm:"size:20;not null" json:"target"`
	TargetID        string         `firestore:"targetId" gorm:"size:64;not null;index:idx_deletion_target" json:"targetId"`
	CollectionID    string         `firestore:"collectionId" gorm:"size:64;not null;index:idx_deletion_collection" json:"collectionId"`
	Owner           string         `firestore:"owner" gorm:"size:255" json:"owner"`
	Filename        string         `firestore:"filename,omitempty" gorm:"size:500" json:"filename,omitempty"`
	BlobKey         string         `firestore:"blobKey,omitempty" gorm:"size:500" json:"blobKey,omitempty"`
	IndexDocumentID string         `firestore:"indexDocumentId,omitempty" gorm:"size:500" json:"indexDocumentId,omitempty"`
	Cascade         bool           `firestore:"cascade" json:"cascade"`

	Relational SubGoal `firestore:"relational" gorm:"embedded;embeddedPrefix:relational_" json:"relational"`
	Blob       SubGoal `firestore:"blob" gorm:"embedded;embeddedPrefix:blob_" json:"blob"`
	Index      SubGoal `firestore:"index" gorm:"embedded;embeddedPrefix:index_" json:"index"`

	State       DeletionState `firestore:"state" gorm:"size:20;not null;index:idx_deletion_due,priority:1" json:"state"`
	DueAt       time.Time     `firestore:"dueAt" gorm:"not null;index:idx_deletion_due,priority:2" json:"dueAt"`
	LastError   string        `firestore:"lastError,omitempty" gorm:"type:text" json:"lastError,omitempty"`
	AbandonedAt *time.Time    `firestore:"abandonedAt,omitempty" json:"abandonedAt,omitempty"`
	CreatedAt   time.Time     `firestore:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time     `firestore:"updatedAt" json:"updatedAt"`

	// DeferredSince is when the entry started waiting on an in-flight
	// document; nil while it is not waiting.
	DeferredSince *time.Time `firestore:"deferredSince,omitempty" json:"deferredSince,omitempty"`
}

// TableName is the gorm table for the deletion queue.
func (DeletionEntry) TableName() string { return "deletion_queue" }

// Complete reports whether every backing store has been cleaned.
func (e *DeletionEntry) Complete() bool {
	return e.Relational.Done && e.Blob.Done && e.Index.Done
}

// RetryCount is the total number of failed attempts across sub-goals.
func (e *DeletionEntry) RetryCount() int {
	return e.Relational.Attempts + e.Blob.Attempts + e.Index.Attempts
}

// Clone returns a copy of e.
func (e *DeletionEntry) Clone() *DeletionEntry {
	c := *e
	if e.AbandonedAt != nil {
		t := *e.AbandonedAt
		c.AbandonedAt = &t
	}
	if e.DeferredSince != nil {
		t := *e.DeferredSince
		c.DeferredSince = &t
	}
	return &c
}
