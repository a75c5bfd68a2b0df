package domain

import "time"

// StoredObject represents one physical blob at rest in an owner's backend.
// Objects are stored by their SHA-256 fingerprint, enabling per-owner
// deduplication: multiple file records can reference the same object.
type StoredObject struct {
	// ID is the surrogate primary key.
	ID int64 `json:"id"`

	// Fingerprint is the SHA-256 hash of the content (64 hex characters).
	// Immutable once the object exists; never regenerated.
	Fingerprint string `json:"fingerprint"`

	// OwnerID is the owning principal. Deduplication is scoped per owner,
	// so (OwnerID, Fingerprint) is unique.
	OwnerID int64 `json:"owner_id"`

	// BackendKind identifies the backend the bytes live in ("local",
	// "webdav" or "s3").
	BackendKind BackendKind `json:"backend_kind"`

	// StorageKey is the backend-native location of the original bytes.
	StorageKey string `json:"storage_key"`

	// Size is the size of the original in bytes.
	Size int64 `json:"size"`

	// ContentType is the MIME type recorded at upload time.
	ContentType string `json:"content_type"`

	// RefCount is the number of logical file records pointing at this
	// object. The blob is physically deleted only when it reaches zero.
	RefCount int32 `json:"ref_count"`

	// CreatedAt is when the object was first written.
	CreatedAt time.Time `json:"created_at"`

	// OrphanedAt is when RefCount last dropped to zero, nil while the
	// object is referenced. The orphan sweep's grace window counts from
	// this moment, not from CreatedAt, so a delete/re-upload pair never
	// races the sweeper regardless of the object's age.
	OrphanedAt *time.Time `json:"orphaned_at,omitempty"`
}

// NewStoredObject creates a StoredObject for a first successful write.
func NewStoredObject(ownerID int64, fingerprint string, kind BackendKind, key string, size int64, contentType string) *StoredObject {
	return &StoredObject{
		Fingerprint: fingerprint,
		OwnerID:     ownerID,
		BackendKind: kind,
		StorageKey:  key,
		Size:        size,
		ContentType: contentType,
		RefCount:    1,
		CreatedAt:   time.Now().UTC(),
	}
}

// IsOrphan returns true if no file records reference this object.
func (o *StoredObject) IsOrphan() bool {
	return o.RefCount <= 0
}

