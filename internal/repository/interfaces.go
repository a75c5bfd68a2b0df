// Package repository defines data access interfaces for wpic.
// These interfaces abstract database operations, allowing for different
// implementations (PostgreSQL, embedded SQLite, mocks for testing) while
// keeping the service layer clean.
package repository

import (
	"context"
	"time"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// =============================================================================
// Owner Repository
// =============================================================================

// OwnerRepository defines the interface for owner (principal) data access.
type OwnerRepository interface {
	// Create creates a new owner.
	Create(ctx context.Context, owner *domain.Owner) error

	// GetByID retrieves an owner by ID.
	GetByID(ctx context.Context, id int64) (*domain.Owner, error)

	// GetByName retrieves an owner by name.
	GetByName(ctx context.Context, name string) (*domain.Owner, error)

	// GetByTokenHash retrieves an active owner by API token hash.
	// This is the primary method used for authentication.
	GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Owner, error)

	// Update updates an existing owner.
	Update(ctx context.Context, owner *domain.Owner) error

	// Delete deletes an owner by ID.
	Delete(ctx context.Context, id int64) error

	// List returns all owners with pagination.
	List(ctx context.Context, opts ListOptions) (*ListResult[domain.Owner], error)

	// ExistsByName checks if an owner with the given name exists.
	ExistsByName(ctx context.Context, name string) (bool, error)

	// AddUsage atomically adjusts used_bytes by delta (negative to release).
	// The stored value never goes below zero.
	AddUsage(ctx context.Context, ownerID int64, delta int64) error

	// GetUsage returns the current used_bytes for an owner.
	GetUsage(ctx context.Context, ownerID int64) (int64, error)
}

// =============================================================================
// Object Repository (Content-Addressed Storage Metadata)
// =============================================================================

// ObjectRepository defines the interface for stored object metadata access.
// This manages the reference counting that backs content-addressed
// deduplication. Objects are unique per (owner, fingerprint): deduplication
// never crosses owner boundaries because owners may use different backends.
type ObjectRepository interface {
	// UpsertWithRefIncrement creates a new object row or increments
	// ref_count if one exists for (owner, fingerprint). This is the atomic
	// operation that resolves duplicate concurrent uploads: exactly one
	// caller observes isNew == true.
	UpsertWithRefIncrement(ctx context.Context, obj *domain.StoredObject) (isNew bool, err error)

	// GetByFingerprint retrieves an object by owner and content fingerprint.
	GetByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (*domain.StoredObject, error)

	// IncrementRef atomically increments the reference count, clearing
	// the orphan marker on a revived object.
	IncrementRef(ctx context.Context, ownerID int64, fingerprint string) error

	// DecrementRef atomically decrements the reference count, stamping
	// the orphan marker when it reaches zero.
	// Returns the new reference count (0 means the bytes can be reclaimed).
	DecrementRef(ctx context.Context, ownerID int64, fingerprint string) (newRefCount int32, err error)

	// Exists checks if an object with the given fingerprint exists for the owner.
	Exists(ctx context.Context, ownerID int64, fingerprint string) (bool, error)

	// Delete deletes an object row. Should only be called when ref_count is 0.
	Delete(ctx context.Context, ownerID int64, fingerprint string) error

	// ListOrphans returns objects that have sat at ref_count = 0 past the
	// grace period, measured from when the last reference disappeared.
	// Used by garbage collection to reclaim backend bytes.
	ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.StoredObject, error)

	// SumSizeByOwner returns the total unique bytes stored for an owner.
	SumSizeByOwner(ctx context.Context, ownerID int64) (int64, error)
}

// =============================================================================
// File Repository (Logical File Records)
// =============================================================================

// FileRepository defines the interface for logical file record access.
// Several file records may reference the same stored object.
type FileRepository interface {
	// Create creates a new file record.
	Create(ctx context.Context, rec *domain.FileRecord) error

	// GetByID retrieves a file record by ID.
	GetByID(ctx context.Context, id int64) (*domain.FileRecord, error)

	// GetByAccessToken retrieves a file record by its public access token.
	GetByAccessToken(ctx context.Context, token string) (*domain.FileRecord, error)

	// ListByOwner returns file records for an owner with pagination.
	ListByOwner(ctx context.Context, ownerID int64, opts ListOptions) (*ListResult[domain.FileRecord], error)

	// CountByFingerprint returns how many file records reference the given
	// stored object.
	CountByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (int64, error)

	// AddDownloadCount atomically adds delta to the download counter.
	// Used both for single hits and for flushing cache-batched counts.
	AddDownloadCount(ctx context.Context, id int64, delta int64) error

	// Delete deletes a file record by ID.
	Delete(ctx context.Context, id int64) error

	// DeleteExpired deletes file records past their expires_at.
	// Returns the deleted records so callers can release the underlying
	// object references.
	DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*domain.FileRecord, error)
}

// =============================================================================
// Common Types
// =============================================================================

// ListOptions contains common pagination options.
type ListOptions struct {
	// Offset is the number of records to skip.
	Offset int

	// Limit is the maximum number of records to return.
	Limit int

	// Descending specifies descending creation order if true.
	Descending bool
}

// ListResult is a generic paginated list result.
type ListResult[T any] struct {
	// Items is the list of items.
	Items []*T

	// Total is the total number of items (without pagination).
	Total int64

	// Offset is the current offset.
	Offset int

	// Limit is the current limit.
	Limit int
}
