package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// objectRepository implements repository.ObjectRepository.
type objectRepository struct {
	db *DB
}

// NewObjectRepository creates a new PostgreSQL object repository.
func NewObjectRepository(db *DB) repository.ObjectRepository {
	return &objectRepository{db: db}
}

const objectColumns = `id, owner_id, fingerprint, backend_kind, storage_key, size, content_type, ref_count, created_at, orphaned_at`

// scanObject scans a single stored object row.
func scanObject(scan func(dest ...any) error) (*domain.StoredObject, error) {
	obj := &domain.StoredObject{}
	var kind string

	err := scan(
		&obj.ID,
		&obj.OwnerID,
		&obj.Fingerprint,
		&kind,
		&obj.StorageKey,
		&obj.Size,
		&obj.ContentType,
		&obj.RefCount,
		&obj.CreatedAt,
		&obj.OrphanedAt,
	)
	if err != nil {
		return nil, err
	}

	obj.BackendKind = domain.BackendKind(kind)
	return obj, nil
}

// UpsertWithRefIncrement creates a new object row or increments ref_count if
// one exists for (owner, fingerprint). Uses INSERT ... ON CONFLICT DO UPDATE
// so duplicate concurrent uploads resolve atomically: exactly one caller
// observes isNew == true.
func (r *objectRepository) UpsertWithRefIncrement(ctx context.Context, obj *domain.StoredObject) (bool, error) {
	query := `
		INSERT INTO stored_objects (owner_id, fingerprint, backend_kind, storage_key, size, content_type, ref_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7)
		ON CONFLICT (owner_id, fingerprint) DO UPDATE
		SET ref_count = stored_objects.ref_count + 1, orphaned_at = NULL
		RETURNING id, (xmax = 0) AS is_new
	`

	var isNew bool
	err := r.db.Pool.QueryRow(ctx, query,
		obj.OwnerID,
		obj.Fingerprint,
		string(obj.BackendKind),
		obj.StorageKey,
		obj.Size,
		obj.ContentType,
		obj.CreatedAt.UTC(),
	).Scan(&obj.ID, &isNew)
	if err != nil {
		return false, fmt.Errorf("failed to upsert object: %w", err)
	}

	return isNew, nil
}

// GetByFingerprint retrieves an object by owner and content fingerprint.
func (r *objectRepository) GetByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (*domain.StoredObject, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+objectColumns+` FROM stored_objects WHERE owner_id = $1 AND fingerprint = $2`,
		ownerID, fingerprint)

	obj, err := scanObject(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get object by fingerprint: %w", err)
	}
	return obj, nil
}

// IncrementRef atomically increments the reference count, clearing the
// orphan marker if the object was awaiting collection.
func (r *objectRepository) IncrementRef(ctx context.Context, ownerID int64, fingerprint string) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE stored_objects
		SET ref_count = ref_count + 1, orphaned_at = NULL
		WHERE owner_id = $1 AND fingerprint = $2
	`, ownerID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to increment ref count: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// DecrementRef atomically decrements the reference count, stamping
// orphaned_at when the count reaches zero. Returns the new count.
func (r *objectRepository) DecrementRef(ctx context.Context, ownerID int64, fingerprint string) (int32, error) {
	query := `
		UPDATE stored_objects
		SET ref_count = ref_count - 1,
		    orphaned_at = CASE WHEN stored_objects.ref_count <= 1 THEN now() ELSE orphaned_at END
		WHERE owner_id = $1 AND fingerprint = $2 AND ref_count > 0
		RETURNING ref_count
	`

	var newRefCount int32
	err := r.db.Pool.QueryRow(ctx, query, ownerID, fingerprint).Scan(&newRefCount)
	if err != nil {
		if isNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}

	return newRefCount, nil
}

// Exists checks if an object with the given fingerprint exists for the owner.
func (r *objectRepository) Exists(ctx context.Context, ownerID int64, fingerprint string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM stored_objects WHERE owner_id = $1 AND fingerprint = $2)`,
		ownerID, fingerprint,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return exists, nil
}

// Delete deletes an object row. Guarded on ref_count so a concurrent
// re-upload that revived the object is never deleted.
func (r *objectRepository) Delete(ctx context.Context, ownerID int64, fingerprint string) error {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM stored_objects WHERE owner_id = $1 AND fingerprint = $2 AND ref_count <= 0`,
		ownerID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// ListOrphans returns objects that have sat at ref_count = 0 past the
// grace period, measured from when the last reference disappeared.
func (r *objectRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.StoredObject, error) {
	cutoff := time.Now().UTC().Add(-gracePeriod)

	rows, err := r.db.Pool.Query(ctx, `
		SELECT `+objectColumns+`
		FROM stored_objects
		WHERE ref_count <= 0 AND orphaned_at IS NOT NULL AND orphaned_at < $1
		ORDER BY orphaned_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan objects: %w", err)
	}
	defer rows.Close()

	var objects []*domain.StoredObject
	for rows.Next() {
		obj, err := scanObject(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		objects = append(objects, obj)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating objects: %w", err)
	}

	return objects, nil
}

// SumSizeByOwner returns the total unique bytes stored for an owner.
func (r *objectRepository) SumSizeByOwner(ctx context.Context, ownerID int64) (int64, error) {
	var total int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM stored_objects WHERE owner_id = $1 AND ref_count > 0`,
		ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum object sizes: %w", err)
	}
	return total, nil
}

var _ repository.ObjectRepository = (*objectRepository)(nil)
