package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// objectRepository implements repository.ObjectRepository for SQLite.
type objectRepository struct {
	db *DB
}

// NewObjectRepository creates a new SQLite object repository.
func NewObjectRepository(db *DB) repository.ObjectRepository {
	return &objectRepository{db: db}
}

const objectColumns = `id, owner_id, fingerprint, backend_kind, storage_key, size, content_type, ref_count, created_at, orphaned_at`

// scanObject scans a single stored object row.
func scanObject(scan func(dest ...interface{}) error) (*domain.StoredObject, error) {
	obj := &domain.StoredObject{}
	var kind, createdAt string
	var orphanedAt sql.NullString

	err := scan(
		&obj.ID,
		&obj.OwnerID,
		&obj.Fingerprint,
		&kind,
		&obj.StorageKey,
		&obj.Size,
		&obj.ContentType,
		&obj.RefCount,
		&createdAt,
		&orphanedAt,
	)
	if err != nil {
		return nil, err
	}

	obj.BackendKind = domain.BackendKind(kind)
	obj.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if orphanedAt.Valid {
		if t, err := time.Parse(time.RFC3339, orphanedAt.String); err == nil {
			obj.OrphanedAt = &t
		}
	}

	return obj, nil
}

// UpsertWithRefIncrement creates a new object row or increments ref_count if
// one exists for (owner, fingerprint).
func (r *objectRepository) UpsertWithRefIncrement(ctx context.Context, obj *domain.StoredObject) (bool, error) {
	// SQLite's ON CONFLICT lacks a portable way to report whether the row
	// was inserted, so check first and let the insert's ON CONFLICT clause
	// absorb the race. With the single writer connection this is atomic.
	var existingID int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM stored_objects WHERE owner_id = ? AND fingerprint = ?`,
		obj.OwnerID, obj.Fingerprint,
	).Scan(&existingID)

	if err != nil {
		if !isNoRows(err) {
			return false, fmt.Errorf("failed to check object existence: %w", err)
		}

		result, insErr := r.db.ExecContext(ctx, `
			INSERT INTO stored_objects (owner_id, fingerprint, backend_kind, storage_key, size, content_type, ref_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, 1, ?)
			ON CONFLICT (owner_id, fingerprint) DO UPDATE
			SET ref_count = ref_count + 1, orphaned_at = NULL
		`,
			obj.OwnerID,
			obj.Fingerprint,
			string(obj.BackendKind),
			obj.StorageKey,
			obj.Size,
			obj.ContentType,
			obj.CreatedAt.UTC().Format(time.RFC3339),
		)
		if insErr != nil {
			return false, fmt.Errorf("failed to insert object: %w", insErr)
		}

		if id, idErr := result.LastInsertId(); idErr == nil {
			obj.ID = id
		}
		return true, nil
	}

	_, err = r.db.ExecContext(ctx, `
		UPDATE stored_objects
		SET ref_count = ref_count + 1, orphaned_at = NULL
		WHERE owner_id = ? AND fingerprint = ?
	`, obj.OwnerID, obj.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("failed to increment object ref_count: %w", err)
	}

	obj.ID = existingID
	return false, nil
}

// GetByFingerprint retrieves an object by owner and content fingerprint.
func (r *objectRepository) GetByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (*domain.StoredObject, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM stored_objects WHERE owner_id = ? AND fingerprint = ?`,
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
	result, err := r.db.ExecContext(ctx, `
		UPDATE stored_objects
		SET ref_count = ref_count + 1, orphaned_at = NULL
		WHERE owner_id = ? AND fingerprint = ?
	`, ownerID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to increment ref count: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// DecrementRef atomically decrements the reference count, stamping
// orphaned_at when the count reaches zero. Returns the new count.
func (r *objectRepository) DecrementRef(ctx context.Context, ownerID int64, fingerprint string) (int32, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE stored_objects
		SET ref_count = ref_count - 1,
		    orphaned_at = CASE WHEN ref_count <= 1 THEN ? ELSE orphaned_at END
		WHERE owner_id = ? AND fingerprint = ? AND ref_count > 0
	`, time.Now().UTC().Format(time.RFC3339), ownerID, fingerprint)
	if err != nil {
		return 0, fmt.Errorf("failed to decrement ref count: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return 0, domain.ErrNotFound
	}

	var newRefCount int32
	err = r.db.QueryRowContext(ctx,
		`SELECT ref_count FROM stored_objects WHERE owner_id = ? AND fingerprint = ?`,
		ownerID, fingerprint,
	).Scan(&newRefCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get new ref count: %w", err)
	}

	return newRefCount, nil
}

// Exists checks if an object with the given fingerprint exists for the owner.
func (r *objectRepository) Exists(ctx context.Context, ownerID int64, fingerprint string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stored_objects WHERE owner_id = ? AND fingerprint = ?`,
		ownerID, fingerprint,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}
	return count > 0, nil
}

// Delete deletes an object row. Guarded on ref_count so a concurrent
// re-upload that revived the object is never deleted.
func (r *objectRepository) Delete(ctx context.Context, ownerID int64, fingerprint string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM stored_objects WHERE owner_id = ? AND fingerprint = ? AND ref_count <= 0`,
		ownerID, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// ListOrphans returns objects that have sat at ref_count = 0 past the
// grace period, measured from when the last reference disappeared.
func (r *objectRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.StoredObject, error) {
	cutoff := time.Now().UTC().Add(-gracePeriod).Format(time.RFC3339)

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+objectColumns+`
		FROM stored_objects
		WHERE ref_count <= 0 AND orphaned_at IS NOT NULL AND orphaned_at < ?
		ORDER BY orphaned_at ASC
		LIMIT ?
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
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(size), 0) FROM stored_objects WHERE owner_id = ? AND ref_count > 0`,
		ownerID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum object sizes: %w", err)
	}
	return total, nil
}

// Ensure objectRepository implements repository.ObjectRepository.
var _ repository.ObjectRepository = (*objectRepository)(nil)
