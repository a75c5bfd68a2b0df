package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// fileRepository implements repository.FileRepository.
type fileRepository struct {
	db *DB
}

// NewFileRepository creates a new PostgreSQL file repository.
func NewFileRepository(db *DB) repository.FileRepository {
	return &fileRepository{db: db}
}

const fileColumns = `id, owner_id, fingerprint, filename, original_filename, content_type, size, width, height, format, access_token, download_count, created_at, expires_at`

// scanFile scans a single file record row.
func scanFile(scan func(dest ...any) error) (*domain.FileRecord, error) {
	rec := &domain.FileRecord{}
	var expiresAt *time.Time

	err := scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Fingerprint,
		&rec.Filename,
		&rec.OriginalFilename,
		&rec.ContentType,
		&rec.Size,
		&rec.Width,
		&rec.Height,
		&rec.Format,
		&rec.AccessToken,
		&rec.DownloadCount,
		&rec.CreatedAt,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ExpiresAt = expiresAt
	return rec, nil
}

// Create creates a new file record.
func (r *fileRepository) Create(ctx context.Context, rec *domain.FileRecord) error {
	query := `
		INSERT INTO file_records (owner_id, fingerprint, filename, original_filename, content_type, size, width, height, format, access_token, download_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`

	err := r.db.Pool.QueryRow(ctx, query,
		rec.OwnerID,
		rec.Fingerprint,
		rec.Filename,
		rec.OriginalFilename,
		rec.ContentType,
		rec.Size,
		rec.Width,
		rec.Height,
		rec.Format,
		rec.AccessToken,
		rec.DownloadCount,
		rec.CreatedAt.UTC(),
		rec.ExpiresAt,
	).Scan(&rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("access token collision: %w", err)
		}
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

// GetByID retrieves a file record by ID.
func (r *fileRepository) GetByID(ctx context.Context, id int64) (*domain.FileRecord, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE id = $1`, id)

	rec, err := scanFile(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileRecordNotFound
		}
		return nil, fmt.Errorf("failed to get file record by ID: %w", err)
	}
	return rec, nil
}

// GetByAccessToken retrieves a file record by its public access token.
func (r *fileRepository) GetByAccessToken(ctx context.Context, token string) (*domain.FileRecord, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE access_token = $1`, token)

	rec, err := scanFile(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrFileRecordNotFound
		}
		return nil, fmt.Errorf("failed to get file record by access token: %w", err)
	}
	return rec, nil
}

// ListByOwner returns file records for an owner with pagination.
func (r *fileRepository) ListByOwner(ctx context.Context, ownerID int64, opts repository.ListOptions) (*repository.ListResult[domain.FileRecord], error) {
	var total int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_records WHERE owner_id = $1`, ownerID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count file records: %w", err)
	}

	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+fileColumns+` FROM file_records WHERE owner_id = $1 ORDER BY created_at `+order+` LIMIT $2 OFFSET $3`,
		ownerID, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var records []*domain.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file records: %w", err)
	}

	return &repository.ListResult[domain.FileRecord]{
		Items:  records,
		Total:  total,
		Offset: opts.Offset,
		Limit:  limit,
	}, nil
}

// CountByFingerprint returns how many file records reference the stored object.
func (r *fileRepository) CountByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (int64, error) {
	var count int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_records WHERE owner_id = $1 AND fingerprint = $2`,
		ownerID, fingerprint,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count file records by fingerprint: %w", err)
	}
	return count, nil
}

// AddDownloadCount atomically adds delta to the download counter.
func (r *fileRepository) AddDownloadCount(ctx context.Context, id int64, delta int64) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE file_records SET download_count = download_count + $1 WHERE id = $2`,
		delta, id)
	if err != nil {
		return fmt.Errorf("failed to add download count: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrFileRecordNotFound
	}

	return nil
}

// Delete deletes a file record by ID.
func (r *fileRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM file_records WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrFileRecordNotFound
	}

	return nil
}

// DeleteExpired deletes file records past their expires_at.
// Returns the deleted records so callers can release object references.
func (r *fileRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*domain.FileRecord, error) {
	query := `
		DELETE FROM file_records
		WHERE id IN (
			SELECT id FROM file_records
			WHERE expires_at IS NOT NULL AND expires_at <= $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		RETURNING ` + fileColumns

	rows, err := r.db.Pool.Query(ctx, query, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired file records: %w", err)
	}
	defer rows.Close()

	var expired []*domain.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		expired = append(expired, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating expired file records: %w", err)
	}

	return expired, nil
}

var _ repository.FileRepository = (*fileRepository)(nil)
