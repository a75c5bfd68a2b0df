package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// ownerRepository implements repository.OwnerRepository for SQLite.
type ownerRepository struct {
	db *DB
}

// NewOwnerRepository creates a new SQLite owner repository.
func NewOwnerRepository(db *DB) repository.OwnerRepository {
	return &ownerRepository{db: db}
}

// Create creates a new owner.
func (r *ownerRepository) Create(ctx context.Context, owner *domain.Owner) error {
	query := `
		INSERT INTO owners (name, token_hash, backend_kind, backend_config, quota_bytes, used_bytes, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	cfg := owner.BackendConfig
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}

	result, err := r.db.ExecContext(ctx, query,
		owner.Name,
		owner.TokenHash,
		string(owner.BackendKind),
		string(cfg),
		owner.QuotaBytes,
		owner.UsedBytes,
		boolToInt(owner.Active),
		owner.CreatedAt.Format(time.RFC3339),
	)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: name %q", domain.ErrOwnerAlreadyExists, owner.Name)
		}
		return fmt.Errorf("failed to create owner: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}
	owner.ID = id

	return nil
}

const ownerColumns = `id, name, token_hash, backend_kind, backend_config, quota_bytes, used_bytes, active, created_at`

// scanOwner scans a single owner row.
func scanOwner(scan func(dest ...interface{}) error) (*domain.Owner, error) {
	owner := &domain.Owner{}
	var kind, cfg, createdAt string
	var active int

	err := scan(
		&owner.ID,
		&owner.Name,
		&owner.TokenHash,
		&kind,
		&cfg,
		&owner.QuotaBytes,
		&owner.UsedBytes,
		&active,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	owner.BackendKind = domain.BackendKind(kind)
	owner.BackendConfig = json.RawMessage(cfg)
	owner.Active = active != 0
	owner.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

	return owner, nil
}

// GetByID retrieves an owner by ID.
func (r *ownerRepository) GetByID(ctx context.Context, id int64) (*domain.Owner, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE id = ?`, id)

	owner, err := scanOwner(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner by ID: %w", err)
	}
	return owner, nil
}

// GetByName retrieves an owner by name.
func (r *ownerRepository) GetByName(ctx context.Context, name string) (*domain.Owner, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE name = ?`, name)

	owner, err := scanOwner(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner by name: %w", err)
	}
	return owner, nil
}

// GetByTokenHash retrieves an active owner by API token hash.
func (r *ownerRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*domain.Owner, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE token_hash = ? AND active = 1`, tokenHash)

	owner, err := scanOwner(row.Scan)
	if err != nil {
		if isNoRows(err) {
			return nil, domain.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("failed to get owner by token hash: %w", err)
	}
	return owner, nil
}

// Update updates an existing owner.
func (r *ownerRepository) Update(ctx context.Context, owner *domain.Owner) error {
	query := `
		UPDATE owners
		SET name = ?, token_hash = ?, backend_kind = ?, backend_config = ?,
		    quota_bytes = ?, active = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query,
		owner.Name,
		owner.TokenHash,
		string(owner.BackendKind),
		string(owner.BackendConfig),
		owner.QuotaBytes,
		boolToInt(owner.Active),
		owner.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: name %q", domain.ErrOwnerAlreadyExists, owner.Name)
		}
		return fmt.Errorf("failed to update owner: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrOwnerNotFound
	}

	return nil
}

// Delete deletes an owner by ID.
func (r *ownerRepository) Delete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrOwnerNotFound
	}

	return nil
}

// List returns all owners with pagination.
func (r *ownerRepository) List(ctx context.Context, opts repository.ListOptions) (*repository.ListResult[domain.Owner], error) {
	var total int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM owners`).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count owners: %w", err)
	}

	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+ownerColumns+` FROM owners ORDER BY created_at `+order+` LIMIT ? OFFSET ?`,
		limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	defer rows.Close()

	var owners []*domain.Owner
	for rows.Next() {
		owner, err := scanOwner(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan owner: %w", err)
		}
		owners = append(owners, owner)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating owners: %w", err)
	}

	return &repository.ListResult[domain.Owner]{
		Items:  owners,
		Total:  total,
		Offset: opts.Offset,
		Limit:  limit,
	}, nil
}

// ExistsByName checks if an owner with the given name exists.
func (r *ownerRepository) ExistsByName(ctx context.Context, name string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM owners WHERE name = ?`, name).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check owner existence: %w", err)
	}
	return count > 0, nil
}

// AddUsage atomically adjusts used_bytes by delta, clamping at zero.
func (r *ownerRepository) AddUsage(ctx context.Context, ownerID int64, delta int64) error {
	query := `
		UPDATE owners
		SET used_bytes = MAX(0, used_bytes + ?)
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, query, delta, ownerID)
	if err != nil {
		return fmt.Errorf("failed to adjust owner usage: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return domain.ErrOwnerNotFound
	}

	return nil
}

// GetUsage returns the current used_bytes for an owner.
func (r *ownerRepository) GetUsage(ctx context.Context, ownerID int64) (int64, error) {
	var used int64
	err := r.db.QueryRowContext(ctx,
		`SELECT used_bytes FROM owners WHERE id = ?`, ownerID).Scan(&used)
	if err != nil {
		if isNoRows(err) {
			return 0, domain.ErrOwnerNotFound
		}
		return 0, fmt.Errorf("failed to get owner usage: %w", err)
	}
	return used, nil
}

// boolToInt converts a bool to SQLite's integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure ownerRepository implements repository.OwnerRepository.
var _ repository.OwnerRepository = (*ownerRepository)(nil)
