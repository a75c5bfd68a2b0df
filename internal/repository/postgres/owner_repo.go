package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// ownerRepository implements repository.OwnerRepository.
type ownerRepository struct {
	db *DB
}

// NewOwnerRepository creates a new PostgreSQL owner repository.
func NewOwnerRepository(db *DB) repository.OwnerRepository {
	return &ownerRepository{db: db}
}

const ownerColumns = `id, name, token_hash, backend_kind, backend_config, quota_bytes, used_bytes, active, created_at`

// Create creates a new owner.
func (r *ownerRepository) Create(ctx context.Context, owner *domain.Owner) error {
	query := `
		INSERT INTO owners (name, token_hash, backend_kind, backend_config, quota_bytes, used_bytes, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	cfg := owner.BackendConfig
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}

	err := r.db.Pool.QueryRow(ctx, query,
		owner.Name,
		owner.TokenHash,
		string(owner.BackendKind),
		cfg,
		owner.QuotaBytes,
		owner.UsedBytes,
		owner.Active,
		owner.CreatedAt.UTC(),
	).Scan(&owner.ID)

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: name %q", domain.ErrOwnerAlreadyExists, owner.Name)
		}
		return fmt.Errorf("failed to create owner: %w", err)
	}

	return nil
}

// scanOwner scans a single owner row.
func scanOwner(scan func(dest ...any) error) (*domain.Owner, error) {
	owner := &domain.Owner{}
	var kind string
	var cfg []byte

	err := scan(
		&owner.ID,
		&owner.Name,
		&owner.TokenHash,
		&kind,
		&cfg,
		&owner.QuotaBytes,
		&owner.UsedBytes,
		&owner.Active,
		&owner.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	owner.BackendKind = domain.BackendKind(kind)
	owner.BackendConfig = json.RawMessage(cfg)

	return owner, nil
}

// GetByID retrieves an owner by ID.
func (r *ownerRepository) GetByID(ctx context.Context, id int64) (*domain.Owner, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE id = $1`, id)

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
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE name = $1`, name)

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
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+ownerColumns+` FROM owners WHERE token_hash = $1 AND active = true`, tokenHash)

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
		SET name = $1, token_hash = $2, backend_kind = $3, backend_config = $4,
		    quota_bytes = $5, active = $6
		WHERE id = $7
	`

	tag, err := r.db.Pool.Exec(ctx, query,
		owner.Name,
		owner.TokenHash,
		string(owner.BackendKind),
		owner.BackendConfig,
		owner.QuotaBytes,
		owner.Active,
		owner.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: name %q", domain.ErrOwnerAlreadyExists, owner.Name)
		}
		return fmt.Errorf("failed to update owner: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrOwnerNotFound
	}

	return nil
}

// Delete deletes an owner by ID.
func (r *ownerRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM owners WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete owner: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrOwnerNotFound
	}

	return nil
}

// List returns all owners with pagination.
func (r *ownerRepository) List(ctx context.Context, opts repository.ListOptions) (*repository.ListResult[domain.Owner], error) {
	var total int64
	if err := r.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM owners`).Scan(&total); err != nil {
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

	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+ownerColumns+` FROM owners ORDER BY created_at `+order+` LIMIT $1 OFFSET $2`,
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
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM owners WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check owner existence: %w", err)
	}
	return exists, nil
}

// AddUsage atomically adjusts used_bytes by delta, clamping at zero.
func (r *ownerRepository) AddUsage(ctx context.Context, ownerID int64, delta int64) error {
	query := `
		UPDATE owners
		SET used_bytes = GREATEST(0, used_bytes + $1)
		WHERE id = $2
	`

	tag, err := r.db.Pool.Exec(ctx, query, delta, ownerID)
	if err != nil {
		return fmt.Errorf("failed to adjust owner usage: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return domain.ErrOwnerNotFound
	}

	return nil
}

// GetUsage returns the current used_bytes for an owner.
func (r *ownerRepository) GetUsage(ctx context.Context, ownerID int64) (int64, error) {
	var used int64
	err := r.db.Pool.QueryRow(ctx,
		`SELECT used_bytes FROM owners WHERE id = $1`, ownerID).Scan(&used)
	if err != nil {
		if isNoRows(err) {
			return 0, domain.ErrOwnerNotFound
		}
		return 0, fmt.Errorf("failed to get owner usage: %w", err)
	}
	return used, nil
}

var _ repository.OwnerRepository = (*ownerRepository)(nil)
