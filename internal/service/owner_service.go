package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/pkg/crypto"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// ownerCacheTTL bounds how long owner rows live in cache; token rotation
// and deactivation take effect within this window at the latest.
const ownerCacheTTL = 5 * time.Minute

// BackendInvalidator drops memoized backend clients for an owner.
// storage.Router satisfies it.
type BackendInvalidator interface {
	Invalidate(owner *domain.Owner)
}

// OwnerService manages owners: registration, API token issuance and
// authentication, backend configuration (encrypted at rest) and quota
// administration.
type OwnerService struct {
	owners    repository.OwnerRepository
	cache     repository.Cache
	keys      repository.CacheKey
	encryptor *crypto.Encryptor
	router    BackendInvalidator
	logger    zerolog.Logger
}

// NewOwnerService creates a new OwnerService.
// encryptor may be nil, in which case backend configuration is stored as
// plain JSON. router may be nil when no backend memoization is in play.
func NewOwnerService(
	owners repository.OwnerRepository,
	cache repository.Cache,
	encryptor *crypto.Encryptor,
	router BackendInvalidator,
	logger zerolog.Logger,
) *OwnerService {
	return &OwnerService{
		owners:    owners,
		cache:     cache,
		encryptor: encryptor,
		router:    router,
		logger:    logger.With().Str("service", "owner").Logger(),
	}
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// CreateOwnerInput contains the data needed to register an owner.
type CreateOwnerInput struct {
	Name          string
	BackendKind   domain.BackendKind
	BackendConfig json.RawMessage // Optional, backend-specific overrides
	QuotaBytes    int64           // 0 = unlimited
}

// CreateOwnerOutput contains the registered owner and their API token.
// The token is returned exactly once; only its hash is stored.
type CreateOwnerOutput struct {
	Owner    *domain.Owner
	APIToken string
}

// =============================================================================
// Service Methods
// =============================================================================

// CreateOwner registers a new owner and issues their API token.
func (s *OwnerService) CreateOwner(ctx context.Context, input CreateOwnerInput) (*CreateOwnerOutput, error) {
	if len(input.Name) < 3 || len(input.Name) > 255 {
		return nil, ErrInvalidName
	}

	kind := input.BackendKind
	if kind == "" {
		kind = domain.BackendLocal
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown backend kind %q", kind)
	}

	token, err := crypto.GenerateAPIToken()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	stored, err := s.sealConfig(input.BackendConfig)
	if err != nil {
		return nil, err
	}

	owner := &domain.Owner{
		Name:          input.Name,
		TokenHash:     crypto.Fingerprint([]byte(token)),
		BackendKind:   kind,
		BackendConfig: stored,
		QuotaBytes:    input.QuotaBytes,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.owners.Create(ctx, owner); err != nil {
		if errors.Is(err, domain.ErrOwnerAlreadyExists) {
			return nil, domain.ErrOwnerAlreadyExists
		}
		s.logger.Error().Err(err).Str("name", input.Name).Msg("failed to create owner")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.logger.Info().
		Int64("owner_id", owner.ID).
		Str("name", owner.Name).
		Str("backend", string(kind)).
		Int64("quota_bytes", owner.QuotaBytes).
		Msg("owner created")

	return &CreateOwnerOutput{
		Owner:    owner,
		APIToken: token,
	}, nil
}

// Authenticate resolves an owner from a presented API token.
func (s *OwnerService) Authenticate(ctx context.Context, token string) (*domain.Owner, error) {
	if len(token) != crypto.APITokenLength {
		return nil, domain.ErrInvalidToken
	}

	tokenHash := crypto.Fingerprint([]byte(token))

	if owner, ok := s.cachedOwner(ctx, s.keys.OwnerByTokenHash(tokenHash)); ok {
		return s.openOwner(owner)
	}

	owner, err := s.owners.GetByTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, domain.ErrOwnerNotFound) {
			return nil, domain.ErrInvalidToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.cacheOwner(ctx, s.keys.OwnerByTokenHash(tokenHash), owner)

	return s.openOwner(owner)
}

// Resolve loads an owner by ID with decrypted backend configuration.
func (s *OwnerService) Resolve(ctx context.Context, ownerID int64) (*domain.Owner, error) {
	if owner, ok := s.cachedOwner(ctx, s.keys.Owner(ownerID)); ok {
		return s.openOwner(owner)
	}

	owner, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		if errors.Is(err, domain.ErrOwnerNotFound) {
			return nil, domain.ErrOwnerNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.cacheOwner(ctx, s.keys.Owner(ownerID), owner)

	return s.openOwner(owner)
}

// ResolveAny loads an owner by ID regardless of active state. Maintenance
// jobs use it to reclaim blobs belonging to deactivated owners.
func (s *OwnerService) ResolveAny(ctx context.Context, ownerID int64) (*domain.Owner, error) {
	owner, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	config, err := s.unsealConfig(owner.BackendConfig)
	if err != nil {
		return nil, err
	}

	out := *owner
	out.BackendConfig = config
	return &out, nil
}

// RotateToken replaces an owner's API token, returning the new token once.
func (s *OwnerService) RotateToken(ctx context.Context, ownerID int64) (string, error) {
	owner, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		return "", err
	}

	token, err := crypto.GenerateAPIToken()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	oldHash := owner.TokenHash
	owner.TokenHash = crypto.Fingerprint([]byte(token))

	if err := s.owners.Update(ctx, owner); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.dropOwnerCache(ctx, owner, oldHash)
	s.logger.Info().Int64("owner_id", ownerID).Msg("API token rotated")

	return token, nil
}

// UpdateBackend switches an owner's storage backend configuration.
// Existing objects stay on the old backend; only new writes move.
func (s *OwnerService) UpdateBackend(ctx context.Context, ownerID int64, kind domain.BackendKind, config json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown backend kind %q", kind)
	}

	owner, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		return err
	}

	stored, err := s.sealConfig(config)
	if err != nil {
		return err
	}

	owner.BackendKind = kind
	owner.BackendConfig = stored

	if err := s.owners.Update(ctx, owner); err != nil {
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.dropOwnerCache(ctx, owner, owner.TokenHash)
	if s.router != nil {
		s.router.Invalidate(owner)
	}

	s.logger.Info().
		Int64("owner_id", ownerID).
		Str("backend", string(kind)).
		Msg("backend configuration updated")

	return nil
}

// SetQuota updates an owner's quota limit. 0 means unlimited.
func (s *OwnerService) SetQuota(ctx context.Context, ownerID int64, quotaBytes int64) error {
	owner, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		return err
	}

	owner.QuotaBytes = quotaBytes
	if err := s.owners.Update(ctx, owner); err != nil {
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.dropOwnerCache(ctx, owner, owner.TokenHash)
	return nil
}

// SetActive enables or disables an owner.
func (s *OwnerService) SetActive(ctx context.Context, ownerID int64, active bool) error {
	owner, err := s.owners.GetByID(ctx, ownerID)
	if err != nil {
		return err
	}

	owner.Active = active
	if err := s.owners.Update(ctx, owner); err != nil {
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.dropOwnerCache(ctx, owner, owner.TokenHash)
	return nil
}

// List returns owners with pagination.
func (s *OwnerService) List(ctx context.Context, opts repository.ListOptions) (*repository.ListResult[domain.Owner], error) {
	return s.owners.List(ctx, opts)
}

// =============================================================================
// Helpers
// =============================================================================

// openOwner enforces activity and decrypts backend configuration.
func (s *OwnerService) openOwner(owner *domain.Owner) (*domain.Owner, error) {
	if !owner.Active {
		return nil, ErrOwnerInactive
	}

	config, err := s.unsealConfig(owner.BackendConfig)
	if err != nil {
		return nil, err
	}

	out := *owner
	out.BackendConfig = config
	return &out, nil
}

// sealedConfig is the at-rest envelope for encrypted backend configuration.
type sealedConfig struct {
	Sealed string `json:"sealed"`
}

// sealConfig encrypts backend configuration for storage.
func (s *OwnerService) sealConfig(config json.RawMessage) (json.RawMessage, error) {
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	if s.encryptor == nil {
		return config, nil
	}

	ciphertext, err := s.encryptor.Encrypt(config)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	out, err := json.Marshal(sealedConfig{Sealed: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return out, nil
}

// unsealConfig decrypts backend configuration loaded from storage.
// Plaintext configs (no encryptor, or rows written before encryption was
// enabled) pass through unchanged.
func (s *OwnerService) unsealConfig(stored json.RawMessage) (json.RawMessage, error) {
	if s.encryptor == nil || len(stored) == 0 {
		return stored, nil
	}

	var envelope sealedConfig
	if err := json.Unmarshal(stored, &envelope); err != nil || envelope.Sealed == "" {
		return stored, nil
	}

	plaintext, err := s.encryptor.Decrypt(envelope.Sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

// cachedOwner loads an owner from cache.
func (s *OwnerService) cachedOwner(ctx context.Context, key string) (*domain.Owner, bool) {
	if s.cache == nil {
		return nil, false
	}

	data, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, false
	}

	owner := &domain.Owner{}
	if err := json.Unmarshal(data, owner); err != nil {
		_ = s.cache.Delete(ctx, key)
		return nil, false
	}
	return owner, true
}

// cacheOwner stores an owner row (still sealed) in cache.
func (s *OwnerService) cacheOwner(ctx context.Context, key string, owner *domain.Owner) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(owner)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, ownerCacheTTL); err != nil {
		s.logger.Warn().Err(err).Msg("owner cache write failed")
	}
}

// dropOwnerCache invalidates both cache entries for an owner.
func (s *OwnerService) dropOwnerCache(ctx context.Context, owner *domain.Owner, tokenHash string) {
	if s.cache == nil {
		return
	}
	_ = s.cache.DeleteMulti(ctx, s.keys.Owner(owner.ID), s.keys.OwnerByTokenHash(tokenHash))
}

// Ensure OwnerService satisfies the orchestrator's resolver dependency.
var _ OwnerResolver = (*OwnerService)(nil)
