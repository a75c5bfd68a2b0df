// Package service provides business logic services for wpic.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/cache"
	"github.com/ThinkerWen/wpic/internal/derivative"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/pkg/crypto"
	"github.com/ThinkerWen/wpic/internal/quota"
	"github.com/ThinkerWen/wpic/internal/repository"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// downloadFlushThreshold is the number of cache-batched download hits
// after which the counter is flushed to the database.
const downloadFlushThreshold = 10

// OwnerResolver loads owners with usable (decrypted) backend configuration.
// OwnerService satisfies it.
type OwnerResolver interface {
	Resolve(ctx context.Context, ownerID int64) (*domain.Owner, error)
}

// StorageService is the orchestrator for image storage: uploads with
// content-addressed deduplication, original and derivative fetches,
// deletes with reference counting, and usage reporting.
type StorageService struct {
	objects  repository.ObjectRepository
	files    repository.FileRepository
	owners   OwnerResolver
	backends derivative.Backends
	cache    *cache.FileCache
	ledger   *quota.Ledger
	builder  *derivative.Builder
	logger   zerolog.Logger

	maxUploadBytes int64
}

// NewStorageService creates a new StorageService.
func NewStorageService(
	objects repository.ObjectRepository,
	files repository.FileRepository,
	owners OwnerResolver,
	backends derivative.Backends,
	fileCache *cache.FileCache,
	ledger *quota.Ledger,
	builder *derivative.Builder,
	maxUploadBytes int64,
	logger zerolog.Logger,
) *StorageService {
	return &StorageService{
		objects:        objects,
		files:          files,
		owners:         owners,
		backends:       backends,
		cache:          fileCache,
		ledger:         ledger,
		builder:        builder,
		maxUploadBytes: maxUploadBytes,
		logger:         logger.With().Str("service", "storage").Logger(),
	}
}

// =============================================================================
// Input/Output Structs
// =============================================================================

// UploadInput contains the data needed to store an image.
type UploadInput struct {
	OwnerID   int64
	Filename  string
	Body      io.Reader
	ExpiresAt *time.Time // Optional
}

// UploadOutput contains the result of storing an image.
type UploadOutput struct {
	FileID       int64
	AccessToken  string
	Fingerprint  string
	Size         int64
	Width        int
	Height       int
	Format       string
	Deduplicated bool
}

// FetchOriginalInput identifies an original to retrieve.
type FetchOriginalInput struct {
	AccessToken string
}

// FetchOriginalOutput contains the retrieved original. When RedirectURL
// is set the bytes live behind a direct backend URL and Data is nil; the
// caller should redirect instead of streaming.
type FetchOriginalOutput struct {
	Data        []byte
	RedirectURL string
	ContentType string
	Filename    string
	Size        int64
}

// FetchDerivativeInput identifies a derivative to retrieve.
type FetchDerivativeInput struct {
	AccessToken string
	Kind        domain.DerivativeKind
}

// FetchDerivativeOutput contains the retrieved derivative.
type FetchDerivativeOutput struct {
	Data        []byte
	ContentType string
}

// DeleteInput identifies a file record to delete.
type DeleteInput struct {
	OwnerID     int64
	AccessToken string
}

// =============================================================================
// Service Methods
// =============================================================================

// Upload stores an image for an owner. Identical content (per owner) is
// deduplicated: the backend is not touched and no quota is consumed, only
// the reference count grows.
func (s *StorageService) Upload(ctx context.Context, input UploadInput) (*UploadOutput, error) {
	owner, err := s.owners.Resolve(ctx, input.OwnerID)
	if err != nil {
		return nil, err
	}

	// Reject owners already at their limit before buffering the body. The
	// authoritative check happens in the ledger reservation later.
	exceeded, err := s.ledger.IsQuotaExceeded(ctx, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	if exceeded {
		return nil, domain.NewDomainError(domain.ErrQuotaExceeded,
			"storage limit reached", fmt.Sprintf("owner %d", owner.ID))
	}

	data, fingerprint, err := s.readUpload(input.Body)
	if err != nil {
		return nil, err
	}

	info, err := derivative.Probe(data)
	if err != nil {
		return nil, err
	}

	size := int64(len(data))
	contentType := "image/" + info.Format

	existing, err := s.objects.GetByFingerprint(ctx, owner.ID, fingerprint)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("failed to check for duplicate")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	deduplicated := existing != nil
	if deduplicated {
		// Fast path: bytes are already durable, just add a reference.
		if err := s.objects.IncrementRef(ctx, owner.ID, fingerprint); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				// Object vanished between check and increment (concurrent
				// delete); fall through to a full write.
				deduplicated = false
			} else {
				return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
			}
		}
	}

	if !deduplicated {
		if err := s.storeNewObject(ctx, owner, fingerprint, data, size, contentType); err != nil {
			return nil, err
		}
	}

	rec := domain.NewFileRecord(owner.ID, fingerprint, input.Filename, contentType, size)
	rec.Width = info.Width
	rec.Height = info.Height
	rec.Format = info.Format
	rec.ExpiresAt = input.ExpiresAt

	if err := s.files.Create(ctx, rec); err != nil {
		// Roll the reference back so the object doesn't leak.
		s.rollbackReference(ctx, owner, fingerprint)
		s.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("failed to create file record")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	// Write-through: subsequent fetches are served from cache.
	s.cache.SetBlob(ctx, owner.ID, fingerprint, data)
	s.cache.SetFileMeta(ctx, rec)

	s.logger.Info().
		Int64("owner_id", owner.ID).
		Str("fingerprint", fingerprint).
		Int64("size", size).
		Str("format", info.Format).
		Bool("deduplicated", deduplicated).
		Msg("image stored")

	return &UploadOutput{
		FileID:       rec.ID,
		AccessToken:  rec.AccessToken,
		Fingerprint:  fingerprint,
		Size:         size,
		Width:        info.Width,
		Height:       info.Height,
		Format:       info.Format,
		Deduplicated: deduplicated,
	}, nil
}

// storeNewObject performs the reserve / write / record / commit sequence
// for content not yet present on the backend.
func (s *StorageService) storeNewObject(ctx context.Context, owner *domain.Owner, fingerprint string, data []byte, size int64, contentType string) error {
	reservation, err := s.ledger.Reserve(ctx, owner.ID, size)
	if err != nil {
		return err
	}

	backend, err := s.backends.ForOwner(ctx, owner)
	if err != nil {
		reservation.Release()
		return err
	}

	key := storage.OriginalKey(owner.ID, fingerprint)

	if err := backend.Put(ctx, key, bytes.NewReader(data), size, contentType); err != nil {
		if errors.Is(err, domain.ErrBackendTimeout) {
			// Unknown outcome: the write may have landed. Reconcile by
			// asking the backend before giving up.
			exists, checkErr := backend.Exists(ctx, key)
			if checkErr == nil && exists {
				s.logger.Warn().Str("key", key).Msg("write timed out but object is present, continuing")
			} else {
				reservation.Release()
				return err
			}
		} else {
			reservation.Release()
			return err
		}
	}

	obj := domain.NewStoredObject(owner.ID, fingerprint, owner.BackendKind, key, size, contentType)
	isNew, err := s.objects.UpsertWithRefIncrement(ctx, obj)
	if err != nil {
		reservation.Release()
		s.logger.Error().Err(err).Str("fingerprint", fingerprint).Msg("failed to record stored object")
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if !isNew {
		// A concurrent upload of the same content won the race. Its
		// identical write is already accounted for; ours was an idempotent
		// overwrite of the same key, so the reservation is surplus.
		reservation.Release()
		return nil
	}

	if err := reservation.Commit(ctx); err != nil {
		s.logger.Error().Err(err).Int64("owner_id", owner.ID).Msg("failed to commit quota")
	}

	return nil
}

// rollbackReference undoes one reference after a failed file record insert,
// reclaiming the stored bytes if this was the last reference.
func (s *StorageService) rollbackReference(ctx context.Context, owner *domain.Owner, fingerprint string) {
	refCount, err := s.objects.DecrementRef(ctx, owner.ID, fingerprint)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("reference rollback failed")
		return
	}
	if refCount == 0 {
		s.reclaimObject(ctx, owner, fingerprint)
	}
}

// FetchOriginal retrieves original image bytes by access token.
func (s *StorageService) FetchOriginal(ctx context.Context, input FetchOriginalInput) (*FetchOriginalOutput, error) {
	rec, err := s.fileRecord(ctx, input.AccessToken)
	if err != nil {
		return nil, err
	}

	owner, err := s.owners.Resolve(ctx, rec.OwnerID)
	if err != nil {
		return nil, err
	}

	data, ok := s.cache.GetBlob(ctx, owner.ID, rec.Fingerprint)
	if !ok {
		backend, err := s.backends.ForOwner(ctx, owner)
		if err != nil {
			return nil, err
		}

		// Originals too large for the cache are proxied on every request;
		// when the backend can mint a direct URL, redirect instead.
		if !s.cache.AdmitsBlob(rec.Size) {
			if out, ok := s.accessURL(ctx, backend, rec); ok {
				return out, nil
			}
		}

		rc, err := backend.Get(ctx, storage.OriginalKey(owner.ID, rec.Fingerprint))
		if err != nil {
			return nil, err
		}
		data, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
		}

		s.cache.SetBlob(ctx, owner.ID, rec.Fingerprint, data)
	}

	s.countDownload(ctx, rec.ID)

	return &FetchOriginalOutput{
		Data:        data,
		ContentType: rec.ContentType,
		Filename:    rec.Filename,
		Size:        int64(len(data)),
	}, nil
}

// accessURLTTL bounds direct backend URLs handed to clients.
const accessURLTTL = 15 * time.Minute

// accessURL asks the backend for a signed direct URL to the original.
// Reports false when the backend lacks the capability or signing fails,
// in which case the caller proxies the bytes.
func (s *StorageService) accessURL(ctx context.Context, backend storage.Backend, rec *domain.FileRecord) (*FetchOriginalOutput, bool) {
	signer, ok := backend.(storage.URLSigner)
	if !ok {
		return nil, false
	}

	u, err := signer.AccessURL(ctx, storage.OriginalKey(rec.OwnerID, rec.Fingerprint), accessURLTTL)
	if err != nil {
		if !errors.Is(err, storage.ErrAccessURLUnsupported) {
			s.logger.Warn().Err(err).Str("fingerprint", rec.Fingerprint).Msg("access url signing failed, proxying")
		}
		return nil, false
	}

	s.countDownload(ctx, rec.ID)

	return &FetchOriginalOutput{
		RedirectURL: u,
		ContentType: rec.ContentType,
		Filename:    rec.Filename,
		Size:        rec.Size,
	}, true
}

// FetchDerivative retrieves (building if needed) a derivative by access
// token and kind.
func (s *StorageService) FetchDerivative(ctx context.Context, input FetchDerivativeInput) (*FetchDerivativeOutput, error) {
	spec, ok := domain.DerivativeSpecByID(string(input.Kind))
	if !ok {
		return nil, domain.NewDomainError(domain.ErrNotFound, "unknown derivative kind", string(input.Kind))
	}

	rec, err := s.fileRecord(ctx, input.AccessToken)
	if err != nil {
		return nil, err
	}

	owner, err := s.owners.Resolve(ctx, rec.OwnerID)
	if err != nil {
		return nil, err
	}

	obj, err := s.objects.GetByFingerprint(ctx, owner.ID, rec.Fingerprint)
	if err != nil {
		return nil, err
	}

	data, err := s.builder.Fetch(ctx, owner, obj, spec)
	if err != nil {
		return nil, err
	}

	s.countDownload(ctx, rec.ID)

	return &FetchDerivativeOutput{
		Data:        data,
		ContentType: "image/jpeg",
	}, nil
}

// Delete removes a file record. The underlying bytes, derivatives and
// cache entries are reclaimed when the last reference disappears.
func (s *StorageService) Delete(ctx context.Context, input DeleteInput) error {
	rec, err := s.fileRecord(ctx, input.AccessToken)
	if err != nil {
		return err
	}

	if input.OwnerID > 0 && rec.OwnerID != input.OwnerID {
		return ErrAccessDenied
	}

	owner, err := s.owners.Resolve(ctx, rec.OwnerID)
	if err != nil {
		return err
	}

	if err := s.files.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, domain.ErrFileRecordNotFound) {
			return domain.ErrFileRecordNotFound
		}
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.cache.DeleteFileMeta(ctx, rec.AccessToken)

	refCount, err := s.objects.DecrementRef(ctx, owner.ID, rec.Fingerprint)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	if refCount == 0 {
		s.reclaimObject(ctx, owner, rec.Fingerprint)
	}

	s.logger.Info().
		Int64("owner_id", owner.ID).
		Str("fingerprint", rec.Fingerprint).
		Int32("ref_count", refCount).
		Msg("file record deleted")

	return nil
}

// reclaimObject removes the metadata row, backend bytes, derivative copies
// and cache entries for an object whose last reference is gone, returning
// the bytes to the owner's quota.
//
// The row goes first: its guarded delete fails with domain.ErrNotFound
// when a concurrent deduplicated upload revived the object, in which case
// the bytes and the quota charge belong to the live reference and nothing
// here may touch them. Once the row is gone no upload can attach to the
// object anymore, so the backend deletes that follow are safe; their
// failures are logged, not propagated.
func (s *StorageService) reclaimObject(ctx context.Context, owner *domain.Owner, fingerprint string) {
	obj, err := s.objects.GetByFingerprint(ctx, owner.ID, fingerprint)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("reclaim lookup failed")
		return
	}
	if !obj.IsOrphan() {
		// Revived by a concurrent upload.
		return
	}

	if err := s.objects.Delete(ctx, owner.ID, fingerprint); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			// Row stays at ref_count 0; the orphan sweep retries.
			s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("object row delete failed")
		}
		return
	}

	if err := s.ledger.ReleaseBytes(ctx, owner.ID, obj.Size); err != nil {
		s.logger.Warn().Err(err).Int64("owner_id", owner.ID).Msg("quota release failed")
	}

	s.cache.PurgeObject(ctx, owner.ID, fingerprint)

	backend, err := s.backends.ForOwner(ctx, owner)
	if err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("reclaim backend unavailable")
		return
	}

	for _, spec := range domain.DerivativeSpecs {
		key := storage.DerivativeKey(owner.ID, fingerprint, spec.ID())
		if err := backend.Delete(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("derivative delete failed")
		}
	}

	if err := backend.Delete(ctx, storage.OriginalKey(owner.ID, fingerprint)); err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("original delete failed")
	}
}

// Usage reports committed usage and limit for an owner.
func (s *StorageService) Usage(ctx context.Context, ownerID int64) (domain.Usage, error) {
	if _, err := s.owners.Resolve(ctx, ownerID); err != nil {
		return domain.Usage{}, err
	}
	return s.ledger.Usage(ctx, ownerID)
}

// ListFiles returns an owner's file records.
func (s *StorageService) ListFiles(ctx context.Context, ownerID int64, opts repository.ListOptions) (*repository.ListResult[domain.FileRecord], error) {
	return s.files.ListByOwner(ctx, ownerID, opts)
}

// =============================================================================
// Helpers
// =============================================================================

// readUpload buffers the upload, hashing it in the same pass, and enforces
// emptiness and size limits. Returns the bytes and their fingerprint.
func (s *StorageService) readUpload(body io.Reader) ([]byte, string, error) {
	limit := s.maxUploadBytes
	if limit <= 0 {
		limit = 64 << 20 // 64MB fallback
	}

	hashed := crypto.NewHashReader(io.LimitReader(body, limit+1))
	data, err := io.ReadAll(hashed)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) == 0 {
		return nil, "", domain.ErrEmptyContent
	}
	if int64(len(data)) > limit {
		return nil, "", ErrFileTooLarge
	}
	return data, hashed.Fingerprint(), nil
}

// fileRecord resolves a file record by access token, honoring expiry.
// Expired records read as missing.
func (s *StorageService) fileRecord(ctx context.Context, accessToken string) (*domain.FileRecord, error) {
	rec, ok := s.cache.GetFileMeta(ctx, accessToken)
	if !ok {
		var err error
		rec, err = s.files.GetByAccessToken(ctx, accessToken)
		if err != nil {
			if errors.Is(err, domain.ErrFileRecordNotFound) {
				return nil, domain.ErrFileRecordNotFound
			}
			return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
		}
		s.cache.SetFileMeta(ctx, rec)
	}

	if rec.Expired(time.Now()) {
		s.cache.DeleteFileMeta(ctx, accessToken)
		return nil, domain.ErrFileRecordNotFound
	}

	return rec, nil
}

// countDownload batches download hits in the cache and flushes them to the
// database once the batch threshold is reached. Falls back to direct
// database increments when the cache is down.
func (s *StorageService) countDownload(ctx context.Context, fileID int64) {
	batched, ok := s.cache.IncrDownloadCount(ctx, fileID)
	if !ok {
		if err := s.files.AddDownloadCount(ctx, fileID, 1); err != nil {
			s.logger.Warn().Err(err).Int64("file_id", fileID).Msg("download count update failed")
		}
		return
	}

	if batched >= downloadFlushThreshold {
		n := s.cache.TakeDownloadCount(ctx, fileID)
		if n > 0 {
			if err := s.files.AddDownloadCount(ctx, fileID, n); err != nil {
				s.logger.Warn().Err(err).Int64("file_id", fileID).Msg("download count flush failed")
			}
		}
	}
}
