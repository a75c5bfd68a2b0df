package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/cache"
	"github.com/ThinkerWen/wpic/internal/derivative"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/lock"
	"github.com/ThinkerWen/wpic/internal/metrics"
	"github.com/ThinkerWen/wpic/internal/quota"
	"github.com/ThinkerWen/wpic/internal/repository"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// MaintenanceResolver loads owners for background jobs. Unlike the
// request-path resolver it must return deactivated owners too, so their
// blobs can still be reclaimed.
type MaintenanceResolver interface {
	ResolveAny(ctx context.Context, ownerID int64) (*domain.Owner, error)
}

// GCOptions tunes the background sweeps.
type GCOptions struct {
	// Interval between sweep rounds.
	Interval time.Duration

	// OrphanGrace is how long an object must sit at ref_count = 0 before
	// its backend bytes are reclaimed. The grace window lets in-flight
	// uploads revive a just-orphaned object without re-writing the blob.
	OrphanGrace time.Duration

	// BatchSize caps how many rows a single sweep round processes.
	BatchSize int

	// LockTTL bounds how long a sweep may hold its cluster-wide lock.
	LockTTL time.Duration
}

func (o *GCOptions) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Minute
	}
	if o.OrphanGrace <= 0 {
		o.OrphanGrace = time.Hour
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.LockTTL <= 0 {
		o.LockTTL = 5 * time.Minute
	}
}

// GCService reclaims storage in the background: backend bytes held by
// orphaned objects, and file records past their expiry. Sweeps are
// serialized across instances with distributed locks.
type GCService struct {
	objects  repository.ObjectRepository
	files    repository.FileRepository
	owners   MaintenanceResolver
	backends derivative.Backends
	cache    *cache.FileCache
	ledger   *quota.Ledger
	locker   lock.Locker
	opts     GCOptions
	logger   zerolog.Logger
}

// NewGCService creates a new GCService.
func NewGCService(
	objects repository.ObjectRepository,
	files repository.FileRepository,
	owners MaintenanceResolver,
	backends derivative.Backends,
	fileCache *cache.FileCache,
	ledger *quota.Ledger,
	locker lock.Locker,
	opts GCOptions,
	logger zerolog.Logger,
) *GCService {
	opts.withDefaults()
	return &GCService{
		objects:  objects,
		files:    files,
		owners:   owners,
		backends: backends,
		cache:    fileCache,
		ledger:   ledger,
		locker:   locker,
		opts:     opts,
		logger:   logger.With().Str("service", "gc").Logger(),
	}
}

// Run executes sweep rounds until the context is cancelled.
func (s *GCService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.opts.Interval).Msg("garbage collector started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("garbage collector stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one round of both collectors.
func (s *GCService) sweep(ctx context.Context) {
	expired, err := s.SweepExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("expired file sweep failed")
	} else if expired > 0 {
		s.logger.Info().Int("deleted", expired).Msg("expired file records removed")
	}

	reclaimed, err := s.SweepOrphans(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("orphan sweep failed")
	} else if reclaimed > 0 {
		s.logger.Info().Int("reclaimed", reclaimed).Msg("orphaned objects reclaimed")
	}

	metrics.RecordGCReclaim(reclaimed, expired)
}

// SweepExpired deletes file records past their expiry, releasing the
// object references they held. Returns the number of records removed.
func (s *GCService) SweepExpired(ctx context.Context) (int, error) {
	acquired, err := s.locker.Acquire(ctx, lock.Keys.ExpiryGC(), s.opts.LockTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		// Another instance is already sweeping.
		return 0, nil
	}
	defer func() {
		if _, err := s.locker.Release(ctx, lock.Keys.ExpiryGC()); err != nil {
			s.logger.Warn().Err(err).Msg("expiry lock release failed")
		}
	}()

	records, err := s.files.DeleteExpired(ctx, time.Now().UTC(), s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	owners := map[int64]*domain.Owner{}
	for _, record := range records {
		s.cache.DeleteFileMeta(ctx, record.AccessToken)

		refCount, err := s.objects.DecrementRef(ctx, record.OwnerID, record.Fingerprint)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn().Err(err).
					Int64("file_id", record.ID).
					Msg("reference release failed for expired file")
			}
			continue
		}
		if refCount > 0 {
			continue
		}

		owner, err := s.resolveCached(ctx, owners, record.OwnerID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("owner_id", record.OwnerID).Msg("owner lookup failed")
			continue
		}
		s.reclaim(ctx, owner, record.Fingerprint)
	}

	return len(records), nil
}

// SweepOrphans reclaims backend bytes for objects that have sat at
// ref_count = 0 past the grace window. Returns the number reclaimed.
func (s *GCService) SweepOrphans(ctx context.Context) (int, error) {
	acquired, err := s.locker.Acquire(ctx, lock.Keys.OrphanGC(), s.opts.LockTTL)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer func() {
		if _, err := s.locker.Release(ctx, lock.Keys.OrphanGC()); err != nil {
			s.logger.Warn().Err(err).Msg("orphan lock release failed")
		}
	}()

	orphans, err := s.objects.ListOrphans(ctx, s.opts.OrphanGrace, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	owners := map[int64]*domain.Owner{}
	for _, obj := range orphans {
		owner, err := s.resolveCached(ctx, owners, obj.OwnerID)
		if err != nil {
			s.logger.Warn().Err(err).Int64("owner_id", obj.OwnerID).Msg("owner lookup failed")
			continue
		}
		if s.reclaim(ctx, owner, obj.Fingerprint) {
			reclaimed++
		}
	}

	return reclaimed, nil
}

// reclaim removes an orphaned object's backend bytes, row, quota charge
// and cache entries. Reports whether the object row was removed.
func (s *GCService) reclaim(ctx context.Context, owner *domain.Owner, fingerprint string) bool {
	obj, err := s.objects.GetByFingerprint(ctx, owner.ID, fingerprint)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("reclaim lookup failed")
		}
		return false
	}
	if !obj.IsOrphan() {
		// Revived by a concurrent upload.
		return false
	}

	backend, err := s.backends.ForOwner(ctx, owner)
	if err != nil {
		s.logger.Warn().Err(err).Int64("owner_id", owner.ID).Msg("reclaim backend unavailable")
		return false
	}

	for _, spec := range domain.DerivativeSpecs {
		key := storage.DerivativeKey(owner.ID, fingerprint, spec.ID())
		if err := backend.Delete(ctx, key); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("derivative delete failed")
		}
	}

	if err := backend.Delete(ctx, storage.OriginalKey(owner.ID, fingerprint)); err != nil {
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("original delete failed")
		// Keep the row; the next sweep retries.
		return false
	}

	if err := s.objects.Delete(ctx, owner.ID, fingerprint); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false
		}
		s.logger.Warn().Err(err).Str("fingerprint", fingerprint).Msg("object row delete failed")
		return false
	}

	if err := s.ledger.ReleaseBytes(ctx, owner.ID, obj.Size); err != nil {
		s.logger.Warn().Err(err).Int64("owner_id", owner.ID).Msg("quota release failed")
	}

	s.cache.PurgeObject(ctx, owner.ID, fingerprint)

	s.logger.Debug().
		Int64("owner_id", owner.ID).
		Str("fingerprint", fingerprint).
		Int64("size", obj.Size).
		Msg("orphaned object reclaimed")

	return true
}

func (s *GCService) resolveCached(ctx context.Context, seen map[int64]*domain.Owner, ownerID int64) (*domain.Owner, error) {
	if owner, ok := seen[ownerID]; ok {
		return owner, nil
	}
	owner, err := s.owners.ResolveAny(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	seen[ownerID] = owner
	return owner, nil
}
