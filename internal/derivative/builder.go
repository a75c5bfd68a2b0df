package derivative

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/ThinkerWen/wpic/internal/cache"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/lock"
	"github.com/ThinkerWen/wpic/internal/metrics"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// Lock timing for cross-instance build coordination.
const (
	buildLockTTL        = 30 * time.Second
	buildLockRetries    = 10
	buildLockRetryDelay = 500 * time.Millisecond
)

// Backends resolves the storage backend for an owner.
// storage.Router satisfies it.
type Backends interface {
	ForOwner(ctx context.Context, owner *domain.Owner) (storage.Backend, error)
}

// Builder serves derivatives, generating and persisting them on first
// request. Concurrent requests for the same (owner, fingerprint, spec) are
// collapsed: in-process via singleflight, across instances via a
// distributed lock.
type Builder struct {
	backends Backends
	cache    *cache.FileCache
	locker   lock.Locker
	group    singleflight.Group
	logger   zerolog.Logger

	builds atomic.Int64
}

// NewBuilder creates a new derivative builder.
func NewBuilder(backends Backends, fileCache *cache.FileCache, locker lock.Locker, logger zerolog.Logger) *Builder {
	return &Builder{
		backends: backends,
		cache:    fileCache,
		locker:   locker,
		logger:   logger.With().Str("component", "derivative").Logger(),
	}
}

// Builds returns the number of renders actually performed.
// Cache and backend hits don't count.
func (b *Builder) Builds() int64 {
	return b.builds.Load()
}

// Fetch returns derivative bytes for the given object and spec, rendering
// them on first request. Decode failures propagate to the caller and are
// never cached, so a re-upload of correct bytes is served normally.
func (b *Builder) Fetch(ctx context.Context, owner *domain.Owner, obj *domain.StoredObject, spec domain.DerivativeSpec) ([]byte, error) {
	specID := spec.ID()

	if data, ok := b.cache.GetDerivative(ctx, owner.ID, obj.Fingerprint, specID); ok {
		return data, nil
	}

	backend, err := b.backends.ForOwner(ctx, owner)
	if err != nil {
		return nil, err
	}

	key := storage.DerivativeKey(owner.ID, obj.Fingerprint, specID)

	if data, err := b.readBackend(ctx, backend, key); err == nil {
		b.cache.SetDerivative(ctx, owner.ID, obj.Fingerprint, specID, data)
		return data, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	flightKey := strconv.FormatInt(owner.ID, 10) + ":" + obj.Fingerprint + ":" + specID
	v, err, _ := b.group.Do(flightKey, func() (interface{}, error) {
		// A build in flight keeps running even if the request that
		// triggered it goes away; the next request wants its result.
		return b.build(context.WithoutCancel(ctx), owner, obj, spec, backend, key)
	})
	if err != nil {
		return nil, err
	}

	return v.([]byte), nil
}

// build renders and persists one derivative, coordinating with other
// instances through the distributed lock.
func (b *Builder) build(ctx context.Context, owner *domain.Owner, obj *domain.StoredObject, spec domain.DerivativeSpec, backend storage.Backend, key string) ([]byte, error) {
	specID := spec.ID()

	lockKey := lock.Keys.DerivativeBuild(owner.ID, obj.Fingerprint, specID)
	acquired, err := b.locker.AcquireWithRetry(ctx, lockKey, buildLockTTL, buildLockRetries, buildLockRetryDelay)
	if err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("build lock unavailable, proceeding unguarded")
	}
	if acquired {
		defer func() {
			if _, err := b.locker.Release(ctx, lockKey); err != nil {
				b.logger.Warn().Err(err).Str("key", key).Msg("failed to release build lock")
			}
		}()
	}

	// Another instance may have finished while we waited for the lock.
	if data, err := b.readBackend(ctx, backend, key); err == nil {
		b.cache.SetDerivative(ctx, owner.ID, obj.Fingerprint, specID, data)
		return data, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	original, err := b.fetchOriginal(ctx, owner, obj, backend)
	if err != nil {
		return nil, err
	}

	b.builds.Add(1)
	start := time.Now()

	data, w, h, err := Render(original, spec)
	if err != nil {
		b.logger.Error().Err(err).
			Str("fingerprint", obj.Fingerprint).
			Str("spec", specID).
			Msg("derivative render failed")
		return nil, err
	}

	metrics.RecordDerivativeBuild(specID, time.Since(start))
	b.logger.Debug().
		Str("fingerprint", obj.Fingerprint).
		Str("spec", specID).
		Int("width", w).
		Int("height", h).
		Int("bytes", len(data)).
		Dur("duration", time.Since(start)).
		Msg("derivative rendered")

	// Persist first, then cache. A failed persist still serves this
	// request; the next miss will rebuild.
	if err := backend.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "image/jpeg"); err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("failed to persist derivative")
		return data, nil
	}

	b.cache.SetDerivative(ctx, owner.ID, obj.Fingerprint, specID, data)

	return data, nil
}

// fetchOriginal loads the original bytes, preferring the cache.
func (b *Builder) fetchOriginal(ctx context.Context, owner *domain.Owner, obj *domain.StoredObject, backend storage.Backend) ([]byte, error) {
	if data, ok := b.cache.GetBlob(ctx, owner.ID, obj.Fingerprint); ok {
		return data, nil
	}

	data, err := b.readBackend(ctx, backend, storage.OriginalKey(owner.ID, obj.Fingerprint))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("original missing for stored object: %w", err)
		}
		return nil, err
	}

	b.cache.SetBlob(ctx, owner.ID, obj.Fingerprint, data)
	return data, nil
}

// readBackend reads a full object from the backend.
func (b *Builder) readBackend(ctx context.Context, backend storage.Backend, key string) ([]byte, error) {
	rc, err := backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendUnavailable, err)
	}
	return data, nil
}
