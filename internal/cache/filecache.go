// Package cache provides the typed caching layer for images and metadata.
// All operations are best-effort: a cache failure is logged and absorbed so
// the system degrades to backend reads instead of failing requests.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/metrics"
	"github.com/ThinkerWen/wpic/internal/repository"
)

// Options controls TTLs and size limits for the file cache.
type Options struct {
	// BlobTTL is the TTL for original image bytes.
	BlobTTL time.Duration

	// DerivativeTTL is the TTL for derivative image bytes.
	DerivativeTTL time.Duration

	// MetaTTL is the TTL for file record metadata.
	MetaTTL time.Duration

	// MaxBlobBytes caps the size of originals admitted to the cache.
	// Larger blobs are served from the backend only. 0 disables the cap.
	MaxBlobBytes int64
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		BlobTTL:       15 * time.Minute,
		DerivativeTTL: time.Hour,
		MetaTTL:       10 * time.Minute,
		MaxBlobBytes:  8 << 20, // 8MB
	}
}

// FileCache is the write-through / read-through cache for stored images,
// derivatives and file metadata.
type FileCache struct {
	cache  repository.Cache
	keys   repository.CacheKey
	opts   Options
	logger zerolog.Logger
}

// NewFileCache creates a new FileCache.
func NewFileCache(c repository.Cache, opts Options, logger zerolog.Logger) *FileCache {
	return &FileCache{
		cache:  c,
		opts:   opts,
		logger: logger.With().Str("component", "filecache").Logger(),
	}
}

// GetBlob returns cached original bytes, or ok == false on miss or error.
func (f *FileCache) GetBlob(ctx context.Context, ownerID int64, fingerprint string) ([]byte, bool) {
	data, err := f.cache.Get(ctx, f.keys.Blob(ownerID, fingerprint))
	if err != nil {
		f.miss(err, "blob get failed")
		metrics.RecordCacheLookup("blob", false)
		return nil, false
	}
	metrics.RecordCacheLookup("blob", true)
	return data, true
}

// AdmitsBlob reports whether an original of the given size fits under the
// cache admission cap.
func (f *FileCache) AdmitsBlob(size int64) bool {
	return f.opts.MaxBlobBytes <= 0 || size <= f.opts.MaxBlobBytes
}

// SetBlob caches original bytes, respecting the admission size cap.
func (f *FileCache) SetBlob(ctx context.Context, ownerID int64, fingerprint string, data []byte) {
	if !f.AdmitsBlob(int64(len(data))) {
		return
	}
	if err := f.cache.Set(ctx, f.keys.Blob(ownerID, fingerprint), data, f.opts.BlobTTL); err != nil {
		f.miss(err, "blob set failed")
	}
}

// GetDerivative returns cached derivative bytes, or ok == false on miss.
func (f *FileCache) GetDerivative(ctx context.Context, ownerID int64, fingerprint, specID string) ([]byte, bool) {
	data, err := f.cache.Get(ctx, f.keys.Derivative(ownerID, fingerprint, specID))
	if err != nil {
		f.miss(err, "derivative get failed")
		metrics.RecordCacheLookup("derivative", false)
		return nil, false
	}
	metrics.RecordCacheLookup("derivative", true)
	return data, true
}

// SetDerivative caches derivative bytes.
func (f *FileCache) SetDerivative(ctx context.Context, ownerID int64, fingerprint, specID string, data []byte) {
	if err := f.cache.Set(ctx, f.keys.Derivative(ownerID, fingerprint, specID), data, f.opts.DerivativeTTL); err != nil {
		f.miss(err, "derivative set failed")
	}
}

// GetFileMeta returns a cached file record by access token.
func (f *FileCache) GetFileMeta(ctx context.Context, accessToken string) (*domain.FileRecord, bool) {
	data, err := f.cache.Get(ctx, f.keys.FileMeta(accessToken))
	if err != nil {
		f.miss(err, "meta get failed")
		metrics.RecordCacheLookup("meta", false)
		return nil, false
	}

	rec := &domain.FileRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		// Stale or corrupt entry; drop it.
		_ = f.cache.Delete(ctx, f.keys.FileMeta(accessToken))
		metrics.RecordCacheLookup("meta", false)
		return nil, false
	}
	metrics.RecordCacheLookup("meta", true)
	return rec, true
}

// SetFileMeta caches a file record keyed by its access token.
func (f *FileCache) SetFileMeta(ctx context.Context, rec *domain.FileRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, f.keys.FileMeta(rec.AccessToken), data, f.opts.MetaTTL); err != nil {
		f.miss(err, "meta set failed")
	}
}

// DeleteFileMeta removes a cached file record.
func (f *FileCache) DeleteFileMeta(ctx context.Context, accessToken string) {
	if err := f.cache.Delete(ctx, f.keys.FileMeta(accessToken)); err != nil {
		f.miss(err, "meta delete failed")
	}
}

// IncrDownloadCount increments the batched download counter and returns the
// number of hits accumulated since the last flush.
func (f *FileCache) IncrDownloadCount(ctx context.Context, fileID int64) (int64, bool) {
	n, err := f.cache.Increment(ctx, f.keys.DownloadCount(fileID), 1)
	if err != nil {
		f.miss(err, "download count increment failed")
		return 0, false
	}
	return n, true
}

// TakeDownloadCount returns the accumulated counter and resets it.
// Used when flushing batched hits to the database. The read and the
// reset are a single cache operation, so concurrent flushers never
// report the same hits twice.
func (f *FileCache) TakeDownloadCount(ctx context.Context, fileID int64) int64 {
	data, err := f.cache.GetDel(ctx, f.keys.DownloadCount(fileID))
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			f.miss(err, "download count take failed")
		}
		return 0
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// PurgeObject removes all cache entries derived from a stored object:
// the original bytes and every derivative.
func (f *FileCache) PurgeObject(ctx context.Context, ownerID int64, fingerprint string) {
	if err := f.cache.Delete(ctx, f.keys.Blob(ownerID, fingerprint)); err != nil {
		f.miss(err, "blob purge failed")
	}
	if err := f.cache.DeleteByPrefix(ctx, f.keys.DerivativePrefix(ownerID, fingerprint)); err != nil {
		f.miss(err, "derivative purge failed")
	}
}

// miss logs a cache failure at debug level for expected misses and warn
// level for infrastructure failures.
func (f *FileCache) miss(err error, msg string) {
	if errors.Is(err, repository.ErrCacheMiss) {
		return
	}
	f.logger.Warn().Err(err).Msg(msg)
}
