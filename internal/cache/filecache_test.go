package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	memcache "github.com/ThinkerWen/wpic/internal/cache/memory"
	"github.com/ThinkerWen/wpic/internal/domain"
)

func newTestFileCache(t *testing.T, opts Options) *FileCache {
	t.Helper()
	mc := memcache.NewCache()
	t.Cleanup(mc.Stop)
	return NewFileCache(mc, opts, zerolog.Nop())
}

func TestFileCache_BlobRoundTrip(t *testing.T) {
	fc := newTestFileCache(t, DefaultOptions())
	ctx := context.Background()

	_, ok := fc.GetBlob(ctx, 1, "aa")
	require.False(t, ok)

	fc.SetBlob(ctx, 1, "aa", []byte("original"))
	data, ok := fc.GetBlob(ctx, 1, "aa")
	require.True(t, ok)
	require.Equal(t, []byte("original"), data)

	// Different owners never share entries even for identical content.
	_, ok = fc.GetBlob(ctx, 2, "aa")
	require.False(t, ok)
}

func TestFileCache_BlobAdmissionCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxBlobBytes = 4
	fc := newTestFileCache(t, opts)
	ctx := context.Background()

	fc.SetBlob(ctx, 1, "big", []byte("too large to admit"))
	_, ok := fc.GetBlob(ctx, 1, "big")
	require.False(t, ok)

	fc.SetBlob(ctx, 1, "ok", []byte("tiny"))
	_, ok = fc.GetBlob(ctx, 1, "ok")
	require.True(t, ok)
}

func TestFileCache_DerivativeRoundTrip(t *testing.T) {
	fc := newTestFileCache(t, DefaultOptions())
	ctx := context.Background()

	fc.SetDerivative(ctx, 1, "aa", "thumbnail", []byte("thumb"))
	data, ok := fc.GetDerivative(ctx, 1, "aa", "thumbnail")
	require.True(t, ok)
	require.Equal(t, []byte("thumb"), data)

	_, ok = fc.GetDerivative(ctx, 1, "aa", "preview")
	require.False(t, ok)
}

func TestFileCache_FileMetaRoundTrip(t *testing.T) {
	fc := newTestFileCache(t, DefaultOptions())
	ctx := context.Background()

	rec := domain.NewFileRecord(1, "aa", "pic.png", "image/png", 10)
	rec.ID = 3
	fc.SetFileMeta(ctx, rec)

	got, ok := fc.GetFileMeta(ctx, rec.AccessToken)
	require.True(t, ok)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, rec.Fingerprint, got.Fingerprint)
	require.Equal(t, rec.AccessToken, got.AccessToken)

	fc.DeleteFileMeta(ctx, rec.AccessToken)
	_, ok = fc.GetFileMeta(ctx, rec.AccessToken)
	require.False(t, ok)
}

func TestFileCache_DownloadCountBatching(t *testing.T) {
	fc := newTestFileCache(t, DefaultOptions())
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ok := fc.IncrDownloadCount(ctx, 42)
		require.True(t, ok)
		require.Equal(t, i, n)
	}

	require.Equal(t, int64(3), fc.TakeDownloadCount(ctx, 42))

	// Taking resets the counter.
	require.Equal(t, int64(0), fc.TakeDownloadCount(ctx, 42))
	n, ok := fc.IncrDownloadCount(ctx, 42)
	require.True(t, ok)
	require.Equal(t, int64(1), n)
}

func TestFileCache_ConcurrentTakersNeverDoubleCount(t *testing.T) {
	fc := newTestFileCache(t, DefaultOptions())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		fc.IncrDownloadCount(ctx, 42)
	}

	// Several flushers race for the same counter; exactly one wins the
	// accumulated value and the rest see zero.
	var wg sync.WaitGroup
	var total atomic.Int64
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(fc.TakeDownloadCount(ctx, 42))
		}()
	}
	wg.Wait()

	require.Equal(t, int64(10), total.Load())
}

func TestFileCache_PurgeObject(t *testing.T) {
	fc := newTestFileCache(t, DefaultOptions())
	ctx := context.Background()

	fc.SetBlob(ctx, 1, "aa", []byte("original"))
	fc.SetDerivative(ctx, 1, "aa", "thumbnail", []byte("t"))
	fc.SetDerivative(ctx, 1, "aa", "preview", []byte("p"))
	fc.SetBlob(ctx, 1, "bb", []byte("other"))

	fc.PurgeObject(ctx, 1, "aa")

	_, ok := fc.GetBlob(ctx, 1, "aa")
	require.False(t, ok)
	_, ok = fc.GetDerivative(ctx, 1, "aa", "thumbnail")
	require.False(t, ok)
	_, ok = fc.GetDerivative(ctx, 1, "aa", "preview")
	require.False(t, ok)

	// Unrelated objects survive.
	_, ok = fc.GetBlob(ctx, 1, "bb")
	require.True(t, ok)
}

func TestFileCache_TTLApplied(t *testing.T) {
	opts := Options{
		BlobTTL:       10 * time.Millisecond,
		DerivativeTTL: time.Hour,
		MetaTTL:       time.Hour,
	}
	fc := newTestFileCache(t, opts)
	ctx := context.Background()

	fc.SetBlob(ctx, 1, "aa", []byte("short-lived"))
	fc.SetDerivative(ctx, 1, "aa", "thumbnail", []byte("long-lived"))

	time.Sleep(20 * time.Millisecond)

	_, ok := fc.GetBlob(ctx, 1, "aa")
	require.False(t, ok)
	_, ok = fc.GetDerivative(ctx, 1, "aa", "thumbnail")
	require.True(t, ok)
}
