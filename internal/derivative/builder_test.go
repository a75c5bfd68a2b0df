package derivative

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/cache"
	memcache "github.com/ThinkerWen/wpic/internal/cache/memory"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/lock"
	"github.com/ThinkerWen/wpic/internal/pkg/crypto"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// slowBackend is an in-memory backend with a configurable read delay,
// used to widen the race window in stampede tests.
type slowBackend struct {
	mu       sync.Mutex
	objects  map[string][]byte
	getDelay time.Duration
	gets     int
	puts     int
}

func newSlowBackend() *slowBackend {
	return &slowBackend{objects: make(map[string][]byte)}
}

func (s *slowBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	s.objects[key] = data
	return nil
}

func (s *slowBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	s.gets++
	data, ok := s.objects[key]
	delay := s.getDelay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return nil, domain.NewDomainError(domain.ErrNotFound, "no such object", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *slowBackend) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *slowBackend) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *slowBackend) Stat(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return 0, domain.NewDomainError(domain.ErrNotFound, "no such object", key)
	}
	return int64(len(data)), nil
}

func (s *slowBackend) Kind() string { return "memory" }

type singleBackend struct {
	backend storage.Backend
}

func (s singleBackend) ForOwner(ctx context.Context, owner *domain.Owner) (storage.Backend, error) {
	return s.backend, nil
}

func newTestBuilder(t *testing.T, backend storage.Backend) *Builder {
	t.Helper()
	mc := memcache.NewCache()
	t.Cleanup(mc.Stop)
	fc := cache.NewFileCache(mc, cache.DefaultOptions(), zerolog.Nop())
	return NewBuilder(singleBackend{backend: backend}, fc, lock.NewNoOpLocker(), zerolog.Nop())
}

// seedOriginal stores an original image on the backend and returns its
// object row.
func seedOriginal(t *testing.T, backend *slowBackend, ownerID int64, width, height int) *domain.StoredObject {
	t.Helper()

	data := encodeImage(t, "png", width, height)
	fp := crypto.Fingerprint(data)
	key := storage.OriginalKey(ownerID, fp)

	backend.mu.Lock()
	backend.objects[key] = data
	backend.mu.Unlock()

	return domain.NewStoredObject(ownerID, fp, domain.BackendLocal, key, int64(len(data)), "image/png")
}

func TestBuilder_RendersAndPersistsOnFirstFetch(t *testing.T) {
	backend := newSlowBackend()
	b := newTestBuilder(t, backend)
	owner := &domain.Owner{ID: 1, Active: true}
	obj := seedOriginal(t, backend, owner.ID, 600, 400)

	data, err := b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
	require.NoError(t, err)
	require.Equal(t, int64(1), b.Builds())

	info, err := Probe(data)
	require.NoError(t, err)
	require.Equal(t, "jpeg", info.Format)
	require.Equal(t, 200, info.Width)
	require.Equal(t, 133, info.Height)

	// The render was persisted under the derivative key.
	persisted, ok := backend.objects[storage.DerivativeKey(owner.ID, obj.Fingerprint, "thumbnail")]
	require.True(t, ok)
	require.Equal(t, data, persisted)

	// A second fetch is a cache hit, no further render.
	again, err := b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.Equal(t, int64(1), b.Builds())
}

func TestBuilder_ServesPersistedDerivativeAfterCacheLoss(t *testing.T) {
	backend := newSlowBackend()
	owner := &domain.Owner{ID: 1, Active: true}
	obj := seedOriginal(t, backend, owner.ID, 600, 400)

	first := newTestBuilder(t, backend)
	data, err := first.Fetch(context.Background(), owner, obj, domain.SpecPreview)
	require.NoError(t, err)
	require.Equal(t, int64(1), first.Builds())

	// A fresh builder with an empty cache finds the persisted artifact
	// on the backend instead of re-rendering.
	second := newTestBuilder(t, backend)
	again, err := second.Fetch(context.Background(), owner, obj, domain.SpecPreview)
	require.NoError(t, err)
	require.Equal(t, data, again)
	require.Zero(t, second.Builds())
}

func TestBuilder_ConcurrentFetchesRenderOnce(t *testing.T) {
	backend := newSlowBackend()
	backend.getDelay = 20 * time.Millisecond
	b := newTestBuilder(t, backend)
	owner := &domain.Owner{ID: 1, Active: true}
	obj := seedOriginal(t, backend, owner.ID, 600, 400)

	var wg sync.WaitGroup
	results := make([][]byte, 16)
	errs := make([]error, 16)

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
		}(i)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
	require.Equal(t, int64(1), b.Builds())
}

func TestBuilder_DistinctSpecsRenderSeparately(t *testing.T) {
	backend := newSlowBackend()
	b := newTestBuilder(t, backend)
	owner := &domain.Owner{ID: 1, Active: true}
	obj := seedOriginal(t, backend, owner.ID, 2000, 1000)

	thumb, err := b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
	require.NoError(t, err)
	preview, err := b.Fetch(context.Background(), owner, obj, domain.SpecPreview)
	require.NoError(t, err)
	require.Equal(t, int64(2), b.Builds())

	ti, err := Probe(thumb)
	require.NoError(t, err)
	pi, err := Probe(preview)
	require.NoError(t, err)
	require.Equal(t, 200, ti.Width)
	require.Equal(t, 1600, pi.Width)
}

func TestBuilder_DecodeFailureNotCached(t *testing.T) {
	backend := newSlowBackend()
	b := newTestBuilder(t, backend)
	owner := &domain.Owner{ID: 1, Active: true}

	// Seed garbage under an original key.
	fp := crypto.Fingerprint([]byte("garbage"))
	key := storage.OriginalKey(owner.ID, fp)
	backend.objects[key] = []byte("garbage")
	obj := domain.NewStoredObject(owner.ID, fp, domain.BackendLocal, key, 7, "image/png")

	_, err := b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
	require.ErrorIs(t, err, domain.ErrUnsupportedImageFormat)

	// Nothing poisoned: no derivative persisted, error not cached.
	_, ok := backend.objects[storage.DerivativeKey(owner.ID, fp, "thumbnail")]
	require.False(t, ok)

	_, err = b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
	require.ErrorIs(t, err, domain.ErrUnsupportedImageFormat)
}

func TestBuilder_MissingOriginal(t *testing.T) {
	backend := newSlowBackend()
	b := newTestBuilder(t, backend)
	owner := &domain.Owner{ID: 1, Active: true}

	obj := domain.NewStoredObject(owner.ID, "deadbeef", domain.BackendLocal,
		storage.OriginalKey(owner.ID, "deadbeef"), 10, "image/png")

	_, err := b.Fetch(context.Background(), owner, obj, domain.SpecThumbnail)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
