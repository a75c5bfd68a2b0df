package service

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/cache"
	memcache "github.com/ThinkerWen/wpic/internal/cache/memory"
	"github.com/ThinkerWen/wpic/internal/derivative"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/lock"
	"github.com/ThinkerWen/wpic/internal/pkg/crypto"
	"github.com/ThinkerWen/wpic/internal/quota"
	"github.com/ThinkerWen/wpic/internal/repository"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// =============================================================================
// Mock Repository Types
// =============================================================================

type mockObjectRepository struct {
	mock.Mock
}

func (m *mockObjectRepository) UpsertWithRefIncrement(ctx context.Context, obj *domain.StoredObject) (bool, error) {
	args := m.Called(ctx, obj)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjectRepository) GetByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (*domain.StoredObject, error) {
	args := m.Called(ctx, ownerID, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StoredObject), args.Error(1)
}

func (m *mockObjectRepository) IncrementRef(ctx context.Context, ownerID int64, fingerprint string) error {
	args := m.Called(ctx, ownerID, fingerprint)
	return args.Error(0)
}

func (m *mockObjectRepository) DecrementRef(ctx context.Context, ownerID int64, fingerprint string) (int32, error) {
	args := m.Called(ctx, ownerID, fingerprint)
	return args.Get(0).(int32), args.Error(1)
}

func (m *mockObjectRepository) Exists(ctx context.Context, ownerID int64, fingerprint string) (bool, error) {
	args := m.Called(ctx, ownerID, fingerprint)
	return args.Bool(0), args.Error(1)
}

func (m *mockObjectRepository) Delete(ctx context.Context, ownerID int64, fingerprint string) error {
	args := m.Called(ctx, ownerID, fingerprint)
	return args.Error(0)
}

func (m *mockObjectRepository) ListOrphans(ctx context.Context, gracePeriod time.Duration, limit int) ([]*domain.StoredObject, error) {
	args := m.Called(ctx, gracePeriod, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.StoredObject), args.Error(1)
}

func (m *mockObjectRepository) SumSizeByOwner(ctx context.Context, ownerID int64) (int64, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(int64), args.Error(1)
}

type mockFileRepository struct {
	mock.Mock
}

func (m *mockFileRepository) Create(ctx context.Context, rec *domain.FileRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockFileRepository) GetByID(ctx context.Context, id int64) (*domain.FileRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileRecord), args.Error(1)
}

func (m *mockFileRepository) GetByAccessToken(ctx context.Context, token string) (*domain.FileRecord, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.FileRecord), args.Error(1)
}

func (m *mockFileRepository) ListByOwner(ctx context.Context, ownerID int64, opts repository.ListOptions) (*repository.ListResult[domain.FileRecord], error) {
	args := m.Called(ctx, ownerID, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.ListResult[domain.FileRecord]), args.Error(1)
}

func (m *mockFileRepository) CountByFingerprint(ctx context.Context, ownerID int64, fingerprint string) (int64, error) {
	args := m.Called(ctx, ownerID, fingerprint)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockFileRepository) AddDownloadCount(ctx context.Context, id int64, delta int64) error {
	args := m.Called(ctx, id, delta)
	return args.Error(0)
}

func (m *mockFileRepository) Delete(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockFileRepository) DeleteExpired(ctx context.Context, now time.Time, limit int) ([]*domain.FileRecord, error) {
	args := m.Called(ctx, now, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.FileRecord), args.Error(1)
}

type mockBackend struct {
	mock.Mock
}

func (m *mockBackend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	args := m.Called(ctx, key, reader, size, contentType)
	return args.Error(0)
}

func (m *mockBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *mockBackend) Delete(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

func (m *mockBackend) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockBackend) Stat(ctx context.Context, key string) (int64, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockBackend) Kind() string {
	return "mock"
}

// mockSigningBackend is a mockBackend that can also mint direct access
// URLs.
type mockSigningBackend struct {
	*mockBackend
}

func (m *mockSigningBackend) AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, key, ttl)
	return args.String(0), args.Error(1)
}

// stubBackends routes every owner to the same backend.
type stubBackends struct {
	backend storage.Backend
}

func (s stubBackends) ForOwner(ctx context.Context, owner *domain.Owner) (storage.Backend, error) {
	return s.backend, nil
}

// stubResolver returns a fixed owner.
type stubResolver struct {
	owner *domain.Owner
}

func (s stubResolver) Resolve(ctx context.Context, ownerID int64) (*domain.Owner, error) {
	return s.owner, nil
}

// fakeQuotaStore is an in-memory quota ledger store.
type fakeQuotaStore struct {
	owner *domain.Owner
	used  int64
}

func (f *fakeQuotaStore) GetByID(ctx context.Context, id int64) (*domain.Owner, error) {
	return f.owner, nil
}

func (f *fakeQuotaStore) AddUsage(ctx context.Context, ownerID int64, delta int64) error {
	f.used += delta
	if f.used < 0 {
		f.used = 0
	}
	return nil
}

func (f *fakeQuotaStore) GetUsage(ctx context.Context, ownerID int64) (int64, error) {
	return f.used, nil
}

// failCache simulates a cache outage: every operation reports the backing
// store unreachable.
type failCache struct{}

func (failCache) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, repository.ErrCacheUnavailable
}

func (failCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return repository.ErrCacheUnavailable
}

func (failCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return false, repository.ErrCacheUnavailable
}

func (failCache) GetDel(ctx context.Context, key string) ([]byte, error) {
	return nil, repository.ErrCacheUnavailable
}

func (failCache) Delete(ctx context.Context, key string) error {
	return repository.ErrCacheUnavailable
}

func (failCache) DeleteMulti(ctx context.Context, keys ...string) error {
	return repository.ErrCacheUnavailable
}

func (failCache) DeleteByPrefix(ctx context.Context, prefix string) error {
	return repository.ErrCacheUnavailable
}

func (failCache) Exists(ctx context.Context, key string) (bool, error) {
	return false, repository.ErrCacheUnavailable
}

func (failCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return repository.ErrCacheUnavailable
}

func (failCache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return 0, repository.ErrCacheUnavailable
}

// =============================================================================
// Helper Functions
// =============================================================================

func testOwner(quotaBytes int64) *domain.Owner {
	return &domain.Owner{
		ID:          1,
		Name:        "test-owner",
		BackendKind: domain.BackendLocal,
		QuotaBytes:  quotaBytes,
		Active:      true,
	}
}

// testPNG renders a small PNG for upload tests.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for x := 0; x < 16; x++ {
		for y := 0; y < 16; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 16), G: uint8(y * 16), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type testEnv struct {
	svc      *StorageService
	objects  *mockObjectRepository
	files    *mockFileRepository
	backend  *mockBackend
	store    *fakeQuotaStore
	memCache *memcache.Cache
}

func newTestStorageService(t *testing.T, owner *domain.Owner) *testEnv {
	t.Helper()

	mc := memcache.NewCache()
	t.Cleanup(mc.Stop)

	env := newTestStorageServiceWithCache(t, owner, mc)
	env.memCache = mc
	return env
}

func newTestStorageServiceWithCache(t *testing.T, owner *domain.Owner, rc repository.Cache) *testEnv {
	t.Helper()
	backend := new(mockBackend)
	return wireStorageService(t, owner, rc, backend, backend)
}

// newSigningTestEnv wires a backend that can mint direct access URLs.
func newSigningTestEnv(t *testing.T, owner *domain.Owner) (*testEnv, *mockSigningBackend) {
	t.Helper()

	mc := memcache.NewCache()
	t.Cleanup(mc.Stop)

	sb := &mockSigningBackend{mockBackend: new(mockBackend)}
	return wireStorageService(t, owner, mc, sb, sb.mockBackend), sb
}

func wireStorageService(t *testing.T, owner *domain.Owner, rc repository.Cache, routed storage.Backend, inner *mockBackend) *testEnv {
	t.Helper()

	objects := new(mockObjectRepository)
	files := new(mockFileRepository)
	store := &fakeQuotaStore{owner: owner}
	logger := zerolog.Nop()

	fileCache := cache.NewFileCache(rc, cache.DefaultOptions(), logger)
	ledger := quota.NewLedger(store, logger)
	backends := stubBackends{backend: routed}
	builder := derivative.NewBuilder(backends, fileCache, lock.NewNoOpLocker(), logger)

	svc := NewStorageService(
		objects, files, stubResolver{owner: owner}, backends,
		fileCache, ledger, builder, 10<<20, logger,
	)

	return &testEnv{
		svc:     svc,
		objects: objects,
		files:   files,
		backend: inner,
		store:   store,
	}
}

// =============================================================================
// Upload
// =============================================================================

func TestStorageService_Upload_NewContent(t *testing.T) {
	owner := testOwner(1 << 20)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	key := storage.OriginalKey(owner.ID, fingerprint)

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(nil, domain.ErrNotFound)
	env.backend.On("Put", mock.Anything, key, mock.Anything, int64(len(data)), "image/png").
		Return(nil)
	env.objects.On("UpsertWithRefIncrement", mock.Anything, mock.AnythingOfType("*domain.StoredObject")).
		Return(true, nil)
	env.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).
		Return(nil)

	out, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "test.png",
		Body:     bytes.NewReader(data),
	})

	require.NoError(t, err)
	require.False(t, out.Deduplicated)
	require.Equal(t, fingerprint, out.Fingerprint)
	require.Equal(t, int64(len(data)), out.Size)
	require.Equal(t, 16, out.Width)
	require.Equal(t, 16, out.Height)
	require.Equal(t, "png", out.Format)
	require.NotEmpty(t, out.AccessToken)

	// Quota committed for the new bytes.
	require.Equal(t, int64(len(data)), env.store.used)

	mock.AssertExpectationsForObjects(t, env.objects, env.files, env.backend)
}

func TestStorageService_Upload_Deduplicated(t *testing.T) {
	owner := testOwner(1 << 20)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)

	existing := domain.NewStoredObject(owner.ID, fingerprint, domain.BackendLocal,
		storage.OriginalKey(owner.ID, fingerprint), int64(len(data)), "image/png")

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(existing, nil)
	env.objects.On("IncrementRef", mock.Anything, owner.ID, fingerprint).
		Return(nil)
	env.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).
		Return(nil)

	out, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "copy.png",
		Body:     bytes.NewReader(data),
	})

	require.NoError(t, err)
	require.True(t, out.Deduplicated)

	// No backend write, no quota charge.
	env.backend.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.Zero(t, env.store.used)

	mock.AssertExpectationsForObjects(t, env.objects, env.files)
}

func TestStorageService_Upload_QuotaExceeded(t *testing.T) {
	owner := testOwner(10) // tighter than any PNG
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(nil, domain.ErrNotFound)

	_, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "big.png",
		Body:     bytes.NewReader(data),
	})

	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	env.backend.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	require.Zero(t, env.store.used)
}

func TestStorageService_Upload_FastRejectsOwnerAtLimit(t *testing.T) {
	owner := testOwner(10)
	owner.UsedBytes = 10
	env := newTestStorageService(t, owner)

	_, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "big.png",
		Body:     bytes.NewReader(testPNG(t)),
	})

	require.ErrorIs(t, err, domain.ErrQuotaExceeded)
	// Rejected before the duplicate lookup or any backend call.
	env.objects.AssertNotCalled(t, "GetByFingerprint", mock.Anything, mock.Anything, mock.Anything)
	env.backend.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestStorageService_Upload_BackendFailureReleasesReservation(t *testing.T) {
	owner := testOwner(1 << 20)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	key := storage.OriginalKey(owner.ID, fingerprint)

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(nil, domain.ErrNotFound)
	env.backend.On("Put", mock.Anything, key, mock.Anything, int64(len(data)), "image/png").
		Return(domain.ErrBackendUnavailable)

	_, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "test.png",
		Body:     bytes.NewReader(data),
	})

	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	// The reservation was released, not committed.
	require.Zero(t, env.store.used)
	env.files.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestStorageService_Upload_TimeoutReconciledByExists(t *testing.T) {
	owner := testOwner(1 << 20)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	key := storage.OriginalKey(owner.ID, fingerprint)

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(nil, domain.ErrNotFound)
	// The write times out with unknown outcome, but the bytes landed.
	env.backend.On("Put", mock.Anything, key, mock.Anything, int64(len(data)), "image/png").
		Return(domain.ErrBackendTimeout)
	env.backend.On("Exists", mock.Anything, key).Return(true, nil)
	env.objects.On("UpsertWithRefIncrement", mock.Anything, mock.AnythingOfType("*domain.StoredObject")).
		Return(true, nil)
	env.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).
		Return(nil)

	out, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "test.png",
		Body:     bytes.NewReader(data),
	})

	require.NoError(t, err)
	require.False(t, out.Deduplicated)
	require.Equal(t, int64(len(data)), env.store.used)

	mock.AssertExpectationsForObjects(t, env.objects, env.files, env.backend)
}

func TestStorageService_Upload_LostUpsertRaceReleasesReservation(t *testing.T) {
	owner := testOwner(1 << 20)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	key := storage.OriginalKey(owner.ID, fingerprint)

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(nil, domain.ErrNotFound)
	env.backend.On("Put", mock.Anything, key, mock.Anything, int64(len(data)), "image/png").
		Return(nil)
	// A concurrent identical upload recorded the object first.
	env.objects.On("UpsertWithRefIncrement", mock.Anything, mock.AnythingOfType("*domain.StoredObject")).
		Return(false, nil)
	env.files.On("Create", mock.Anything, mock.AnythingOfType("*domain.FileRecord")).
		Return(nil)

	out, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "test.png",
		Body:     bytes.NewReader(data),
	})

	require.NoError(t, err)
	// The winner's commit covers the bytes; the loser must not double-charge.
	require.Zero(t, env.store.used)
	_ = out
}

func TestStorageService_Upload_RejectsBadContent(t *testing.T) {
	owner := testOwner(1 << 20)

	tests := []struct {
		name    string
		body    io.Reader
		wantErr error
	}{
		{
			name:    "empty body",
			body:    bytes.NewReader(nil),
			wantErr: domain.ErrEmptyContent,
		},
		{
			name:    "not an image",
			body:    bytes.NewReader([]byte("plain text, definitely not pixels")),
			wantErr: domain.ErrUnsupportedImageFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestStorageService(t, owner)

			_, err := env.svc.Upload(context.Background(), UploadInput{
				OwnerID:  owner.ID,
				Filename: "bad.bin",
				Body:     tt.body,
			})

			require.ErrorIs(t, err, tt.wantErr)
			env.backend.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// =============================================================================
// FetchOriginal
// =============================================================================

func TestStorageService_FetchOriginal_CachesBackendRead(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", int64(len(data)))
	rec.ID = 7

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).
		Return(rec, nil).Once()
	env.backend.On("Get", mock.Anything, storage.OriginalKey(owner.ID, fingerprint)).
		Return(io.NopCloser(bytes.NewReader(data)), nil).Once()

	out, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
	require.NoError(t, err)
	require.Equal(t, data, out.Data)
	require.Equal(t, "image/png", out.ContentType)

	// Second fetch is served entirely from cache.
	out2, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
	require.NoError(t, err)
	require.Equal(t, data, out2.Data)

	mock.AssertExpectationsForObjects(t, env.files, env.backend)
}

func TestStorageService_FetchOriginal_ExpiredReadsAsMissing(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	past := time.Now().UTC().Add(-time.Hour)
	rec := domain.NewFileRecord(owner.ID, "ff", "old.png", "image/png", 10)
	rec.ExpiresAt = &past

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).
		Return(rec, nil)

	_, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
	require.ErrorIs(t, err, domain.ErrFileRecordNotFound)
	env.backend.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestStorageService_FetchOriginal_UnknownToken(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	env.files.On("GetByAccessToken", mock.Anything, "nope").
		Return(nil, domain.ErrFileRecordNotFound)

	_, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: "nope"})
	require.ErrorIs(t, err, domain.ErrFileRecordNotFound)
}

func TestStorageService_FetchOriginal_RedirectsOversizedOriginals(t *testing.T) {
	owner := testOwner(0)
	env, sb := newSigningTestEnv(t, owner)

	// Too large for cache admission, so every request would proxy the
	// full body; a signing backend lets us redirect instead.
	rec := domain.NewFileRecord(owner.ID, "bb", "huge.png", "image/png", 9<<20)
	key := storage.OriginalKey(owner.ID, rec.Fingerprint)

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	sb.On("AccessURL", mock.Anything, key, mock.AnythingOfType("time.Duration")).
		Return("https://backend.example/signed/bb", nil).Once()

	out, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
	require.NoError(t, err)
	require.Equal(t, "https://backend.example/signed/bb", out.RedirectURL)
	require.Equal(t, rec.Size, out.Size)
	require.Nil(t, out.Data)
	env.backend.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
}

func TestStorageService_FetchOriginal_ProxiesWhenSigningUnsupported(t *testing.T) {
	owner := testOwner(0)
	env, sb := newSigningTestEnv(t, owner)

	data := testPNG(t)
	rec := domain.NewFileRecord(owner.ID, "cc", "huge.png", "image/png", 9<<20)
	key := storage.OriginalKey(owner.ID, rec.Fingerprint)

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	sb.On("AccessURL", mock.Anything, key, mock.AnythingOfType("time.Duration")).
		Return("", storage.ErrAccessURLUnsupported).Once()
	env.backend.On("Get", mock.Anything, key).
		Return(io.NopCloser(bytes.NewReader(data)), nil).Once()

	out, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
	require.NoError(t, err)
	require.Empty(t, out.RedirectURL)
	require.Equal(t, data, out.Data)

	mock.AssertExpectationsForObjects(t, env.files, env.backend)
}

// =============================================================================
// FetchDerivative
// =============================================================================

func TestStorageService_FetchDerivative_BuildsOnFirstRequest(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", int64(len(data)))
	rec.ID = 9
	obj := domain.NewStoredObject(owner.ID, fingerprint, domain.BackendLocal,
		storage.OriginalKey(owner.ID, fingerprint), int64(len(data)), "image/png")

	derivKey := storage.DerivativeKey(owner.ID, fingerprint, domain.SpecThumbnail.ID())

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).Return(obj, nil)
	// Derivative not yet on the backend (checked again under the build
	// lock); original fetched and result persisted.
	env.backend.On("Get", mock.Anything, derivKey).Return(nil, domain.ErrNotFound).Twice()
	env.backend.On("Get", mock.Anything, storage.OriginalKey(owner.ID, fingerprint)).
		Return(io.NopCloser(bytes.NewReader(data)), nil).Once()
	env.backend.On("Put", mock.Anything, derivKey, mock.Anything, mock.AnythingOfType("int64"), "image/jpeg").
		Return(nil).Once()

	out, err := env.svc.FetchDerivative(context.Background(), FetchDerivativeInput{
		AccessToken: rec.AccessToken,
		Kind:        domain.DerivativeThumbnail,
	})

	require.NoError(t, err)
	require.Equal(t, "image/jpeg", out.ContentType)
	require.NotEmpty(t, out.Data)

	mock.AssertExpectationsForObjects(t, env.files, env.objects, env.backend)
}

func TestStorageService_FetchDerivative_UnknownKind(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	_, err := env.svc.FetchDerivative(context.Background(), FetchDerivativeInput{
		AccessToken: "whatever",
		Kind:        domain.DerivativeKind("poster"),
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// =============================================================================
// Delete
// =============================================================================

func TestStorageService_Delete_LastReferenceReclaims(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)
	env.store.used = 500

	fingerprint := crypto.Fingerprint([]byte("reclaim me"))
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", 500)
	rec.ID = 11
	orphan := domain.NewStoredObject(owner.ID, fingerprint, domain.BackendLocal,
		storage.OriginalKey(owner.ID, fingerprint), 500, "image/png")
	orphan.RefCount = 0

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	env.files.On("Delete", mock.Anything, rec.ID).Return(nil)
	env.objects.On("DecrementRef", mock.Anything, owner.ID, fingerprint).Return(int32(0), nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).Return(orphan, nil)
	for _, spec := range domain.DerivativeSpecs {
		env.backend.On("Delete", mock.Anything, storage.DerivativeKey(owner.ID, fingerprint, spec.ID())).Return(nil)
	}
	env.backend.On("Delete", mock.Anything, storage.OriginalKey(owner.ID, fingerprint)).Return(nil)
	env.objects.On("Delete", mock.Anything, owner.ID, fingerprint).Return(nil)

	err := env.svc.Delete(context.Background(), DeleteInput{
		OwnerID:     owner.ID,
		AccessToken: rec.AccessToken,
	})

	require.NoError(t, err)
	require.Zero(t, env.store.used)

	mock.AssertExpectationsForObjects(t, env.files, env.objects, env.backend)
}

func TestStorageService_Delete_ConcurrentRevivalKeepsBytesAndQuota(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)
	env.store.used = 512

	fingerprint := crypto.Fingerprint([]byte("revived"))
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", 512)
	rec.ID = 13
	orphan := domain.NewStoredObject(owner.ID, fingerprint, domain.BackendLocal,
		storage.OriginalKey(owner.ID, fingerprint), 512, "image/png")
	orphan.RefCount = 0

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	env.files.On("Delete", mock.Anything, rec.ID).Return(nil)
	env.objects.On("DecrementRef", mock.Anything, owner.ID, fingerprint).Return(int32(0), nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).Return(orphan, nil)
	// A re-upload between the ref count hitting zero and the guarded row
	// delete bumps ref_count back up, so the delete matches no rows.
	env.objects.On("Delete", mock.Anything, owner.ID, fingerprint).Return(domain.ErrNotFound)

	err := env.svc.Delete(context.Background(), DeleteInput{
		OwnerID:     owner.ID,
		AccessToken: rec.AccessToken,
	})

	require.NoError(t, err)
	// The revived reference still owns the bytes: no backend deletes and
	// no quota release.
	require.Equal(t, int64(512), env.store.used)
	env.backend.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)

	mock.AssertExpectationsForObjects(t, env.files, env.objects)
}

func TestStorageService_Delete_SurvivingReferencesKeepBytes(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)
	env.store.used = 500

	fingerprint := crypto.Fingerprint([]byte("shared"))
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", 500)
	rec.ID = 12

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	env.files.On("Delete", mock.Anything, rec.ID).Return(nil)
	env.objects.On("DecrementRef", mock.Anything, owner.ID, fingerprint).Return(int32(2), nil)

	err := env.svc.Delete(context.Background(), DeleteInput{
		OwnerID:     owner.ID,
		AccessToken: rec.AccessToken,
	})

	require.NoError(t, err)
	require.Equal(t, int64(500), env.store.used)
	env.backend.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestStorageService_Delete_ForeignOwnerDenied(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	rec := domain.NewFileRecord(99, "aa", "other.png", "image/png", 10)
	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)

	err := env.svc.Delete(context.Background(), DeleteInput{
		OwnerID:     owner.ID,
		AccessToken: rec.AccessToken,
	})

	require.ErrorIs(t, err, ErrAccessDenied)
	env.files.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

// =============================================================================
// Download counting
// =============================================================================

func TestStorageService_DownloadCountFlushedAtThreshold(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageService(t, owner)

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", int64(len(data)))
	rec.ID = 21

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil).Once()
	env.backend.On("Get", mock.Anything, storage.OriginalKey(owner.ID, fingerprint)).
		Return(io.NopCloser(bytes.NewReader(data)), nil).Once()
	// One flush of the whole batch once the threshold is reached.
	env.files.On("AddDownloadCount", mock.Anything, rec.ID, int64(downloadFlushThreshold)).
		Return(nil).Once()

	for i := 0; i < downloadFlushThreshold; i++ {
		_, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
		require.NoError(t, err)
	}

	mock.AssertExpectationsForObjects(t, env.files, env.backend)
}

// =============================================================================
// Cache outage
// =============================================================================

func TestStorageService_Upload_SucceedsWithUnavailableCache(t *testing.T) {
	owner := testOwner(1 << 20)
	env := newTestStorageServiceWithCache(t, owner, failCache{})

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)

	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).
		Return(nil, domain.ErrNotFound)
	env.backend.On("Put", mock.Anything, storage.OriginalKey(owner.ID, fingerprint),
		mock.Anything, int64(len(data)), "image/png").Return(nil)
	env.objects.On("UpsertWithRefIncrement", mock.Anything, mock.Anything).Return(true, nil)
	env.files.On("Create", mock.Anything, mock.Anything).Return(nil)

	out, err := env.svc.Upload(context.Background(), UploadInput{
		OwnerID:  owner.ID,
		Filename: "pic.png",
		Body:     bytes.NewReader(data),
	})

	require.NoError(t, err)
	require.Equal(t, fingerprint, out.Fingerprint)
	require.Equal(t, int64(len(data)), env.store.used)

	mock.AssertExpectationsForObjects(t, env.objects, env.files, env.backend)
}

func TestStorageService_Fetches_SucceedWithUnavailableCache(t *testing.T) {
	owner := testOwner(0)
	env := newTestStorageServiceWithCache(t, owner, failCache{})

	data := testPNG(t)
	fingerprint := crypto.Fingerprint(data)
	rec := domain.NewFileRecord(owner.ID, fingerprint, "pic.png", "image/png", int64(len(data)))
	rec.ID = 31
	obj := domain.NewStoredObject(owner.ID, fingerprint, domain.BackendLocal,
		storage.OriginalKey(owner.ID, fingerprint), int64(len(data)), "image/png")
	derivKey := storage.DerivativeKey(owner.ID, fingerprint, domain.SpecThumbnail.ID())

	env.files.On("GetByAccessToken", mock.Anything, rec.AccessToken).Return(rec, nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, fingerprint).Return(obj, nil)
	// Every fetch reaches the backend since nothing can be cached.
	env.backend.On("Get", mock.Anything, storage.OriginalKey(owner.ID, fingerprint)).
		Return(io.NopCloser(bytes.NewReader(data)), nil).Once()
	env.backend.On("Get", mock.Anything, derivKey).Return(nil, domain.ErrNotFound).Twice()
	env.backend.On("Get", mock.Anything, storage.OriginalKey(owner.ID, fingerprint)).
		Return(io.NopCloser(bytes.NewReader(data)), nil).Once()
	env.backend.On("Put", mock.Anything, derivKey, mock.Anything, mock.AnythingOfType("int64"), "image/jpeg").
		Return(nil).Once()
	// With no counter to batch in, every hit lands on the database directly.
	env.files.On("AddDownloadCount", mock.Anything, rec.ID, int64(1)).Return(nil).Twice()

	orig, err := env.svc.FetchOriginal(context.Background(), FetchOriginalInput{AccessToken: rec.AccessToken})
	require.NoError(t, err)
	require.Equal(t, data, orig.Data)

	deriv, err := env.svc.FetchDerivative(context.Background(), FetchDerivativeInput{
		AccessToken: rec.AccessToken,
		Kind:        domain.DerivativeThumbnail,
	})
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", deriv.ContentType)
	require.NotEmpty(t, deriv.Data)

	mock.AssertExpectationsForObjects(t, env.files, env.objects, env.backend)
}
