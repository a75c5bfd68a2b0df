package service

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/cache"
	memcache "github.com/ThinkerWen/wpic/internal/cache/memory"
	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/lock"
	"github.com/ThinkerWen/wpic/internal/quota"
	"github.com/ThinkerWen/wpic/internal/storage"
)

// stubMaintenanceResolver returns a fixed owner regardless of active state.
type stubMaintenanceResolver struct {
	owner *domain.Owner
}

func (s stubMaintenanceResolver) ResolveAny(ctx context.Context, ownerID int64) (*domain.Owner, error) {
	return s.owner, nil
}

type gcTestEnv struct {
	svc     *GCService
	objects *mockObjectRepository
	files   *mockFileRepository
	backend *mockBackend
	store   *fakeQuotaStore
}

func newTestGCService(t *testing.T, owner *domain.Owner) *gcTestEnv {
	t.Helper()

	objects := new(mockObjectRepository)
	files := new(mockFileRepository)
	backend := new(mockBackend)
	store := &fakeQuotaStore{owner: owner}
	logger := zerolog.Nop()

	mc := memcache.NewCache()
	t.Cleanup(mc.Stop)
	fileCache := cache.NewFileCache(mc, cache.DefaultOptions(), logger)
	ledger := quota.NewLedger(store, logger)

	svc := NewGCService(
		objects, files, stubMaintenanceResolver{owner: owner},
		stubBackends{backend: backend}, fileCache, ledger,
		lock.NewNoOpLocker(), GCOptions{OrphanGrace: time.Hour, BatchSize: 10}, logger,
	)

	return &gcTestEnv{svc: svc, objects: objects, files: files, backend: backend, store: store}
}

func expectBackendReclaim(env *gcTestEnv, ownerID int64, fingerprint string) {
	for _, spec := range domain.DerivativeSpecs {
		env.backend.On("Delete", mock.Anything, storage.DerivativeKey(ownerID, fingerprint, spec.ID())).Return(nil)
	}
	env.backend.On("Delete", mock.Anything, storage.OriginalKey(ownerID, fingerprint)).Return(nil)
}

func TestGCService_SweepOrphans(t *testing.T) {
	owner := testOwner(0)
	env := newTestGCService(t, owner)
	env.store.used = 300

	orphan := domain.NewStoredObject(owner.ID, "aa", domain.BackendLocal,
		storage.OriginalKey(owner.ID, "aa"), 300, "image/png")
	orphan.RefCount = 0

	env.objects.On("ListOrphans", mock.Anything, time.Hour, 10).
		Return([]*domain.StoredObject{orphan}, nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, "aa").Return(orphan, nil)
	expectBackendReclaim(env, owner.ID, "aa")
	env.objects.On("Delete", mock.Anything, owner.ID, "aa").Return(nil)

	reclaimed, err := env.svc.SweepOrphans(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, reclaimed)
	require.Zero(t, env.store.used)

	mock.AssertExpectationsForObjects(t, env.objects, env.backend)
}

func TestGCService_SweepOrphans_SkipsRevivedObjects(t *testing.T) {
	owner := testOwner(0)
	env := newTestGCService(t, owner)

	orphan := domain.NewStoredObject(owner.ID, "aa", domain.BackendLocal,
		storage.OriginalKey(owner.ID, "aa"), 300, "image/png")
	orphan.RefCount = 0
	revived := domain.NewStoredObject(owner.ID, "aa", domain.BackendLocal,
		storage.OriginalKey(owner.ID, "aa"), 300, "image/png")
	revived.RefCount = 1

	env.objects.On("ListOrphans", mock.Anything, time.Hour, 10).
		Return([]*domain.StoredObject{orphan}, nil)
	// A concurrent upload re-referenced the object between listing and
	// reclaiming.
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, "aa").Return(revived, nil)

	reclaimed, err := env.svc.SweepOrphans(context.Background())
	require.NoError(t, err)
	require.Zero(t, reclaimed)
	env.backend.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestGCService_SweepOrphans_BackendFailureKeepsRow(t *testing.T) {
	owner := testOwner(0)
	env := newTestGCService(t, owner)
	env.store.used = 300

	orphan := domain.NewStoredObject(owner.ID, "aa", domain.BackendLocal,
		storage.OriginalKey(owner.ID, "aa"), 300, "image/png")
	orphan.RefCount = 0

	env.objects.On("ListOrphans", mock.Anything, time.Hour, 10).
		Return([]*domain.StoredObject{orphan}, nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, "aa").Return(orphan, nil)
	for _, spec := range domain.DerivativeSpecs {
		env.backend.On("Delete", mock.Anything, storage.DerivativeKey(owner.ID, "aa", spec.ID())).Return(nil)
	}
	env.backend.On("Delete", mock.Anything, storage.OriginalKey(owner.ID, "aa")).
		Return(domain.ErrBackendUnavailable)

	reclaimed, err := env.svc.SweepOrphans(context.Background())
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	// Row and quota charge stay; the next sweep retries.
	env.objects.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything, mock.Anything)
	require.Equal(t, int64(300), env.store.used)
}

func TestGCService_SweepExpired(t *testing.T) {
	owner := testOwner(0)
	env := newTestGCService(t, owner)
	env.store.used = 100

	expired := domain.NewFileRecord(owner.ID, "bb", "old.png", "image/png", 100)
	expired.ID = 17

	orphan := domain.NewStoredObject(owner.ID, "bb", domain.BackendLocal,
		storage.OriginalKey(owner.ID, "bb"), 100, "image/png")
	orphan.RefCount = 0

	env.files.On("DeleteExpired", mock.Anything, mock.AnythingOfType("time.Time"), 10).
		Return([]*domain.FileRecord{expired}, nil)
	// Last reference gone, so the blob is reclaimed in the same round.
	env.objects.On("DecrementRef", mock.Anything, owner.ID, "bb").Return(int32(0), nil)
	env.objects.On("GetByFingerprint", mock.Anything, owner.ID, "bb").Return(orphan, nil)
	expectBackendReclaim(env, owner.ID, "bb")
	env.objects.On("Delete", mock.Anything, owner.ID, "bb").Return(nil)

	deleted, err := env.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	require.Zero(t, env.store.used)

	mock.AssertExpectationsForObjects(t, env.objects, env.files, env.backend)
}

func TestGCService_SweepExpired_SharedContentSurvives(t *testing.T) {
	owner := testOwner(0)
	env := newTestGCService(t, owner)

	expired := domain.NewFileRecord(owner.ID, "cc", "old.png", "image/png", 100)
	expired.ID = 18

	env.files.On("DeleteExpired", mock.Anything, mock.AnythingOfType("time.Time"), 10).
		Return([]*domain.FileRecord{expired}, nil)
	// Other file records still reference the content.
	env.objects.On("DecrementRef", mock.Anything, owner.ID, "cc").Return(int32(3), nil)

	deleted, err := env.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
	env.backend.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
}

func TestGCService_SweepSkippedWhenLockHeld(t *testing.T) {
	owner := testOwner(0)
	env := newTestGCService(t, owner)

	// Simulate another instance holding both sweep locks.
	locker := lock.NewMemoryLocker()
	t.Cleanup(locker.Stop)
	held, err := locker.Acquire(context.Background(), lock.Keys.OrphanGC(), time.Minute)
	require.NoError(t, err)
	require.True(t, held)
	held, err = locker.Acquire(context.Background(), lock.Keys.ExpiryGC(), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	env.svc.locker = locker

	reclaimed, err := env.svc.SweepOrphans(context.Background())
	require.NoError(t, err)
	require.Zero(t, reclaimed)

	deleted, err := env.svc.SweepExpired(context.Background())
	require.NoError(t, err)
	require.Zero(t, deleted)

	env.objects.AssertNotCalled(t, "ListOrphans", mock.Anything, mock.Anything, mock.Anything)
	env.files.AssertNotCalled(t, "DeleteExpired", mock.Anything, mock.Anything, mock.Anything)
}
