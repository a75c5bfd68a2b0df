package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/domain"
)

func TestObjectRepository_UpsertRefLifecycle(t *testing.T) {
	db := newTestDB(t)
	repo := NewObjectRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "objects")

	obj := domain.NewStoredObject(owner.ID, "fp-1", domain.BackendLocal, "users/1/fp-1", 1024, "image/png")
	isNew, err := repo.UpsertWithRefIncrement(ctx, obj)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotZero(t, obj.ID)

	// A second upsert of the same content bumps the ref count in place.
	dup := domain.NewStoredObject(owner.ID, "fp-1", domain.BackendLocal, "users/1/fp-1", 1024, "image/png")
	isNew, err = repo.UpsertWithRefIncrement(ctx, dup)
	require.NoError(t, err)
	require.False(t, isNew)
	require.Equal(t, obj.ID, dup.ID)

	got, err := repo.GetByFingerprint(ctx, owner.ID, "fp-1")
	require.NoError(t, err)
	require.Equal(t, int32(2), got.RefCount)
	require.Equal(t, int64(1024), got.Size)

	require.NoError(t, repo.IncrementRef(ctx, owner.ID, "fp-1"))

	for want := int32(2); want >= 0; want-- {
		n, err := repo.DecrementRef(ctx, owner.ID, "fp-1")
		require.NoError(t, err)
		require.Equal(t, want, n)
	}

	// The guard refuses to decrement below zero.
	_, err = repo.DecrementRef(ctx, owner.ID, "fp-1")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.Delete(ctx, owner.ID, "fp-1"))
	_, err = repo.GetByFingerprint(ctx, owner.ID, "fp-1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestObjectRepository_DeleteGuardsLiveObjects(t *testing.T) {
	db := newTestDB(t)
	repo := NewObjectRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "guarded")

	obj := domain.NewStoredObject(owner.ID, "fp-live", domain.BackendLocal, "k", 10, "image/png")
	_, err := repo.UpsertWithRefIncrement(ctx, obj)
	require.NoError(t, err)

	// ref_count is 1, so the delete must not touch the row.
	require.ErrorIs(t, repo.Delete(ctx, owner.ID, "fp-live"), domain.ErrNotFound)

	got, err := repo.GetByFingerprint(ctx, owner.ID, "fp-live")
	require.NoError(t, err)
	require.Equal(t, int32(1), got.RefCount)
}

func TestObjectRepository_IncrementMissing(t *testing.T) {
	db := newTestDB(t)
	repo := NewObjectRepository(db)
	owner := seedOwner(t, db, "empty")

	err := repo.IncrementRef(context.Background(), owner.ID, "no-such-fp")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestObjectRepository_ListOrphans(t *testing.T) {
	db := newTestDB(t)
	repo := NewObjectRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "orphans")

	makeObject := func(fp string, age time.Duration) {
		obj := domain.NewStoredObject(owner.ID, fp, domain.BackendLocal, "users/1/"+fp, 100, "image/png")
		obj.CreatedAt = time.Now().UTC().Add(-age)
		_, err := repo.UpsertWithRefIncrement(ctx, obj)
		require.NoError(t, err)
	}
	orphan := func(fp string) {
		_, err := repo.DecrementRef(ctx, owner.ID, fp)
		require.NoError(t, err)
	}
	backdateOrphan := func(fp string, age time.Duration) {
		_, err := db.ExecContext(ctx,
			`UPDATE stored_objects SET orphaned_at = ? WHERE owner_id = ? AND fingerprint = ?`,
			time.Now().UTC().Add(-age).Format(time.RFC3339), owner.ID, fp)
		require.NoError(t, err)
	}

	makeObject("fp-stale-orphan", 3*time.Hour)
	orphan("fp-stale-orphan")
	backdateOrphan("fp-stale-orphan", 2*time.Hour)

	// Created long ago, unreferenced just now: the grace window counts
	// from the unref, so the sweeper must not see it yet.
	makeObject("fp-just-unreferenced", 48*time.Hour)
	orphan("fp-just-unreferenced")

	makeObject("fp-old-live", 48*time.Hour)

	got, err := repo.ListOrphans(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "fp-stale-orphan", got[0].Fingerprint)
	require.True(t, got[0].IsOrphan())
	require.NotNil(t, got[0].OrphanedAt)
}

func TestObjectRepository_ReviveClearsOrphanMarker(t *testing.T) {
	db := newTestDB(t)
	repo := NewObjectRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "revived")

	obj := domain.NewStoredObject(owner.ID, "fp-r", domain.BackendLocal, "users/1/fp-r", 100, "image/png")
	_, err := repo.UpsertWithRefIncrement(ctx, obj)
	require.NoError(t, err)
	_, err = repo.DecrementRef(ctx, owner.ID, "fp-r")
	require.NoError(t, err)

	got, err := repo.GetByFingerprint(ctx, owner.ID, "fp-r")
	require.NoError(t, err)
	require.NotNil(t, got.OrphanedAt)

	// Push the marker past the grace window, then revive via a
	// deduplicated re-upload. The sweeper must no longer see it.
	_, err = db.ExecContext(ctx,
		`UPDATE stored_objects SET orphaned_at = ? WHERE owner_id = ? AND fingerprint = ?`,
		time.Now().UTC().Add(-2*time.Hour).Format(time.RFC3339), owner.ID, "fp-r")
	require.NoError(t, err)

	require.NoError(t, repo.IncrementRef(ctx, owner.ID, "fp-r"))

	got, err = repo.GetByFingerprint(ctx, owner.ID, "fp-r")
	require.NoError(t, err)
	require.Nil(t, got.OrphanedAt)

	orphans, err := repo.ListOrphans(ctx, time.Hour, 10)
	require.NoError(t, err)
	require.Empty(t, orphans)
}

func TestObjectRepository_SumSizeByOwner(t *testing.T) {
	db := newTestDB(t)
	repo := NewObjectRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "sized")
	other := seedOwner(t, db, "other")

	for _, o := range []struct {
		ownerID int64
		fp      string
		size    int64
	}{
		{owner.ID, "fp-a", 100},
		{owner.ID, "fp-b", 250},
		{owner.ID, "fp-orphaned", 999},
		{other.ID, "fp-c", 4000},
	} {
		obj := domain.NewStoredObject(o.ownerID, o.fp, domain.BackendLocal, o.fp, o.size, "image/png")
		_, err := repo.UpsertWithRefIncrement(ctx, obj)
		require.NoError(t, err)
	}
	_, err := repo.DecrementRef(ctx, owner.ID, "fp-orphaned")
	require.NoError(t, err)

	// Orphans and other owners' objects stay out of the total.
	total, err := repo.SumSizeByOwner(ctx, owner.ID)
	require.NoError(t, err)
	require.Equal(t, int64(350), total)
}
