package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/domain"
	"github.com/ThinkerWen/wpic/internal/repository"
)

func newFileRecord(ownerID int64, filename string, createdAt time.Time) *domain.FileRecord {
	rec := domain.NewFileRecord(ownerID, "fp-"+filename, filename, "image/png", 2048)
	rec.Width = 640
	rec.Height = 480
	rec.Format = "png"
	rec.CreatedAt = createdAt
	return rec
}

func TestFileRepository_CreateAndFetch(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "files")

	expiry := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	rec := newFileRecord(owner.ID, "vacation.png", time.Now().UTC())
	rec.ExpiresAt = &expiry
	require.NoError(t, repo.Create(ctx, rec))
	require.NotZero(t, rec.ID)

	byID, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "vacation.png", byID.Filename)
	require.Equal(t, "image/png", byID.ContentType)
	require.Equal(t, int64(2048), byID.Size)
	require.Equal(t, 640, byID.Width)
	require.Equal(t, 480, byID.Height)
	require.NotNil(t, byID.ExpiresAt)
	require.True(t, byID.ExpiresAt.Equal(expiry))

	byToken, err := repo.GetByAccessToken(ctx, rec.AccessToken)
	require.NoError(t, err)
	require.Equal(t, rec.ID, byToken.ID)

	_, err = repo.GetByID(ctx, 9999)
	require.ErrorIs(t, err, domain.ErrFileRecordNotFound)
	_, err = repo.GetByAccessToken(ctx, "no-such-token")
	require.ErrorIs(t, err, domain.ErrFileRecordNotFound)
}

func TestFileRepository_AccessTokenCollision(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "collisions")

	first := newFileRecord(owner.ID, "a.png", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, first))

	second := newFileRecord(owner.ID, "b.png", time.Now().UTC())
	second.AccessToken = first.AccessToken
	err := repo.Create(ctx, second)
	require.Error(t, err)
	require.Contains(t, err.Error(), "access token collision")
}

func TestFileRepository_ListByOwner(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "lister")
	other := seedOwner(t, db, "neighbor")

	base := time.Now().UTC().Truncate(time.Second)
	for i, name := range []string{"oldest.png", "middle.png", "newest.png"} {
		require.NoError(t, repo.Create(ctx, newFileRecord(owner.ID, name, base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, repo.Create(ctx, newFileRecord(other.ID, "foreign.png", base)))

	result, err := repo.ListByOwner(ctx, owner.ID, repository.ListOptions{Limit: 2, Descending: true})
	require.NoError(t, err)
	require.Equal(t, int64(3), result.Total)
	require.Len(t, result.Items, 2)
	require.Equal(t, "newest.png", result.Items[0].Filename)
	require.Equal(t, "middle.png", result.Items[1].Filename)

	rest, err := repo.ListByOwner(ctx, owner.ID, repository.ListOptions{Limit: 2, Offset: 2, Descending: true})
	require.NoError(t, err)
	require.Len(t, rest.Items, 1)
	require.Equal(t, "oldest.png", rest.Items[0].Filename)
}

func TestFileRepository_CountByFingerprint(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "counter")

	now := time.Now().UTC()
	for _, name := range []string{"one.png", "two.png"} {
		rec := newFileRecord(owner.ID, name, now)
		rec.Fingerprint = "fp-shared"
		require.NoError(t, repo.Create(ctx, rec))
	}

	count, err := repo.CountByFingerprint(ctx, owner.ID, "fp-shared")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	count, err = repo.CountByFingerprint(ctx, owner.ID, "fp-unknown")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestFileRepository_AddDownloadCount(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "downloads")

	rec := newFileRecord(owner.ID, "hot.png", time.Now().UTC())
	require.NoError(t, repo.Create(ctx, rec))

	require.NoError(t, repo.AddDownloadCount(ctx, rec.ID, 10))
	require.NoError(t, repo.AddDownloadCount(ctx, rec.ID, 3))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, int64(13), got.DownloadCount)

	require.ErrorIs(t, repo.AddDownloadCount(ctx, 9999, 1), domain.ErrFileRecordNotFound)
}

func TestFileRepository_DeleteExpired(t *testing.T) {
	db := newTestDB(t)
	repo := NewFileRepository(db)
	ctx := context.Background()
	owner := seedOwner(t, db, "expiring")

	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)

	expired := newFileRecord(owner.ID, "expired.png", past)
	expired.ExpiresAt = &past
	require.NoError(t, repo.Create(ctx, expired))

	upcoming := newFileRecord(owner.ID, "upcoming.png", past)
	upcoming.ExpiresAt = &future
	require.NoError(t, repo.Create(ctx, upcoming))

	permanent := newFileRecord(owner.ID, "permanent.png", past)
	require.NoError(t, repo.Create(ctx, permanent))

	deleted, err := repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Equal(t, "expired.png", deleted[0].Filename)

	_, err = repo.GetByID(ctx, expired.ID)
	require.ErrorIs(t, err, domain.ErrFileRecordNotFound)

	// Records without a deadline and future deadlines survive.
	result, err := repo.ListByOwner(ctx, owner.ID, repository.ListOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(2), result.Total)

	// Nothing left to collect on the next pass.
	deleted, err = repo.DeleteExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Empty(t, deleted)
}
