package local

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ThinkerWen/wpic/internal/domain"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(t.TempDir())
	require.NoError(t, err)
	return b
}

func TestBackend_PutGetRoundTrip(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	data := []byte("original image bytes")
	key := "users/1/aabbcc"

	require.NoError(t, b.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "image/png"))

	rc, err := b.Get(ctx, key)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	require.Equal(t, data, got)

	ok, err := b.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	size, err := b.Stat(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)
}

func TestBackend_PutIsIdempotent(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	key := "users/1/ff00"
	require.NoError(t, b.Put(ctx, key, bytes.NewReader([]byte("v1")), 2, ""))
	require.NoError(t, b.Put(ctx, key, bytes.NewReader([]byte("v2")), 2, ""))

	rc, err := b.Get(ctx, key)
	require.NoError(t, err)
	got, _ := io.ReadAll(rc)
	rc.Close()
	require.Equal(t, []byte("v2"), got)
}

func TestBackend_PutRejectsShortWrite(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	err := b.Put(ctx, "users/1/short", bytes.NewReader([]byte("abc")), 10, "")
	require.Error(t, err)

	// The failed write left nothing visible under the key.
	ok, err := b.Exists(ctx, "users/1/short")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestBackend_LeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "users/1/ok", bytes.NewReader([]byte("x")), 1, ""))
	require.Error(t, b.Put(ctx, "users/1/bad", bytes.NewReader([]byte("x")), 5, ""))

	var leftovers []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && filepath.Base(path) != "ok" {
			leftovers = append(leftovers, path)
		}
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, leftovers)
}

func TestBackend_GetMissing(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.Get(context.Background(), "users/1/nope")
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = b.Stat(context.Background(), "users/1/nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestBackend_DeleteMissingSucceeds(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Delete(context.Background(), "users/1/nope"))
}

func TestBackend_DeletePrunesEmptyDirectories(t *testing.T) {
	dir := t.TempDir()
	b, err := New(dir)
	require.NoError(t, err)
	ctx := context.Background()

	key := "users/9/derivatives/aa/thumbnail"
	require.NoError(t, b.Put(ctx, key, bytes.NewReader([]byte("x")), 1, ""))
	require.NoError(t, b.Delete(ctx, key))

	_, err = os.Stat(filepath.Join(dir, "users", "9"))
	require.True(t, os.IsNotExist(err))

	// The base path itself survives.
	_, err = os.Stat(dir)
	require.NoError(t, err)
}

func TestBackend_RejectsTraversal(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"../escape", "users/../../etc/passwd", "."} {
		err := b.Put(ctx, key, bytes.NewReader([]byte("x")), 1, "")
		require.Error(t, err, "key %q", key)
	}
}

func TestNewFromJSON(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(Config{BasePath: dir})
	require.NoError(t, err)

	b, err := NewFromJSON(raw)
	require.NoError(t, err)
	require.Equal(t, string(domain.BackendLocal), b.Kind())

	_, err = NewFromJSON(json.RawMessage(`{`))
	require.Error(t, err)

	_, err = NewFromJSON(nil)
	require.Error(t, err) // base path required
}
