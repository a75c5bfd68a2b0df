// Package local implements the storage backend on the local filesystem.
// Writes go to a temporary file first and are published with an atomic
// rename, so a failed put leaves no partially-visible object.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ThinkerWen/wpic/internal/domain"
)

// Config holds local backend settings. Stored per owner as JSON; empty
// fields fall back to server-wide defaults.
type Config struct {
	// BasePath is the root directory for blob storage.
	BasePath string `json:"base_path"`
}

// Backend stores blobs as files under a base directory. Keys map to
// relative paths; key separators become directory levels.
type Backend struct {
	basePath string
}

// New creates a local backend rooted at basePath, creating it if needed.
func New(basePath string) (*Backend, error) {
	if basePath == "" {
		return nil, fmt.Errorf("local backend: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("local backend: create base path: %w", err)
	}
	return &Backend{basePath: basePath}, nil
}

// NewFromJSON creates a local backend from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Backend, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("local backend: parse config: %w", err)
		}
	}
	return New(cfg.BasePath)
}

// fullPath resolves a key to an absolute path, rejecting traversal.
func (b *Backend) fullPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") {
		return "", domain.NewDomainError(domain.ErrNotFound, "invalid key", key)
	}
	return filepath.Join(b.basePath, clean), nil
}

// Put writes content under the key via temp-file-then-rename.
func (b *Backend) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if err := ctx.Err(); err != nil {
		return mapCtxErr(err)
	}

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return mapFSErr(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return mapFSErr(err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, reader)
	if err == nil && size > 0 && written != size {
		err = fmt.Errorf("short write: got %d bytes, expected %d", written, size)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return mapFSErr(err)
	}

	// Atomic publish. Replacing an existing file with identical content
	// is harmless, which makes Put idempotent.
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return mapFSErr(err)
	}

	return nil
}

// Get opens the content stored under the key.
func (b *Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, mapCtxErr(err)
	}

	path, err := b.fullPath(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.NewDomainError(domain.ErrNotFound, "no such file", key)
		}
		return nil, mapFSErr(err)
	}
	return f, nil
}

// Delete removes the content. Deleting a missing key succeeds. Empty
// parent directories are pruned opportunistically.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return mapCtxErr(err)
	}

	path, err := b.fullPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return mapFSErr(err)
	}

	// Best effort; stops at the first non-empty directory.
	dir := filepath.Dir(path)
	for dir != b.basePath && len(dir) > len(b.basePath) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}

	return nil
}

// Exists checks whether content exists under the key.
func (b *Backend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, mapCtxErr(err)
	}

	path, err := b.fullPath(key)
	if err != nil {
		return false, nil
	}

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, mapFSErr(err)
}

// Stat returns the stored size.
func (b *Backend) Stat(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, mapCtxErr(err)
	}

	path, err := b.fullPath(key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, domain.NewDomainError(domain.ErrNotFound, "no such file", key)
		}
		return 0, mapFSErr(err)
	}
	return info.Size(), nil
}

// Kind returns "local".
func (b *Backend) Kind() string {
	return string(domain.BackendLocal)
}

// The local variant has no URL-signing capability: the orchestrator
// proxies bytes itself.

func mapCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.WrapError(domain.ErrBackendTimeout, err.Error())
	}
	return err
}

func mapFSErr(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return domain.NewDomainError(domain.ErrBackendPermission, err.Error(), "")
	case isNoSpace(err):
		return domain.NewDomainError(domain.ErrBackendQuotaExceeded, err.Error(), "")
	default:
		return domain.NewDomainError(domain.ErrBackendUnavailable, err.Error(), "")
	}
}
