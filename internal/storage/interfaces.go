// Package storage defines the capability interface for blob storage
// backends and the key scheme shared by all variants. Three backends
// implement the contract: local filesystem, WebDAV, and S3-compatible
// object storage. The interface is designed to be stateless so a backend
// instance can be shared by any number of concurrent requests.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrAccessURLUnsupported is returned by URLSigner pass-through wrappers
// when the underlying backend has no signing capability. The orchestrator
// then proxies bytes itself rather than redirecting.
var ErrAccessURLUnsupported = errors.New("backend does not support access URLs")

// Backend is the capability implemented by every storage variant.
//
// All operations are idempotent at the key level: writing the same key
// twice with the same bytes must not corrupt state, and deleting a
// missing key is not an error. A failed Put must leave no
// partially-visible object under the target key — local and WebDAV
// variants achieve this with a write-to-temporary-then-publish sequence;
// object storage APIs already guarantee no partial-visibility window.
//
// Failures are mapped to the domain taxonomy: domain.ErrNotFound,
// domain.ErrBackendUnavailable, domain.ErrBackendTimeout,
// domain.ErrBackendPermission, domain.ErrBackendQuotaExceeded.
type Backend interface {
	// Put stores content under the given key.
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Get retrieves content by key. The returned ReadCloser must be
	// closed by the caller.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes content by key. Deleting a non-existent key succeeds.
	Delete(ctx context.Context, key string) error

	// Exists checks whether content exists under the key. It never fails
	// for "not found"; only for transport failure.
	Exists(ctx context.Context, key string) (bool, error)

	// Stat returns the byte size of stored content, or
	// domain.ErrNotFound if absent.
	Stat(ctx context.Context, key string) (int64, error)

	// Kind returns the backend variant identifier.
	Kind() string
}

// URLSigner is the optional capability of generating a direct access URL
// with a bounded lifetime. Backends without it force the orchestrator to
// proxy bytes itself rather than redirect.
type URLSigner interface {
	// AccessURL returns a URL from which the object can be fetched until
	// the TTL elapses.
	AccessURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}
