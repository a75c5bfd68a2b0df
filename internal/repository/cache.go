// Package repository defines data access interfaces for wpic.
package repository

import (
	"context"
	"strconv"
	"time"
)

// =============================================================================
// Cache Interface (Redis)
// =============================================================================

// Cache defines the interface for caching operations.
// Primarily implemented using Redis for distributed caching; a memory
// implementation exists for tests and single-node deployments.
type Cache interface {
	// Get retrieves a value by key.
	// Returns ErrCacheMiss if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value with an optional TTL.
	// If ttl is 0, the value doesn't expire.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX sets a value only if the key doesn't exist.
	// Returns true if the value was set, false if the key already exists.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// GetDel atomically retrieves a value and removes the key, so two
	// callers can never observe the same value.
	// Returns ErrCacheMiss if the key doesn't exist.
	GetDel(ctx context.Context, key string) ([]byte, error)

	// Delete removes a value by key.
	Delete(ctx context.Context, key string) error

	// DeleteMulti removes multiple values.
	DeleteMulti(ctx context.Context, keys ...string) error

	// DeleteByPrefix removes all keys sharing a prefix.
	// Used to purge the derivative namespace for a fingerprint.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets or updates the TTL for a key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Increment atomically increments an integer value.
	Increment(ctx context.Context, key string, delta int64) (int64, error)
}

// =============================================================================
// Cache Keys
// =============================================================================

// Every key carries the "wpic:" application prefix so the cache can be
// shared with other tenants of the same Redis instance.

// CacheKey generates cache keys for common scenarios.
type CacheKey struct{}

// Blob returns a cache key for original image bytes.
func (CacheKey) Blob(ownerID int64, fingerprint string) string {
	return "wpic:file:" + strconv.FormatInt(ownerID, 10) + ":" + fingerprint
}

// Derivative returns a cache key for derivative image bytes.
func (CacheKey) Derivative(ownerID int64, fingerprint, specID string) string {
	return "wpic:thumb:" + strconv.FormatInt(ownerID, 10) + ":" + fingerprint + ":" + specID
}

// DerivativePrefix returns the key prefix covering all derivative entries
// for a fingerprint. Matches the keys produced by Derivative.
func (CacheKey) DerivativePrefix(ownerID int64, fingerprint string) string {
	return "wpic:thumb:" + strconv.FormatInt(ownerID, 10) + ":" + fingerprint + ":"
}

// FileMeta returns a cache key for file record metadata by access token.
func (CacheKey) FileMeta(accessToken string) string {
	return "wpic:meta:" + accessToken
}

// DownloadCount returns a cache key for the batched download counter.
func (CacheKey) DownloadCount(fileID int64) string {
	return "wpic:count:" + strconv.FormatInt(fileID, 10)
}

// Owner returns a cache key for owner metadata.
func (CacheKey) Owner(id int64) string {
	return "wpic:owner:" + strconv.FormatInt(id, 10)
}

// OwnerByTokenHash returns a cache key for token-hash authentication lookups.
func (CacheKey) OwnerByTokenHash(tokenHash string) string {
	return "wpic:owner:token:" + tokenHash
}
