package domain

import (
	"encoding/json"
	"time"
)

// BackendKind identifies one of the closed set of storage backend variants.
// Backend selection is per owner, driven by configuration, not runtime
// class loading.
type BackendKind string

const (
	// BackendLocal stores blobs on the local filesystem.
	BackendLocal BackendKind = "local"

	// BackendWebDAV stores blobs on a remote WebDAV server.
	BackendWebDAV BackendKind = "webdav"

	// BackendS3 stores blobs in S3-compatible object storage.
	BackendS3 BackendKind = "s3"
)

// Valid reports whether the kind is one of the supported variants.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendLocal, BackendWebDAV, BackendS3:
		return true
	}
	return false
}

// UnlimitedQuota marks an owner with no byte limit.
const UnlimitedQuota int64 = 0

// Owner is the owning principal of stored objects. The auth collaborator
// resolves requests to an Owner; the core treats it as read-only input.
type Owner struct {
	// ID is the principal's primary key.
	ID int64 `json:"id"`

	// Name is the principal's login name.
	Name string `json:"name"`

	// TokenHash is the SHA-256 fingerprint of the principal's API token,
	// used for constant-time lookup during authentication.
	TokenHash string `json:"-"`

	// BackendKind is the owner's configured storage backend.
	BackendKind BackendKind `json:"backend_kind"`

	// BackendConfig is the backend-specific configuration as raw JSON
	// (credentials, endpoint, bucket or base path overrides).
	BackendConfig json.RawMessage `json:"backend_config"`

	// QuotaBytes is the owner's byte limit. UnlimitedQuota means no limit.
	QuotaBytes int64 `json:"quota_bytes"`

	// UsedBytes is the owner's current usage, counted once per distinct
	// fingerprint. Mutated only through the quota ledger.
	UsedBytes int64 `json:"used_bytes"`

	// Active reports whether the account is enabled.
	Active bool `json:"active"`

	// CreatedAt is the account creation time.
	CreatedAt time.Time `json:"created_at"`
}

// HasQuotaLimit reports whether the owner has a finite byte limit.
func (o *Owner) HasQuotaLimit() bool {
	return o.QuotaBytes > UnlimitedQuota
}

// RemainingBytes returns the free quota, or a negative value when over.
// Meaningless for unlimited owners.
func (o *Owner) RemainingBytes() int64 {
	return o.QuotaBytes - o.UsedBytes
}

// Usage is the quota view exposed to callers.
type Usage struct {
	// BytesUsed is the sum of distinct-fingerprint sizes referenced by
	// the owner.
	BytesUsed int64 `json:"bytes_used"`

	// BytesLimit is the owner's limit; UnlimitedQuota means no limit.
	BytesLimit int64 `json:"bytes_limit"`
}
