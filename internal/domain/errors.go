// Package domain contains the core business entities for wpic.
package domain

import (
	"errors"
	"fmt"
)

// Domain errors - these represent business rule violations and the
// failure taxonomy surfaced to callers. They are distinct from raw
// infrastructure errors (database, network, etc.), which are always
// mapped onto one of these before leaving the service layer.

var (
	// ===========================================
	// Lookup Errors
	// ===========================================

	// ErrNotFound indicates the requested object or derivative does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrFileRecordNotFound indicates the logical file record does not exist.
	ErrFileRecordNotFound = errors.New("file record not found")

	// ErrOwnerNotFound indicates the owning principal is unknown.
	ErrOwnerNotFound = errors.New("owner not found")

	// ErrOwnerAlreadyExists indicates an owner with the same name exists.
	ErrOwnerAlreadyExists = errors.New("owner already exists")

	// ===========================================
	// Quota Errors
	// ===========================================

	// ErrQuotaExceeded indicates a pre-write quota reservation was denied.
	// Never retried; the caller must free space or raise the limit.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ===========================================
	// Backend Errors
	// ===========================================

	// ErrBackendUnavailable indicates the storage backend cannot be reached.
	// Transient; retried with backoff at the storage layer.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrBackendTimeout indicates a backend operation exceeded its deadline.
	// Transient and safe to retry; all backend operations are idempotent
	// at the key level.
	ErrBackendTimeout = errors.New("storage backend timeout")

	// ErrBackendPermission indicates the backend rejected our credentials.
	// Not retryable without operator intervention.
	ErrBackendPermission = errors.New("storage backend permission denied")

	// ErrBackendQuotaExceeded indicates the remote service rejected a write
	// for capacity reasons (distinct from the per-owner quota).
	ErrBackendQuotaExceeded = errors.New("storage backend out of capacity")

	// ===========================================
	// Image Errors
	// ===========================================

	// ErrUnsupportedImageFormat indicates the content is not a decodable
	// image format. Not retryable as-is.
	ErrUnsupportedImageFormat = errors.New("unsupported image format")

	// ErrCorruptImageData indicates the content claimed a known format but
	// failed to decode. Not retryable as-is, and never negatively cached:
	// a truncated upload must not poison the derivative key.
	ErrCorruptImageData = errors.New("corrupt image data")

	// ===========================================
	// Validation Errors
	// ===========================================

	// ErrEmptyContent indicates an upload with zero bytes.
	ErrEmptyContent = errors.New("empty content")

	// ErrInvalidToken indicates the presented API token is malformed or unknown.
	ErrInvalidToken = errors.New("invalid API token")
)

// IsRetryable reports whether an error is transient and safe to retry.
// Quota, permission and input-validation errors propagate immediately.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrBackendTimeout)
}

// DomainError wraps a domain error with additional context.
type DomainError struct {
	// Err is the underlying domain error.
	Err error

	// Message provides additional context.
	Message string

	// Resource identifies the affected resource (fingerprint, key, owner).
	Resource string
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Err.Error(), e.Message, e.Resource)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/errors.As.
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError with context.
func NewDomainError(err error, message, resource string) *DomainError {
	return &DomainError{
		Err:      err,
		Message:  message,
		Resource: resource,
	}
}

// WrapError wraps an error with domain context if it's not already a DomainError.
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}

	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}

	return &DomainError{
		Err:     err,
		Message: message,
	}
}
