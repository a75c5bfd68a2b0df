// Package service provides business logic services for wpic.
package service

import "errors"

// Common service errors.
var (
	// Owner errors
	ErrOwnerInactive = errors.New("owner is inactive")
	ErrAccessDenied  = errors.New("access denied")
	ErrInvalidName   = errors.New("invalid owner name: must be 3-255 characters")

	// Upload errors
	ErrFileTooLarge = errors.New("file exceeds maximum upload size")

	// General errors
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInternalError    = errors.New("internal server error")
)
