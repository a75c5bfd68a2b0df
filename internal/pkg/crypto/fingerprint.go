// Package crypto provides cryptographic utilities for wpic: content
// fingerprinting, API token generation, and encryption of backend
// credentials at rest.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Fingerprint computes the content fingerprint of a byte slice.
// Identical byte sequences always yield the same fingerprint; the digest
// space is large enough that a match is treated as content equality with
// no byte-compare fallback.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader wraps an io.Reader and computes the content fingerprint
// while reading, so uploads are fingerprinted without a second pass.
type HashReader struct {
	reader io.Reader
	digest hash.Hash
}

// NewHashReader creates a HashReader over r.
func NewHashReader(r io.Reader) *HashReader {
	return &HashReader{
		reader: r,
		digest: sha256.New(),
	}
}

// Read implements io.Reader and updates the digest.
func (h *HashReader) Read(p []byte) (n int, err error) {
	n, err = h.reader.Read(p)
	if n > 0 {
		h.digest.Write(p[:n])
	}
	return n, err
}

// Fingerprint returns the hex-encoded fingerprint. Only meaningful after
// the underlying reader is drained.
func (h *HashReader) Fingerprint() string {
	return hex.EncodeToString(h.digest.Sum(nil))
}
