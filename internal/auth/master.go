package auth

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// MasterKeyHeader carries the admin master key for owner-management endpoints.
const MasterKeyHeader = "X-Master-Key"

// HashMasterKey produces a bcrypt hash for storing the admin master key.
// Used by setup tooling; the server only ever sees the hash.
func HashMasterKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyMasterKey checks a presented master key against its bcrypt hash.
func VerifyMasterKey(hash, key string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)); err != nil {
		return ErrInvalidMasterKey
	}
	return nil
}

// MasterKeyMiddleware guards admin endpoints with the master key hash.
// An empty hash disables the admin surface entirely.
func MasterKeyMiddleware(masterKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if masterKeyHash == "" {
				writeAuthError(w, ErrInvalidMasterKey)
				return
			}

			key := r.Header.Get(MasterKeyHeader)
			if key == "" {
				writeAuthError(w, ErrMissingToken)
				return
			}

			if err := VerifyMasterKey(masterKeyHash, key); err != nil {
				writeAuthError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
