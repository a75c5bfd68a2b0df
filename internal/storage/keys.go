package storage

import (
	"fmt"
	"strings"
)

// Key scheme shared by all backends. Originals and their derivatives are
// co-located under the owner's prefix so a prefix delete on the backend
// removes both:
//
//	users/{owner}/{fingerprint}
//	users/{owner}/derivatives/{fingerprint}/{spec-id}
const (
	ownerPrefixFormat = "users/%d"
	derivativesDir    = "derivatives"
)

// OwnerPrefix returns the owner-scoped key prefix.
func OwnerPrefix(ownerID int64) string {
	return fmt.Sprintf(ownerPrefixFormat, ownerID)
}

// OriginalKey returns the backend key for an original blob.
func OriginalKey(ownerID int64, fingerprint string) string {
	return OwnerPrefix(ownerID) + "/" + fingerprint
}

// DerivativeKey returns the backend key for a derivative artifact.
func DerivativeKey(ownerID int64, fingerprint, specID string) string {
	return strings.Join([]string{OwnerPrefix(ownerID), derivativesDir, fingerprint, specID}, "/")
}

// DerivativePrefix returns the key prefix under which every derivative of
// a fingerprint lives.
func DerivativePrefix(ownerID int64, fingerprint string) string {
	return strings.Join([]string{OwnerPrefix(ownerID), derivativesDir, fingerprint}, "/")
}
