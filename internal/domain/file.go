package domain

import (
	"time"

	"github.com/google/uuid"
)

// FileRecord is the logical file entry owned by a principal. Several file
// records may reference the same StoredObject; the object's reference
// count tracks how many.
type FileRecord struct {
	// ID is the surrogate primary key.
	ID int64 `json:"id"`

	// OwnerID is the owning principal.
	OwnerID int64 `json:"owner_id"`

	// Fingerprint references the backing StoredObject.
	Fingerprint string `json:"fingerprint"`

	// Filename is the name the file is served under.
	Filename string `json:"filename"`

	// OriginalFilename is the name supplied at upload time.
	OriginalFilename string `json:"original_filename"`

	// ContentType is the MIME type.
	ContentType string `json:"content_type"`

	// Size is the byte size of the original.
	Size int64 `json:"size"`

	// Width and Height are the pixel dimensions, 0 when unknown.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Format is the detected image format ("jpeg", "png", ...), empty
	// when the content could not be decoded.
	Format string `json:"format"`

	// AccessToken is an unguessable token for share links.
	AccessToken string `json:"access_token"`

	// DownloadCount is the served-download counter, flushed from the
	// cache layer opportunistically.
	DownloadCount int64 `json:"download_count"`

	// CreatedAt is the upload time.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the optional expiry; nil means never.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// NewFileRecord creates a FileRecord for a fresh upload with a random
// access token.
func NewFileRecord(ownerID int64, fingerprint, filename, contentType string, size int64) *FileRecord {
	return &FileRecord{
		OwnerID:          ownerID,
		Fingerprint:      fingerprint,
		Filename:         filename,
		OriginalFilename: filename,
		ContentType:      contentType,
		Size:             size,
		AccessToken:      uuid.NewString(),
		CreatedAt:        time.Now().UTC(),
	}
}

// Expired reports whether the record is past its expiry.
func (f *FileRecord) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && now.After(*f.ExpiresAt)
}
