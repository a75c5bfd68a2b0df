//go:build unix

package local

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isNoSpace reports whether err is the filesystem-full condition.
func isNoSpace(err error) bool {
	return errors.Is(err, unix.ENOSPC)
}
