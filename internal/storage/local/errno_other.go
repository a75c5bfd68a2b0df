//go:build !unix

package local

// isNoSpace reports whether err is the filesystem-full condition.
// Not detected on non-unix platforms.
func isNoSpace(err error) bool {
	return false
}
