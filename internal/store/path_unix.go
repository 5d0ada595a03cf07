//go:build !windows

package store

// canonicalPathBytes returns the platform-native byte encoding of a
// path, used as the lookup key for file identifiers. On POSIX systems
// the path's raw bytes are the canonical form. The encoding is never
// compared or translated across platforms; a database written on one
// platform is only ever read there.
func canonicalPathBytes(path string) []byte {
	return []byte(path)
}
