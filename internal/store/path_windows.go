//go:build windows

package store

import (
	"unicode/utf16"
)

// canonicalPathBytes returns the platform-native byte encoding of a
// path. Windows paths are sequences of 16-bit code units; each unit is
// split into a little-endian byte pair. The encoding is never compared
// or translated across platforms.
func canonicalPathBytes(path string) []byte {
	wide := utf16.Encode([]rune(path))
	canonical := make([]byte, 0, len(wide)*2)
	for _, unit := range wide {
		canonical = append(canonical, byte(unit&0xFF), byte(unit>>8))
	}
	return canonical
}
