// Package fsops provides the filesystem collaborators of the transfer
// pipeline: a recursive walker that reports shallow file metadata and a
// chunked reader that streams file contents through a bounded channel.
package fsops

// ShallowInfo is a file's path plus its current byte length, as
// produced by a filesystem scan. "Shallow" because it carries no
// content: the change tracker compares lengths only.
type ShallowInfo struct {
	path string
	len  uint64
}

// NewShallowInfo builds a ShallowInfo for the given path and length.
func NewShallowInfo(path string, len uint64) ShallowInfo {
	return ShallowInfo{path: path, len: len}
}

// Path returns the file's path as observed by the walk.
func (s ShallowInfo) Path() string {
	return s.path
}

// Len returns the file's byte length at observation time.
func (s ShallowInfo) Len() uint64 {
	return s.len
}
