package store

import (
	"sourced/internal/keys"
)

// Partial is the latest known state of a tracked file: its stable
// identifier, the most recent version, and the byte length recorded
// with that version.
type Partial struct {
	FileID  keys.FileID
	Version uint64
	Len     uint64
}

// Change is the outcome of a shallow change check. FileID is the
// file's stable identifier, minted during the check itself when the
// path has never been seen, so callers always learn the identity the
// store will use for this file.
//
// When Changed is false, Partial is the current stored state and is
// never nil. When Changed is true, Partial is the previous stored
// state, or nil if the file has never been seen before.
type Change struct {
	FileID  keys.FileID
	Changed bool
	Partial *Partial
}
