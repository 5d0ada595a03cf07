package keys

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// FileIDSize is the size of a file identifier in bytes.
const FileIDSize = 6

// FileID is the stable random identifier of a tracked file. It is
// assigned once when a path is first observed and never changes,
// regardless of later metadata changes to the file.
type FileID [FileIDSize]byte

// FileIDFromBytes converts a raw database value into a FileID.
func FileIDFromBytes(b []byte) (FileID, error) {
	var id FileID
	if len(b) != FileIDSize {
		return id, fmt.Errorf("file id must be %d bytes, got %d", FileIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Bytes returns the identifier as a slice for database binding.
func (id FileID) Bytes() []byte {
	return id[:]
}

func (id FileID) String() string {
	return hex.EncodeToString(id[:])
}

// BlockIDSize is the size of a block identifier in bytes.
const BlockIDSize = 16

// BlockID identifies a stored block on the sink side. The source agent
// does not mint block identifiers itself; the generator exists so both
// peers share one random source abstraction.
type BlockID [BlockIDSize]byte

// Random mints the identifiers used by the metadata store. Implementations
// must be safe for use from a single goroutine at a time; the store worker
// is the only caller during a pass.
type Random interface {
	GenerateFileID() (FileID, error)
	GenerateBlockID() (BlockID, error)
}

// SystemRandom draws identifiers from crypto/rand.
type SystemRandom struct{}

func (SystemRandom) GenerateFileID() (FileID, error) {
	var id FileID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate file id: %w", err)
	}
	return id, nil
}

func (SystemRandom) GenerateBlockID() (BlockID, error) {
	var id BlockID
	if _, err := rand.Read(id[:]); err != nil {
		return id, fmt.Errorf("generate block id: %w", err)
	}
	return id, nil
}
