package keys

import (
	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder configured with Core Deterministic
// Encoding (RFC 8949 section 4.2): sorted map keys, smallest integer
// encoding, no indefinite-length items. Deterministic bytes matter here
// because the verified part is signed and the sink must be able to
// re-encode and compare.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("keys: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("keys: CBOR decoder initialization failed: " + err.Error())
	}
}

// VerifiedDescriptor is the authenticated part of a file's transfer
// metadata. The sink can read it without decrypting anything, but the
// signature pins it to this source's signing key.
type VerifiedDescriptor struct {
	FileID  FileID   `cbor:"file_id"`
	Version uint64   `cbor:"version"`
	Index   uint32   `cbor:"index"`
	Total   uint32   `cbor:"total"`
	Chunks  [][]byte `cbor:"chunks"`
}

// ProtectedDescriptor is the confidential part: fields that must never
// reach the network in the clear. Encrypted to the sink's recipient key
// before any exposure.
type ProtectedDescriptor struct {
	Filename string `cbor:"filename"`
	Size     uint64 `cbor:"size"`
}

// EncryptedDescriptor is the wire form of a descriptor pair: the CBOR
// encoding of the verified part, an Ed25519 signature over those exact
// bytes, and the age ciphertext of the protected part.
type EncryptedDescriptor struct {
	Verified  []byte `cbor:"verified"`
	Signature []byte `cbor:"signature"`
	Protected []byte `cbor:"protected"`
}

// Marshal encodes v with the package's deterministic encoder.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
