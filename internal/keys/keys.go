// Package keys holds the source agent's cryptographic material: the
// Ed25519 key that authenticates descriptor metadata, the age recipient
// the sink decrypts with, and the random source that mints file
// identifiers for the metadata store.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"

	"filippo.io/age"
)

// ErrNoRecipient is returned by EncryptDescriptor when the key set was
// built without a sink recipient.
var ErrNoRecipient = errors.New("keys: no sink recipient configured")

// Keys is one source's key set. Immutable after construction and safe
// for concurrent use.
type Keys struct {
	signing   ed25519.PrivateKey
	recipient age.Recipient
}

// New builds a key set from a signing key and the sink's recipient.
func New(signing ed25519.PrivateKey, recipient age.Recipient) *Keys {
	return &Keys{signing: signing, recipient: recipient}
}

// Public returns the public half of the signing key, for registration
// with the broker.
func (k *Keys) Public() ed25519.PublicKey {
	return k.signing.Public().(ed25519.PublicKey)
}

// EncryptDescriptor combines a descriptor pair into its wire form: the
// verified part is CBOR-encoded and signed, the protected part is
// CBOR-encoded and encrypted to the sink's recipient. Failures here
// indicate a key or configuration problem, never a transient one.
func (k *Keys) EncryptDescriptor(verified VerifiedDescriptor, protected ProtectedDescriptor) (*EncryptedDescriptor, error) {
	if k.recipient == nil {
		return nil, ErrNoRecipient
	}

	verifiedBytes, err := Marshal(verified)
	if err != nil {
		return nil, fmt.Errorf("encode verified descriptor: %w", err)
	}
	signature := ed25519.Sign(k.signing, verifiedBytes)

	protectedBytes, err := Marshal(protected)
	if err != nil {
		return nil, fmt.Errorf("encode protected descriptor: %w", err)
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, k.recipient)
	if err != nil {
		return nil, fmt.Errorf("create descriptor encryptor: %w", err)
	}
	if _, err := w.Write(protectedBytes); err != nil {
		return nil, fmt.Errorf("encrypt protected descriptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize protected descriptor: %w", err)
	}

	return &EncryptedDescriptor{
		Verified:  verifiedBytes,
		Signature: signature,
		Protected: ciphertext.Bytes(),
	}, nil
}
