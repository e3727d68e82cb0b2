// Package encryption loads the Tink AEAD used to seal cached Atol tokens.
package encryption

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/tink-crypto/tink-go/v2/aead"
	"github.com/tink-crypto/tink-go/v2/insecurecleartextkeyset"
	"github.com/tink-crypto/tink-go/v2/keyset"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// Validate seals and opens a sample value. Call at startup so that a bad
// keyset fails the process instead of every cache write.
func Validate(a tink.AEAD) error {
	sample := []byte("atol-bridge-encryption-check")
	aad := []byte("validation")

	ciphertext, err := a.Encrypt(sample, aad)
	if err != nil {
		return fmt.Errorf("validation encrypt failed: %w", err)
	}

	decrypted, err := a.Decrypt(ciphertext, aad)
	if err != nil {
		return fmt.Errorf("validation decrypt failed: %w", err)
	}

	if !bytes.Equal(sample, decrypted) {
		return errors.New("validation round-trip failed: plaintext mismatch")
	}

	return nil
}

// KeyedAEAD is an AEAD that knows which key of its keyset seals new values.
type KeyedAEAD struct {
	tink.AEAD
	primary uint32
}

// PrimaryKeyID is the keyset ID of the key used by Encrypt.
func (k *KeyedAEAD) PrimaryKeyID() uint32 {
	return k.primary
}

// NewAEAD creates the AEAD primitive for a keyset handle and validates it.
func NewAEAD(handle *keyset.Handle) (*KeyedAEAD, error) {
	if handle == nil {
		return nil, errors.New("keyset handle is nil")
	}

	primitive, err := aead.New(handle)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD primitive: %w", err)
	}

	if err := Validate(primitive); err != nil {
		return nil, fmt.Errorf("validating AEAD: %w", err)
	}

	return &KeyedAEAD{
		AEAD:    primitive,
		primary: handle.KeysetInfo().GetPrimaryKeyId(),
	}, nil
}

// LoadKeysetFromFile reads a cleartext JSON keyset, as written by
// `tinkey create-keyset --out-format json`. The file must be protected by
// filesystem permissions or a secrets mount.
func LoadKeysetFromFile(path string) (*keyset.Handle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening keyset file: %w", err)
	}
	defer func() { _ = f.Close() }()

	handle, err := insecurecleartextkeyset.Read(keyset.NewJSONReader(f))
	if err != nil {
		return nil, fmt.Errorf("reading cleartext keyset %s: %w", path, err)
	}

	return handle, nil
}

// NewAEADFromFile loads and validates the AEAD for a keyset file.
func NewAEADFromFile(path string) (*KeyedAEAD, error) {
	handle, err := LoadKeysetFromFile(path)
	if err != nil {
		return nil, err
	}
	return NewAEAD(handle)
}

// NewTestAEAD creates an AEAD with a fresh in-memory key. Tests only.
func NewTestAEAD() (*KeyedAEAD, error) {
	handle, err := keyset.NewHandle(aead.AES256GCMKeyTemplate())
	if err != nil {
		return nil, fmt.Errorf("creating test keyset handle: %w", err)
	}
	return NewAEAD(handle)
}
