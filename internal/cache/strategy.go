package cache

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/tink-crypto/tink-go/v2/core/cryptofmt"
	"github.com/tink-crypto/tink-go/v2/tink"
)

// valuePrefix marks sealed entries, so a plaintext entry left over from
// before encryption was enabled is rejected instead of trusted.
const valuePrefix = "at-enc:"

// storageKeyPrefix keeps sealed and plaintext entries under different keys.
const storageKeyPrefix = "enc:"

// EncryptionStrategy protects token entries at rest in the shared backends.
type EncryptionStrategy interface {
	// Seal encrypts an encoded entry, binding it to the cache key.
	Seal(ctx context.Context, entry []byte, key string) (string, error)

	// Open decrypts a stored entry sealed under the same key. stale is set
	// when the entry was sealed by a key that is no longer primary, so the
	// caller can seal it again before the old key is retired.
	Open(ctx context.Context, value string, key string) (entry []byte, stale bool, err error)

	StorageKey(key string) string

	Close() error
}

// NoEncryptionStrategy stores entries as plain JSON.
type NoEncryptionStrategy struct{}

func (s *NoEncryptionStrategy) Seal(_ context.Context, entry []byte, _ string) (string, error) {
	return string(entry), nil
}

func (s *NoEncryptionStrategy) Open(_ context.Context, value string, _ string) ([]byte, bool, error) {
	return []byte(value), false, nil
}

func (s *NoEncryptionStrategy) StorageKey(key string) string {
	return key
}

func (s *NoEncryptionStrategy) Close() error {
	return nil
}

// keyIdentifier is implemented by AEADs that know their primary key, such as
// encryption.KeyedAEAD and encryption.RefreshableAEAD.
type keyIdentifier interface {
	PrimaryKeyID() uint32
}

// TinkEncryptionStrategy seals entries with a Tink AEAD, using the token
// cache key as associated data. When the AEAD reports its primary key, Open
// flags entries sealed by an older key of a rotated keyset.
type TinkEncryptionStrategy struct {
	aead tink.AEAD
}

func NewTinkEncryptionStrategy(aead tink.AEAD) *TinkEncryptionStrategy {
	return &TinkEncryptionStrategy{aead: aead}
}

func (s *TinkEncryptionStrategy) Seal(_ context.Context, entry []byte, key string) (string, error) {
	ciphertext, err := s.aead.Encrypt(entry, []byte(key))
	if err != nil {
		return "", fmt.Errorf("encrypting value: %w", err)
	}
	return valuePrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *TinkEncryptionStrategy) Open(_ context.Context, value string, key string) ([]byte, bool, error) {
	encoded, ok := strings.CutPrefix(value, valuePrefix)
	if !ok {
		return nil, false, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("base64 decode failed: %w", err)
	}

	entry, err := s.aead.Decrypt(ciphertext, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("decryption failed: %w", err)
	}

	return entry, s.sealedByOldKey(ciphertext), nil
}

// sealedByOldKey reads the key ID from the Tink output prefix. Raw keys carry
// no ID and are never reported.
func (s *TinkEncryptionStrategy) sealedByOldKey(ciphertext []byte) bool {
	keyed, ok := s.aead.(keyIdentifier)
	if !ok {
		return false
	}
	if len(ciphertext) < cryptofmt.NonRawPrefixSize || ciphertext[0] != cryptofmt.TinkStartByte {
		return false
	}

	primary := keyed.PrimaryKeyID()
	return primary != 0 && binary.BigEndian.Uint32(ciphertext[1:cryptofmt.NonRawPrefixSize]) != primary
}

func (s *TinkEncryptionStrategy) StorageKey(key string) string {
	return storageKeyPrefix + key
}

func (s *TinkEncryptionStrategy) Close() error {
	if closer, ok := s.aead.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
