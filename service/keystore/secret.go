package keystore

import (
	"crypto/rand"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const redacted = "[REDACTED]"

// Secret is a wallet seed. It redacts itself when formatted or logged;
// Reveal must be called explicitly to obtain the value.
type Secret struct {
	value string
}

// NewSecret wraps a family seed.
func NewSecret(seed string) Secret { return Secret{value: seed} }

// Reveal returns the seed in its family seed encoding.
func (s Secret) Reveal() string { return s.value }

func (s Secret) String() string { return redacted }

func (s Secret) GoString() string { return redacted }

func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText keeps secrets out of accidental JSON encoding.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Argon2id parameters for deriving the sealing key.
const (
	kdfTime    = 1
	kdfThreads = 4
	keyLength  = 32
	nonceSize  = 24

	// DefaultKDFMemoryKiB is the Argon2id memory cost.
	DefaultKDFMemoryKiB = 64 * 1024
)

// sealer encrypts seed entropy at rest with NaCl secretbox.
type sealer struct {
	key [keyLength]byte
}

func newSealer(passphrase, salt string, memoryKiB uint32) *sealer {
	if memoryKiB == 0 {
		memoryKiB = DefaultKDFMemoryKiB
	}
	derived := argon2.IDKey([]byte(passphrase), []byte(salt), kdfTime, memoryKiB, kdfThreads, keyLength)
	s := &sealer{}
	copy(s.key[:], derived)
	clear(derived)
	return s
}

// seal returns nonce || secretbox(plaintext).
func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	if len(sealed) <= nonceSize+secretbox.Overhead {
		return nil, fmt.Errorf("sealed secret too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])

	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, fmt.Errorf("cannot unseal secret (wrong passphrase or salt?)")
	}
	return plaintext, nil
}
