package xrpl

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
)

// rippleAlphabet is the base58 dictionary used for every XRPL string encoding.
var rippleAlphabet = base58.NewAlphabet("rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz")

var (
	accountIDPrefix     = []byte{0x00}
	ed25519SeedPrefix   = []byte{0x01, 0xE1, 0x4B}
	secp256k1SeedPrefix = []byte{0x21}
)

const (
	// AccountIDLength is the size of a decoded account identifier.
	AccountIDLength = 20
	// SeedEntropyLength is the size of the entropy carried by a family seed.
	SeedEntropyLength = 16

	checksumLength = 4
)

// KeyType names the signing algorithm a seed derives keys for.
type KeyType string

const (
	KeyTypeEd25519   KeyType = "ed25519"
	KeyTypeSecp256k1 KeyType = "secp256k1"
)

// ErrInvalidAddress is returned when a string is not a well-formed classic address.
var ErrInvalidAddress = errors.New("invalid XRPL address")

// ErrInvalidSeed is returned when a string is not a well-formed family seed.
var ErrInvalidSeed = errors.New("invalid XRPL seed")

func checksum(payload []byte) []byte {
	first := sha256.Sum256(payload)
	second := sha256.Sum256(first[:])
	return second[:checksumLength]
}

func encodeCheck(prefix, payload []byte) string {
	buf := make([]byte, 0, len(prefix)+len(payload)+checksumLength)
	buf = append(buf, prefix...)
	buf = append(buf, payload...)
	buf = append(buf, checksum(buf)...)
	return base58.EncodeAlphabet(buf, rippleAlphabet)
}

func decodeCheck(s string, prefix []byte, payloadLen int) ([]byte, error) {
	raw, err := base58.DecodeAlphabet(s, rippleAlphabet)
	if err != nil {
		return nil, fmt.Errorf("base58: %w", err)
	}
	if len(raw) != len(prefix)+payloadLen+checksumLength {
		return nil, fmt.Errorf("decoded length %d, want %d", len(raw), len(prefix)+payloadLen+checksumLength)
	}
	if !bytes.Equal(raw[:len(prefix)], prefix) {
		return nil, fmt.Errorf("unexpected version prefix %X", raw[:len(prefix)])
	}
	body := raw[:len(raw)-checksumLength]
	if !bytes.Equal(checksum(body), raw[len(raw)-checksumLength:]) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return body[len(prefix):], nil
}

// EncodeAddress renders a 20-byte account ID as a classic "r..." address.
func EncodeAddress(accountID []byte) (string, error) {
	if len(accountID) != AccountIDLength {
		return "", fmt.Errorf("%w: account id must be %d bytes", ErrInvalidAddress, AccountIDLength)
	}
	return encodeCheck(accountIDPrefix, accountID), nil
}

// DecodeAddress parses a classic address into its account ID.
func DecodeAddress(address string) ([]byte, error) {
	if len(address) < 25 || len(address) > 35 || address[0] != 'r' {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	id, err := decodeCheck(address, accountIDPrefix, AccountIDLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return id, nil
}

// IsValidAddress reports whether address is a well-formed classic address.
func IsValidAddress(address string) bool {
	_, err := DecodeAddress(address)
	return err == nil
}

// AccountIDFromPublicKey hashes a 33-byte public key into an account ID
// (RIPEMD160 of SHA256).
func AccountIDFromPublicKey(pub []byte) []byte {
	sha := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sha[:])
	return h.Sum(nil)
}

// AddressFromPublicKey derives the classic address for a public key.
func AddressFromPublicKey(pub []byte) string {
	// AccountIDFromPublicKey always yields 20 bytes.
	addr, _ := EncodeAddress(AccountIDFromPublicKey(pub))
	return addr
}

// EncodeSeed renders seed entropy as a family seed string.
func EncodeSeed(entropy []byte, keyType KeyType) (string, error) {
	if len(entropy) != SeedEntropyLength {
		return "", fmt.Errorf("%w: entropy must be %d bytes", ErrInvalidSeed, SeedEntropyLength)
	}
	switch keyType {
	case KeyTypeEd25519:
		return encodeCheck(ed25519SeedPrefix, entropy), nil
	case KeyTypeSecp256k1:
		return encodeCheck(secp256k1SeedPrefix, entropy), nil
	default:
		return "", fmt.Errorf("%w: unsupported key type %q", ErrInvalidSeed, keyType)
	}
}

// DecodeSeed parses a family seed, returning its entropy and key type.
// "sEd..." seeds are Ed25519; other "s..." seeds are secp256k1.
func DecodeSeed(seed string) ([]byte, KeyType, error) {
	if len(seed) == 0 || seed[0] != 's' {
		return nil, "", fmt.Errorf("%w: must start with 's'", ErrInvalidSeed)
	}
	if entropy, err := decodeCheck(seed, ed25519SeedPrefix, SeedEntropyLength); err == nil {
		return entropy, KeyTypeEd25519, nil
	}
	entropy, err := decodeCheck(seed, secp256k1SeedPrefix, SeedEntropyLength)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return entropy, KeyTypeSecp256k1, nil
}
