package keystore

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/brojonat/xrpgate/service/xrpl"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// ed25519PublicKeyPrefix marks 33-byte Ed25519 public keys on the ledger.
const ed25519PublicKeyPrefix = 0xED

// keyPair is a derived signing key. Call zero when done with it.
type keyPair interface {
	publicKey() []byte
	sign(signingData []byte) ([]byte, error)
	zero()
}

// deriveKeyPair derives the account key pair for seed entropy.
func deriveKeyPair(entropy []byte, keyType xrpl.KeyType) (keyPair, error) {
	switch keyType {
	case xrpl.KeyTypeEd25519:
		return deriveEd25519(entropy), nil
	case xrpl.KeyTypeSecp256k1:
		return deriveSecp256k1(entropy)
	default:
		return nil, fmt.Errorf("unsupported key type %q", keyType)
	}
}

type ed25519Key struct {
	priv ed25519.PrivateKey
}

func deriveEd25519(entropy []byte) *ed25519Key {
	seed := xrpl.SHA512Half(entropy)
	key := &ed25519Key{priv: ed25519.NewKeyFromSeed(seed)}
	clear(seed)
	return key
}

func (k *ed25519Key) publicKey() []byte {
	pub := k.priv.Public().(ed25519.PublicKey)
	return append([]byte{ed25519PublicKeyPrefix}, pub...)
}

// Ed25519 signs the signing data directly, without pre-hashing.
func (k *ed25519Key) sign(signingData []byte) ([]byte, error) {
	return ed25519.Sign(k.priv, signingData), nil
}

func (k *ed25519Key) zero() {
	clear(k.priv)
}

type secp256k1Key struct {
	priv *secp256k1.PrivateKey
}

// deriveSecp256k1 follows the ledger's key family derivation: a root key
// from the seed, plus an intermediate key for account index 0.
func deriveSecp256k1(entropy []byte) (*secp256k1Key, error) {
	root, err := scalarFromHashes(entropy)
	if err != nil {
		return nil, err
	}
	rootKey := secp256k1.NewPrivateKey(root)
	rootPub := rootKey.PubKey().SerializeCompressed()
	rootKey.Zero()

	prefix := binary.BigEndian.AppendUint32(append([]byte{}, rootPub...), 0)
	intermediate, err := scalarFromHashes(prefix)
	if err != nil {
		root.Zero()
		return nil, err
	}

	root.Add(intermediate)
	intermediate.Zero()
	if root.IsZero() {
		return nil, errors.New("derived a zero private key")
	}
	key := &secp256k1Key{priv: secp256k1.NewPrivateKey(root)}
	root.Zero()
	return key, nil
}

// scalarFromHashes returns the first SHA512Half(data || u32be(i)) that is a
// valid non-zero scalar below the curve order.
func scalarFromHashes(data []byte) (*secp256k1.ModNScalar, error) {
	buf := make([]byte, len(data)+4)
	copy(buf, data)
	defer clear(buf)

	for i := uint32(0); i < 0xFFFFFFFF; i++ {
		binary.BigEndian.PutUint32(buf[len(data):], i)
		hash := xrpl.SHA512Half(buf)

		var s secp256k1.ModNScalar
		overflow := s.SetByteSlice(hash)
		clear(hash)
		if !overflow && !s.IsZero() {
			return &s, nil
		}
	}
	return nil, errors.New("no valid scalar found")
}

func (k *secp256k1Key) publicKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// secp256k1 signs the SHA512Half of the signing data with a canonical
// (low-S) DER encoded signature.
func (k *secp256k1Key) sign(signingData []byte) ([]byte, error) {
	sig := ecdsa.Sign(k.priv, xrpl.SHA512Half(signingData))
	return sig.Serialize(), nil
}

func (k *secp256k1Key) zero() {
	k.priv.Zero()
}
