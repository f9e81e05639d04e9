package keystore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/brojonat/xrpgate/service/xrpl"
)

// Handle is an opaque reference to a custody key. It is the wallet's
// classic address.
type Handle string

// Wallet is the public view of a custody wallet.
type Wallet struct {
	Address   string       `json:"address"`
	Handle    Handle       `json:"-"`
	KeyType   xrpl.KeyType `json:"key_type"`
	PublicKey string       `json:"public_key"`
	CreatedAt time.Time    `json:"created_at"`
}

// WalletStore persists sealed custody wallets.
type WalletStore interface {
	SaveWallet(ctx context.Context, w *db.Wallet) (*db.Wallet, bool, error)
	ListWallets(ctx context.Context, network string) ([]*db.Wallet, error)
	UpdateWalletSequence(ctx context.Context, address string, sequence uint32) error
}

// Config configures a Keystore.
type Config struct {
	Network      string
	KeyType      xrpl.KeyType // for CreateWallet; imports keep the seed's type
	Passphrase   string
	Salt         string
	KDFMemoryKiB uint32 // 0 uses DefaultKDFMemoryKiB
}

type entry struct {
	address   string
	keyType   xrpl.KeyType
	publicKey []byte
	sealed    []byte
	sequence  uint32
	createdAt time.Time
}

// Keystore holds custody keys sealed in memory and persisted through a
// WalletStore. Key material is unsealed only while signing.
type Keystore struct {
	mu      sync.RWMutex
	entries map[Handle]*entry

	network string
	keyType xrpl.KeyType
	sealer  *sealer
	store   WalletStore
	rand    io.Reader
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Keystore. Call Load to rehydrate persisted wallets.
// If metrics is nil, no metrics will be recorded.
func New(cfg Config, store WalletStore, m *metrics.Metrics, logger *slog.Logger) (*Keystore, error) {
	if cfg.Passphrase == "" {
		return nil, errors.New("keystore passphrase is required")
	}
	if cfg.KeyType == "" {
		cfg.KeyType = xrpl.KeyTypeEd25519
	}
	if cfg.KeyType != xrpl.KeyTypeEd25519 && cfg.KeyType != xrpl.KeyTypeSecp256k1 {
		return nil, fmt.Errorf("unsupported key type %q", cfg.KeyType)
	}
	if store == nil {
		store = db.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Keystore{
		entries: make(map[Handle]*entry),
		network: cfg.Network,
		keyType: cfg.KeyType,
		sealer:  newSealer(cfg.Passphrase, cfg.Salt, cfg.KDFMemoryKiB),
		store:   store,
		rand:    rand.Reader,
		metrics: m,
		logger:  logger,
	}, nil
}

func (k *Keystore) record(operation string, err error) {
	if k.metrics != nil {
		k.metrics.RecordKeystoreOperation(operation, err)
	}
}

// Load rehydrates sealed wallets of this network from the store. Every
// secret is unsealed once to check the passphrase and derived address.
func (k *Keystore) Load(ctx context.Context) error {
	wallets, err := k.store.ListWallets(ctx, k.network)
	if err != nil {
		return fmt.Errorf("failed to list custody wallets: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, w := range wallets {
		entropy, err := k.sealer.open(w.SealedSecret)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", w.Address, err)
		}
		kp, err := deriveKeyPair(entropy, xrpl.KeyType(w.KeyType))
		clear(entropy)
		if err != nil {
			return fmt.Errorf("wallet %s: %w", w.Address, err)
		}
		address := xrpl.AddressFromPublicKey(kp.publicKey())
		kp.zero()
		if address != w.Address {
			return fmt.Errorf("wallet %s: sealed secret derives %s", w.Address, address)
		}

		k.entries[Handle(w.Address)] = &entry{
			address:   w.Address,
			keyType:   xrpl.KeyType(w.KeyType),
			publicKey: w.PublicKey,
			sealed:    w.SealedSecret,
			sequence:  w.Sequence,
			createdAt: w.CreatedAt,
		}
	}

	k.logger.InfoContext(ctx, "keystore loaded", "network", k.network, "wallets", len(wallets))
	return nil
}

// CreateWallet generates a new wallet with fresh entropy. The returned
// Secret is the only time the seed is disclosed.
func (k *Keystore) CreateWallet(ctx context.Context) (_ *Wallet, _ Secret, err error) {
	defer func() { k.record("create", err) }()

	entropy := make([]byte, xrpl.SeedEntropyLength)
	defer clear(entropy)
	if _, err := io.ReadFull(k.rand, entropy); err != nil {
		return nil, Secret{}, &GenerationError{Err: fmt.Errorf("entropy: %w", err)}
	}

	seed, err := xrpl.EncodeSeed(entropy, k.keyType)
	if err != nil {
		return nil, Secret{}, &GenerationError{Err: err}
	}

	w, err := k.add(ctx, entropy, k.keyType)
	if err != nil {
		return nil, Secret{}, &GenerationError{Err: err}
	}

	k.logger.InfoContext(ctx, "custody wallet created", "address", w.Address, "key_type", w.KeyType)
	return w, NewSecret(seed), nil
}

// ImportWallet takes custody of an existing family seed. Importing a seed
// that is already held returns the existing wallet.
func (k *Keystore) ImportWallet(ctx context.Context, secret string) (_ *Wallet, _ Secret, err error) {
	defer func() { k.record("import", err) }()

	secret = strings.TrimSpace(secret)
	entropy, keyType, err := xrpl.DecodeSeed(secret)
	if err != nil {
		return nil, Secret{}, &InvalidSecretError{Reason: "not a valid family seed"}
	}
	defer clear(entropy)

	w, err := k.add(ctx, entropy, keyType)
	if err != nil {
		return nil, Secret{}, &GenerationError{Err: err}
	}

	k.logger.InfoContext(ctx, "custody wallet imported", "address", w.Address, "key_type", w.KeyType)
	return w, NewSecret(secret), nil
}

// add derives, seals and persists a wallet, or returns the held one.
func (k *Keystore) add(ctx context.Context, entropy []byte, keyType xrpl.KeyType) (*Wallet, error) {
	kp, err := deriveKeyPair(entropy, keyType)
	if err != nil {
		return nil, err
	}
	pub := kp.publicKey()
	kp.zero()
	address := xrpl.AddressFromPublicKey(pub)

	k.mu.RLock()
	existing, ok := k.entries[Handle(address)]
	k.mu.RUnlock()
	if ok {
		return existing.wallet(), nil
	}

	sealed, err := k.sealer.seal(entropy)
	if err != nil {
		return nil, err
	}

	stored, _, err := k.store.SaveWallet(ctx, &db.Wallet{
		Address:      address,
		Network:      k.network,
		KeyType:      string(keyType),
		PublicKey:    pub,
		SealedSecret: sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist wallet: %w", err)
	}

	e := &entry{
		address:   address,
		keyType:   keyType,
		publicKey: pub,
		sealed:    stored.SealedSecret,
		sequence:  stored.Sequence,
		createdAt: stored.CreatedAt,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if held, ok := k.entries[Handle(address)]; ok {
		return held.wallet(), nil
	}
	k.entries[Handle(address)] = e
	return e.wallet(), nil
}

func (e *entry) wallet() *Wallet {
	return &Wallet{
		Address:   e.address,
		Handle:    Handle(e.address),
		KeyType:   e.keyType,
		PublicKey: strings.ToUpper(hex.EncodeToString(e.publicKey)),
		CreatedAt: e.createdAt,
	}
}

// Sign signs a copy of payment with the key behind handle, filling in the
// signing public key, and returns the encoded transaction.
func (k *Keystore) Sign(ctx context.Context, handle Handle, payment *xrpl.Payment) (_ *xrpl.SignedTx, err error) {
	defer func() { k.record("sign", err) }()

	k.mu.RLock()
	e, ok := k.entries[handle]
	k.mu.RUnlock()
	if !ok {
		return nil, &KeyNotFoundError{Handle: handle}
	}
	if payment.Account != e.address {
		return nil, &SigningError{Handle: handle, Err: fmt.Errorf("payment account %s does not match key", payment.Account)}
	}

	entropy, err := k.sealer.open(e.sealed)
	if err != nil {
		return nil, &SigningError{Handle: handle, Err: err}
	}
	kp, err := deriveKeyPair(entropy, e.keyType)
	clear(entropy)
	if err != nil {
		return nil, &SigningError{Handle: handle, Err: err}
	}
	defer kp.zero()

	tx := *payment
	tx.SigningPubKey = kp.publicKey()
	tx.TxnSignature = nil

	data, err := tx.SigningData()
	if err != nil {
		return nil, &SigningError{Handle: handle, Err: err}
	}
	sig, err := kp.sign(data)
	if err != nil {
		return nil, &SigningError{Handle: handle, Err: err}
	}
	tx.TxnSignature = sig

	signed, err := tx.Encode()
	if err != nil {
		return nil, &SigningError{Handle: handle, Err: err}
	}

	k.logger.DebugContext(ctx, "payment signed",
		"address", e.address,
		"sequence", tx.Sequence,
		"tx_hash", signed.Hash,
	)
	return signed, nil
}

// Has reports whether the keystore holds a key for address.
func (k *Keystore) Has(address string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.entries[Handle(address)]
	return ok
}

// List returns the held wallets, oldest first.
func (k *Keystore) List() []*Wallet {
	k.mu.RLock()
	wallets := make([]*Wallet, 0, len(k.entries))
	for _, e := range k.entries {
		wallets = append(wallets, e.wallet())
	}
	k.mu.RUnlock()

	sort.Slice(wallets, func(i, j int) bool {
		if !wallets[i].CreatedAt.Equal(wallets[j].CreatedAt) {
			return wallets[i].CreatedAt.Before(wallets[j].CreatedAt)
		}
		return wallets[i].Address < wallets[j].Address
	})
	return wallets
}

// LastSequence returns the last sequence this keystore signed and
// committed for address (0 if none).
func (k *Keystore) LastSequence(address string) (uint32, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	e, ok := k.entries[Handle(address)]
	if !ok {
		return 0, &KeyNotFoundError{Handle: Handle(address)}
	}
	return e.sequence, nil
}

// RecordSequence records that sequence has been consumed by address. The
// recorded value never decreases.
func (k *Keystore) RecordSequence(ctx context.Context, address string, sequence uint32) error {
	k.mu.Lock()
	e, ok := k.entries[Handle(address)]
	if !ok {
		k.mu.Unlock()
		return &KeyNotFoundError{Handle: Handle(address)}
	}
	if sequence > e.sequence {
		e.sequence = sequence
	}
	k.mu.Unlock()

	if err := k.store.UpdateWalletSequence(ctx, address, sequence); err != nil {
		return fmt.Errorf("failed to persist sequence: %w", err)
	}
	return nil
}
