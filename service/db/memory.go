package db

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of the Store operations with
// identical semantics. It backs the server when no DATABASE_URL is
// configured and is used by tests that do not need Postgres.
type MemoryStore struct {
	mu      sync.Mutex
	intents map[string]*PaymentIntent
	wallets map[string]*Wallet
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*PaymentIntent),
		wallets: make(map[string]*Wallet),
		now:     time.Now,
	}
}

// CreateIntent inserts a pending intent if none exists with the same id.
func (m *MemoryStore) CreateIntent(ctx context.Context, intent *PaymentIntent) (*PaymentIntent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.intents[intent.IntentID]; ok {
		return existing.Clone(), false, nil
	}

	now := m.now().UTC()
	stored := &PaymentIntent{
		IntentID:           intent.IntentID,
		SourceAddress:      intent.SourceAddress,
		DestinationAddress: intent.DestinationAddress,
		AmountDrops:        intent.AmountDrops,
		DestinationTag:     intent.DestinationTag,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	stored = stored.Clone()
	m.intents[intent.IntentID] = stored
	return stored.Clone(), true, nil
}

// GetIntent retrieves an intent by id.
func (m *MemoryStore) GetIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.intents[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// UpdateIntent writes the mutable fields of a non-terminal intent.
func (m *MemoryStore) UpdateIntent(ctx context.Context, intent *PaymentIntent) (*PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.intents[intent.IntentID]
	if !ok {
		return nil, ErrNotFound
	}
	if current.Status.Terminal() {
		return nil, ErrIntentTerminal
	}

	updated := intent.Clone()
	// identity and creation fields are immutable
	updated.SourceAddress = current.SourceAddress
	updated.DestinationAddress = current.DestinationAddress
	updated.AmountDrops = current.AmountDrops
	updated.DestinationTag = current.DestinationTag
	updated.CreatedAt = current.CreatedAt
	updated.UpdatedAt = m.now().UTC()

	m.intents[intent.IntentID] = updated
	return updated.Clone(), nil
}

// ListOpenIntents returns pending and submitted intents, oldest first.
func (m *MemoryStore) ListOpenIntents(ctx context.Context, limit int) ([]*PaymentIntent, error) {
	return m.list(func(p *PaymentIntent) bool { return !p.Status.Terminal() }, true, limit), nil
}

// ListIntents returns intents newest first, optionally filtered by status.
func (m *MemoryStore) ListIntents(ctx context.Context, status IntentStatus, limit int) ([]*PaymentIntent, error) {
	return m.list(func(p *PaymentIntent) bool { return status == "" || p.Status == status }, false, limit), nil
}

func (m *MemoryStore) list(match func(*PaymentIntent) bool, oldestFirst bool, limit int) []*PaymentIntent {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*PaymentIntent
	for _, p := range m.intents {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			if oldestFirst {
				return out[i].CreatedAt.Before(out[j].CreatedAt)
			}
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].IntentID < out[j].IntentID
	})

	limit = limitOrDefault(limit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SaveWallet inserts a custody wallet if it is not already stored.
func (m *MemoryStore) SaveWallet(ctx context.Context, w *Wallet) (*Wallet, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.wallets[w.Address]; ok {
		return cloneWallet(existing), false, nil
	}
	stored := cloneWallet(w)
	now := m.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	m.wallets[w.Address] = stored
	return cloneWallet(stored), true, nil
}

// GetWallet retrieves a custody wallet by address.
func (m *MemoryStore) GetWallet(ctx context.Context, address string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[address]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWallet(w), nil
}

// ListWallets returns the custody wallets of a network, oldest first.
func (m *MemoryStore) ListWallets(ctx context.Context, network string) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Wallet
	for _, w := range m.wallets {
		if network == "" || w.Network == network {
			out = append(out, cloneWallet(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Address < out[j].Address
	})
	return out, nil
}

// UpdateWalletSequence records the last sequence used by a wallet; the
// stored value never decreases.
func (m *MemoryStore) UpdateWalletSequence(ctx context.Context, address string, sequence uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[address]
	if !ok {
		return ErrNotFound
	}
	if sequence > w.Sequence {
		w.Sequence = sequence
		w.UpdatedAt = m.now().UTC()
	}
	return nil
}

func cloneWallet(w *Wallet) *Wallet {
	c := *w
	c.PublicKey = append([]byte(nil), w.PublicKey...)
	c.SealedSecret = append([]byte(nil), w.SealedSecret...)
	return &c
}
