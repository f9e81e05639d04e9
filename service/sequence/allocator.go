// Package sequence allocates account sequence numbers for custody wallets.
//
// Each wallet has a single slot: at most one payment intent holds it at a
// time, from the moment a sequence is handed out until that sequence is
// either committed (consumed on the ledger) or released (reusable).
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brojonat/xrpgate/service/metrics"
)

// Policy decides what happens when a wallet's slot is held.
type Policy string

const (
	PolicyReject Policy = "reject"
	PolicyQueue  Policy = "queue"
)

// ErrWalletBusy matches WalletBusyError.
var ErrWalletBusy = errors.New("wallet busy")

// WalletBusyError means another intent holds the wallet's sequence slot.
type WalletBusyError struct {
	Address string
	Holder  string
}

func (e *WalletBusyError) Error() string {
	return fmt.Sprintf("wallet %s is busy with payment %s", e.Address, e.Holder)
}

func (e *WalletBusyError) Is(target error) bool { return target == ErrWalletBusy }

// LedgerSource reads the account's next sequence from the ledger.
type LedgerSource interface {
	FetchAccountSequence(ctx context.Context, address string) (uint32, error)
}

// SequenceStore remembers the last sequence consumed per wallet.
type SequenceStore interface {
	LastSequence(address string) (uint32, error)
	RecordSequence(ctx context.Context, address string, sequence uint32) error
}

type slot struct {
	next        uint32
	known       bool
	trustLedger bool // next fetch ignores the stored sequence

	holder string
	held   uint32
	freed  chan struct{} // closed when the holder lets go
}

// Allocator hands out per-wallet sequence numbers.
type Allocator struct {
	mu    sync.Mutex
	slots map[string]*slot

	ledger  LedgerSource
	store   SequenceStore
	policy  Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewAllocator creates an Allocator.
// If metrics is nil, no metrics will be recorded.
func NewAllocator(ledger LedgerSource, store SequenceStore, policy Policy, m *metrics.Metrics, logger *slog.Logger) *Allocator {
	if policy == "" {
		policy = PolicyReject
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{
		slots:   make(map[string]*slot),
		ledger:  ledger,
		store:   store,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

func (a *Allocator) slotFor(address string) *slot {
	s, ok := a.slots[address]
	if !ok {
		s = &slot{}
		a.slots[address] = s
	}
	return s
}

// free must be called with a.mu held.
func (s *slot) free() {
	s.holder = ""
	s.held = 0
	if s.freed != nil {
		close(s.freed)
		s.freed = nil
	}
}

// Acquire claims address's slot for intentID and returns the sequence to
// sign with. An intent that already holds the slot gets its sequence back.
// When the slot is held by another intent Acquire either fails with
// WalletBusyError or waits, depending on the policy.
func (a *Allocator) Acquire(ctx context.Context, address, intentID string) (uint32, error) {
	return a.acquire(ctx, address, intentID, a.policy)
}

// TryAcquire is Acquire with PolicyReject regardless of the configured
// policy.
func (a *Allocator) TryAcquire(ctx context.Context, address, intentID string) (uint32, error) {
	return a.acquire(ctx, address, intentID, PolicyReject)
}

func (a *Allocator) acquire(ctx context.Context, address, intentID string, policy Policy) (uint32, error) {
	for {
		a.mu.Lock()
		s := a.slotFor(address)

		if s.holder == intentID {
			seq := s.held
			a.mu.Unlock()
			return seq, nil
		}

		if s.holder != "" {
			holder := s.holder
			wait := s.freed
			a.mu.Unlock()

			if a.metrics != nil {
				a.metrics.RecordWalletBusy(string(policy))
			}
			if policy == PolicyReject {
				return 0, &WalletBusyError{Address: address, Holder: holder}
			}

			a.logger.DebugContext(ctx, "waiting for wallet slot", "address", address, "intent_id", intentID, "holder", holder)
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		}

		// Claim the slot before any network call so other intents wait.
		s.holder = intentID
		s.freed = make(chan struct{})
		needFetch := !s.known
		trustLedger := s.trustLedger
		a.mu.Unlock()

		if needFetch {
			next, err := a.fetchNext(ctx, address, trustLedger)
			if err != nil {
				a.mu.Lock()
				if s.holder == intentID {
					s.free()
				}
				a.mu.Unlock()
				return 0, err
			}
			a.mu.Lock()
			s.next = next
			s.known = true
			s.trustLedger = false
			a.mu.Unlock()
		}

		a.mu.Lock()
		s.held = s.next
		seq := s.held
		a.mu.Unlock()
		return seq, nil
	}
}

func (a *Allocator) fetchNext(ctx context.Context, address string, trustLedger bool) (uint32, error) {
	ledgerSeq, err := a.ledger.FetchAccountSequence(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch account sequence: %w", err)
	}
	next := ledgerSeq
	if !trustLedger && a.store != nil {
		if last, err := a.store.LastSequence(address); err == nil && last+1 > next {
			next = last + 1
		}
	}
	a.logger.DebugContext(ctx, "account sequence loaded", "address", address, "ledger", ledgerSeq, "next", next)
	return next, nil
}

// Commit records that seq has been consumed on the ledger. The next
// sequence advances past it and, if intentID holds the slot, the slot is
// freed.
func (a *Allocator) Commit(ctx context.Context, address, intentID string, seq uint32) {
	a.mu.Lock()
	s := a.slotFor(address)
	if s.known && seq >= s.next {
		s.next = seq + 1
	}
	if s.holder == intentID {
		s.free()
	}
	a.mu.Unlock()

	if a.store != nil {
		if err := a.store.RecordSequence(ctx, address, seq); err != nil {
			a.logger.WarnContext(ctx, "failed to record sequence", "address", address, "sequence", seq, "error", err)
		}
	}
}

// Release frees the slot held by intentID without consuming its sequence,
// so the next intent reuses it. With resync the next Acquire reloads the
// sequence from the ledger.
func (a *Allocator) Release(address, intentID string, resync bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotFor(address)
	if resync {
		s.known = false
		s.trustLedger = true
	}
	if s.holder == intentID {
		s.free()
	}
}

// Resync forces the next Acquire for address to reload the sequence from
// the ledger.
func (a *Allocator) Resync(address string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotFor(address)
	s.known = false
	s.trustLedger = true
}

// Hold marks address's slot as held by intentID with seq, for intents that
// were in flight when the process stopped.
func (a *Allocator) Hold(address, intentID string, seq uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.slotFor(address)
	if s.holder != "" && s.holder != intentID {
		return &WalletBusyError{Address: address, Holder: s.holder}
	}
	if s.holder == "" {
		s.freed = make(chan struct{})
	}
	s.holder = intentID
	s.held = seq
	if !s.known || s.next < seq {
		s.next = seq
	}
	s.known = true
	return nil
}

// Holder returns the intent currently holding address's slot.
func (a *Allocator) Holder(address string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[address]
	if !ok || s.holder == "" {
		return "", false
	}
	return s.holder, true
}
