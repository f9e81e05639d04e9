package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const wallet = "rWallet"

type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) FetchAccountSequence(ctx context.Context, address string) (uint32, error) {
	args := m.Called(ctx, address)
	return args.Get(0).(uint32), args.Error(1)
}

type memoryStore struct {
	mu   sync.Mutex
	last map[string]uint32
}

func newMemoryStore() *memoryStore {
	return &memoryStore{last: map[string]uint32{}}
}

func (s *memoryStore) LastSequence(address string) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[address], nil
}

func (s *memoryStore) RecordSequence(ctx context.Context, address string, seq uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.last[address] {
		s.last[address] = seq
	}
	return nil
}

func TestAcquire_UsesLedgerSequence(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(10), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyReject, nil, nil)
	seq, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(10), seq)

	holder, ok := a.Holder(wallet)
	assert.True(t, ok)
	assert.Equal(t, "intent-1", holder)
	ledger.AssertExpectations(t)
}

func TestAcquire_PrefersStoredSequenceWhenAhead(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(10), nil)
	store := newMemoryStore()
	store.last[wallet] = 14

	a := NewAllocator(ledger, store, PolicyReject, nil, nil)
	seq, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(15), seq)
}

func TestAcquire_ReentrantForHolder(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyReject, nil, nil)
	first, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)
	again, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	ledger.AssertExpectations(t)
}

func TestAcquire_RejectWhenBusy(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil)

	a := NewAllocator(ledger, newMemoryStore(), PolicyReject, nil, nil)
	_, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)

	_, err = a.Acquire(context.Background(), wallet, "intent-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWalletBusy)

	var busy *WalletBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "intent-1", busy.Holder)
}

func TestCommit_AdvancesAndFrees(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()
	store := newMemoryStore()

	a := NewAllocator(ledger, store, PolicyReject, nil, nil)
	ctx := context.Background()

	seq, err := a.Acquire(ctx, wallet, "intent-1")
	require.NoError(t, err)
	a.Commit(ctx, wallet, "intent-1", seq)

	next, err := a.Acquire(ctx, wallet, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, seq+1, next)
	assert.Equal(t, seq, store.last[wallet])
	ledger.AssertExpectations(t)
}

func TestRelease_SequenceIsReused(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyReject, nil, nil)
	ctx := context.Background()

	seq, err := a.Acquire(ctx, wallet, "intent-1")
	require.NoError(t, err)
	a.Release(wallet, "intent-1", false)

	again, err := a.Acquire(ctx, wallet, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, seq, again)
}

func TestRelease_WithResyncRefetches(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(8), nil).Once()
	store := newMemoryStore()

	a := NewAllocator(ledger, store, PolicyReject, nil, nil)
	ctx := context.Background()

	_, err := a.Acquire(ctx, wallet, "intent-1")
	require.NoError(t, err)
	store.last[wallet] = 20 // stale local view must not win after a resync
	a.Release(wallet, "intent-1", true)

	seq, err := a.Acquire(ctx, wallet, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), seq)
	ledger.AssertExpectations(t)
}

func TestAcquire_FetchFailureFreesSlot(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(0), errors.New("network down")).Once()
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(5), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyReject, nil, nil)
	ctx := context.Background()

	_, err := a.Acquire(ctx, wallet, "intent-1")
	require.Error(t, err)
	_, held := a.Holder(wallet)
	assert.False(t, held)

	seq, err := a.Acquire(ctx, wallet, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), seq)
}

func TestAcquire_QueuePolicyWaitsForRelease(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyQueue, nil, nil)
	ctx := context.Background()

	first, err := a.Acquire(ctx, wallet, "intent-1")
	require.NoError(t, err)

	got := make(chan uint32, 1)
	go func() {
		seq, err := a.Acquire(ctx, wallet, "intent-2")
		assert.NoError(t, err)
		got <- seq
	}()

	select {
	case <-got:
		t.Fatal("queued acquire returned while slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	a.Commit(ctx, wallet, "intent-1", first)
	select {
	case seq := <-got:
		assert.Equal(t, first+1, seq)
	case <-time.After(time.Second):
		t.Fatal("queued acquire never completed")
	}
}

func TestAcquire_QueuePolicyHonorsContext(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyQueue, nil, nil)
	_, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Acquire(ctx, wallet, "intent-2")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTryAcquire_RejectsUnderQueuePolicy(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(3), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyQueue, nil, nil)
	_, err := a.Acquire(context.Background(), wallet, "intent-1")
	require.NoError(t, err)

	_, err = a.TryAcquire(context.Background(), wallet, "intent-2")
	assert.ErrorIs(t, err, ErrWalletBusy)
}

func TestAcquire_ConcurrentIntentsNeverShareASequence(t *testing.T) {
	ledger := new(MockLedger)
	ledger.On("FetchAccountSequence", mock.Anything, wallet).Return(uint32(100), nil).Once()

	a := NewAllocator(ledger, newMemoryStore(), PolicyQueue, nil, nil)
	ctx := context.Background()

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seqs = map[uint32]bool{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			seq, err := a.Acquire(ctx, wallet, id)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			assert.False(t, seqs[seq], "sequence %d handed out twice", seq)
			seqs[seq] = true
			mu.Unlock()
			a.Commit(ctx, wallet, id, seq)
		}(string(rune('a' + i)))
	}
	wg.Wait()
	assert.Len(t, seqs, n)
}

func TestHold(t *testing.T) {
	ledger := new(MockLedger)
	a := NewAllocator(ledger, newMemoryStore(), PolicyReject, nil, nil)
	ctx := context.Background()

	require.NoError(t, a.Hold(wallet, "intent-1", 42))
	assert.ErrorIs(t, a.Hold(wallet, "intent-2", 43), ErrWalletBusy)

	seq, err := a.Acquire(ctx, wallet, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(42), seq)

	_, err = a.Acquire(ctx, wallet, "intent-2")
	assert.ErrorIs(t, err, ErrWalletBusy)

	a.Commit(ctx, wallet, "intent-1", 42)
	seq, err = a.Acquire(ctx, wallet, "intent-2")
	require.NoError(t, err)
	assert.Equal(t, uint32(43), seq)
	ledger.AssertNotCalled(t, "FetchAccountSequence", mock.Anything, mock.Anything)
}
