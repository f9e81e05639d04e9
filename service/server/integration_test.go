package server_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/xrpgate/client"
	"github.com/brojonat/xrpgate/service/cache"
	"github.com/brojonat/xrpgate/service/config"
	"github.com/brojonat/xrpgate/service/coordinator"
	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/keystore"
	"github.com/brojonat/xrpgate/service/nats"
	"github.com/brojonat/xrpgate/service/sequence"
	"github.com/brojonat/xrpgate/service/server"
	"github.com/brojonat/xrpgate/service/xrpl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	genesisSeed    = "snoPBrXtMeMyMHUVTgbuqAfg1SUTb"
	genesisAddress = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	destination    = "rrrrrrrrrrrrrrrrrrrrBZbvji"
)

// fakeLedger is an in-memory ledger: submissions stay pending until
// validateAll is called.
type fakeLedger struct {
	mu        sync.Mutex
	balances  map[string]uint64
	sequences map[string]uint32
	txs       map[string]*xrpl.Transaction
	order     []string
	validated bool
	submits   int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		balances:  map[string]uint64{genesisAddress: 100_000_000},
		sequences: map[string]uint32{genesisAddress: 7},
		txs:       map[string]*xrpl.Transaction{},
	}
}

func (l *fakeLedger) FetchAccountSequence(ctx context.Context, address string) (uint32, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	seq, ok := l.sequences[address]
	if !ok {
		return 0, &xrpl.AddressNotFoundError{Address: address}
	}
	return seq, nil
}

func (l *fakeLedger) CurrentLedgerIndex(ctx context.Context) (uint32, error) { return 1000, nil }

func (l *fakeLedger) ValidatedLedgerIndex(ctx context.Context) (uint32, error) { return 999, nil }

func (l *fakeLedger) SubmitSigned(ctx context.Context, tx *xrpl.SignedTx) *xrpl.SubmitResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.submits++
	if _, ok := l.txs[tx.Hash]; !ok {
		l.txs[tx.Hash] = &xrpl.Transaction{Hash: tx.Hash, Type: "Payment", Account: genesisAddress, Result: "tesSUCCESS"}
		l.order = append(l.order, tx.Hash)
	}
	return &xrpl.SubmitResult{Outcome: xrpl.OutcomeAccepted, EngineResult: "tesSUCCESS", TxHash: tx.Hash}
}

func (l *fakeLedger) FetchTransactionStatus(ctx context.Context, hash string) (*xrpl.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.txs[hash]; !ok {
		return &xrpl.TxStatus{State: xrpl.TxNotFound}, nil
	}
	if !l.validated {
		return &xrpl.TxStatus{State: xrpl.TxPending}, nil
	}
	return &xrpl.TxStatus{State: xrpl.TxConfirmed, Result: "tesSUCCESS", LedgerIndex: 1001}, nil
}

func (l *fakeLedger) FetchBalance(ctx context.Context, address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	drops, ok := l.balances[address]
	if !ok {
		return 0, &xrpl.AddressNotFoundError{Address: address}
	}
	return drops, nil
}

func (l *fakeLedger) FetchHistory(ctx context.Context, address, cursor string, pageSize int) (*xrpl.Page, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cursor != "" {
		return nil, fmt.Errorf("%w: not a ledger marker", xrpl.ErrInvalidCursor)
	}
	page := &xrpl.Page{Transactions: []xrpl.Transaction{}}
	for _, hash := range l.order {
		tx := *l.txs[hash]
		tx.Validated = l.validated
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}

func (l *fakeLedger) validateAll() {
	l.mu.Lock()
	l.validated = true
	l.mu.Unlock()
}

func (l *fakeLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submits
}

// TestServerIntegration tests the full request/response cycle through the
// client against a server wired to the real keystore, coordinator and cache.
func TestServerIntegration(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	ledger := newFakeLedger()
	store := db.NewMemoryStore()
	publisher := nats.NewMockPublisher()

	ks, err := keystore.New(keystore.Config{
		Network:      "testnet",
		KeyType:      xrpl.KeyTypeEd25519,
		Passphrase:   "correct horse battery staple",
		Salt:         "xrpgate-testnet",
		KDFMemoryKiB: 64,
	}, store, nil, logger)
	require.NoError(t, err)

	reads := cache.New(ledger, cache.Config{TTL: time.Minute, StaleCeiling: time.Hour}, nil, logger)
	coord := coordinator.New(coordinator.Config{
		MaxReconcileAttempts: 3,
		ExpiryWindow:         time.Hour,
		PollReconcileMinGap:  time.Hour,
		BusyPolicy:           sequence.PolicyReject,
	}, ledger, ks, store, ks, reads, publisher, nil, logger)

	srv := server.New(":0", &config.Config{Network: "testnet"}, ks, coord, reads, nil, nil, logger)
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	c := client.NewClient(hs.URL, &http.Client{Timeout: 5 * time.Second}, logger)
	ctx := context.Background()

	t.Run("health", func(t *testing.T) {
		require.NoError(t, c.Health(ctx))
	})

	var created *client.Wallet
	t.Run("create wallet", func(t *testing.T) {
		created, err = c.CreateWallet(ctx)
		require.NoError(t, err)
		assert.True(t, xrpl.IsValidAddress(created.Address))
		assert.Equal(t, "ed25519", created.KeyType)
		assert.NotEmpty(t, created.Secret)
		assert.True(t, created.Created)
	})

	t.Run("import wallet", func(t *testing.T) {
		w, err := c.ImportWallet(ctx, genesisSeed)
		require.NoError(t, err)
		assert.Equal(t, genesisAddress, w.Address)
		assert.Equal(t, "secp256k1", w.KeyType)
		assert.Equal(t, genesisSeed, w.Secret)

		again, err := c.ImportWallet(ctx, genesisSeed)
		require.NoError(t, err)
		assert.Equal(t, genesisAddress, again.Address)
		assert.Empty(t, again.Secret, "re-import must not disclose the secret")
	})

	t.Run("import invalid secret", func(t *testing.T) {
		_, err := c.ImportWallet(ctx, "not-a-seed")
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr), "got %v", err)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "invalid_secret", apiErr.Code)
	})

	t.Run("list wallets", func(t *testing.T) {
		wallets, err := c.ListWallets(ctx)
		require.NoError(t, err)
		require.Len(t, wallets, 2)
		for _, w := range wallets {
			assert.Empty(t, w.Secret)
		}
	})

	t.Run("balance", func(t *testing.T) {
		b, err := c.Balance(ctx, genesisAddress)
		require.NoError(t, err)
		assert.Equal(t, uint64(100_000_000), b.Drops)

		_, err = c.Balance(ctx, created.Address)
		assert.True(t, client.IsNotFound(err), "unfunded wallet: %v", err)
	})

	t.Run("submit payment", func(t *testing.T) {
		p, err := c.SubmitPayment(ctx, client.PaymentRequest{
			IntentID:           "order-1",
			SourceAddress:      genesisAddress,
			DestinationAddress: destination,
			AmountDrops:        1_000_000,
		})
		require.NoError(t, err)
		assert.Equal(t, client.StatusSubmitted, p.Status)
		assert.Equal(t, uint32(7), p.SubmittedSequence)
		assert.NotEmpty(t, p.LastTxHash)

		again, err := c.SubmitPayment(ctx, client.PaymentRequest{
			IntentID:           "order-1",
			SourceAddress:      genesisAddress,
			DestinationAddress: destination,
			AmountDrops:        1_000_000,
		})
		require.NoError(t, err)
		assert.Equal(t, p.LastTxHash, again.LastTxHash)
		assert.Equal(t, 1, ledger.submitCount(), "repeated intent must not resubmit")
	})

	t.Run("submit from unknown wallet", func(t *testing.T) {
		_, err := c.SubmitPayment(ctx, client.PaymentRequest{
			IntentID:           "order-2",
			SourceAddress:      destination,
			DestinationAddress: genesisAddress,
			AmountDrops:        1,
		})
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr), "got %v", err)
		assert.Equal(t, "key_not_found", apiErr.Code)
	})

	t.Run("submit invalid amount", func(t *testing.T) {
		_, err := c.SubmitPayment(ctx, client.PaymentRequest{
			IntentID:           "order-3",
			SourceAddress:      genesisAddress,
			DestinationAddress: destination,
		})
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr), "got %v", err)
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
		assert.Equal(t, "validation_error", apiErr.Code)
	})

	t.Run("reconcile confirms", func(t *testing.T) {
		result, err := c.Reconcile(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, result.Confirmed)

		ledger.validateAll()
		result, err = c.Reconcile(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Confirmed)

		p, err := c.GetPayment(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, client.StatusConfirmed, p.Status)
		assert.Equal(t, "tesSUCCESS", p.LedgerResult)
		assert.True(t, p.Terminal())

		statuses := publisher.Statuses("order-1")
		assert.Equal(t, []string{"pending", "submitted", "confirmed"}, statuses)
	})

	t.Run("cancel confirmed payment", func(t *testing.T) {
		// Terminal intents are returned unchanged.
		p, err := c.CancelPayment(ctx, "order-1")
		require.NoError(t, err)
		assert.Equal(t, client.StatusConfirmed, p.Status)
		assert.Equal(t, "tesSUCCESS", p.LedgerResult)
		assert.Equal(t, []string{"pending", "submitted", "confirmed"}, publisher.Statuses("order-1"))
	})

	t.Run("get unknown payment", func(t *testing.T) {
		_, err := c.GetPayment(ctx, "does-not-exist")
		assert.True(t, client.IsNotFound(err))
	})

	t.Run("list payments", func(t *testing.T) {
		confirmed, err := c.ListPayments(ctx, "confirmed", 10)
		require.NoError(t, err)
		require.Len(t, confirmed, 1)
		assert.Equal(t, "order-1", confirmed[0].IntentID)

		_, err = c.ListPayments(ctx, "bogus", 10)
		assert.Error(t, err)
	})

	t.Run("transactions", func(t *testing.T) {
		page, err := c.Transactions(ctx, genesisAddress, "", 10)
		require.NoError(t, err)
		require.Len(t, page.Transactions, 1)
		assert.Equal(t, "Payment", page.Transactions[0].Type)

		_, err = c.Transactions(ctx, genesisAddress, "garbage", 10)
		var apiErr *client.APIError
		require.True(t, errors.As(err, &apiErr), "got %v", err)
		assert.Equal(t, "invalid_cursor", apiErr.Code)
	})

	t.Run("deposit", func(t *testing.T) {
		tag := uint32(99)
		d, err := c.Deposit(ctx, created.Address, 2_000_000, &tag)
		require.NoError(t, err)
		assert.Equal(t, "xrpl:"+created.Address+"?amount=2&dt=99", d.URI)
		assert.NotEmpty(t, d.QRCode)
	})
}

// TestServerStartAndShutdown tests the server lifecycle on a real listener.
func TestServerStartAndShutdown(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	ln := httptest.NewUnstartedServer(nil)
	addr := ln.Listener.Addr().String()
	ln.Listener.Close()

	srv := server.New(addr, nil, nil, nil, nil, nil, nil, logger)
	serverErrors := make(chan error, 1)
	go func() { serverErrors <- srv.Start() }()

	c := client.NewClient("http://"+addr, &http.Client{Timeout: time.Second}, logger)
	require.Eventually(t, func() bool {
		return c.Health(context.Background()) == nil
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-serverErrors)
}
