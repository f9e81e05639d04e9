package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/xrpgate/service/cache"
	"github.com/brojonat/xrpgate/service/config"
	"github.com/brojonat/xrpgate/service/coordinator"
	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/keystore"
	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/brojonat/xrpgate/service/sequence"
	"github.com/brojonat/xrpgate/service/xrpl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testAddr = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
	testDest = "rrrrrrrrrrrrrrrrrrrrBZbvji"
)

// fakeCustody holds wallets in a map; secrets are echoed back as given.
type fakeCustody struct {
	mu        sync.Mutex
	wallets   map[string]*keystore.Wallet
	bySecret  map[string]string
	createErr error
}

func newFakeCustody() *fakeCustody {
	return &fakeCustody{
		wallets:  map[string]*keystore.Wallet{},
		bySecret: map[string]string{},
	}
}

func (f *fakeCustody) CreateWallet(ctx context.Context) (*keystore.Wallet, keystore.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, keystore.Secret{}, f.createErr
	}
	w := &keystore.Wallet{Address: testAddr, KeyType: xrpl.KeyTypeEd25519, PublicKey: "ED01", CreatedAt: time.Now()}
	f.wallets[w.Address] = w
	return w, keystore.NewSecret("sEdNEWSEED"), nil
}

func (f *fakeCustody) ImportWallet(ctx context.Context, secret string) (*keystore.Wallet, keystore.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !strings.HasPrefix(secret, "s") {
		return nil, keystore.Secret{}, &keystore.InvalidSecretError{Reason: "not a valid family seed"}
	}
	if addr, ok := f.bySecret[secret]; ok {
		return f.wallets[addr], keystore.NewSecret(secret), nil
	}
	w := &keystore.Wallet{Address: testDest, KeyType: xrpl.KeyTypeSecp256k1, CreatedAt: time.Now()}
	f.wallets[w.Address] = w
	f.bySecret[secret] = w.Address
	return w, keystore.NewSecret(secret), nil
}

func (f *fakeCustody) Has(address string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.wallets[address]
	return ok
}

func (f *fakeCustody) List() []*keystore.Wallet {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*keystore.Wallet, 0, len(f.wallets))
	for _, w := range f.wallets {
		out = append(out, w)
	}
	return out
}

// MockPayments mocks the submission coordinator.
type MockPayments struct {
	mock.Mock
}

func (m *MockPayments) SubmitPayment(ctx context.Context, req coordinator.SubmitRequest) (*db.PaymentIntent, error) {
	args := m.Called(ctx, req)
	intent, _ := args.Get(0).(*db.PaymentIntent)
	return intent, args.Error(1)
}

func (m *MockPayments) GetPayment(ctx context.Context, intentID string) (*db.PaymentIntent, error) {
	args := m.Called(ctx, intentID)
	intent, _ := args.Get(0).(*db.PaymentIntent)
	return intent, args.Error(1)
}

func (m *MockPayments) CancelPayment(ctx context.Context, intentID string) (*db.PaymentIntent, error) {
	args := m.Called(ctx, intentID)
	intent, _ := args.Get(0).(*db.PaymentIntent)
	return intent, args.Error(1)
}

func (m *MockPayments) ListPayments(ctx context.Context, status db.IntentStatus, limit int) ([]*db.PaymentIntent, error) {
	args := m.Called(ctx, status, limit)
	intents, _ := args.Get(0).([]*db.PaymentIntent)
	return intents, args.Error(1)
}

func (m *MockPayments) Sweep(ctx context.Context, limit int) (*coordinator.SweepResult, error) {
	args := m.Called(ctx, limit)
	result, _ := args.Get(0).(*coordinator.SweepResult)
	return result, args.Error(1)
}

// fakeReads serves a fixed balance and history page, or err.
type fakeReads struct {
	balance *cache.Balance
	page    *cache.HistoryPage
	err     error

	gotCursor string
	gotSize   int
}

func (f *fakeReads) GetBalance(ctx context.Context, address string) (*cache.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.balance, nil
}

func (f *fakeReads) GetHistory(ctx context.Context, address, cursor string, pageSize int) (*cache.HistoryPage, error) {
	f.gotCursor, f.gotSize = cursor, pageSize
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testServer struct {
	custody  *fakeCustody
	payments *MockPayments
	reads    *fakeReads
	handler  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		custody:  newFakeCustody(),
		payments: new(MockPayments),
		reads:    &fakeReads{},
	}
	srv := New(":0", &config.Config{Network: "testnet"}, ts.custody, ts.payments, ts.reads, nil, nil, testLogger())
	ts.handler = srv.Handler()
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) (string, string) {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error, body.Code
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", &coordinator.ValidationError{Field: "amount_drops", Reason: "must be positive"}, http.StatusBadRequest, "validation_error"},
		{"invalid secret", &keystore.InvalidSecretError{Reason: "bad"}, http.StatusBadRequest, "invalid_secret"},
		{"invalid cursor", fmt.Errorf("%w: bad", xrpl.ErrInvalidCursor), http.StatusBadRequest, "invalid_cursor"},
		{"key not found", &keystore.KeyNotFoundError{Handle: testAddr}, http.StatusNotFound, "key_not_found"},
		{"address not found", &xrpl.AddressNotFoundError{Address: testAddr}, http.StatusNotFound, "address_not_found"},
		{"intent not found", fmt.Errorf("get: %w", coordinator.ErrIntentNotFound), http.StatusNotFound, "intent_not_found"},
		{"wallet busy", &sequence.WalletBusyError{Address: testAddr, Holder: "p1"}, http.StatusConflict, "wallet_busy"},
		{"not cancellable", &coordinator.NotCancellableError{IntentID: "p1", Status: db.StatusSubmitted}, http.StatusConflict, "not_cancellable"},
		{"network", &xrpl.NetworkError{Method: "account_info", Err: errors.New("refused")}, http.StatusBadGateway, "network_error"},
		{"stale wraps network", &cache.StaleDataError{Err: &xrpl.NetworkError{Method: "account_info", Err: errors.New("refused")}}, http.StatusServiceUnavailable, "stale_data"},
		{"generation", &keystore.GenerationError{Err: errors.New("entropy")}, http.StatusInternalServerError, "generation_error"},
		{"signing", &keystore.SigningError{Err: errors.New("curve")}, http.StatusInternalServerError, "signing_error"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code := errorStatus(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestCreateWallet(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/wallets", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp walletResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testAddr, resp.Address)
	assert.Equal(t, "ed25519", resp.KeyType)
	assert.Equal(t, "sEdNEWSEED", resp.Secret)
	assert.True(t, resp.Created)
}

func TestCreateWallet_GenerationFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.custody.createErr = &keystore.GenerationError{Err: errors.New("no entropy")}

	w := ts.do(t, "POST", "/api/v1/wallets", "{}")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	_, code := decodeError(t, w)
	assert.Equal(t, "generation_error", code)
}

func TestImportWallet(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "POST", "/api/v1/wallets", `{"secret":"shTESTSEED"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first walletResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.Equal(t, testDest, first.Address)
	assert.Equal(t, "shTESTSEED", first.Secret)

	// Importing a held wallet again does not disclose the secret.
	w = ts.do(t, "POST", "/api/v1/wallets", `{"secret":"shTESTSEED"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var second walletResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, testDest, second.Address)
	assert.Empty(t, second.Secret)
	assert.False(t, second.Created)
}

func TestImportWallet_PathologicalInput(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{
			name:       "extremely large request body",
			body:       `{"secret":"` + strings.Repeat("s", 2<<20) + `"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
			wantMsg:    "request body too large",
		},
		{
			name:       "malformed JSON",
			body:       `{"secret":`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "validation_error",
			wantMsg:    "invalid request body",
		},
		{
			name:       "not a seed",
			body:       `{"secret":"hello"}`,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_secret",
			wantMsg:    "not a valid family seed",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(t, "POST", "/api/v1/wallets", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			msg, code := decodeError(t, w)
			assert.Equal(t, tt.wantCode, code)
			assert.Contains(t, msg, tt.wantMsg)
		})
	}
}

func TestListWallets_NeverDisclosesSecrets(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, "POST", "/api/v1/wallets", "")

	w := ts.do(t, "GET", "/api/v1/wallets", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "sEdNEWSEED")

	var resp struct {
		Wallets []walletResponse `json:"wallets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Wallets, 1)
	assert.Equal(t, testAddr, resp.Wallets[0].Address)
}

func TestGetBalance(t *testing.T) {
	ts := newTestServer(t)
	ts.reads.balance = &cache.Balance{Address: testAddr, Drops: 25_000_000, FetchedAt: time.Now()}

	w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/balance", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp cache.Balance
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(25_000_000), resp.Drops)
	assert.False(t, resp.Stale)
}

func TestGetBalance_Errors(t *testing.T) {
	tests := []struct {
		name       string
		address    string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"malformed address", "not-an-address", nil, http.StatusBadRequest, "validation_error"},
		{"unfunded account", testAddr, &xrpl.AddressNotFoundError{Address: testAddr}, http.StatusNotFound, "address_not_found"},
		{"ledger unreachable", testAddr, &xrpl.NetworkError{Method: "account_info", Err: errors.New("timeout")}, http.StatusBadGateway, "network_error"},
		{"cache too old", testAddr, &cache.StaleDataError{Err: &xrpl.NetworkError{Method: "account_info", Err: errors.New("timeout")}}, http.StatusServiceUnavailable, "stale_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.reads.err = tt.err
			w := ts.do(t, "GET", "/api/v1/wallets/"+tt.address+"/balance", "")
			assert.Equal(t, tt.wantStatus, w.Code)
			_, code := decodeError(t, w)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestListTransactions(t *testing.T) {
	ts := newTestServer(t)
	amount := uint64(1_000_000)
	ts.reads.page = &cache.HistoryPage{
		Page: xrpl.Page{
			Transactions: []xrpl.Transaction{{Hash: "H1", Type: "Payment", Account: testAddr, AmountDrops: &amount}},
			NextCursor:   "c2",
		},
		FetchedAt: time.Now(),
	}

	w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/transactions?cursor=c1&limit=5", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "c1", ts.reads.gotCursor)
	assert.Equal(t, 5, ts.reads.gotSize)

	var resp cache.HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Transactions, 1)
	assert.Equal(t, "H1", resp.Transactions[0].Hash)
	assert.Equal(t, "c2", resp.NextCursor)
}

func TestListTransactions_DefaultsAndLimits(t *testing.T) {
	ts := newTestServer(t)
	ts.reads.page = &cache.HistoryPage{}

	w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/transactions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xrpl.DefaultPageSize, ts.reads.gotSize)

	for _, limit := range []string{"0", "-1", "abc", "401"} {
		w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/transactions?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestListTransactions_InvalidCursor(t *testing.T) {
	ts := newTestServer(t)
	ts.reads.err = fmt.Errorf("%w: not a ledger marker", xrpl.ErrInvalidCursor)

	w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/transactions?cursor=garbage", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	_, code := decodeError(t, w)
	assert.Equal(t, "invalid_cursor", code)
}

func TestDeposit(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/deposit?amount_drops=1500000&destination_tag=42", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp DepositRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "testnet", resp.Network)
	assert.Equal(t, "1.5", resp.AmountXRP)
	require.NotNil(t, resp.DestinationTag)
	assert.Equal(t, uint32(42), *resp.DestinationTag)
	assert.Equal(t, "xrpl:"+testAddr+"?amount=1.5&dt=42", resp.URI)
	assert.NotEmpty(t, resp.QRCode)
}

func TestDeposit_InvalidParams(t *testing.T) {
	ts := newTestServer(t)
	for _, q := range []string{"amount_drops=-5", "amount_drops=1.5", "destination_tag=4294967296", "destination_tag=x"} {
		w := ts.do(t, "GET", "/api/v1/wallets/"+testAddr+"/deposit?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestSubmitPayment(t *testing.T) {
	ts := newTestServer(t)
	tag := uint32(7)
	ts.payments.On("SubmitPayment", mock.Anything, coordinator.SubmitRequest{
		IntentID:       "order-1",
		Source:         testAddr,
		Destination:    testDest,
		AmountDrops:    1_000_000,
		DestinationTag: &tag,
	}).Return(&db.PaymentIntent{
		IntentID:          "order-1",
		SourceAddress:     testAddr,
		Status:            db.StatusSubmitted,
		SubmittedSequence: 5,
		LastTxHash:        "H1",
	}, nil).Once()

	body := fmt.Sprintf(`{"intent_id":"order-1","source_address":%q,"destination_address":%q,"amount_drops":1000000,"destination_tag":7}`, testAddr, testDest)
	w := ts.do(t, "POST", "/api/v1/payments", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp db.PaymentIntent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, db.StatusSubmitted, resp.Status)
	assert.Equal(t, uint32(5), resp.SubmittedSequence)
	ts.payments.AssertExpectations(t)
}

func TestSubmitPayment_WalletBusy(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.On("SubmitPayment", mock.Anything, mock.Anything).
		Return(nil, &sequence.WalletBusyError{Address: testAddr, Holder: "order-0"})

	w := ts.do(t, "POST", "/api/v1/payments", `{"intent_id":"order-1","source_address":"`+testAddr+`","destination_address":"`+testDest+`","amount_drops":1}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, walletBusyRetryAfter, w.Header().Get("Retry-After"))
	msg, code := decodeError(t, w)
	assert.Equal(t, "wallet_busy", code)
	assert.Contains(t, msg, "order-0")
}

func TestSubmitPayment_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		wantCode string
	}{
		{"malformed JSON", `{"intent_id":`, nil, "validation_error"},
		{"negative amount", `{"amount_drops":-1}`, nil, "validation_error"},
		{"coordinator validation", `{"source_address":"x"}`, &coordinator.ValidationError{Field: "source_address", Reason: "invalid"}, "validation_error"},
		{"not a custody wallet", `{"source_address":"` + testDest + `"}`, &keystore.KeyNotFoundError{Handle: testDest}, "key_not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			if tt.err != nil {
				ts.payments.On("SubmitPayment", mock.Anything, mock.Anything).Return(nil, tt.err)
			}
			w := ts.do(t, "POST", "/api/v1/payments", tt.body)
			_, code := decodeError(t, w)
			assert.Equal(t, tt.wantCode, code)
			assert.GreaterOrEqual(t, w.Code, 400)
			assert.Less(t, w.Code, 500)
		})
	}
}

func TestGetPayment_NotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.On("GetPayment", mock.Anything, "missing").Return(nil, coordinator.ErrIntentNotFound)

	w := ts.do(t, "GET", "/api/v1/payments/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	_, code := decodeError(t, w)
	assert.Equal(t, "intent_not_found", code)
}

func TestCancelPayment(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.On("CancelPayment", mock.Anything, "p1").
		Return(&db.PaymentIntent{IntentID: "p1", Status: db.StatusExpired, FailureReason: "cancelled"}, nil)
	ts.payments.On("CancelPayment", mock.Anything, "p2").
		Return(nil, &coordinator.NotCancellableError{IntentID: "p2", Status: db.StatusSubmitted})

	w := ts.do(t, "POST", "/api/v1/payments/p1/cancel", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp db.PaymentIntent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, db.StatusExpired, resp.Status)

	w = ts.do(t, "POST", "/api/v1/payments/p2/cancel", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	_, code := decodeError(t, w)
	assert.Equal(t, "not_cancellable", code)
}

func TestListPayments(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.On("ListPayments", mock.Anything, db.StatusSubmitted, 10).
		Return([]*db.PaymentIntent{{IntentID: "p1", Status: db.StatusSubmitted}}, nil)
	ts.payments.On("ListPayments", mock.Anything, db.IntentStatus(""), defaultListLimit).
		Return(nil, nil)

	w := ts.do(t, "GET", "/api/v1/payments?status=submitted&limit=10", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Payments []*db.PaymentIntent `json:"payments"`
		Count    int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "p1", resp.Payments[0].IntentID)

	w = ts.do(t, "GET", "/api/v1/payments", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"payments":[]`)
}

func TestReconcile(t *testing.T) {
	ts := newTestServer(t)
	ts.payments.On("Sweep", mock.Anything, 25).
		Return(&coordinator.SweepResult{Checked: 3, Confirmed: 2, Expired: 1}, nil)

	w := ts.do(t, "POST", "/api/v1/reconcile?limit=25", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp coordinator.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Checked)
	assert.Equal(t, 1, resp.Expired)

	w = ts.do(t, "GET", "/api/v1/reconcile", "")
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthAndCORS(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = ts.do(t, "OPTIONS", "/api/v1/payments", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	srv := New(":0", nil, newFakeCustody(), new(MockPayments), &fakeReads{}, nil, m, testLogger())
	h := srv.Handler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/wallets", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
