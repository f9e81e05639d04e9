package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Wallet is a custody wallet held by the gateway. Secret is only set in the
// response to CreateWallet and ImportWallet.
type Wallet struct {
	Address   string    `json:"address"`
	KeyType   string    `json:"key_type"`
	PublicKey string    `json:"public_key,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Created   bool      `json:"created,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Balance is a wallet balance as served by the gateway cache.
type Balance struct {
	Address   string    `json:"address"`
	Drops     uint64    `json:"balance_drops"`
	FetchedAt time.Time `json:"fetched_at"`
	Stale     bool      `json:"stale"`
}

// Transaction is a summarized ledger transaction.
type Transaction struct {
	Hash            string    `json:"hash"`
	Type            string    `json:"type"`
	Account         string    `json:"account"`
	Destination     string    `json:"destination,omitempty"`
	DestinationTag  *uint32   `json:"destination_tag,omitempty"`
	AmountDrops     *uint64   `json:"amount_drops,omitempty"`
	Amount          string    `json:"amount,omitempty"`
	FeeDrops        uint64    `json:"fee_drops"`
	Sequence        uint32    `json:"sequence"`
	LedgerIndex     uint32    `json:"ledger_index"`
	Result          string    `json:"result"`
	Validated       bool      `json:"validated"`
	Time            time.Time `json:"time,omitempty"`
	DeliveredAmount string    `json:"delivered_amount,omitempty"`
}

// TransactionPage is one page of account history. An empty NextCursor
// means there are no more pages.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextCursor   string        `json:"next_cursor,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
	Stale        bool          `json:"stale"`
}

// DepositRequest describes how to fund a wallet.
type DepositRequest struct {
	Address        string  `json:"address"`
	AmountDrops    uint64  `json:"amount_drops,omitempty"`
	DestinationTag *uint32 `json:"destination_tag,omitempty"`
	URI            string  `json:"uri"`
	QRCode         string  `json:"qr_code"` // base64 PNG
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("request failed (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the gateway.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsWalletBusy reports whether err says the source wallet had a payment in
// flight.
func IsWalletBusy(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "wallet_busy"
}

// Client is the HTTP client for the xrpgate service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new gateway client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateWallet asks the gateway to generate a new custody wallet. The
// returned Secret is disclosed only once.
func (c *Client) CreateWallet(ctx context.Context) (*Wallet, error) {
	var wallet Wallet
	if err := c.do(ctx, "POST", "/api/v1/wallets", map[string]string{}, http.StatusCreated, &wallet); err != nil {
		return nil, err
	}
	c.logger.Debug("wallet created", "address", wallet.Address)
	return &wallet, nil
}

// ImportWallet hands an existing family seed to the gateway. Importing a
// wallet the gateway already holds returns it unchanged.
func (c *Client) ImportWallet(ctx context.Context, secret string) (*Wallet, error) {
	var wallet Wallet
	err := c.do(ctx, "POST", "/api/v1/wallets", map[string]string{"secret": secret}, 0, &wallet)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("wallet imported", "address", wallet.Address, "created", wallet.Created)
	return &wallet, nil
}

// ListWallets returns every custody wallet.
func (c *Client) ListWallets(ctx context.Context) ([]*Wallet, error) {
	var response struct {
		Wallets []*Wallet `json:"wallets"`
	}
	if err := c.do(ctx, "GET", "/api/v1/wallets", nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Wallets, nil
}

// Balance returns the XRP balance of address in drops.
func (c *Client) Balance(ctx context.Context, address string) (*Balance, error) {
	var balance Balance
	path := fmt.Sprintf("/api/v1/wallets/%s/balance", url.PathEscape(address))
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &balance); err != nil {
		return nil, err
	}
	return &balance, nil
}

// Transactions returns one page of history for address, newest first.
// Pass the previous page's NextCursor to continue.
func (c *Client) Transactions(ctx context.Context, address, cursor string, limit int) (*TransactionPage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := fmt.Sprintf("/api/v1/wallets/%s/transactions", url.PathEscape(address))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page TransactionPage
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Deposit returns a payment URI and QR code for funding address.
func (c *Client) Deposit(ctx context.Context, address string, amountDrops uint64, destinationTag *uint32) (*DepositRequest, error) {
	q := url.Values{}
	if amountDrops > 0 {
		q.Set("amount_drops", strconv.FormatUint(amountDrops, 10))
	}
	if destinationTag != nil {
		q.Set("destination_tag", strconv.FormatUint(uint64(*destinationTag), 10))
	}
	path := fmt.Sprintf("/api/v1/wallets/%s/deposit", url.PathEscape(address))
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var deposit DepositRequest
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &deposit); err != nil {
		return nil, err
	}
	return &deposit, nil
}

// do sends a JSON request and decodes the JSON response into out. A zero
// want accepts any 2xx status.
func (c *Client) do(ctx context.Context, method, path string, in interface{}, want int, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if (want != 0 && resp.StatusCode != want) || resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		apiErr.Message = string(bytes.TrimSpace(body))
		return apiErr
	}
	apiErr.Code = errResp.Code
	apiErr.Message = errResp.Error
	return apiErr
}
