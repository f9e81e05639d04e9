package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/xrpgate/service/metrics"
	"golang.org/x/time/rate"
)

// ClientConfig configures a ledger RPC client.
type ClientConfig struct {
	URL        string
	Network    string        // "mainnet", "testnet" or "devnet"; used for metric labels
	Timeout    time.Duration // per call
	RateLimit  float64       // requests per second; 0 disables limiting
	HTTPClient *http.Client
}

// Client is the Ledger Gateway: a stateless adapter over the JSON-RPC API.
// Every call is bounded by the configured timeout and is never retried here.
type Client struct {
	url     string
	network string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a ledger client.
// If metrics is nil, no metrics will be recorded.
func NewClient(cfg ClientConfig, m *metrics.Metrics, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		url:     cfg.URL,
		network: cfg.Network,
		timeout: cfg.Timeout,
		http:    httpClient,
		limiter: limiter,
		metrics: m,
		logger:  logger,
	}
}

// Network returns the network label this client talks to.
func (c *Client) Network() string {
	return c.network
}

type rpcRequest struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// call performs one JSON-RPC round-trip. Server-side error objects are
// returned as *RPCError, everything else as *NetworkError.
func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if c.metrics == nil {
			return
		}
		status := "success"
		var rpcErr *RPCError
		var netErr *NetworkError
		switch {
		case errors.As(err, &rpcErr):
			status = "rpc_error"
		case errors.As(err, &netErr) && netErr.Timeout():
			status = "timeout"
		case err != nil:
			status = "error"
		}
		c.metrics.RecordRPCCall(method, status, c.network, time.Since(start).Seconds())
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &NetworkError{Method: method, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: []interface{}{params}})
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return &NetworkError{Method: method, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return &NetworkError{Method: method, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if c.metrics != nil {
			c.metrics.RecordRateLimitHit(c.network)
		}
	}
	if resp.StatusCode != http.StatusOK {
		return &NetworkError{Method: method, Err: fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)}
	}

	var env rpcEnvelope
	if err := json.Unmarshal(data, &env); err != nil || len(env.Result) == 0 {
		return &NetworkError{Method: method, Err: fmt.Errorf("malformed response: %s", truncate(data, 200))}
	}

	var st rpcStatus
	if err := json.Unmarshal(env.Result, &st); err != nil {
		return &NetworkError{Method: method, Err: fmt.Errorf("malformed result: %w", err)}
	}
	if st.Status == "error" || st.Error != "" {
		return &RPCError{Method: method, Code: st.Error, Message: st.ErrorMessage}
	}

	if out != nil {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &NetworkError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
		}
	}
	return nil
}

type accountInfoResult struct {
	AccountData struct {
		Balance  string `json:"Balance"`
		Sequence uint32 `json:"Sequence"`
	} `json:"account_data"`
}

func (c *Client) accountInfo(ctx context.Context, address, ledgerIndex string) (*accountInfoResult, error) {
	var out accountInfoResult
	err := c.call(ctx, "account_info", map[string]interface{}{
		"account":      address,
		"ledger_index": ledgerIndex,
		"strict":       true,
	}, &out)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			if rpcErr.Code == "actNotFound" {
				return nil, &AddressNotFoundError{Address: address}
			}
			return nil, &NetworkError{Method: "account_info", Err: rpcErr}
		}
		return nil, err
	}
	return &out, nil
}

// FetchBalance returns the validated XRP balance of an account in drops.
func (c *Client) FetchBalance(ctx context.Context, address string) (uint64, error) {
	info, err := c.accountInfo(ctx, address, "validated")
	if err != nil {
		c.logger.DebugContext(ctx, "fetch balance failed", "address", address, "error", err)
		return 0, err
	}
	drops, err := strconv.ParseUint(info.AccountData.Balance, 10, 64)
	if err != nil {
		return 0, &NetworkError{Method: "account_info", Err: fmt.Errorf("invalid Balance %q", info.AccountData.Balance)}
	}
	return drops, nil
}

// FetchAccountSequence returns the next sequence the account can use,
// read from the current (open) ledger.
func (c *Client) FetchAccountSequence(ctx context.Context, address string) (uint32, error) {
	info, err := c.accountInfo(ctx, address, "current")
	if err != nil {
		return 0, err
	}
	return info.AccountData.Sequence, nil
}

// CurrentLedgerIndex returns the index of the open ledger.
func (c *Client) CurrentLedgerIndex(ctx context.Context) (uint32, error) {
	var out struct {
		LedgerCurrentIndex ledgerIndex `json:"ledger_current_index"`
	}
	if err := c.call(ctx, "ledger_current", map[string]interface{}{}, &out); err != nil {
		return 0, asNetworkError("ledger_current", err)
	}
	return uint32(out.LedgerCurrentIndex), nil
}

// ValidatedLedgerIndex returns the index of the most recent validated ledger.
func (c *Client) ValidatedLedgerIndex(ctx context.Context) (uint32, error) {
	var out struct {
		LedgerIndex ledgerIndex `json:"ledger_index"`
	}
	err := c.call(ctx, "ledger", map[string]interface{}{"ledger_index": "validated"}, &out)
	if err != nil {
		return 0, asNetworkError("ledger", err)
	}
	return uint32(out.LedgerIndex), nil
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
	TxJSON              struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

// SubmitSigned submits a signed blob and classifies the result. Transport
// failures and timeouts produce OutcomeUnknown rather than an error because
// the transaction may still have been relayed.
func (c *Client) SubmitSigned(ctx context.Context, tx *SignedTx) *SubmitResult {
	var out submitResult
	err := c.call(ctx, "submit", map[string]interface{}{
		"tx_blob":   tx.Blob,
		"fail_hard": false,
	}, &out)

	result := &SubmitResult{TxHash: tx.Hash}
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			result.Outcome = classifyRPCError(rpcErr.Code)
			result.EngineResult = rpcErr.Code
			result.Message = rpcErr.Message
		} else {
			result.Outcome = OutcomeUnknown
			result.Message = err.Error()
		}
		c.logger.WarnContext(ctx, "submit did not complete",
			"tx_hash", tx.Hash,
			"outcome", result.Outcome,
			"error", err,
		)
	} else {
		result.Outcome, result.ResyncSequence = ClassifyEngineResult(out.EngineResult)
		result.EngineResult = out.EngineResult
		result.Message = out.EngineResultMessage
		if out.TxJSON.Hash != "" {
			result.TxHash = out.TxJSON.Hash
		}
		c.logger.InfoContext(ctx, "transaction submitted",
			"tx_hash", result.TxHash,
			"engine_result", result.EngineResult,
			"outcome", result.Outcome,
		)
	}

	if c.metrics != nil {
		c.metrics.RecordSubmitOutcome(string(result.Outcome), result.EngineResult)
	}
	return result
}

// FetchTransactionStatus looks a transaction up by hash.
func (c *Client) FetchTransactionStatus(ctx context.Context, hash string) (*TxStatus, error) {
	var out struct {
		Validated   bool        `json:"validated"`
		LedgerIndex ledgerIndex `json:"ledger_index"`
		Meta        struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
	}
	err := c.call(ctx, "tx", map[string]interface{}{
		"transaction": hash,
		"binary":      false,
	}, &out)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == "txnNotFound" {
			return &TxStatus{State: TxNotFound}, nil
		}
		return nil, asNetworkError("tx", err)
	}
	if !out.Validated {
		return &TxStatus{State: TxPending}, nil
	}
	return &TxStatus{
		State:       TxConfirmed,
		Result:      out.Meta.TransactionResult,
		LedgerIndex: uint32(out.LedgerIndex),
	}, nil
}

func asNetworkError(method string, err error) error {
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	return &NetworkError{Method: method, Err: err}
}

// ledgerIndex accepts ledger indexes encoded as numbers or strings.
type ledgerIndex uint32

func (l *ledgerIndex) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*l = 0
		return nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid ledger index %s", b)
	}
	*l = ledgerIndex(n)
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
