package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Payment statuses.
const (
	StatusPending   = "pending"
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusExpired   = "expired"
)

// Payment is a payment intent tracked by the gateway.
type Payment struct {
	IntentID           string     `json:"intent_id"`
	SourceAddress      string     `json:"source_address"`
	DestinationAddress string     `json:"destination_address"`
	AmountDrops        uint64     `json:"amount_drops"`
	DestinationTag     *uint32    `json:"destination_tag,omitempty"`
	Status             string     `json:"status"`
	SubmittedSequence  uint32     `json:"submitted_sequence,omitempty"`
	LastTxHash         string     `json:"last_tx_hash,omitempty"`
	LastLedgerSequence uint32     `json:"last_ledger_sequence,omitempty"`
	Attempts           int        `json:"attempts"`
	ReconcileChecks    int        `json:"reconcile_checks"`
	LedgerResult       string     `json:"ledger_result,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	SubmittedAt        *time.Time `json:"submitted_at,omitempty"`
	LastCheckedAt      *time.Time `json:"last_checked_at,omitempty"`
}

// Terminal reports whether the payment reached a final status.
func (p *Payment) Terminal() bool {
	return p.Status == StatusConfirmed || p.Status == StatusFailed || p.Status == StatusExpired
}

// PaymentRequest is the body of SubmitPayment. An empty IntentID makes the
// server generate one; reusing an IntentID returns the existing payment.
type PaymentRequest struct {
	IntentID           string  `json:"intent_id,omitempty"`
	SourceAddress      string  `json:"source_address"`
	DestinationAddress string  `json:"destination_address"`
	AmountDrops        uint64  `json:"amount_drops"`
	DestinationTag     *uint32 `json:"destination_tag,omitempty"`
}

// PaymentEvent is a payment status transition streamed by the server.
type PaymentEvent struct {
	IntentID           string    `json:"intent_id"`
	FromStatus         string    `json:"from_status,omitempty"`
	Status             string    `json:"status"`
	SourceAddress      string    `json:"source_address"`
	DestinationAddress string    `json:"destination_address"`
	AmountDrops        uint64    `json:"amount_drops"`
	DestinationTag     *uint32   `json:"destination_tag,omitempty"`
	Sequence           uint32    `json:"sequence,omitempty"`
	TxHash             string    `json:"tx_hash,omitempty"`
	LedgerResult       string    `json:"ledger_result,omitempty"`
	Reason             string    `json:"reason,omitempty"`
	Attempts           int       `json:"attempts"`
	Timestamp          time.Time `json:"timestamp"`
	PublishedAt        time.Time `json:"published_at"`
}

// SweepResult summarises a reconciliation pass.
type SweepResult struct {
	Checked     int   `json:"checked"`
	Confirmed   int   `json:"confirmed"`
	Failed      int   `json:"failed"`
	Expired     int   `json:"expired"`
	Resubmitted int   `json:"resubmitted"`
	Skipped     int   `json:"skipped"`
	Errors      int   `json:"errors"`
	DurationMs  int64 `json:"duration_ms"`
}

// SubmitPayment submits a payment. The call is idempotent on IntentID.
func (c *Client) SubmitPayment(ctx context.Context, req PaymentRequest) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, "POST", "/api/v1/payments", req, 0, &payment); err != nil {
		return nil, err
	}
	c.logger.Debug("payment submitted",
		"intent_id", payment.IntentID,
		"status", payment.Status,
		"tx_hash", payment.LastTxHash,
	)
	return &payment, nil
}

// GetPayment returns the current state of a payment.
func (c *Client) GetPayment(ctx context.Context, intentID string) (*Payment, error) {
	var payment Payment
	path := "/api/v1/payments/" + url.PathEscape(intentID)
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// CancelPayment abandons a payment that has not reached the ledger.
func (c *Client) CancelPayment(ctx context.Context, intentID string) (*Payment, error) {
	var payment Payment
	path := fmt.Sprintf("/api/v1/payments/%s/cancel", url.PathEscape(intentID))
	if err := c.do(ctx, "POST", path, nil, http.StatusOK, &payment); err != nil {
		return nil, err
	}
	c.logger.Debug("payment cancelled", "intent_id", intentID, "status", payment.Status)
	return &payment, nil
}

// ListPayments lists payments, optionally filtered by status.
func (c *Client) ListPayments(ctx context.Context, status string, limit int) ([]*Payment, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/payments"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var response struct {
		Payments []*Payment `json:"payments"`
	}
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &response); err != nil {
		return nil, err
	}
	return response.Payments, nil
}

// AwaitPayment polls a payment until it reaches a terminal status or ctx
// is done. Each poll lets the server reconcile the payment.
func (c *Client) AwaitPayment(ctx context.Context, intentID string, interval time.Duration) (*Payment, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		payment, err := c.GetPayment(ctx, intentID)
		if err != nil {
			return nil, err
		}
		if payment.Terminal() {
			return payment, nil
		}
		c.logger.Debug("payment not final yet", "intent_id", intentID, "status", payment.Status)

		select {
		case <-ctx.Done():
			return payment, fmt.Errorf("payment %s still %s: %w", intentID, payment.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Reconcile runs one reconciliation sweep on the server.
func (c *Client) Reconcile(ctx context.Context, limit int) (*SweepResult, error) {
	path := "/api/v1/reconcile"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var result SweepResult
	if err := c.do(ctx, "POST", path, nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// StreamPayments subscribes to payment events over SSE and calls fn for
// each one until ctx is done, the stream ends or fn returns an error. An
// empty intentID streams every payment. The client's timeout does not apply
// to the stream.
func (c *Client) StreamPayments(ctx context.Context, intentID string, fn func(*PaymentEvent) error) error {
	u := c.baseURL + "/api/v1/stream/payments"
	if intentID != "" {
		u += "/" + url.PathEscape(intentID)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to SSE endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := c.dispatchEvent(event, data, fn); err != nil {
				return err
			}
			event, data = "", ""
			continue
		}
		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading SSE stream: %w", err)
	}
	return nil
}

func (c *Client) dispatchEvent(event, data string, fn func(*PaymentEvent) error) error {
	switch event {
	case "payment":
		var pe PaymentEvent
		if err := json.Unmarshal([]byte(data), &pe); err != nil {
			return fmt.Errorf("failed to decode payment event: %w", err)
		}
		return fn(&pe)
	case "error":
		var info struct {
			Error string `json:"error"`
		}
		json.Unmarshal([]byte(data), &info)
		return fmt.Errorf("server error: %s", info.Error)
	case "connected":
		c.logger.Debug("payment stream connected", "data", data)
	}
	return nil
}
