package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/xrpgate/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paymentJSON(intentID, status string) map[string]interface{} {
	p := map[string]interface{}{
		"intent_id":           intentID,
		"source_address":      testAddress,
		"destination_address": testDestination,
		"amount_drops":        1_000_000,
		"status":              status,
		"attempts":            1,
		"created_at":          time.Now(),
		"updated_at":          time.Now(),
	}
	if status != client.StatusPending {
		p["submitted_sequence"] = 7
		p["last_tx_hash"] = "E3FE6EA3D48F0C2B639448020EA4F03D4F4F8FFDB243A852A0F59177921B4879"
	}
	return p
}

func TestPaymentSubmitCommand_Wait(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/api/v1/payments":
			var req client.PaymentRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "order-1", req.IntentID)
			assert.Equal(t, testAddress, req.SourceAddress)
			assert.Equal(t, testDestination, req.DestinationAddress)
			assert.Equal(t, uint64(1_000_000), req.AmountDrops)
			require.NotNil(t, req.DestinationTag)
			assert.Equal(t, uint32(7), *req.DestinationTag)
			writeJSONResponse(w, http.StatusOK, paymentJSON("order-1", client.StatusPending))
		case r.Method == "GET" && r.URL.Path == "/api/v1/payments/order-1":
			if polls.Add(1) < 2 {
				writeJSONResponse(w, http.StatusOK, paymentJSON("order-1", client.StatusSubmitted))
				return
			}
			p := paymentJSON("order-1", client.StatusConfirmed)
			p["ledger_result"] = "tesSUCCESS"
			writeJSONResponse(w, http.StatusOK, p)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	output, err := runCLI(t, "--server-url", server.URL,
		"payment", "submit",
		"--from", testAddress,
		"--to", testDestination,
		"--amount-drops", "1000000",
		"--destination-tag", "7",
		"--intent-id", "order-1",
		"--wait", "--poll-interval", "10ms", "--timeout", "5s",
		"--json",
	)
	require.NoError(t, err)

	var payment client.Payment
	require.NoError(t, json.Unmarshal([]byte(output), &payment), output)
	assert.Equal(t, client.StatusConfirmed, payment.Status)
	assert.Equal(t, "tesSUCCESS", payment.LedgerResult)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestPaymentSubmitCommand_NoWait(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		writeJSONResponse(w, http.StatusOK, paymentJSON("generated-id", client.StatusSubmitted))
	}))
	defer server.Close()

	output, err := runCLI(t, "--server-url", server.URL,
		"payment", "submit", "--from", testAddress, "--to", testDestination, "--amount-drops", "1000000")
	require.NoError(t, err)
	assert.Contains(t, output, "generated-id")
	assert.Contains(t, output, "submitted")
	assert.Contains(t, output, "1.000000 XRP")
}

func TestPaymentSubmitCommand_WalletBusy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		writeJSONResponse(w, http.StatusConflict, map[string]string{
			"error": "wallet has a payment in flight",
			"code":  "wallet_busy",
		})
	}))
	defer server.Close()

	_, err := runCLI(t, "--server-url", server.URL,
		"payment", "submit", "--from", testAddress, "--to", testDestination, "--amount-drops", "5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "in flight")
	assert.True(t, client.IsWalletBusy(err))
}

func TestPaymentSubmitCommand_RequiredFlags(t *testing.T) {
	_, err := runCLI(t, "--server-url", "http://127.0.0.1:0",
		"payment", "submit", "--from", testAddress)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Required flags")
}

func TestPaymentAwaitCommand(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		reason    string
		expectErr string
	}{
		{name: "confirmed", status: client.StatusConfirmed},
		{name: "failed", status: client.StatusFailed, reason: "tecUNFUNDED_PAYMENT", expectErr: "failed: tecUNFUNDED_PAYMENT"},
		{name: "expired", status: client.StatusExpired, expectErr: "order-9 expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/payments/order-9", r.URL.Path)
				p := paymentJSON("order-9", tt.status)
				if tt.reason != "" {
					p["failure_reason"] = tt.reason
				}
				writeJSONResponse(w, http.StatusOK, p)
			}))
			defer server.Close()

			output, err := runCLI(t, "--server-url", server.URL, "payment", "await", "--poll-interval", "10ms", "order-9")
			assert.Contains(t, output, tt.status)
			if tt.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPaymentAwaitCommand_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusOK, paymentJSON("order-3", client.StatusSubmitted))
	}))
	defer server.Close()

	_, err := runCLI(t, "--server-url", server.URL,
		"payment", "await", "--poll-interval", "10ms", "--timeout", "50ms", "order-3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to await payment")
}

func TestPaymentGetCommand_NotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, map[string]string{
			"error": "payment intent not found",
			"code":  "intent_not_found",
		})
	}))
	defer server.Close()

	_, err := runCLI(t, "--server-url", server.URL, "payment", "get", "missing")
	require.Error(t, err)
	assert.True(t, client.IsNotFound(err))
}

func TestPaymentCancelCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/payments/order-5/cancel", r.URL.Path)
		p := paymentJSON("order-5", client.StatusFailed)
		p["failure_reason"] = "cancelled"
		writeJSONResponse(w, http.StatusOK, p)
	}))
	defer server.Close()

	output, err := runCLI(t, "--server-url", server.URL, "payment", "cancel", "order-5")
	require.NoError(t, err)
	assert.Contains(t, output, "Payment cancelled")
	assert.Contains(t, output, "cancelled")
}

func TestPaymentListCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/payments", r.URL.Path)
		assert.Equal(t, "confirmed", r.URL.Query().Get("status"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		writeJSONResponse(w, http.StatusOK, map[string]interface{}{
			"payments": []interface{}{
				paymentJSON("order-1", client.StatusConfirmed),
				paymentJSON("order-2", client.StatusConfirmed),
			},
			"count": 2,
		})
	}))
	defer server.Close()

	output, err := runCLI(t, "--server-url", server.URL,
		"payment", "list", "--status", "confirmed", "--limit", "10", "--json")
	require.NoError(t, err)

	var payments []client.Payment
	require.NoError(t, json.Unmarshal([]byte(output), &payments), output)
	require.Len(t, payments, 2)
	assert.Equal(t, "order-2", payments[1].IntentID)
}

func TestPaymentStreamCommand_UntilFinal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/stream/payments/order-7", r.URL.Path)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)

		fmt.Fprintf(w, "event: connected\ndata: {\"intent_id\":\"order-7\"}\n\n")
		for _, status := range []string{client.StatusSubmitted, client.StatusConfirmed, client.StatusConfirmed} {
			data, _ := json.Marshal(map[string]interface{}{
				"intent_id": "order-7",
				"status":    status,
				"tx_hash":   "H1",
			})
			fmt.Fprintf(w, "event: payment\ndata: %s\n\n", data)
		}
		w.(http.Flusher).Flush()
	}))
	defer server.Close()

	output, err := runCLI(t, "--server-url", server.URL,
		"payment", "stream", "--until-final", "--json",
		"--jq", `.status != "submitted"`, "order-7")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 1, output)
	var event client.PaymentEvent
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.Equal(t, client.StatusConfirmed, event.Status)
}

func TestPaymentStreamCommand_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event: error\ndata: {\"error\":\"failed to subscribe\"}\n\n")
	}))
	defer server.Close()

	_, err := runCLI(t, "--server-url", server.URL, "payment", "stream")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to subscribe")
}

func TestPaymentReconcileCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/v1/reconcile", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		writeJSONResponse(w, http.StatusOK, client.SweepResult{Checked: 3, Confirmed: 2, Expired: 1, DurationMs: 12})
	}))
	defer server.Close()

	output, err := runCLI(t, "--server-url", server.URL, "payment", "reconcile", "--limit", "5")
	require.NoError(t, err)
	assert.Contains(t, output, "Checked:     3")
	assert.Contains(t, output, "Confirmed:   2")
	assert.Contains(t, output, "Expired:     1")
}
