package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/xrpgate/service/cache"
	"github.com/brojonat/xrpgate/service/coordinator"
	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/keystore"
	"github.com/brojonat/xrpgate/service/sequence"
	"github.com/brojonat/xrpgate/service/xrpl"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultListLimit   = 100
	maxListLimit       = 1000

	// Seconds a client should wait before retrying a busy wallet.
	walletBusyRetryAfter = "2"
)

// walletResponse is the JSON response for a custody wallet. Secret is only
// set on the response that created or first imported the wallet.
type walletResponse struct {
	Address   string    `json:"address"`
	KeyType   string    `json:"key_type"`
	PublicKey string    `json:"public_key,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Created   bool      `json:"created,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func walletToResponse(w *keystore.Wallet) walletResponse {
	return walletResponse{
		Address:   w.Address,
		KeyType:   string(w.KeyType),
		PublicKey: w.PublicKey,
		CreatedAt: w.CreatedAt.UTC(),
	}
}

// handleCreateWallet returns a handler that creates or imports a custody wallet.
// POST /api/v1/wallets
// An empty body (or no secret) generates a new wallet; {"secret": "s..."} imports one.
func handleCreateWallet(custody Custody, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Secret string `json:"secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", "validation_error", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body", "validation_error", http.StatusBadRequest)
			return
		}

		if req.Secret == "" {
			wallet, secret, err := custody.CreateWallet(r.Context())
			if err != nil {
				writeServiceError(w, r, logger, "failed to create wallet", err)
				return
			}
			resp := walletToResponse(wallet)
			resp.Secret = secret.Reveal()
			resp.Created = true
			writeJSON(w, resp, http.StatusCreated)
			return
		}

		held := heldAddresses(custody)
		wallet, secret, err := custody.ImportWallet(r.Context(), req.Secret)
		if err != nil {
			writeServiceError(w, r, logger, "failed to import wallet", err)
			return
		}
		resp := walletToResponse(wallet)
		if held[wallet.Address] {
			logger.DebugContext(r.Context(), "wallet already held", "address", wallet.Address)
			writeJSON(w, resp, http.StatusOK)
			return
		}
		resp.Secret = secret.Reveal()
		resp.Created = true
		writeJSON(w, resp, http.StatusCreated)
	})
}

func heldAddresses(custody Custody) map[string]bool {
	held := make(map[string]bool)
	for _, w := range custody.List() {
		held[w.Address] = true
	}
	return held
}

// handleListWallets returns a handler that lists custody wallets.
// GET /api/v1/wallets
func handleListWallets(custody Custody, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wallets := custody.List()
		logger.DebugContext(r.Context(), "wallets listed", "count", len(wallets))

		resp := make([]walletResponse, len(wallets))
		for i, wallet := range wallets {
			resp[i] = walletToResponse(wallet)
		}

		writeJSON(w, map[string]interface{}{
			"wallets": resp,
		}, http.StatusOK)
	})
}

// handleGetBalance returns a handler that serves an account balance through the cache.
// GET /api/v1/wallets/{address}/balance
func handleGetBalance(reads Reads, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if !xrpl.IsValidAddress(address) {
			writeError(w, "invalid address: must be a classic XRPL address", "validation_error", http.StatusBadRequest)
			return
		}

		balance, err := reads.GetBalance(r.Context(), address)
		if err != nil {
			writeServiceError(w, r, logger, "failed to get balance", err)
			return
		}
		writeJSON(w, balance, http.StatusOK)
	})
}

// handleListTransactions returns a handler that pages account history through the cache.
// GET /api/v1/wallets/{address}/transactions?cursor=C&limit=N
func handleListTransactions(reads Reads, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if !xrpl.IsValidAddress(address) {
			writeError(w, "invalid address: must be a classic XRPL address", "validation_error", http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		limit, ok := parseLimit(w, query.Get("limit"), xrpl.DefaultPageSize, xrpl.MaxPageSize)
		if !ok {
			return
		}

		page, err := reads.GetHistory(r.Context(), address, query.Get("cursor"), limit)
		if err != nil {
			writeServiceError(w, r, logger, "failed to get history", err)
			return
		}

		logger.DebugContext(r.Context(), "history page served",
			"address", address,
			"count", len(page.Transactions),
			"stale", page.Stale,
		)
		writeJSON(w, page, http.StatusOK)
	})
}

// handleDeposit returns a handler that builds a deposit URI and QR code for a wallet.
// GET /api/v1/wallets/{address}/deposit?amount_drops=N&destination_tag=T
func handleDeposit(network string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if !xrpl.IsValidAddress(address) {
			writeError(w, "invalid address: must be a classic XRPL address", "validation_error", http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		var amountDrops uint64
		if s := query.Get("amount_drops"); s != "" {
			n, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				writeError(w, "invalid amount_drops: must be a non-negative integer", "validation_error", http.StatusBadRequest)
				return
			}
			amountDrops = n
		}

		var tag *uint32
		if s := query.Get("destination_tag"); s != "" {
			n, err := strconv.ParseUint(s, 10, 32)
			if err != nil {
				writeError(w, "invalid destination_tag: must be a 32-bit unsigned integer", "validation_error", http.StatusBadRequest)
				return
			}
			t := uint32(n)
			tag = &t
		}

		deposit := newDepositRequest(address, network, amountDrops, tag)
		if deposit.QRCode == "" {
			logger.WarnContext(r.Context(), "failed to render deposit QR code", "address", address)
		}
		writeJSON(w, deposit, http.StatusOK)
	})
}

// paymentRequest is the JSON body for POST /api/v1/payments.
type paymentRequest struct {
	IntentID           string  `json:"intent_id"`
	SourceAddress      string  `json:"source_address"`
	DestinationAddress string  `json:"destination_address"`
	AmountDrops        uint64  `json:"amount_drops"`
	DestinationTag     *uint32 `json:"destination_tag,omitempty"`
}

// handleSubmitPayment returns a handler that submits a payment intent.
// POST /api/v1/payments
// Repeating a request with the same intent_id returns the stored intent.
func handleSubmitPayment(payments Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req paymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", "validation_error", http.StatusBadRequest)
				return
			}
			logger.DebugContext(r.Context(), "invalid payment request body", "error", err)
			writeError(w, "invalid request body", "validation_error", http.StatusBadRequest)
			return
		}

		intent, err := payments.SubmitPayment(r.Context(), coordinator.SubmitRequest{
			IntentID:       req.IntentID,
			Source:         req.SourceAddress,
			Destination:    req.DestinationAddress,
			AmountDrops:    req.AmountDrops,
			DestinationTag: req.DestinationTag,
		})
		if err != nil {
			writeServiceError(w, r, logger, "failed to submit payment", err)
			return
		}

		logger.InfoContext(r.Context(), "payment submitted",
			"intent_id", intent.IntentID,
			"status", intent.Status,
		)
		writeJSON(w, intent, http.StatusOK)
	})
}

// handleGetPayment returns a handler that reports a payment intent.
// GET /api/v1/payments/{intent_id}
func handleGetPayment(payments Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		intent, err := payments.GetPayment(r.Context(), r.PathValue("intent_id"))
		if err != nil {
			writeServiceError(w, r, logger, "failed to get payment", err)
			return
		}
		writeJSON(w, intent, http.StatusOK)
	})
}

// handleCancelPayment returns a handler that cancels a payment that has not been signed.
// POST /api/v1/payments/{intent_id}/cancel
func handleCancelPayment(payments Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		intent, err := payments.CancelPayment(r.Context(), r.PathValue("intent_id"))
		if err != nil {
			writeServiceError(w, r, logger, "failed to cancel payment", err)
			return
		}
		logger.InfoContext(r.Context(), "payment cancelled", "intent_id", intent.IntentID)
		writeJSON(w, intent, http.StatusOK)
	})
}

// handleListPayments returns a handler that lists payment intents.
// GET /api/v1/payments?status=S&limit=N
func handleListPayments(payments Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		limit, ok := parseLimit(w, query.Get("limit"), defaultListLimit, maxListLimit)
		if !ok {
			return
		}

		intents, err := payments.ListPayments(r.Context(), db.IntentStatus(query.Get("status")), limit)
		if err != nil {
			writeServiceError(w, r, logger, "failed to list payments", err)
			return
		}
		if intents == nil {
			intents = []*db.PaymentIntent{}
		}

		writeJSON(w, map[string]interface{}{
			"payments": intents,
			"count":    len(intents),
		}, http.StatusOK)
	})
}

// handleReconcile returns a handler that runs one reconciliation sweep.
// POST /api/v1/reconcile?limit=N
func handleReconcile(payments Payments, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(w, r.URL.Query().Get("limit"), defaultListLimit, maxListLimit)
		if !ok {
			return
		}

		result, err := payments.Sweep(r.Context(), limit)
		if err != nil {
			writeServiceError(w, r, logger, "reconciliation sweep failed", err)
			return
		}

		logger.InfoContext(r.Context(), "reconciliation sweep completed",
			"checked", result.Checked,
			"confirmed", result.Confirmed,
			"failed", result.Failed,
			"expired", result.Expired,
			"resubmitted", result.Resubmitted,
		)
		writeJSON(w, result, http.StatusOK)
	})
}

// parseLimit parses an optional limit parameter. It writes the error
// response itself and reports false on bad input.
func parseLimit(w http.ResponseWriter, s string, def, max int) (int, bool) {
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		writeError(w, "invalid limit parameter: must be an integer", "validation_error", http.StatusBadRequest)
		return 0, false
	}
	if n < 1 {
		writeError(w, "limit must be at least 1", "validation_error", http.StatusBadRequest)
		return 0, false
	}
	if n > max {
		writeError(w, "limit cannot exceed "+strconv.Itoa(max), "validation_error", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

// errorStatus maps a service error to its HTTP status and error code.
// Stale data wraps the network error that caused it, so it is matched first.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, cache.ErrStaleData):
		return http.StatusServiceUnavailable, "stale_data"
	case errors.Is(err, coordinator.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, keystore.ErrInvalidSecret):
		return http.StatusBadRequest, "invalid_secret"
	case errors.Is(err, xrpl.ErrInvalidCursor):
		return http.StatusBadRequest, "invalid_cursor"
	case errors.Is(err, keystore.ErrKeyNotFound):
		return http.StatusNotFound, "key_not_found"
	case errors.Is(err, xrpl.ErrAddressNotFound):
		return http.StatusNotFound, "address_not_found"
	case errors.Is(err, coordinator.ErrIntentNotFound):
		return http.StatusNotFound, "intent_not_found"
	case errors.Is(err, sequence.ErrWalletBusy):
		return http.StatusConflict, "wallet_busy"
	case errors.Is(err, coordinator.ErrNotCancellable):
		return http.StatusConflict, "not_cancellable"
	case errors.Is(err, xrpl.ErrNetwork):
		return http.StatusBadGateway, "network_error"
	case errors.Is(err, keystore.ErrGeneration):
		return http.StatusInternalServerError, "generation_error"
	case errors.Is(err, keystore.ErrSigning):
		return http.StatusInternalServerError, "signing_error"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeServiceError logs err and writes the mapped error response.
// Internal errors are not echoed to the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, msg string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), msg, "code", code, "error", err)
	} else {
		logger.DebugContext(r.Context(), msg, "code", code, "error", err)
	}

	if code == "wallet_busy" {
		w.Header().Set("Retry-After", walletBusyRetryAfter)
	}

	message := err.Error()
	if code == "internal_error" {
		message = "internal server error"
	}
	writeError(w, message, code, status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  code,
	})
}
