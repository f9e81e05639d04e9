package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/xrpgate/service/cache"
	"github.com/brojonat/xrpgate/service/config"
	"github.com/brojonat/xrpgate/service/coordinator"
	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/keystore"
	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Custody is the keystore surface the API exposes.
type Custody interface {
	CreateWallet(ctx context.Context) (*keystore.Wallet, keystore.Secret, error)
	ImportWallet(ctx context.Context, secret string) (*keystore.Wallet, keystore.Secret, error)
	Has(address string) bool
	List() []*keystore.Wallet
}

// Payments is the submission coordinator surface the API exposes.
type Payments interface {
	SubmitPayment(ctx context.Context, req coordinator.SubmitRequest) (*db.PaymentIntent, error)
	GetPayment(ctx context.Context, intentID string) (*db.PaymentIntent, error)
	CancelPayment(ctx context.Context, intentID string) (*db.PaymentIntent, error)
	ListPayments(ctx context.Context, status db.IntentStatus, limit int) ([]*db.PaymentIntent, error)
	Sweep(ctx context.Context, limit int) (*coordinator.SweepResult, error)
}

// Reads serves balances and history through the cache.
type Reads interface {
	GetBalance(ctx context.Context, address string) (*cache.Balance, error)
	GetHistory(ctx context.Context, address, cursor string, pageSize int) (*cache.HistoryPage, error)
}

// Server represents the HTTP server for the gateway.
type Server struct {
	addr         string
	cfg          *config.Config
	custody      Custody
	payments     Payments
	reads        Reads
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The ssePublisher is optional - if nil, SSE endpoints won't be available.
// The metrics is optional - if nil, metrics endpoints won't be available.
func New(addr string, cfg *config.Config, custody Custody, payments Payments, reads Reads, ssePublisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		cfg:          cfg,
		custody:      custody,
		payments:     payments,
		reads:        reads,
		ssePublisher: ssePublisher,
		metrics:      m,
		logger:       logger,
	}
}

// Handler builds the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.Handler) {
		mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, name)(h))
	}

	// Custody wallet routes
	route("POST /api/v1/wallets", "/api/v1/wallets", handleCreateWallet(s.custody, s.logger))
	route("GET /api/v1/wallets", "/api/v1/wallets", handleListWallets(s.custody, s.logger))
	route("GET /api/v1/wallets/{address}/balance", "/api/v1/wallets/{address}/balance", handleGetBalance(s.reads, s.logger))
	route("GET /api/v1/wallets/{address}/transactions", "/api/v1/wallets/{address}/transactions", handleListTransactions(s.reads, s.logger))
	route("GET /api/v1/wallets/{address}/deposit", "/api/v1/wallets/{address}/deposit", handleDeposit(s.cfg.Network, s.logger))

	// Payment routes
	route("POST /api/v1/payments", "/api/v1/payments", handleSubmitPayment(s.payments, s.logger))
	route("GET /api/v1/payments", "/api/v1/payments", handleListPayments(s.payments, s.logger))
	route("GET /api/v1/payments/{intent_id}", "/api/v1/payments/{intent_id}", handleGetPayment(s.payments, s.logger))
	route("POST /api/v1/payments/{intent_id}/cancel", "/api/v1/payments/{intent_id}/cancel", handleCancelPayment(s.payments, s.logger))
	route("POST /api/v1/reconcile", "/api/v1/reconcile", handleReconcile(s.payments, s.logger))

	// SSE streaming endpoints (if SSE publisher is configured)
	if s.ssePublisher != nil {
		stream := handleStreamPayments(s.ssePublisher, s.metrics, s.logger)
		mux.Handle("GET /api/v1/stream/payments/{intent_id}", stream)
		mux.Handle("GET /api/v1/stream/payments", stream)
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: SSE streams stay open.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
