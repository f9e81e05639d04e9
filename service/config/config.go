package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Network RPC endpoints used when XRPL_RPC_URL is not set.
var defaultRPCURLs = map[string]string{
	"mainnet": "https://s1.ripple.com:51234/",
	"testnet": "https://s.altnet.rippletest.net:51234/",
	"devnet":  "https://s.devnet.rippletest.net:51234/",
}

const (
	// ReconcileModeLocal runs the reconciliation sweep on an in-process ticker.
	ReconcileModeLocal = "local"
	// ReconcileModeTemporal relies on a Temporal schedule calling POST /api/v1/reconcile.
	ReconcileModeTemporal = "temporal"

	// BusyPolicyReject fails a submission with WalletBusyError while the wallet slot is held.
	BusyPolicyReject = "reject"
	// BusyPolicyQueue makes a submission wait for the wallet slot.
	BusyPolicyQueue = "queue"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Server configuration
	ServerAddr string
	LogLevel   string

	// Database configuration. Empty means in-memory stores.
	DatabaseURL string

	// NATS configuration. Empty disables event publishing and SSE.
	NATSURL string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	// Ledger configuration
	Network      string
	RPCURL       string
	RPCTimeout   time.Duration
	RPCRateLimit float64
	FeeDrops     uint64
	LedgerOffset uint32
	KeyType      string

	// Keystore sealing
	KeystorePassphrase string
	KeystoreSalt       string

	// Cache configuration
	CacheTTL          time.Duration
	CacheStaleCeiling time.Duration

	// Reconciliation configuration
	ReconcileMode        string
	ReconcileInterval    time.Duration
	ReconcileGracePeriod time.Duration
	MaxReconcileAttempts int
	MaxSubmitAttempts    int
	ExpiryWindow         time.Duration
	PollReconcileMinGap  time.Duration
	WalletBusyPolicy     string

	// Worker configuration
	ServerURL string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "xrpgate-reconcile")

	// Ledger configuration
	cfg.Network = getEnvOrDefault("XRPL_NETWORK", "testnet")
	defaultURL, ok := defaultRPCURLs[cfg.Network]
	if !ok {
		errs = append(errs, fmt.Errorf("XRPL_NETWORK must be one of mainnet, testnet, devnet (got %q)", cfg.Network))
	}
	cfg.RPCURL = getEnvOrDefault("XRPL_RPC_URL", defaultURL)

	if d, err := parseDuration("XRPL_RPC_TIMEOUT", "10s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCTimeout = d
	}

	if f, err := parseFloat("XRPL_RPC_RATE_LIMIT", 10); err != nil {
		errs = append(errs, err)
	} else {
		cfg.RPCRateLimit = f
	}

	if n, err := parseInt("PAYMENT_FEE_DROPS", 12); err != nil {
		errs = append(errs, err)
	} else {
		cfg.FeeDrops = uint64(n)
	}

	if n, err := parseInt("LEDGER_OFFSET", 20); err != nil {
		errs = append(errs, err)
	} else {
		cfg.LedgerOffset = uint32(n)
	}

	cfg.KeyType = getEnvOrDefault("KEY_TYPE", "ed25519")

	// Keystore sealing
	cfg.KeystorePassphrase = os.Getenv("KEYSTORE_PASSPHRASE")
	if cfg.KeystorePassphrase == "" {
		errs = append(errs, fmt.Errorf("KEYSTORE_PASSPHRASE is required"))
	}
	cfg.KeystoreSalt = getEnvOrDefault("KEYSTORE_SALT", "xrpgate-"+cfg.Network)

	// Cache configuration
	if d, err := parseDuration("CACHE_TTL", "10s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheTTL = d
	}
	if d, err := parseDuration("CACHE_STALE_CEILING", "2m"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.CacheStaleCeiling = d
	}

	// Reconciliation configuration
	cfg.ReconcileMode = getEnvOrDefault("RECONCILE_MODE", ReconcileModeLocal)
	if d, err := parseDuration("RECONCILE_INTERVAL", "10s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileInterval = d
	}
	if d, err := parseDuration("RECONCILE_GRACE_PERIOD", "30s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ReconcileGracePeriod = d
	}
	if n, err := parseInt("MAX_RECONCILE_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxReconcileAttempts = n
	}
	if n, err := parseInt("MAX_SUBMIT_ATTEMPTS", 3); err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxSubmitAttempts = n
	}
	if d, err := parseDuration("EXPIRY_WINDOW", "10m"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.ExpiryWindow = d
	}
	if d, err := parseDuration("POLL_RECONCILE_MIN_GAP", "2s"); err != nil {
		errs = append(errs, err)
	} else {
		cfg.PollReconcileMinGap = d
	}
	cfg.WalletBusyPolicy = getEnvOrDefault("WALLET_BUSY_POLICY", BusyPolicyReject)

	cfg.ServerURL = getEnvOrDefault("XRPGATE_SERVER_URL", "http://localhost:8080")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoad is like Load but panics if configuration is invalid.
// Useful for server initialization where misconfiguration should halt startup.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// LoadWorker reads the subset of configuration the Temporal worker needs.
// The worker reaches the ledger only through the server, so keystore and
// ledger settings are not required.
func LoadWorker() (*Config, error) {
	cfg := &Config{
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		TemporalHost:      getEnvOrDefault("TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnvOrDefault("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnvOrDefault("TEMPORAL_TASK_QUEUE", "xrpgate-reconcile"),
		ServerURL:         getEnvOrDefault("XRPGATE_SERVER_URL", "http://localhost:8080"),
	}
	if _, err := url.ParseRequestURI(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("XRPGATE_SERVER_URL: invalid URL %q: %w", cfg.ServerURL, err)
	}
	return cfg, nil
}

// MustLoadWorker is like LoadWorker but panics if configuration is invalid.
func MustLoadWorker() *Config {
	cfg, err := LoadWorker()
	if err != nil {
		panic(fmt.Sprintf("failed to load worker configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if _, ok := defaultRPCURLs[c.Network]; !ok {
		errs = append(errs, fmt.Errorf("Network must be one of mainnet, testnet, devnet"))
	}

	if c.RPCURL == "" {
		errs = append(errs, fmt.Errorf("RPCURL is required"))
	}

	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout must be positive"))
	}

	if c.RPCRateLimit <= 0 {
		errs = append(errs, fmt.Errorf("RPCRateLimit must be positive"))
	}

	if c.FeeDrops == 0 {
		errs = append(errs, fmt.Errorf("FeeDrops must be positive"))
	}

	if c.LedgerOffset == 0 {
		errs = append(errs, fmt.Errorf("LedgerOffset must be positive"))
	}

	if c.KeyType != "ed25519" && c.KeyType != "secp256k1" {
		errs = append(errs, fmt.Errorf("KeyType must be ed25519 or secp256k1"))
	}

	if c.KeystorePassphrase == "" {
		errs = append(errs, fmt.Errorf("KeystorePassphrase is required"))
	}

	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CacheTTL must be positive"))
	}

	if c.CacheStaleCeiling < c.CacheTTL {
		errs = append(errs, fmt.Errorf("CacheStaleCeiling (%v) cannot be less than CacheTTL (%v)", c.CacheStaleCeiling, c.CacheTTL))
	}

	if c.ReconcileMode != ReconcileModeLocal && c.ReconcileMode != ReconcileModeTemporal {
		errs = append(errs, fmt.Errorf("ReconcileMode must be %q or %q", ReconcileModeLocal, ReconcileModeTemporal))
	}

	if c.ReconcileInterval < time.Second {
		errs = append(errs, fmt.Errorf("ReconcileInterval must be at least 1 second"))
	}

	if c.MaxReconcileAttempts < 1 {
		errs = append(errs, fmt.Errorf("MaxReconcileAttempts must be at least 1"))
	}

	if c.MaxSubmitAttempts < 1 {
		errs = append(errs, fmt.Errorf("MaxSubmitAttempts must be at least 1"))
	}

	if c.ExpiryWindow <= c.ReconcileGracePeriod {
		errs = append(errs, fmt.Errorf("ExpiryWindow must be greater than ReconcileGracePeriod"))
	}

	if c.WalletBusyPolicy != BusyPolicyReject && c.WalletBusyPolicy != BusyPolicyQueue {
		errs = append(errs, fmt.Errorf("WalletBusyPolicy must be %q or %q", BusyPolicyReject, BusyPolicyQueue))
	}

	if c.ReconcileMode == ReconcileModeTemporal {
		if c.TemporalHost == "" {
			errs = append(errs, fmt.Errorf("TemporalHost is required"))
		}
		if c.TemporalNamespace == "" {
			errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
		}
		if c.TemporalTaskQueue == "" {
			errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// DefaultRPCURL returns the public JSON-RPC endpoint for a network name.
func DefaultRPCURL(network string) (string, bool) {
	u, ok := defaultRPCURLs[network]
	return u, ok
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	if result < 0 {
		return 0, fmt.Errorf("%s: must not be negative (got %d)", key, result)
	}
	return result, nil
}

func parseFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q: %w", key, value, err)
	}
	return result, nil
}
