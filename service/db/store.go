package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Store provides Postgres-backed persistence for custody wallets and
// payment intents.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// If metrics is nil, no metrics will be recorded.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

// Migrate creates the tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *Store) observe(operation, table string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	s.metrics.RecordDBQuery(operation, table, time.Since(start).Seconds(), err)
}

const intentColumns = `intent_id, source_address, destination_address, amount_drops, destination_tag,
	status, submitted_sequence, last_tx_hash, last_ledger_sequence, attempts, reconcile_checks,
	ledger_result, failure_reason, created_at, updated_at, submitted_at, last_checked_at`

// CreateIntent inserts a pending intent if none exists with the same id.
// It returns the stored row and whether this call created it; a caller that
// loses an insert race receives the winner's row.
func (s *Store) CreateIntent(ctx context.Context, intent *PaymentIntent) (_ *PaymentIntent, created bool, err error) {
	start := time.Now()
	defer func() { s.observe("create", "payment_intents", start, err) }()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO payment_intents (intent_id, source_address, destination_address, amount_drops, destination_tag, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (intent_id) DO NOTHING
		RETURNING `+intentColumns,
		intent.IntentID,
		intent.SourceAddress,
		intent.DestinationAddress,
		int64(intent.AmountDrops),
		pgint8FromUint32Ptr(intent.DestinationTag),
		string(StatusPending),
	)
	stored, err := scanIntent(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to insert intent: %w", err)
	}

	existing, err := s.getIntent(ctx, intent.IntentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetIntent retrieves an intent by id.
func (s *Store) GetIntent(ctx context.Context, intentID string) (_ *PaymentIntent, err error) {
	start := time.Now()
	defer func() { s.observe("get", "payment_intents", start, err) }()
	return s.getIntent(ctx, intentID)
}

func (s *Store) getIntent(ctx context.Context, intentID string) (*PaymentIntent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE intent_id = $1`, intentID)
	return scanIntent(row)
}

// UpdateIntent writes every mutable column of a non-terminal intent.
// Updating a terminal intent returns ErrIntentTerminal and leaves the row
// untouched.
func (s *Store) UpdateIntent(ctx context.Context, intent *PaymentIntent) (_ *PaymentIntent, err error) {
	start := time.Now()
	defer func() { s.observe("update", "payment_intents", start, err) }()

	row := s.pool.QueryRow(ctx, `
		UPDATE payment_intents SET
			status = $2,
			submitted_sequence = $3,
			last_tx_hash = $4,
			last_ledger_sequence = $5,
			attempts = $6,
			reconcile_checks = $7,
			ledger_result = $8,
			failure_reason = $9,
			submitted_at = $10,
			last_checked_at = $11,
			updated_at = now()
		WHERE intent_id = $1
		  AND status NOT IN ('confirmed', 'failed', 'expired')
		RETURNING `+intentColumns,
		intent.IntentID,
		string(intent.Status),
		int64(intent.SubmittedSequence),
		intent.LastTxHash,
		int64(intent.LastLedgerSequence),
		intent.Attempts,
		intent.ReconcileChecks,
		intent.LedgerResult,
		intent.FailureReason,
		pgTimestamptzFromTimePtr(intent.SubmittedAt),
		pgTimestamptzFromTimePtr(intent.LastCheckedAt),
	)
	updated, err := scanIntent(row)
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to update intent: %w", err)
	}

	// Distinguish a missing row from a terminal one.
	if _, getErr := s.getIntent(ctx, intent.IntentID); getErr != nil {
		return nil, getErr
	}
	return nil, ErrIntentTerminal
}

// ListOpenIntents returns pending and submitted intents, oldest first.
func (s *Store) ListOpenIntents(ctx context.Context, limit int) (_ []*PaymentIntent, err error) {
	start := time.Now()
	defer func() { s.observe("list_open", "payment_intents", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE status IN ('pending', 'submitted')
		ORDER BY created_at ASC, intent_id ASC
		LIMIT $1`, limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list open intents: %w", err)
	}
	return collectIntents(rows)
}

// ListIntents returns intents newest first, optionally filtered by status.
func (s *Store) ListIntents(ctx context.Context, status IntentStatus, limit int) (_ []*PaymentIntent, err error) {
	start := time.Now()
	defer func() { s.observe("list", "payment_intents", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+intentColumns+` FROM payment_intents
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC, intent_id ASC
		LIMIT $2`, string(status), limitOrDefault(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list intents: %w", err)
	}
	return collectIntents(rows)
}

const walletColumns = `address, network, key_type, public_key, sealed_secret, sequence, created_at, updated_at`

// SaveWallet inserts a custody wallet if it is not already stored and
// returns the stored row and whether it was created.
func (s *Store) SaveWallet(ctx context.Context, w *Wallet) (_ *Wallet, created bool, err error) {
	start := time.Now()
	defer func() { s.observe("create", "custody_wallets", start, err) }()

	row := s.pool.QueryRow(ctx, `
		INSERT INTO custody_wallets (address, network, key_type, public_key, sealed_secret, sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (address) DO NOTHING
		RETURNING `+walletColumns,
		w.Address, w.Network, w.KeyType, w.PublicKey, w.SealedSecret, int64(w.Sequence),
	)
	stored, err := scanWallet(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, fmt.Errorf("failed to insert wallet: %w", err)
	}
	existing, err := s.getWallet(ctx, w.Address)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetWallet retrieves a custody wallet by address.
func (s *Store) GetWallet(ctx context.Context, address string) (_ *Wallet, err error) {
	start := time.Now()
	defer func() { s.observe("get", "custody_wallets", start, err) }()
	return s.getWallet(ctx, address)
}

func (s *Store) getWallet(ctx context.Context, address string) (*Wallet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM custody_wallets WHERE address = $1`, address)
	return scanWallet(row)
}

// ListWallets returns the custody wallets of a network (all networks when
// network is empty), oldest first.
func (s *Store) ListWallets(ctx context.Context, network string) (_ []*Wallet, err error) {
	start := time.Now()
	defer func() { s.observe("list", "custody_wallets", start, err) }()

	rows, err := s.pool.Query(ctx, `
		SELECT `+walletColumns+` FROM custody_wallets
		WHERE ($1::text = '' OR network = $1::text)
		ORDER BY created_at ASC, address ASC`, network)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// UpdateWalletSequence records the last sequence used by a wallet. The
// stored value never decreases.
func (s *Store) UpdateWalletSequence(ctx context.Context, address string, sequence uint32) (err error) {
	start := time.Now()
	defer func() { s.observe("update_sequence", "custody_wallets", start, err) }()

	tag, err := s.pool.Exec(ctx, `
		UPDATE custody_wallets
		SET sequence = GREATEST(sequence, $2), updated_at = now()
		WHERE address = $1`, address, int64(sequence))
	if err != nil {
		return fmt.Errorf("failed to update wallet sequence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIntent(row pgx.Row) (*PaymentIntent, error) {
	var (
		p                 PaymentIntent
		status            string
		amount            int64
		tag               pgtype.Int8
		submittedSequence int64
		lastLedger        int64
		submittedAt       pgtype.Timestamptz
		lastCheckedAt     pgtype.Timestamptz
	)
	err := row.Scan(
		&p.IntentID,
		&p.SourceAddress,
		&p.DestinationAddress,
		&amount,
		&tag,
		&status,
		&submittedSequence,
		&p.LastTxHash,
		&lastLedger,
		&p.Attempts,
		&p.ReconcileChecks,
		&p.LedgerResult,
		&p.FailureReason,
		&p.CreatedAt,
		&p.UpdatedAt,
		&submittedAt,
		&lastCheckedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Status = IntentStatus(status)
	p.AmountDrops = uint64(amount)
	p.DestinationTag = uint32PtrFromPgint8(tag)
	p.SubmittedSequence = uint32(submittedSequence)
	p.LastLedgerSequence = uint32(lastLedger)
	p.SubmittedAt = timePtrFromPgTimestamptz(submittedAt)
	p.LastCheckedAt = timePtrFromPgTimestamptz(lastCheckedAt)
	return &p, nil
}

func collectIntents(rows pgx.Rows) ([]*PaymentIntent, error) {
	defer rows.Close()
	var intents []*PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, p)
	}
	return intents, rows.Err()
}

func scanWallet(row pgx.Row) (*Wallet, error) {
	var (
		w        Wallet
		sequence int64
	)
	err := row.Scan(&w.Address, &w.Network, &w.KeyType, &w.PublicKey, &w.SealedSecret, &sequence, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Sequence = uint32(sequence)
	return &w, nil
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func pgint8FromUint32Ptr(v *uint32) pgtype.Int8 {
	if v == nil {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(*v), Valid: true}
}

func uint32PtrFromPgint8(v pgtype.Int8) *uint32 {
	if !v.Valid {
		return nil
	}
	u := uint32(v.Int64)
	return &u
}

func pgTimestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
