// Package coordinator drives payment intents from request to a terminal
// ledger outcome: validation, sequence allocation, signing, submission and
// reconciliation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/keystore"
	"github.com/brojonat/xrpgate/service/lockmap"
	"github.com/brojonat/xrpgate/service/metrics"
	"github.com/brojonat/xrpgate/service/nats"
	"github.com/brojonat/xrpgate/service/sequence"
	"github.com/brojonat/xrpgate/service/xrpl"
)

var intentIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Gateway is the ledger surface the coordinator needs.
type Gateway interface {
	FetchAccountSequence(ctx context.Context, address string) (uint32, error)
	CurrentLedgerIndex(ctx context.Context) (uint32, error)
	ValidatedLedgerIndex(ctx context.Context) (uint32, error)
	SubmitSigned(ctx context.Context, tx *xrpl.SignedTx) *xrpl.SubmitResult
	FetchTransactionStatus(ctx context.Context, hash string) (*xrpl.TxStatus, error)
}

// Signer signs payments for custody wallets.
type Signer interface {
	Sign(ctx context.Context, handle keystore.Handle, payment *xrpl.Payment) (*xrpl.SignedTx, error)
	Has(address string) bool
}

// IntentStore persists payment intents.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *db.PaymentIntent) (*db.PaymentIntent, bool, error)
	GetIntent(ctx context.Context, intentID string) (*db.PaymentIntent, error)
	UpdateIntent(ctx context.Context, intent *db.PaymentIntent) (*db.PaymentIntent, error)
	ListOpenIntents(ctx context.Context, limit int) ([]*db.PaymentIntent, error)
	ListIntents(ctx context.Context, status db.IntentStatus, limit int) ([]*db.PaymentIntent, error)
}

// Invalidator evicts cached balances.
type Invalidator interface {
	InvalidateBalance(address string)
}

// EventPublisher receives a PaymentEvent for every transition.
type EventPublisher interface {
	PublishPayment(ctx context.Context, event *nats.PaymentEvent) error
}

// Config holds the submission and reconciliation tunables.
type Config struct {
	FeeDrops             uint64
	LedgerOffset         uint32
	MaxReconcileAttempts int
	ReconcileGracePeriod time.Duration
	MaxSubmitAttempts    int
	ExpiryWindow         time.Duration
	PollReconcileMinGap  time.Duration
	BusyPolicy           sequence.Policy
}

// SubmitRequest is a client's request to send XRP.
type SubmitRequest struct {
	IntentID       string
	Source         string
	Destination    string
	AmountDrops    uint64
	DestinationTag *uint32
}

// waiter tracks a submission blocked on a busy wallet so CancelPayment can
// wake it.
type waiter struct {
	cancel context.CancelFunc
}

// Coordinator is the payment state machine.
type Coordinator struct {
	cfg       Config
	gateway   Gateway
	signer    Signer
	store     IntentStore
	sequences *sequence.Allocator
	cache     Invalidator
	publisher EventPublisher
	locks     *lockmap.LockMap

	mu        sync.Mutex
	waiters   map[string]*waiter
	cancelled map[string]bool

	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Coordinator. seqStore remembers the last sequence used per
// wallet (the keystore). cache and publisher are optional.
// If metrics is nil, no metrics will be recorded.
func New(cfg Config, gw Gateway, signer Signer, store IntentStore, seqStore sequence.SequenceStore, cache Invalidator, publisher EventPublisher, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FeeDrops == 0 {
		cfg.FeeDrops = 12
	}
	if cfg.LedgerOffset == 0 {
		cfg.LedgerOffset = 20
	}
	if cfg.MaxReconcileAttempts <= 0 {
		cfg.MaxReconcileAttempts = 3
	}
	if cfg.MaxSubmitAttempts <= 0 {
		cfg.MaxSubmitAttempts = 1
	}
	return &Coordinator{
		cfg:       cfg,
		gateway:   gw,
		signer:    signer,
		store:     store,
		sequences: sequence.NewAllocator(gw, seqStore, cfg.BusyPolicy, m, logger),
		cache:     cache,
		publisher: publisher,
		locks:     lockmap.New(),
		waiters:   make(map[string]*waiter),
		cancelled: make(map[string]bool),
		now:       time.Now,
		metrics:   m,
		logger:    logger,
	}
}

// SubmitPayment creates the intent if needed and drives it to the ledger.
// Repeating a request with the same intent id returns the stored intent
// without side effects.
func (c *Coordinator) SubmitPayment(ctx context.Context, req SubmitRequest) (*db.PaymentIntent, error) {
	if req.IntentID == "" {
		req.IntentID = uuid.NewString()
	} else if !intentIDPattern.MatchString(req.IntentID) {
		return nil, &ValidationError{Field: "intent_id", Reason: "must be 1-64 characters of [A-Za-z0-9_-]"}
	}

	existing, err := c.store.GetIntent(ctx, req.IntentID)
	switch {
	case err == nil:
		return c.resume(ctx, existing, req)
	case !errors.Is(err, db.ErrNotFound):
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}

	if err := c.validate(req); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	intent := &db.PaymentIntent{
		IntentID:           req.IntentID,
		SourceAddress:      req.Source,
		DestinationAddress: req.Destination,
		AmountDrops:        req.AmountDrops,
		DestinationTag:     req.DestinationTag,
		Status:             db.StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	stored, created, err := c.store.CreateIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment intent: %w", err)
	}
	if !created {
		// Lost an insert race; the winner drives the submission.
		if !matches(stored, req) {
			return nil, &ValidationError{Field: "intent_id", Reason: "already used with different parameters"}
		}
		return stored, nil
	}

	c.logger.InfoContext(ctx, "payment intent created",
		"intent_id", stored.IntentID,
		"source", stored.SourceAddress,
		"destination", stored.DestinationAddress,
		"amount_drops", stored.AmountDrops,
	)
	c.emit(ctx, stored, "")

	if err := c.locks.Lock(ctx, stored.IntentID); err != nil {
		return stored, nil
	}
	defer c.locks.Unlock(stored.IntentID)

	// A repeated request may have driven it while this call waited.
	current, err := c.store.GetIntent(ctx, stored.IntentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	if !neverAttempted(current) {
		return current, nil
	}
	return c.submit(ctx, current, false)
}

// resume handles a repeated SubmitPayment. Intents that never reached the
// signing step (wallet busy, ledger unreachable) are driven again; all
// others are returned as stored.
func (c *Coordinator) resume(ctx context.Context, existing *db.PaymentIntent, req SubmitRequest) (*db.PaymentIntent, error) {
	if !matches(existing, req) {
		return nil, &ValidationError{Field: "intent_id", Reason: "already used with different parameters"}
	}
	if !neverAttempted(existing) {
		return existing, nil
	}

	if !c.locks.TryLock(existing.IntentID) {
		// Another call is driving it; report the in-progress state.
		return existing, nil
	}
	defer c.locks.Unlock(existing.IntentID)

	current, err := c.store.GetIntent(ctx, existing.IntentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	if !neverAttempted(current) {
		return current, nil
	}
	return c.submit(ctx, current, false)
}

func neverAttempted(intent *db.PaymentIntent) bool {
	return intent.Status == db.StatusPending && intent.Attempts == 0 && intent.LastTxHash == ""
}

func matches(intent *db.PaymentIntent, req SubmitRequest) bool {
	if intent.SourceAddress != req.Source ||
		intent.DestinationAddress != req.Destination ||
		intent.AmountDrops != req.AmountDrops {
		return false
	}
	switch {
	case intent.DestinationTag == nil && req.DestinationTag == nil:
		return true
	case intent.DestinationTag == nil || req.DestinationTag == nil:
		return false
	default:
		return *intent.DestinationTag == *req.DestinationTag
	}
}

func (c *Coordinator) validate(req SubmitRequest) error {
	if req.AmountDrops == 0 {
		return &ValidationError{Field: "amount_drops", Reason: "must be greater than zero"}
	}
	if req.AmountDrops > xrpl.MaxDrops {
		return &ValidationError{Field: "amount_drops", Reason: fmt.Sprintf("must not exceed %d", uint64(xrpl.MaxDrops))}
	}
	if !xrpl.IsValidAddress(req.Source) {
		return &ValidationError{Field: "source_address", Reason: "not a valid XRPL address"}
	}
	if !xrpl.IsValidAddress(req.Destination) {
		return &ValidationError{Field: "destination_address", Reason: "not a valid XRPL address"}
	}
	if req.Source == req.Destination {
		return &ValidationError{Field: "destination_address", Reason: "must differ from source_address"}
	}
	if !c.signer.Has(req.Source) {
		return &keystore.KeyNotFoundError{Handle: keystore.Handle(req.Source)}
	}
	return nil
}

// submit signs and submits intent. The caller holds the intent lock.
// resubmit reuses the intent's recorded sequence.
func (c *Coordinator) submit(ctx context.Context, intent *db.PaymentIntent, resubmit bool) (*db.PaymentIntent, error) {
	source := intent.SourceAddress
	seq, err := c.reserve(ctx, intent, resubmit)
	if err != nil {
		if c.takeCancel(intent.IntentID) {
			return c.expire(ctx, intent, "cancelled")
		}
		return nil, err
	}
	ownsSlot := intent.Status == db.StatusPending
	// An earlier attempt at this sequence may still validate until its
	// LastLedgerSequence passes, so the slot stays held when a resubmission
	// fails before reaching the network.
	inFlight := resubmit && intent.LastTxHash != ""

	release := func(resync bool) {
		if ownsSlot {
			c.sequences.Release(source, intent.IntentID, resync)
		}
	}
	abandon := func() {
		if !inFlight {
			release(false)
		}
	}

	if c.takeCancel(intent.IntentID) && intent.LastTxHash == "" {
		release(false)
		return c.expire(ctx, intent, "cancelled")
	}

	current, err := c.gateway.CurrentLedgerIndex(ctx)
	if err != nil {
		abandon()
		return nil, fmt.Errorf("failed to fetch current ledger: %w", err)
	}

	payment := &xrpl.Payment{
		Account:            source,
		Destination:        intent.DestinationAddress,
		AmountDrops:        intent.AmountDrops,
		FeeDrops:           c.cfg.FeeDrops,
		Sequence:           seq,
		DestinationTag:     intent.DestinationTag,
		LastLedgerSequence: current + c.cfg.LedgerOffset,
	}
	signed, err := c.signer.Sign(ctx, keystore.Handle(source), payment)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to sign payment", "intent_id", intent.IntentID, "error", err)
		if inFlight {
			return nil, err
		}
		release(false)
		failed := intent.Clone()
		failed.Status = db.StatusFailed
		failed.FailureReason = err.Error()
		if _, saveErr := c.save(ctx, failed, intent.Status); saveErr != nil {
			c.logger.ErrorContext(ctx, "failed to record signing failure", "intent_id", intent.IntentID, "error", saveErr)
		}
		return nil, err
	}

	// Record the hash before it can reach the network so a crash after
	// submission is still reconcilable.
	previousHash := intent.LastTxHash
	now := c.now().UTC()
	next := intent.Clone()
	next.SubmittedSequence = seq
	next.LastTxHash = signed.Hash
	next.LastLedgerSequence = payment.LastLedgerSequence
	next.Attempts++
	next.ReconcileChecks = 0
	next.LedgerResult = ""
	next.SubmittedAt = &now
	next.LastCheckedAt = nil
	saved, err := c.save(ctx, next, intent.Status)
	if err != nil {
		abandon()
		return nil, err
	}
	intent = saved

	res := c.gateway.SubmitSigned(ctx, signed)
	log := c.logger.With(
		"intent_id", intent.IntentID,
		"sequence", seq,
		"tx_hash", signed.Hash,
		"attempt", intent.Attempts,
		"engine_result", res.EngineResult,
	)

	switch res.Outcome {
	case xrpl.OutcomeAccepted:
		c.sequences.Commit(ctx, source, intent.IntentID, seq)
		log.InfoContext(ctx, "payment accepted")
		next := intent.Clone()
		next.Status = db.StatusSubmitted
		next.LedgerResult = res.EngineResult
		return c.save(ctx, next, intent.Status)

	case xrpl.OutcomeRejected:
		if res.ResyncSequence && previousHash != "" {
			// The sequence is gone; it may have been consumed by the
			// earlier attempt.
			if status, err := c.gateway.FetchTransactionStatus(ctx, previousHash); err == nil && status.State == xrpl.TxConfirmed {
				log.InfoContext(ctx, "earlier attempt found on ledger", "previous_hash", previousHash)
				prior := intent.Clone()
				prior.LastTxHash = previousHash
				return c.settle(ctx, prior, status)
			}
		}
		if intent.Status == db.StatusSubmitted {
			c.sequences.Resync(source)
		}
		release(res.ResyncSequence)
		log.WarnContext(ctx, "payment rejected", "message", res.Message)
		next := intent.Clone()
		next.Status = db.StatusFailed
		next.LedgerResult = res.EngineResult
		next.FailureReason = rejectionReason(res)
		return c.save(ctx, next, intent.Status)

	default:
		// The slot stays held until reconciliation decides.
		log.WarnContext(ctx, "payment outcome unknown", "message", res.Message)
		if res.EngineResult == "" {
			return intent, nil
		}
		next := intent.Clone()
		next.LedgerResult = res.EngineResult
		return c.save(ctx, next, intent.Status)
	}
}

func rejectionReason(res *xrpl.SubmitResult) string {
	if res.Message != "" {
		return res.Message
	}
	if res.EngineResult != "" {
		return "rejected with " + res.EngineResult
	}
	return "rejected by the ledger"
}

// reserve returns the sequence to sign intent with.
func (c *Coordinator) reserve(ctx context.Context, intent *db.PaymentIntent, resubmit bool) (uint32, error) {
	source := intent.SourceAddress
	if resubmit && intent.SubmittedSequence != 0 {
		if intent.Status == db.StatusPending {
			// Normally already held by this intent; Hold is a no-op then.
			if err := c.sequences.Hold(source, intent.IntentID, intent.SubmittedSequence); err != nil {
				return 0, err
			}
		}
		return intent.SubmittedSequence, nil
	}
	if resubmit {
		return c.sequences.TryAcquire(ctx, source, intent.IntentID)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.cancelled[intent.IntentID] {
		c.mu.Unlock()
		return 0, context.Canceled
	}
	c.waiters[intent.IntentID] = &waiter{cancel: cancel}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, intent.IntentID)
		c.mu.Unlock()
	}()

	return c.sequences.Acquire(waitCtx, source, intent.IntentID)
}

func (c *Coordinator) takeCancel(intentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled[intentID]
}

// save persists intent and, when its status changed from from, emits the
// transition.
func (c *Coordinator) save(ctx context.Context, intent *db.PaymentIntent, from db.IntentStatus) (*db.PaymentIntent, error) {
	intent.UpdatedAt = c.now().UTC()
	saved, err := c.store.UpdateIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment intent: %w", err)
	}
	if saved.Status != from {
		c.logger.InfoContext(ctx, "payment transition",
			"intent_id", saved.IntentID,
			"from", from,
			"to", saved.Status,
			"ledger_result", saved.LedgerResult,
			"reason", saved.FailureReason,
		)
		c.emit(ctx, saved, from)
	}
	return saved, nil
}

func (c *Coordinator) emit(ctx context.Context, intent *db.PaymentIntent, from db.IntentStatus) {
	if c.metrics != nil {
		fromLabel := string(from)
		if fromLabel == "" {
			fromLabel = "none"
		}
		c.metrics.RecordPaymentTransition(fromLabel, string(intent.Status))
	}
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishPayment(ctx, nats.FromIntent(intent, from)); err != nil {
		c.logger.WarnContext(ctx, "failed to publish payment event", "intent_id", intent.IntentID, "error", err)
	}
}

func (c *Coordinator) expire(ctx context.Context, intent *db.PaymentIntent, reason string) (*db.PaymentIntent, error) {
	next := intent.Clone()
	next.Status = db.StatusExpired
	next.FailureReason = reason
	return c.save(ctx, next, intent.Status)
}

// GetPayment returns the intent. Open intents that have not been checked
// for PollReconcileMinGap are reconciled first, unless another operation is
// working on them.
func (c *Coordinator) GetPayment(ctx context.Context, intentID string) (*db.PaymentIntent, error) {
	intent, err := c.get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !c.dueForPoll(intent) {
		return intent, nil
	}
	if !c.locks.TryLock(intentID) {
		return intent, nil
	}
	defer c.locks.Unlock(intentID)

	intent, err = c.get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if !c.dueForPoll(intent) {
		return intent, nil
	}
	reconciled, err := c.reconcile(ctx, intent)
	if err != nil {
		c.logger.WarnContext(ctx, "inline reconcile failed", "intent_id", intentID, "error", err)
		return intent, nil
	}
	return reconciled, nil
}

func (c *Coordinator) dueForPoll(intent *db.PaymentIntent) bool {
	if intent.Status.Terminal() || intent.LastTxHash == "" {
		return false
	}
	last := intent.LastCheckedAt
	if last == nil {
		last = intent.SubmittedAt
	}
	return last == nil || c.now().Sub(*last) >= c.cfg.PollReconcileMinGap
}

func (c *Coordinator) get(ctx context.Context, intentID string) (*db.PaymentIntent, error) {
	intent, err := c.store.GetIntent(ctx, intentID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrIntentNotFound, intentID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment intent: %w", err)
	}
	return intent, nil
}

// CancelPayment expires an intent that has not been handed to the ledger.
// A submission waiting on a busy wallet is woken and expires.
func (c *Coordinator) CancelPayment(ctx context.Context, intentID string) (*db.PaymentIntent, error) {
	intent, err := c.get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return intent, nil
	}
	if intent.Status != db.StatusPending || intent.LastTxHash != "" {
		return nil, &NotCancellableError{IntentID: intentID, Status: intent.Status}
	}

	c.mu.Lock()
	c.cancelled[intentID] = true
	if w, ok := c.waiters[intentID]; ok {
		w.cancel()
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.cancelled, intentID)
		c.mu.Unlock()
	}()

	if err := c.locks.Lock(ctx, intentID); err != nil {
		return nil, err
	}
	defer c.locks.Unlock(intentID)

	intent, err = c.get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return intent, nil
	}
	if intent.Status != db.StatusPending || intent.LastTxHash != "" {
		return nil, &NotCancellableError{IntentID: intentID, Status: intent.Status}
	}
	c.sequences.Release(intent.SourceAddress, intentID, false)
	return c.expire(ctx, intent, "cancelled")
}

// ListPayments lists intents, newest first. An empty status lists all.
func (c *Coordinator) ListPayments(ctx context.Context, status db.IntentStatus, limit int) ([]*db.PaymentIntent, error) {
	if status != "" && !status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", status)}
	}
	intents, err := c.store.ListIntents(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment intents: %w", err)
	}
	return intents, nil
}
