package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/xrpgate/service/db"
	"github.com/brojonat/xrpgate/service/sequence"
	"github.com/brojonat/xrpgate/service/xrpl"
)

// restoreLimit bounds the intents re-held at startup.
const restoreLimit = 1000

// SweepResult summarises one reconciliation pass.
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

// Reconcile checks one intent against the ledger, waiting for any other
// operation on it to finish first.
func (c *Coordinator) Reconcile(ctx context.Context, intentID string) (*db.PaymentIntent, error) {
	if err := c.locks.Lock(ctx, intentID); err != nil {
		return nil, err
	}
	defer c.locks.Unlock(intentID)

	intent, err := c.get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status.Terminal() {
		return intent, nil
	}
	return c.reconcile(ctx, intent)
}

// reconcile advances an open intent. The caller holds the intent lock.
func (c *Coordinator) reconcile(ctx context.Context, intent *db.PaymentIntent) (*db.PaymentIntent, error) {
	if intent.LastTxHash == "" {
		return c.expireUnsigned(ctx, intent)
	}

	status, err := c.gateway.FetchTransactionStatus(ctx, intent.LastTxHash)
	if err != nil {
		c.recordCheck("error")
		return intent, fmt.Errorf("failed to fetch transaction status: %w", err)
	}
	c.recordCheck(string(status.State))

	now := c.now().UTC()
	switch status.State {
	case xrpl.TxConfirmed:
		return c.settle(ctx, intent, status)

	case xrpl.TxPending:
		next := intent.Clone()
		next.LastCheckedAt = &now
		return c.save(ctx, next, intent.Status)

	default:
		next := intent.Clone()
		next.ReconcileChecks++
		next.LastCheckedAt = &now
		if !c.lost(ctx, next) {
			return c.save(ctx, next, intent.Status)
		}
		c.logger.WarnContext(ctx, "transaction considered lost",
			"intent_id", next.IntentID,
			"tx_hash", next.LastTxHash,
			"checks", next.ReconcileChecks,
			"attempts", next.Attempts,
		)
		return c.retryOrExpire(ctx, next, fmt.Sprintf("transaction %s not found after %d checks", next.LastTxHash, next.ReconcileChecks))
	}
}

// settle records a validated transaction.
func (c *Coordinator) settle(ctx context.Context, intent *db.PaymentIntent, status *xrpl.TxStatus) (*db.PaymentIntent, error) {
	if intent.SubmittedSequence != 0 {
		c.sequences.Commit(ctx, intent.SourceAddress, intent.IntentID, intent.SubmittedSequence)
	}
	if c.cache != nil {
		c.cache.InvalidateBalance(intent.SourceAddress)
		c.cache.InvalidateBalance(intent.DestinationAddress)
	}

	now := c.now().UTC()
	next := intent.Clone()
	next.LastCheckedAt = &now
	next.LedgerResult = status.Result
	if status.Succeeded() {
		next.Status = db.StatusConfirmed
		next.FailureReason = ""
	} else {
		next.Status = db.StatusFailed
		next.FailureReason = "transaction failed with " + status.Result
	}
	return c.save(ctx, next, intent.Status)
}

// lost reports whether a transaction that the ledger does not know can be
// treated as never included.
func (c *Coordinator) lost(ctx context.Context, intent *db.PaymentIntent) bool {
	if intent.SubmittedAt != nil &&
		intent.ReconcileChecks >= c.cfg.MaxReconcileAttempts &&
		c.now().Sub(*intent.SubmittedAt) >= c.cfg.ReconcileGracePeriod {
		return true
	}
	if intent.LastLedgerSequence == 0 {
		return false
	}
	validated, err := c.gateway.ValidatedLedgerIndex(ctx)
	if err != nil {
		c.logger.DebugContext(ctx, "failed to fetch validated ledger", "error", err)
		return false
	}
	return validated > intent.LastLedgerSequence
}

func (c *Coordinator) budgetLeft(intent *db.PaymentIntent) bool {
	if intent.Attempts >= c.cfg.MaxSubmitAttempts {
		return false
	}
	return c.cfg.ExpiryWindow <= 0 || c.now().Sub(intent.CreatedAt) < c.cfg.ExpiryWindow
}

// expireUnsigned handles an intent that was never signed. Its caller was
// already told why (wallet busy, ledger unreachable), so only a repeated
// SubmitPayment with the same intent id may drive it to the ledger. Here it
// is only aged out once the expiry window has passed.
func (c *Coordinator) expireUnsigned(ctx context.Context, intent *db.PaymentIntent) (*db.PaymentIntent, error) {
	if c.cfg.ExpiryWindow <= 0 || c.now().Sub(intent.CreatedAt) < c.cfg.ExpiryWindow {
		return intent, nil
	}
	c.sequences.Release(intent.SourceAddress, intent.IntentID, false)
	return c.expire(ctx, intent, "payment never reached the ledger")
}

// retryOrExpire resubmits with the same sequence while budget remains and
// expires the intent otherwise.
func (c *Coordinator) retryOrExpire(ctx context.Context, intent *db.PaymentIntent, reason string) (*db.PaymentIntent, error) {
	if c.budgetLeft(intent) {
		if intent.LastTxHash != "" && c.metrics != nil {
			c.metrics.RecordResubmission()
		}
		c.logger.InfoContext(ctx, "resubmitting payment",
			"intent_id", intent.IntentID,
			"sequence", intent.SubmittedSequence,
			"attempts", intent.Attempts,
		)
		return c.submit(ctx, intent, true)
	}

	source := intent.SourceAddress
	switch {
	case intent.Status == db.StatusSubmitted:
		// The committed sequence was never consumed.
		c.sequences.Resync(source)
	case intent.SubmittedSequence != 0:
		c.sequences.Release(source, intent.IntentID, true)
	default:
		c.sequences.Release(source, intent.IntentID, false)
	}
	return c.expire(ctx, intent, reason)
}

func (c *Coordinator) recordCheck(state string) {
	if c.metrics != nil {
		c.metrics.RecordReconcileCheck(state)
	}
}

// Sweep reconciles up to limit open intents, oldest first. Intents another
// operation is working on are skipped.
func (c *Coordinator) Sweep(ctx context.Context, limit int) (*SweepResult, error) {
	start := c.now()
	intents, err := c.store.ListOpenIntents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list open intents: %w", err)
	}

	result := &SweepResult{}
	for _, intent := range intents {
		if ctx.Err() != nil {
			break
		}
		if !c.locks.TryLock(intent.IntentID) {
			result.Skipped++
			continue
		}
		c.sweepOne(ctx, intent.IntentID, result)
	}

	elapsed := c.now().Sub(start)
	result.DurationMs = elapsed.Milliseconds()
	if c.metrics != nil {
		c.metrics.RecordSweep(elapsed.Seconds())
	}
	c.logger.InfoContext(ctx, "reconciliation sweep finished",
		"open", len(intents),
		"checked", result.Checked,
		"confirmed", result.Confirmed,
		"failed", result.Failed,
		"expired", result.Expired,
		"resubmitted", result.Resubmitted,
		"skipped", result.Skipped,
		"errors", result.Errors,
		"duration", elapsed,
	)
	return result, nil
}

func (c *Coordinator) sweepOne(ctx context.Context, intentID string, result *SweepResult) {
	defer c.locks.Unlock(intentID)

	intent, err := c.get(ctx, intentID)
	if err != nil {
		result.Errors++
		return
	}
	if intent.Status.Terminal() {
		return
	}

	result.Checked++
	attempts := intent.Attempts
	after, err := c.reconcile(ctx, intent)
	if err != nil {
		if errors.Is(err, sequence.ErrWalletBusy) {
			result.Skipped++
			return
		}
		result.Errors++
		c.logger.WarnContext(ctx, "failed to reconcile payment", "intent_id", intentID, "error", err)
		return
	}
	if after.Attempts > attempts {
		result.Resubmitted++
	}
	switch after.Status {
	case db.StatusConfirmed:
		result.Confirmed++
	case db.StatusFailed:
		result.Failed++
	case db.StatusExpired:
		result.Expired++
	}
}

// Restore re-holds wallet slots for intents whose outcome was undetermined
// when the process stopped. It returns the number of slots held.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	intents, err := c.store.ListOpenIntents(ctx, restoreLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list open intents: %w", err)
	}
	held := 0
	for _, intent := range intents {
		if intent.Status != db.StatusPending || intent.LastTxHash == "" || intent.SubmittedSequence == 0 {
			continue
		}
		if err := c.sequences.Hold(intent.SourceAddress, intent.IntentID, intent.SubmittedSequence); err != nil {
			c.logger.WarnContext(ctx, "failed to restore wallet slot",
				"intent_id", intent.IntentID,
				"address", intent.SourceAddress,
				"error", err,
			)
			continue
		}
		held++
	}
	c.logger.InfoContext(ctx, "restored in-flight payments", "held", held, "open", len(intents))
	return held, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration, limit int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.InfoContext(ctx, "reconciliation sweeper started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("reconciliation sweeper stopped")
			return
		case <-ticker.C:
			if _, err := c.Sweep(ctx, limit); err != nil {
				c.logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
			}
		}
	}
}
