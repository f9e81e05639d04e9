package temporal

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"
)

const defaultAwaitPollInterval = 5 * time.Second

// AwaitPaymentInput contains parameters for awaiting a payment's outcome.
type AwaitPaymentInput struct {
	IntentID     string        `json:"intent_id"`
	PollInterval time.Duration `json:"poll_interval"`
	Timeout      time.Duration `json:"timeout"`
}

// AwaitPaymentResult contains the terminal state of a payment.
type AwaitPaymentResult struct {
	IntentID      string    `json:"intent_id"`
	Status        string    `json:"status"`
	TxHash        string    `json:"tx_hash,omitempty"`
	Sequence      uint32    `json:"sequence,omitempty"`
	LedgerResult  string    `json:"ledger_result,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	CompletedAt   time.Time `json:"completed_at"`
}

// AwaitPayment polls the server until the payment reaches a terminal
// status. Each poll lets the server reconcile the intent. The activity
// heartbeats with the last seen status while it waits.
func (a *Activities) AwaitPayment(ctx context.Context, input AwaitPaymentInput) (_ *AwaitPaymentResult, err error) {
	start := time.Now()
	defer func() { a.record("AwaitPayment", start, err) }()

	if a.api == nil {
		return nil, fmt.Errorf("xrpgate client not configured in activities")
	}

	interval := input.PollInterval
	if interval <= 0 {
		interval = defaultAwaitPollInterval
	}

	a.logger.InfoContext(ctx, "waiting for payment outcome",
		"intent_id", input.IntentID,
		"poll_interval", interval,
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		payment, err := a.api.GetPayment(ctx, input.IntentID)
		if err != nil {
			return nil, fmt.Errorf("failed to get payment %s: %w", input.IntentID, err)
		}
		if payment.Terminal() {
			a.logger.InfoContext(ctx, "payment reached terminal status",
				"intent_id", payment.IntentID,
				"status", payment.Status,
				"tx_hash", payment.LastTxHash,
				"ledger_result", payment.LedgerResult,
			)
			return &AwaitPaymentResult{
				IntentID:      payment.IntentID,
				Status:        payment.Status,
				TxHash:        payment.LastTxHash,
				Sequence:      payment.SubmittedSequence,
				LedgerResult:  payment.LedgerResult,
				FailureReason: payment.FailureReason,
				Attempts:      payment.Attempts,
				CompletedAt:   payment.UpdatedAt,
			}, nil
		}

		activity.RecordHeartbeat(ctx, payment.Status)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("payment %s still %s: %w", input.IntentID, payment.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}
