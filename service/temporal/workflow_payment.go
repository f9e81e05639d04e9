package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const defaultAwaitTimeout = time.Hour

func awaitPaymentWorkflowID(intentID string) string {
	return "await-payment-" + intentID
}

// AwaitPaymentWorkflow waits for a payment intent to reach a terminal
// status. Callers that cannot hold a connection open start this workflow
// and collect the result later.
func AwaitPaymentWorkflow(ctx workflow.Context, input AwaitPaymentInput) (*AwaitPaymentResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("AwaitPaymentWorkflow started", "intent_id", input.IntentID)

	if input.IntentID == "" {
		return nil, temporal.NewNonRetryableApplicationError("intent_id is required", "InvalidInput", nil)
	}

	timeout := input.Timeout
	if timeout <= 0 {
		timeout = defaultAwaitTimeout
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		HeartbeatTimeout:    time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var result *AwaitPaymentResult
	err := workflow.ExecuteActivity(ctx, a.AwaitPayment, input).Get(ctx, &result)
	if err != nil {
		logger.Error("payment await failed", "intent_id", input.IntentID, "error", err)
		return nil, fmt.Errorf("payment await failed: %w", err)
	}

	logger.Info("AwaitPaymentWorkflow completed",
		"intent_id", result.IntentID,
		"status", result.Status,
		"tx_hash", result.TxHash,
	)
	return result, nil
}
