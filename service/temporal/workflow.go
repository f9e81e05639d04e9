package temporal

import (
	"fmt"
	"time"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

// ReconcileSweepWorkflow runs one reconciliation sweep. It is triggered by
// the reconcile schedule at RECONCILE_INTERVAL. The sweep itself runs in
// the server, so the workflow is a single activity with retries.
func ReconcileSweepWorkflow(ctx workflow.Context, input ReconcileSweepInput) (*ReconcileSweepResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("ReconcileSweepWorkflow started", "limit", input.Limit)

	result := &ReconcileSweepResult{
		SweepTime: workflow.Now(ctx),
	}

	activityOptions := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, activityOptions)

	var sweep *ReconcileSweepResult
	err := workflow.ExecuteActivity(ctx, a.TriggerSweep, input).Get(ctx, &sweep)
	if err != nil {
		logger.Error("reconciliation sweep failed", "error", err)
		errMsg := fmt.Sprintf("reconciliation sweep failed: %v", err)
		result.Error = &errMsg
		return result, fmt.Errorf("reconciliation sweep failed: %w", err)
	}

	result.Checked = sweep.Checked
	result.Confirmed = sweep.Confirmed
	result.Failed = sweep.Failed
	result.Expired = sweep.Expired
	result.Resubmitted = sweep.Resubmitted
	result.Skipped = sweep.Skipped
	result.Errors = sweep.Errors
	result.DurationMs = sweep.DurationMs

	logger.Info("ReconcileSweepWorkflow completed",
		"checked", result.Checked,
		"confirmed", result.Confirmed,
		"failed", result.Failed,
		"expired", result.Expired,
		"resubmitted", result.Resubmitted,
		"errors", result.Errors,
	)

	return result, nil
}
