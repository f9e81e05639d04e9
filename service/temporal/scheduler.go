package temporal

import (
	"context"
	"time"
)

// ReconcileScheduleID is the id of the schedule that drives
// ReconcileSweepWorkflow.
const ReconcileScheduleID = "xrpgate-reconcile"

// Scheduler manages the Temporal schedule for payment reconciliation.
// There is one schedule per deployment; it triggers ReconcileSweepWorkflow
// on a fixed interval.
type Scheduler interface {
	// UpsertReconcileSchedule creates the schedule or updates its interval
	// and sweep limit.
	UpsertReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error

	// DeleteReconcileSchedule removes the schedule. Payments then only
	// reconcile when clients poll them.
	DeleteReconcileSchedule(ctx context.Context) error
}

var (
	_ Scheduler = (*Client)(nil)
	_ Scheduler = (*MockScheduler)(nil)
)

// sweepWorkflowID is the id given to each scheduled workflow run. Temporal
// appends the scheduled time.
func sweepWorkflowID() string {
	return ReconcileScheduleID + "-sweep"
}
