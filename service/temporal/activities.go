package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/xrpgate/client"
	"github.com/brojonat/xrpgate/service/metrics"
)

// ReconcileSweepInput contains the input parameters for a scheduled sweep.
type ReconcileSweepInput struct {
	Limit int `json:"limit"` // 0 lets the server pick its default
}

// ReconcileSweepResult contains the result of a scheduled sweep.
type ReconcileSweepResult struct {
	SweepTime   time.Time `json:"sweep_time"`
	Checked     int       `json:"checked"`
	Confirmed   int       `json:"confirmed"`
	Failed      int       `json:"failed"`
	Expired     int       `json:"expired"`
	Resubmitted int       `json:"resubmitted"`
	Skipped     int       `json:"skipped"`
	Errors      int       `json:"errors"`
	DurationMs  int64     `json:"duration_ms"`
	Error       *string   `json:"error,omitempty"`
}

// GatewayAPI is the part of the xrpgate HTTP API that activities call.
// Reconciliation always runs inside the server process, which owns the
// wallet sequence slots; activities only ask the server to do it.
type GatewayAPI interface {
	Reconcile(ctx context.Context, limit int) (*client.SweepResult, error)
	GetPayment(ctx context.Context, intentID string) (*client.Payment, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	api     GatewayAPI
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(api GatewayAPI, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		api:     api,
		metrics: m,
		logger:  logger,
	}
}

func (a *Activities) record(activity string, start time.Time, err error) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, time.Since(start).Seconds(), err)
	}
}

// TriggerSweep asks the server to reconcile open payment intents.
func (a *Activities) TriggerSweep(ctx context.Context, input ReconcileSweepInput) (_ *ReconcileSweepResult, err error) {
	start := time.Now()
	defer func() { a.record("TriggerSweep", start, err) }()

	if a.api == nil {
		return nil, fmt.Errorf("xrpgate client not configured in activities")
	}

	a.logger.DebugContext(ctx, "triggering reconciliation sweep", "limit", input.Limit)

	sweep, err := a.api.Reconcile(ctx, input.Limit)
	if err != nil {
		a.logger.ErrorContext(ctx, "reconciliation sweep failed", "error", err)
		return nil, fmt.Errorf("failed to trigger sweep: %w", err)
	}

	a.logger.InfoContext(ctx, "reconciliation sweep completed",
		"checked", sweep.Checked,
		"confirmed", sweep.Confirmed,
		"failed", sweep.Failed,
		"expired", sweep.Expired,
		"resubmitted", sweep.Resubmitted,
		"skipped", sweep.Skipped,
		"errors", sweep.Errors,
	)

	return &ReconcileSweepResult{
		Checked:     sweep.Checked,
		Confirmed:   sweep.Confirmed,
		Failed:      sweep.Failed,
		Expired:     sweep.Expired,
		Resubmitted: sweep.Resubmitted,
		Skipped:     sweep.Skipped,
		Errors:      sweep.Errors,
		DurationMs:  sweep.DurationMs,
	}, nil
}
