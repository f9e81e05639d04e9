package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// createReconcileSchedule creates the reconciliation schedule.
func (c *Client) createReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error {
	action := client.ScheduleWorkflowAction{
		ID:        sweepWorkflowID(),
		Workflow:  ReconcileSweepWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{ReconcileSweepInput{Limit: limit}},
	}

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: ReconcileScheduleID,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &action,
		// A slow sweep must not pile up behind itself.
		Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
		Memo: map[string]interface{}{
			"limit":      limit,
			"created_by": "xrpgate",
		},
	})
	if err != nil {
		c.logger.Error("failed to create schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule created",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
		"limit", limit,
	)
	return nil
}

// UpsertReconcileSchedule creates the reconciliation schedule, or updates
// its interval and sweep limit if it already exists.
func (c *Client) UpsertReconcileSchedule(ctx context.Context, interval time.Duration, limit int) error {
	c.logger.Debug("upserting reconcile schedule",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
		"limit", limit,
	)

	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.Debug("schedule not found, creating new one",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return c.createReconcileSchedule(ctx, interval, limit)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(input client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			input.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			if action, ok := input.Description.Schedule.Action.(*client.ScheduleWorkflowAction); ok {
				action.Args = []interface{}{ReconcileSweepInput{Limit: limit}}
				action.TaskQueue = c.taskQueue
			}
			return &client.ScheduleUpdate{
				Schedule: &input.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.Error("failed to update schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule updated",
		"schedule_id", ReconcileScheduleID,
		"interval", interval,
		"limit", limit,
	)
	return nil
}

// DeleteReconcileSchedule deletes the reconciliation schedule.
func (c *Client) DeleteReconcileSchedule(ctx context.Context) error {
	handle := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID)
	if err := handle.Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule",
			"schedule_id", ReconcileScheduleID,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", ReconcileScheduleID, err)
	}

	c.logger.Info("reconcile schedule deleted", "schedule_id", ReconcileScheduleID)
	return nil
}

// DescribeReconcileSchedule returns the configured interval and the time of
// the next scheduled sweep.
func (c *Client) DescribeReconcileSchedule(ctx context.Context) (time.Duration, *time.Time, error) {
	desc, err := c.client.ScheduleClient().GetHandle(ctx, ReconcileScheduleID).Describe(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to describe schedule %q: %w", ReconcileScheduleID, err)
	}

	var interval time.Duration
	if intervals := desc.Schedule.Spec.Intervals; len(intervals) > 0 {
		interval = intervals[0].Every
	}
	var next *time.Time
	if times := desc.Info.NextActionTimes; len(times) > 0 {
		next = &times[0]
	}
	return interval, next, nil
}

// StartAwaitPayment starts an AwaitPaymentWorkflow for one payment intent.
// The workflow id is derived from the intent id, so starting it twice
// attaches to the running execution.
func (c *Client) StartAwaitPayment(ctx context.Context, input AwaitPaymentInput) (string, error) {
	id := awaitPaymentWorkflowID(input.IntentID)
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, AwaitPaymentWorkflow, input)
	if err != nil {
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}
	c.logger.Info("await payment workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"intent_id", input.IntentID,
	)
	return run.GetID(), nil
}

// AwaitPaymentResult blocks until the AwaitPaymentWorkflow for intentID
// finishes and returns its result.
func (c *Client) AwaitPaymentResult(ctx context.Context, intentID string) (*AwaitPaymentResult, error) {
	var result AwaitPaymentResult
	run := c.client.GetWorkflow(ctx, awaitPaymentWorkflowID(intentID), "")
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("await payment workflow failed: %w", err)
	}
	return &result, nil
}

// SDKClient exposes the underlying Temporal client.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the task queue schedules and workflows are started on.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
