package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/xrpgate/service/temporal"
	"github.com/urfave/cli/v2"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

func describeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "describe-schedule",
		Usage:   "Describe the reconciliation schedule",
		Aliases: []string{"desc"},
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.ReconcileScheduleID)
			desc, err := handle.Describe(ctx)
			if err != nil {
				return fmt.Errorf("failed to describe schedule: %w", err)
			}

			if c.Bool("json") {
				out := map[string]interface{}{
					"schedule_id":    temporal.ReconcileScheduleID,
					"paused":         desc.Schedule.State.Paused,
					"note":           desc.Schedule.State.Note,
					"recent_actions": len(desc.Info.RecentActions),
				}
				if len(desc.Schedule.Spec.Intervals) > 0 {
					out["interval"] = desc.Schedule.Spec.Intervals[0].Every.String()
				}
				if len(desc.Info.NextActionTimes) > 0 {
					out["next_action"] = desc.Info.NextActionTimes[0]
				}
				return outputJSON(out)
			}

			fmt.Printf("Schedule ID:    %s\n", temporal.ReconcileScheduleID)
			fmt.Printf("State Note:     %s\n", desc.Schedule.State.Note)
			fmt.Printf("Paused:         %v\n", desc.Schedule.State.Paused)

			if action := desc.Schedule.Action; action != nil {
				if wa, ok := action.(*client.ScheduleWorkflowAction); ok {
					fmt.Printf("\nWorkflow:\n")
					fmt.Printf("  Workflow:     %s\n", wa.Workflow)
					fmt.Printf("  Task Queue:   %s\n", wa.TaskQueue)
				}
			}

			if len(desc.Schedule.Spec.Intervals) > 0 {
				fmt.Printf("\nSchedule Spec:\n")
				for i, interval := range desc.Schedule.Spec.Intervals {
					fmt.Printf("  Interval %d:   Every %v\n", i+1, interval.Every)
				}
			}

			if len(desc.Info.NextActionTimes) > 0 {
				fmt.Printf("\nNext Sweep:     %s\n", desc.Info.NextActionTimes[0].Format(time.RFC3339))
			}
			fmt.Printf("Recent Actions: %d\n", len(desc.Info.RecentActions))
			if len(desc.Info.RecentActions) > 0 {
				lastAction := desc.Info.RecentActions[len(desc.Info.RecentActions)-1]
				fmt.Printf("Last Action:    %s\n", lastAction.ActualTime.Format(time.RFC3339))
			}

			return nil
		},
	}
}

func upsertScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "upsert-schedule",
		Usage:   "Create or update the reconciliation schedule",
		Aliases: []string{"schedule"},
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "How often to run a reconciliation sweep",
				EnvVars: []string{"RECONCILE_INTERVAL"},
				Value:   30 * time.Second,
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum open payments examined per sweep",
				Value: 100,
			},
		},
		Action: func(c *cli.Context) error {
			interval := c.Duration("interval")
			if interval <= 0 {
				return fmt.Errorf("interval must be positive")
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.UpsertReconcileSchedule(context.Background(), interval, c.Int("limit")); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule upserted: %s\n", temporal.ReconcileScheduleID)
			fmt.Printf("  Interval: %v\n", interval)
			fmt.Printf("  Limit: %d\n", c.Int("limit"))
			fmt.Printf("  Task Queue: %s\n", tc.TaskQueue())
			return nil
		},
	}
}

func pauseScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "pause-schedule",
		Usage: "Pause the reconciliation schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is paused",
				Value: "Paused via xrpgate CLI",
			},
		},
		Action: func(c *cli.Context) error {
			note := c.String("note")

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.ReconcileScheduleID)
			if err := handle.Pause(ctx, client.SchedulePauseOptions{Note: note}); err != nil {
				return fmt.Errorf("failed to pause schedule: %w", err)
			}

			fmt.Printf("✓ Schedule paused: %s\n", temporal.ReconcileScheduleID)
			if note != "" {
				fmt.Printf("  Note: %s\n", note)
			}
			fmt.Printf("  Payments now reconcile only when polled\n")
			return nil
		},
	}
}

func resumeScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "resume-schedule",
		Usage: "Resume the paused reconciliation schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "note",
				Usage: "Note explaining why schedule is resumed",
				Value: "Resumed via xrpgate CLI",
			},
		},
		Action: func(c *cli.Context) error {
			note := c.String("note")

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.ReconcileScheduleID)
			if err := handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: note}); err != nil {
				return fmt.Errorf("failed to resume schedule: %w", err)
			}

			fmt.Printf("✓ Schedule resumed: %s\n", temporal.ReconcileScheduleID)
			if note != "" {
				fmt.Printf("  Note: %s\n", note)
			}
			return nil
		},
	}
}

func triggerScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "trigger-schedule",
		Usage: "Run a reconciliation sweep now",
		Description: `Trigger the reconciliation schedule immediately.

The trigger is skipped if a sweep is already running.`,
		Action: func(c *cli.Context) error {
			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			handle := tc.SDKClient().ScheduleClient().GetHandle(ctx, temporal.ReconcileScheduleID)
			err = handle.Trigger(ctx, client.ScheduleTriggerOptions{
				Overlap: enumspb.SCHEDULE_OVERLAP_POLICY_SKIP,
			})
			if err != nil {
				return fmt.Errorf("failed to trigger schedule: %w", err)
			}

			fmt.Printf("✓ Sweep triggered: %s\n", temporal.ReconcileScheduleID)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:    "delete-schedule",
		Usage:   "Delete the reconciliation schedule",
		Aliases: []string{"rm"},
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "force",
				Aliases: []string{"f"},
				Usage:   "Skip confirmation prompt",
			},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete schedule %s? Payments will only reconcile when polled. (y/N): ", temporal.ReconcileScheduleID)
				var response string
				fmt.Scanln(&response)
				if response != "y" && response != "Y" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteReconcileSchedule(context.Background()); err != nil {
				return err
			}

			fmt.Printf("✓ Schedule deleted: %s\n", temporal.ReconcileScheduleID)
			return nil
		},
	}
}

func awaitWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:      "await-payment",
		Usage:     "Await a payment through a durable Temporal workflow",
		ArgsUsage: "INTENT_ID",
		Description: `Start (or attach to) an AwaitPaymentWorkflow for a payment intent and
block until it completes.

With --detach the workflow is started and the command returns immediately;
run the command again later to collect the result.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   time.Hour,
				Usage:   "How long the workflow waits for a final status",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: 5 * time.Second,
				Usage: "How often the workflow polls the payment",
			},
			&cli.BoolFlag{
				Name:  "detach",
				Usage: "Start the workflow without waiting for its result",
			},
		},
		Action: func(c *cli.Context) error {
			intentID, err := positionalArg(c, "intent id", true)
			if err != nil {
				return err
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx := context.Background()
			workflowID, err := tc.StartAwaitPayment(ctx, temporal.AwaitPaymentInput{
				IntentID:     intentID,
				PollInterval: c.Duration("poll-interval"),
				Timeout:      c.Duration("timeout"),
			})
			if err != nil {
				return err
			}

			if c.Bool("detach") {
				if c.Bool("json") {
					return outputJSON(map[string]string{
						"intent_id":   intentID,
						"workflow_id": workflowID,
					})
				}
				fmt.Printf("✓ Workflow started: %s\n", workflowID)
				return nil
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting on workflow %s...\n", workflowID)
			}

			result, err := tc.AwaitPaymentResult(ctx, intentID)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			fmt.Println(ruler)
			fmt.Printf("Intent ID:  %s\n", result.IntentID)
			fmt.Printf("Status:     %s\n", result.Status)
			if result.TxHash != "" {
				fmt.Printf("Tx Hash:    %s\n", result.TxHash)
			}
			if result.Sequence != 0 {
				fmt.Printf("Sequence:   %d\n", result.Sequence)
			}
			if result.LedgerResult != "" {
				fmt.Printf("Result:     %s\n", result.LedgerResult)
			}
			if result.FailureReason != "" {
				fmt.Printf("Reason:     %s\n", result.FailureReason)
			}
			fmt.Printf("Attempts:   %d\n", result.Attempts)
			fmt.Printf("Completed:  %s\n", result.CompletedAt.Format(time.RFC3339))
			fmt.Println(ruler)
			return nil
		},
	}
}

// Helper function to connect to Temporal
func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "xrpgate-reconcile")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return temporal.NewClient(host, namespace, taskQueue, logger)
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
