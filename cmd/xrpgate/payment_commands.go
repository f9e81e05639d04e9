package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/xrpgate/client"
	"github.com/urfave/cli/v2"
)

func paymentCommands() *cli.Command {
	return &cli.Command{
		Name:    "payment",
		Aliases: []string{"pay"},
		Usage:   "Payment submission and tracking commands",
		Subcommands: []*cli.Command{
			paymentSubmitCommand(),
			paymentGetCommand(),
			paymentCancelCommand(),
			paymentListCommand(),
			paymentAwaitCommand(),
			paymentStreamCommand(),
			paymentReconcileCommand(),
		},
	}
}

func paymentSubmitCommand() *cli.Command {
	return &cli.Command{
		Name:    "submit",
		Aliases: []string{"send"},
		Usage:   "Submit an XRP payment from a custody wallet",
		Description: `Submit an XRP payment from a custody wallet.

Submitting is idempotent on --intent-id: repeating a submission with the same
intent id returns the existing payment instead of paying twice. When no
intent id is given the server generates one.

Example:
  xrpgate payment submit --from rSRC --to rDST --amount-drops 1000000 --intent-id order-42 --wait`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "from",
				Usage:    "Source custody wallet address",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Destination address",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:     "amount-drops",
				Usage:    "Amount in drops (1 XRP = 1,000,000 drops)",
				Required: true,
			},
			&cli.Uint64Flag{
				Name:  "destination-tag",
				Usage: "Destination tag",
			},
			&cli.StringFlag{
				Name:  "intent-id",
				Usage: "Client-chosen idempotency key",
			},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the payment reaches a final status",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait with --wait",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: 2 * time.Second,
				Usage: "How often to poll with --wait",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			req := client.PaymentRequest{
				IntentID:           c.String("intent-id"),
				SourceAddress:      c.String("from"),
				DestinationAddress: c.String("to"),
				AmountDrops:        c.Uint64("amount-drops"),
			}
			if c.IsSet("destination-tag") {
				v := c.Uint64("destination-tag")
				if v > math.MaxUint32 {
					return fmt.Errorf("destination tag %d exceeds %d", v, uint64(math.MaxUint32))
				}
				tag := uint32(v)
				req.DestinationTag = &tag
			}

			cl := newAPIClient(c, time.Minute)

			payment, err := cl.SubmitPayment(context.Background(), req)
			if err != nil {
				var retry string
				if client.IsWalletBusy(err) {
					retry = " (another payment from this wallet is in flight; retry shortly)"
				}
				return fmt.Errorf("failed to submit payment%s: %w", retry, err)
			}

			if c.Bool("wait") && !payment.Terminal() {
				if !c.Bool("json") {
					fmt.Fprintf(os.Stderr, "Payment %s is %s, waiting for a final status...\n", payment.IntentID, payment.Status)
				}
				payment, err = awaitPayment(c, cl, payment.IntentID)
				if err != nil {
					return err
				}
			}

			if c.Bool("json") {
				if err := outputJSON(payment); err != nil {
					return err
				}
			} else {
				printPayment(payment)
			}
			if c.Bool("wait") {
				return finalStatusError(payment)
			}
			return nil
		},
	}
}

func paymentGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Aliases:   []string{"show"},
		Usage:     "Show the current state of a payment",
		ArgsUsage: "INTENT_ID",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			intentID, err := positionalArg(c, "intent id", true)
			if err != nil {
				return err
			}

			cl := newAPIClient(c, 0)

			payment, err := cl.GetPayment(context.Background(), intentID)
			if err != nil {
				return fmt.Errorf("failed to get payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payment)
			}
			printPayment(payment)
			return nil
		},
	}
}

func paymentCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Abandon a payment that has not reached the ledger",
		ArgsUsage: "INTENT_ID",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			intentID, err := positionalArg(c, "intent id", true)
			if err != nil {
				return err
			}

			cl := newAPIClient(c, 0)

			payment, err := cl.CancelPayment(context.Background(), intentID)
			if err != nil {
				return fmt.Errorf("failed to cancel payment: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(payment)
			}
			fmt.Printf("✓ Payment cancelled\n")
			printPayment(payment)
			return nil
		},
	}
}

func paymentListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List payments, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (pending, submitted, confirmed, failed, expired)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
				Usage:   "Maximum number of payments",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 0)

			payments, err := cl.ListPayments(context.Background(), c.String("status"), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list payments: %w", err)
			}

			if c.Bool("json") {
				if payments == nil {
					payments = []*client.Payment{}
				}
				return outputJSON(payments)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT ID\tSTATUS\tFROM\tTO\tAMOUNT (DROPS)\tSEQ\tCREATED")
			for _, p := range payments {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					p.IntentID,
					p.Status,
					p.SourceAddress,
					p.DestinationAddress,
					p.AmountDrops,
					p.SubmittedSequence,
					p.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d payments\n", len(payments))
			return nil
		},
	}
}

func paymentAwaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a payment reaches a final status",
		ArgsUsage: "INTENT_ID",
		Description: `Poll a payment until it is confirmed, failed or expired.

Exits non-zero unless the payment was confirmed.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
			&cli.DurationFlag{
				Name:  "poll-interval",
				Value: 2 * time.Second,
				Usage: "How often to poll",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			intentID, err := positionalArg(c, "intent id", true)
			if err != nil {
				return err
			}

			if !c.Bool("json") {
				fmt.Fprintf(os.Stderr, "Waiting for payment %s...\n", intentID)
				fmt.Fprintf(os.Stderr, "  Timeout: %v\n\n", c.Duration("timeout"))
			}

			cl := newAPIClient(c, 0)
			payment, err := awaitPayment(c, cl, intentID)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				if err := outputJSON(payment); err != nil {
					return err
				}
			} else {
				printPayment(payment)
			}
			return finalStatusError(payment)
		},
	}
}

func paymentStreamCommand() *cli.Command {
	return &cli.Command{
		Name:      "stream",
		Usage:     "Stream payment status changes via SSE",
		ArgsUsage: "[INTENT_ID]",
		Description: `Stream payment status transitions from the server.

Without an intent id every payment is streamed. Use --jq to keep only events
for which every filter is truthy, for example --jq '.status == "confirmed"'.`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times)",
			},
			&cli.BoolFlag{
				Name:  "until-final",
				Usage: "Stop after the first event with a final status",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			intentID, err := positionalArg(c, "intent id", false)
			if err != nil {
				return err
			}
			jsonOutput := c.Bool("json")
			untilFinal := c.Bool("until-final")

			filters, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			// Create context that cancels on interrupt
			ctx, cancel := context.WithCancel(c.Context)
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigChan)
			go func() {
				select {
				case <-sigChan:
					cancel()
				case <-ctx.Done():
				}
			}()

			if !jsonOutput {
				if intentID != "" {
					fmt.Fprintf(os.Stderr, "Streaming payment %s... (Ctrl+C to stop)\n\n", intentID)
				} else {
					fmt.Fprintf(os.Stderr, "Streaming all payments... (Ctrl+C to stop)\n\n")
				}
			}

			cl := newAPIClient(c, 0)
			errDone := errors.New("done")
			count := 0
			err = cl.StreamPayments(ctx, intentID, func(event *client.PaymentEvent) error {
				ok, err := matchesJQ(filters, event)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				count++
				if jsonOutput {
					if err := outputJSONLine(event); err != nil {
						return err
					}
				} else {
					printPaymentEvent(event)
				}
				if untilFinal && isFinalStatus(event.Status) {
					return errDone
				}
				return nil
			})
			if err != nil && !errors.Is(err, errDone) {
				return fmt.Errorf("payment stream failed: %w", err)
			}

			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\nReceived %d events\n", count)
			}
			return nil
		},
	}
}

func paymentReconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Run one reconciliation sweep over open payments",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "limit",
				Value: 100,
				Usage: "Maximum number of open payments to examine",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 2*time.Minute)

			result, err := cl.Reconcile(context.Background(), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to reconcile: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			fmt.Printf("✓ Reconciliation sweep complete (%dms)\n", result.DurationMs)
			fmt.Printf("  Checked:     %d\n", result.Checked)
			fmt.Printf("  Confirmed:   %d\n", result.Confirmed)
			fmt.Printf("  Failed:      %d\n", result.Failed)
			fmt.Printf("  Expired:     %d\n", result.Expired)
			fmt.Printf("  Resubmitted: %d\n", result.Resubmitted)
			fmt.Printf("  Skipped:     %d\n", result.Skipped)
			fmt.Printf("  Errors:      %d\n", result.Errors)
			return nil
		},
	}
}

// awaitPayment polls intentID using the --timeout and --poll-interval flags.
func awaitPayment(c *cli.Context, cl *client.Client, intentID string) (*client.Payment, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	defer cancel()

	payment, err := cl.AwaitPayment(ctx, intentID, c.Duration("poll-interval"))
	if err != nil {
		return nil, fmt.Errorf("failed to await payment: %w", err)
	}
	return payment, nil
}

// finalStatusError turns a failed or expired payment into a command error.
func finalStatusError(p *client.Payment) error {
	switch p.Status {
	case client.StatusFailed, client.StatusExpired:
		if p.FailureReason != "" {
			return fmt.Errorf("payment %s %s: %s", p.IntentID, p.Status, p.FailureReason)
		}
		return fmt.Errorf("payment %s %s", p.IntentID, p.Status)
	}
	return nil
}

func isFinalStatus(status string) bool {
	return status == client.StatusConfirmed || status == client.StatusFailed || status == client.StatusExpired
}

func printPayment(p *client.Payment) {
	fmt.Println(ruler)
	fmt.Printf("Intent ID:    %s\n", p.IntentID)
	fmt.Printf("Status:       %s\n", p.Status)
	fmt.Printf("From:         %s\n", p.SourceAddress)
	fmt.Printf("To:           %s\n", p.DestinationAddress)
	if p.DestinationTag != nil {
		fmt.Printf("Dest. Tag:    %d\n", *p.DestinationTag)
	}
	fmt.Printf("Amount:       %s (%d drops)\n", formatDrops(p.AmountDrops), p.AmountDrops)
	if p.SubmittedSequence != 0 {
		fmt.Printf("Sequence:     %d\n", p.SubmittedSequence)
	}
	if p.LastTxHash != "" {
		fmt.Printf("Tx Hash:      %s\n", p.LastTxHash)
	}
	if p.LastLedgerSequence != 0 {
		fmt.Printf("Last Ledger:  %d\n", p.LastLedgerSequence)
	}
	fmt.Printf("Attempts:     %d\n", p.Attempts)
	if p.LedgerResult != "" {
		fmt.Printf("Result:       %s\n", p.LedgerResult)
	}
	if p.FailureReason != "" {
		fmt.Printf("Reason:       %s\n", p.FailureReason)
	}
	fmt.Printf("Created:      %s\n", p.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:      %s\n", p.UpdatedAt.Format(time.RFC3339))
	fmt.Println(ruler)
}

func printPaymentEvent(e *client.PaymentEvent) {
	from := e.FromStatus
	if from == "" {
		from = "new"
	}
	fmt.Printf("[%s] %s  %s -> %s",
		e.Timestamp.Format(time.RFC3339),
		e.IntentID,
		from,
		e.Status,
	)
	if e.TxHash != "" {
		fmt.Printf("  tx=%s", e.TxHash)
	}
	if e.LedgerResult != "" {
		fmt.Printf("  result=%s", e.LedgerResult)
	}
	if e.Reason != "" {
		fmt.Printf("  reason=%q", e.Reason)
	}
	fmt.Println()
}
