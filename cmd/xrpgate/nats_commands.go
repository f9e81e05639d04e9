package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/xrpgate/service/nats"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to payment events on JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to payment events",
		ArgsUsage: "[intent_id]",
		Description: `Subscribe to payment status transitions published to NATS JetStream.

Events are published to the subject: payments.{intent_id}. Without an intent
id every payment is streamed.

Example:
  xrpgate nats subscribe --json order-42`,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "durable",
				Aliases: []string{"d"},
				Usage:   "Create a durable consumer (survives restarts)",
			},
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Consumer name (required for durable)",
				Value: "xrpgate-cli",
			},
			&cli.BoolFlag{
				Name:  "replay",
				Usage: "Deliver retained events from the start of the stream",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times)",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			id, err := positionalArg(c, "intent id", false)
			if err != nil {
				return err
			}
			subject := natspkg.StreamSubjects
			if id != "" {
				subject = natspkg.SubjectPrefix + id
			}

			filters, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			return streamPayments(c.Context, streamOptions{
				natsURL:      c.String("nats-url"),
				subject:      subject,
				durable:      c.Bool("durable"),
				consumerName: c.String("consumer-name"),
				replay:       c.Bool("replay"),
				jsonOutput:   c.Bool("json"),
				match: func(e *natspkg.PaymentEvent) (bool, error) {
					return matchesJQ(filters, e)
				},
			})
		},
	}
}

type streamOptions struct {
	natsURL      string
	subject      string
	durable      bool
	consumerName string
	replay       bool
	jsonOutput   bool
	match        func(*natspkg.PaymentEvent) (bool, error)
}

func streamPayments(ctx context.Context, opts streamOptions) error {
	nc, err := natspkg.Connect(opts.natsURL, "xrpgate-cli")
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if !opts.jsonOutput {
		fmt.Printf("📡 Subscribing to: %s\n", opts.subject)
		fmt.Printf("   NATS: %s\n", opts.natsURL)
		if opts.durable {
			fmt.Printf("   Consumer: %s (durable)\n", opts.consumerName)
		}
		fmt.Printf("\nWaiting for payment events... (Ctrl-C to exit)\n\n")
	}

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: opts.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	}
	if opts.replay {
		consumerConfig.DeliverPolicy = jetstream.DeliverAllPolicy
	}
	if opts.durable {
		consumerConfig.Durable = opts.consumerName
		consumerConfig.Name = opts.consumerName
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, consumerConfig)
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	msgChan := make(chan jetstream.Msg, 10)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		msgChan <- msg
	})
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	defer cc.Stop()

	count := 0
	for {
		select {
		case msg := <-msgChan:
			var event natspkg.PaymentEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				if !opts.jsonOutput {
					fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				}
				msg.Ack()
				continue
			}

			if opts.match != nil {
				ok, err := opts.match(&event)
				if err != nil {
					return err
				}
				if !ok {
					msg.Ack()
					continue
				}
			}
			count++

			if opts.jsonOutput {
				data, _ := json.Marshal(event)
				fmt.Println(string(data))
			} else {
				printNATSEvent(count, &event)
			}

			msg.Ack()

		case <-sigChan:
			if !opts.jsonOutput {
				fmt.Printf("\n\n✅ Received %d payment events\n", count)
				fmt.Println("Shutting down...")
			}
			return nil

		case <-ctx.Done():
			return nil
		}
	}
}

func printNATSEvent(n int, event *natspkg.PaymentEvent) {
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Payment Event #%d\n", n)
	fmt.Printf("─────────────────────────────────────────────────────\n")
	fmt.Printf("Intent ID:    %s\n", event.IntentID)
	if event.FromStatus != "" {
		fmt.Printf("Transition:   %s -> %s\n", event.FromStatus, event.Status)
	} else {
		fmt.Printf("Status:       %s\n", event.Status)
	}
	fmt.Printf("From:         %s\n", event.SourceAddress)
	fmt.Printf("To:           %s\n", event.DestinationAddress)
	fmt.Printf("Amount:       %s (%d drops)\n", formatDrops(event.AmountDrops), event.AmountDrops)
	if event.Sequence != 0 {
		fmt.Printf("Sequence:     %d\n", event.Sequence)
	}
	if event.TxHash != "" {
		fmt.Printf("Tx Hash:      %s\n", event.TxHash)
	}
	if event.LedgerResult != "" {
		fmt.Printf("Result:       %s\n", event.LedgerResult)
	}
	if event.Reason != "" {
		fmt.Printf("Reason:       %s\n", event.Reason)
	}
	fmt.Printf("Attempts:     %d\n", event.Attempts)
	fmt.Printf("Published:    %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Printf("\n")
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the PAYMENTS JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  xrpgate nats inspect-stream`,
		Action: func(c *cli.Context) error {
			natsURL := c.String("nats-url")
			jsonOutput := c.Bool("json")

			nc, err := natspkg.Connect(natsURL, "xrpgate-cli")
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if jsonOutput {
				return outputJSON(info)
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			fmt.Printf("\n")

			return nil
		},
	}
}
