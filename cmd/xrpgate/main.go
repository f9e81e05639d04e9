package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "xrpgate",
		Usage: "XRP Ledger custody and payment gateway CLI",
		Description: `A command-line tool for operating and debugging the xrpgate service.

Use this CLI to manage custody wallets and payments over the HTTP API,
inspect database state, manage the Temporal reconciliation schedule and
watch payment events.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Custody wallets (HTTP API)
			walletCommands(),
			// Payments (HTTP API)
			paymentCommands(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Database inspection commands",
				Subcommands: []*cli.Command{
					listWalletsCommand(),
					listIntentsCommand(),
					getIntentCommand(),
				},
			},
			// Temporal inspection and management commands
			{
				Name:  "temporal",
				Usage: "Temporal inspection and management commands",
				Subcommands: []*cli.Command{
					describeScheduleCommand(),
					upsertScheduleCommand(),
					pauseScheduleCommand(),
					resumeScheduleCommand(),
					triggerScheduleCommand(),
					deleteScheduleCommand(),
					awaitWorkflowCommand(),
				},
			},
			// NATS payment event commands
			{
				Name:  "nats",
				Usage: "NATS payment event commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Aliases: []string{"s"},
				Usage:   "xrpgate HTTP server URL",
				EnvVars: []string{"XRPGATE_SERVER_URL", "SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "xrpgate-reconcile",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
		// jq filters routinely contain commas
		DisableSliceFlagSeparator: true,
	}
}
