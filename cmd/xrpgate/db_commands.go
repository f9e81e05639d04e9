package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/xrpgate/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

// walletRow is the operator view of a custody wallet; sealed secrets never
// leave the database.
type walletRow struct {
	Address   string    `json:"address"`
	Network   string    `json:"network"`
	KeyType   string    `json:"key_type"`
	PublicKey string    `json:"public_key"`
	Sequence  uint32    `json:"sequence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toWalletRow(w *db.Wallet) walletRow {
	return walletRow{
		Address:   w.Address,
		Network:   w.Network,
		KeyType:   w.KeyType,
		PublicKey: hex.EncodeToString(w.PublicKey),
		Sequence:  w.Sequence,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
}

func listWalletsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-wallets",
		Usage:   "List stored custody wallets",
		Aliases: []string{"wallets"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "network",
				Usage: "Filter by network (mainnet, testnet, devnet)",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			wallets, err := store.ListWallets(context.Background(), c.String("network"))
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			rows := make([]walletRow, 0, len(wallets))
			for _, w := range wallets {
				rows = append(rows, toWalletRow(w))
			}

			if c.Bool("json") {
				return outputJSON(rows)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tNETWORK\tKEY TYPE\tSEQUENCE\tCREATED")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					row.Address,
					row.Network,
					row.KeyType,
					row.Sequence,
					row.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(rows))
			return nil
		},
	}
}

func listIntentsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-intents",
		Usage:   "List payment intents",
		Aliases: []string{"intents"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (pending, submitted, confirmed, failed, expired)",
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "Only pending and submitted intents, oldest first",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   100,
				Usage:   "Maximum number of intents",
			},
		},
		Action: func(c *cli.Context) error {
			status := db.IntentStatus(c.String("status"))
			if status != "" && !status.Valid() {
				return fmt.Errorf("invalid status %q", status)
			}
			if status != "" && c.Bool("open") {
				return fmt.Errorf("--status and --open are mutually exclusive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			var intents []*db.PaymentIntent
			if c.Bool("open") {
				intents, err = store.ListOpenIntents(context.Background(), c.Int("limit"))
			} else {
				intents, err = store.ListIntents(context.Background(), status, c.Int("limit"))
			}
			if err != nil {
				return fmt.Errorf("failed to list intents: %w", err)
			}

			if c.Bool("json") {
				if intents == nil {
					intents = []*db.PaymentIntent{}
				}
				return outputJSON(intents)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INTENT ID\tSTATUS\tSOURCE\tSEQ\tATTEMPTS\tCHECKS\tTX HASH\tUPDATED")
			for _, intent := range intents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
					intent.IntentID,
					intent.Status,
					intent.SourceAddress,
					intent.SubmittedSequence,
					intent.Attempts,
					intent.ReconcileChecks,
					formatOptional(intent.LastTxHash),
					intent.UpdatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d intents\n", len(intents))
			return nil
		},
	}
}

func getIntentCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-intent",
		Usage:     "Get payment intent details",
		Aliases:   []string{"intent"},
		ArgsUsage: "<intent-id>",
		Action: func(c *cli.Context) error {
			intentID, err := positionalArg(c, "intent id", true)
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			intent, err := store.GetIntent(context.Background(), intentID)
			if err != nil {
				return fmt.Errorf("failed to get intent: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(intent)
			}

			fmt.Printf("Intent ID:     %s\n", intent.IntentID)
			fmt.Printf("Status:        %s\n", intent.Status)
			fmt.Printf("Source:        %s\n", intent.SourceAddress)
			fmt.Printf("Destination:   %s\n", intent.DestinationAddress)
			if intent.DestinationTag != nil {
				fmt.Printf("Dest. Tag:     %d\n", *intent.DestinationTag)
			}
			fmt.Printf("Amount:        %s (%d drops)\n", formatDrops(intent.AmountDrops), intent.AmountDrops)
			fmt.Printf("Sequence:      %d\n", intent.SubmittedSequence)
			fmt.Printf("Tx Hash:       %s\n", formatOptional(intent.LastTxHash))
			fmt.Printf("Last Ledger:   %d\n", intent.LastLedgerSequence)
			fmt.Printf("Attempts:      %d\n", intent.Attempts)
			fmt.Printf("Checks:        %d\n", intent.ReconcileChecks)
			fmt.Printf("Result:        %s\n", formatOptional(intent.LedgerResult))
			fmt.Printf("Reason:        %s\n", formatOptional(intent.FailureReason))
			fmt.Printf("Created:       %s\n", intent.CreatedAt.Format(time.RFC3339))
			fmt.Printf("Updated:       %s\n", intent.UpdatedAt.Format(time.RFC3339))
			if intent.SubmittedAt != nil {
				fmt.Printf("Submitted:     %s\n", intent.SubmittedAt.Format(time.RFC3339))
			}
			if intent.LastCheckedAt != nil {
				fmt.Printf("Last Checked:  %s\n", intent.LastCheckedAt.Format(time.RFC3339))
			}

			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := db.NewStore(pool, nil)
	closer := func() { pool.Close() }

	return store, closer, nil
}

// Helper function to output JSON
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputJSONLine writes v as a single line, for streams.
func outputJSONLine(v interface{}) error {
	return json.NewEncoder(os.Stdout).Encode(v)
}

func formatOptional(s string) string {
	if s != "" {
		return s
	}
	return "(none)"
}
