package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/brojonat/xrpgate/client"
	"github.com/itchyny/gojq"
	"github.com/skip2/go-qrcode"
	"github.com/urfave/cli/v2"
)

const ruler = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Custody wallet commands",
		Subcommands: []*cli.Command{
			walletCreateCommand(),
			walletImportCommand(),
			walletListCommand(),
			walletBalanceCommand(),
			walletHistoryCommand(),
			walletDepositCommand(),
		},
	}
}

func walletCreateCommand() *cli.Command {
	return &cli.Command{
		Name:    "create",
		Aliases: []string{"new"},
		Usage:   "Generate a new custody wallet",
		Description: `Generate a new custody wallet on the gateway.

The wallet secret is printed exactly once. Store it somewhere safe; the
gateway will never disclose it again.`,
		Flags: []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 0)

			wallet, err := cl.CreateWallet(context.Background())
			if err != nil {
				return fmt.Errorf("failed to create wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallet)
			}
			printWallet(wallet, "✓ Wallet created")
			return nil
		},
	}
}

func walletImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import an existing wallet by its secret",
		ArgsUsage: "[SECRET]",
		Description: `Import a wallet into gateway custody.

The secret may be passed as an argument or through XRPGATE_WALLET_SECRET,
which keeps it out of shell history. Importing a wallet the gateway already
holds is a no-op.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "secret",
				Usage:   "Wallet secret (family seed)",
				EnvVars: []string{"XRPGATE_WALLET_SECRET"},
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			secret, err := positionalArg(c, "secret", false)
			if err != nil {
				return err
			}
			if secret == "" {
				secret = c.String("secret")
			}
			if secret == "" {
				return fmt.Errorf("wallet secret is required")
			}

			cl := newAPIClient(c, 0)

			wallet, err := cl.ImportWallet(context.Background(), secret)
			if err != nil {
				return fmt.Errorf("failed to import wallet: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(wallet)
			}
			if wallet.Created {
				printWallet(wallet, "✓ Wallet imported")
			} else {
				printWallet(wallet, "✓ Wallet already held")
			}
			return nil
		},
	}
}

func walletListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List custody wallets",
		Flags:   []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			cl := newAPIClient(c, 0)

			wallets, err := cl.ListWallets(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list wallets: %w", err)
			}

			if c.Bool("json") {
				if wallets == nil {
					wallets = []*client.Wallet{}
				}
				return outputJSON(wallets)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tKEY TYPE\tCREATED")
			for _, wallet := range wallets {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					wallet.Address,
					wallet.KeyType,
					wallet.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d wallets\n", len(wallets))
			return nil
		},
	}
}

func walletBalanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "balance",
		Aliases:   []string{"bal"},
		Usage:     "Show the XRP balance of an address",
		ArgsUsage: "ADDRESS",
		Flags:     []cli.Flag{jsonFlag()},
		Action: func(c *cli.Context) error {
			address, err := positionalArg(c, "address", true)
			if err != nil {
				return err
			}

			cl := newAPIClient(c, 0)

			balance, err := cl.Balance(context.Background(), address)
			if err != nil {
				if client.IsNotFound(err) {
					return fmt.Errorf("address %s is not funded on the ledger", address)
				}
				return fmt.Errorf("failed to get balance: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(balance)
			}

			fmt.Printf("Address:  %s\n", balance.Address)
			fmt.Printf("Balance:  %s (%d drops)\n", formatDrops(balance.Drops), balance.Drops)
			fmt.Printf("Fetched:  %s\n", balance.FetchedAt.Format(time.RFC3339))
			if balance.Stale {
				fmt.Printf("Stale:    yes (served from cache)\n")
			}
			return nil
		},
	}
}

func walletHistoryCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Aliases:   []string{"txs"},
		Usage:     "List transactions for an address, newest first",
		ArgsUsage: "ADDRESS",
		Description: `List validated transactions that touch an address.

Use --jq to keep only transactions for which every filter evaluates to a
truthy value, for example:

  xrpgate wallet history --jq '.type == "Payment"' --jq '.amount_drops > 1000000' rXXXX`,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Page size",
				Value:   20,
			},
			&cli.StringFlag{
				Name:  "cursor",
				Usage: "Resume from a cursor returned by a previous page",
			},
			&cli.BoolFlag{
				Name:    "all",
				Aliases: []string{"a"},
				Usage:   "Follow cursors until the history is exhausted",
			},
			&cli.IntFlag{
				Name:  "max-pages",
				Usage: "Stop after this many pages when --all is set",
				Value: 50,
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter expression that must evaluate to true (can be specified multiple times, all must match)",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			address, err := positionalArg(c, "address", true)
			if err != nil {
				return err
			}

			filters, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			cl := newAPIClient(c, 0)
			ctx := context.Background()

			cursor := c.String("cursor")
			maxPages := 1
			if c.Bool("all") {
				maxPages = c.Int("max-pages")
			}

			var matched []client.Transaction
			for page := 0; page < maxPages; page++ {
				result, err := cl.Transactions(ctx, address, cursor, c.Int("limit"))
				if err != nil {
					return fmt.Errorf("failed to list transactions: %w", err)
				}
				for _, tx := range result.Transactions {
					ok, err := matchesJQ(filters, tx)
					if err != nil {
						return err
					}
					if ok {
						matched = append(matched, tx)
					}
				}
				cursor = result.NextCursor
				if cursor == "" {
					break
				}
			}

			if c.Bool("json") {
				if matched == nil {
					matched = []client.Transaction{}
				}
				return outputJSON(map[string]interface{}{
					"transactions": matched,
					"next_cursor":  cursor,
				})
			}

			for i := range matched {
				printTransaction(&matched[i])
			}
			if len(matched) > 0 {
				fmt.Println(ruler)
			}
			fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(matched))
			if cursor != "" {
				fmt.Fprintf(os.Stderr, "Next cursor: %s\n", cursor)
			}
			return nil
		},
	}
}

func walletDepositCommand() *cli.Command {
	return &cli.Command{
		Name:      "deposit",
		Aliases:   []string{"fund"},
		Usage:     "Show a payment request for funding an address",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "amount-drops",
				Usage: "Requested amount in drops",
			},
			&cli.Uint64Flag{
				Name:  "destination-tag",
				Usage: "Destination tag the payer must use",
			},
			&cli.StringFlag{
				Name:  "qr-out",
				Usage: "Write the QR code PNG to this file",
			},
			&cli.BoolFlag{
				Name:  "qr",
				Usage: "Render the QR code in the terminal",
			},
			jsonFlag(),
		},
		Action: func(c *cli.Context) error {
			address, err := positionalArg(c, "address", true)
			if err != nil {
				return err
			}

			var tag *uint32
			if c.IsSet("destination-tag") {
				v := c.Uint64("destination-tag")
				if v > math.MaxUint32 {
					return fmt.Errorf("destination tag %d exceeds %d", v, uint64(math.MaxUint32))
				}
				t := uint32(v)
				tag = &t
			}

			cl := newAPIClient(c, 0)

			deposit, err := cl.Deposit(context.Background(), address, c.Uint64("amount-drops"), tag)
			if err != nil {
				return fmt.Errorf("failed to build deposit request: %w", err)
			}

			if path := c.String("qr-out"); path != "" {
				png, err := base64.StdEncoding.DecodeString(deposit.QRCode)
				if err != nil {
					return fmt.Errorf("failed to decode QR code: %w", err)
				}
				if err := os.WriteFile(path, png, 0o644); err != nil {
					return fmt.Errorf("failed to write QR code: %w", err)
				}
				fmt.Fprintf(os.Stderr, "QR code written to %s\n", path)
			}

			if c.Bool("json") {
				return outputJSON(deposit)
			}

			fmt.Printf("Address:  %s\n", deposit.Address)
			if deposit.AmountDrops > 0 {
				fmt.Printf("Amount:   %s (%d drops)\n", formatDrops(deposit.AmountDrops), deposit.AmountDrops)
			}
			if deposit.DestinationTag != nil {
				fmt.Printf("Tag:      %d\n", *deposit.DestinationTag)
			}
			fmt.Printf("URI:      %s\n", deposit.URI)

			if c.Bool("qr") {
				qr, err := qrcode.New(deposit.URI, qrcode.Medium)
				if err != nil {
					return fmt.Errorf("failed to render QR code: %w", err)
				}
				fmt.Println()
				fmt.Print(qr.ToSmallString(false))
			}
			return nil
		},
	}
}

// positionalArg returns the command's single positional argument. Flags must
// come before it, since parsing stops at the first argument; anything left
// over is an error rather than silently ignored.
func positionalArg(c *cli.Context, name string, required bool) (string, error) {
	args := c.Args().Slice()
	if len(args) > 1 {
		for _, arg := range args[1:] {
			if strings.HasPrefix(arg, "-") {
				return "", fmt.Errorf("flag %s must come before the %s", arg, name)
			}
		}
		return "", fmt.Errorf("unexpected arguments after the %s: %s", name, strings.Join(args[1:], " "))
	}
	if len(args) == 0 {
		if required {
			return "", fmt.Errorf("%s is required", name)
		}
		return "", nil
	}
	return args[0], nil
}

// newAPIClient builds a gateway client from the global --server-url flag.
// A zero timeout keeps the client default.
func newAPIClient(c *cli.Context, timeout time.Duration) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))

	var httpClient *http.Client
	if timeout > 0 {
		httpClient = &http.Client{Timeout: timeout}
	}
	return client.NewClient(c.String("server-url"), httpClient, logger)
}

func jsonFlag() cli.Flag {
	return &cli.BoolFlag{
		Name:    "json",
		Aliases: []string{"j"},
		Usage:   "Output as JSON",
	}
}

// compileJQ parses and compiles every filter expression.
func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesJQ reports whether every filter yields a truthy first result for v.
// v is round-tripped through JSON so filters see the wire field names.
func matchesJQ(codes []*gojq.Code, v interface{}) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("failed to marshal jq input: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(data, &input); err != nil {
		return false, fmt.Errorf("failed to unmarshal jq input: %w", err)
	}

	for _, code := range codes {
		iter := code.Run(input)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, fmt.Errorf("jq filter failed: %w", err)
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq semantics: only false and null are falsy.
func isTruthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	default:
		return true
	}
}

// formatDrops renders drops as an XRP amount with full precision.
func formatDrops(drops uint64) string {
	return fmt.Sprintf("%d.%06d XRP", drops/1_000_000, drops%1_000_000)
}

func printWallet(wallet *client.Wallet, title string) {
	fmt.Println(ruler)
	fmt.Println(title)
	fmt.Println(ruler)
	fmt.Printf("Address:     %s\n", wallet.Address)
	fmt.Printf("Key Type:    %s\n", wallet.KeyType)
	if wallet.PublicKey != "" {
		fmt.Printf("Public Key:  %s\n", wallet.PublicKey)
	}
	if wallet.Secret != "" {
		fmt.Printf("Secret:      %s\n", wallet.Secret)
		fmt.Println(ruler)
		fmt.Println("The secret is shown only once. Store it securely.")
	}
	fmt.Println(ruler)
}

func printTransaction(tx *client.Transaction) {
	fmt.Println(ruler)
	fmt.Printf("Hash:         %s\n", tx.Hash)
	fmt.Printf("Type:         %s\n", tx.Type)
	fmt.Printf("Account:      %s\n", tx.Account)
	if tx.Destination != "" {
		fmt.Printf("Destination:  %s\n", tx.Destination)
	}
	if tx.DestinationTag != nil {
		fmt.Printf("Dest. Tag:    %d\n", *tx.DestinationTag)
	}
	switch {
	case tx.AmountDrops != nil:
		fmt.Printf("Amount:       %s (%d drops)\n", formatDrops(*tx.AmountDrops), *tx.AmountDrops)
	case tx.Amount != "":
		fmt.Printf("Amount:       %s (issued currency)\n", tx.Amount)
	}
	fmt.Printf("Fee:          %d drops\n", tx.FeeDrops)
	fmt.Printf("Sequence:     %d\n", tx.Sequence)
	fmt.Printf("Ledger:       %d\n", tx.LedgerIndex)
	fmt.Printf("Result:       %s\n", tx.Result)
	if !tx.Time.IsZero() {
		fmt.Printf("Time:         %s\n", tx.Time.Format(time.RFC3339))
	}
}
