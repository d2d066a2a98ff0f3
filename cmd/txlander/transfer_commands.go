package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/submit"
	"github.com/brojonat/txlander/service/wallet"
	"github.com/urfave/cli/v2"
)

func transferCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Usage:     "Sign and land a lamport transfer directly against the ledger",
		ArgsUsage: "<recipient> <lamports>",
		Description: `Runs the submission engine in-process: simulate, submit and confirm,
retrying retryable failures and re-signing when the validity window closes.
Requires SOLANA_RPC_URLS and SOLANA_PRIVATE_KEY_BASE58.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "memo",
				Usage: "Attach a memo instruction",
			},
			&cli.IntFlag{
				Name:  "max-retries",
				Usage: "Retries after the first attempt (0 uses MAX_RETRIES)",
			},
			&cli.BoolFlag{
				Name:  "skip-simulation",
				Usage: "Submit without a preflight simulation",
			},
			&cli.BoolFlag{
				Name:  "skip-confirmation",
				Usage: "Return as soon as the ledger accepts the operation",
			},
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Store the outcome in the audit trail (requires --database-url)",
			},
		},
		Action: func(c *cli.Context) error {
			req, err := parseTransferArgs(c.Args().Slice(), c.String("memo"))
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := commandLogger(c)

			key, err := wallet.LoadPrivateKeyFromEnv()
			if err != nil {
				return err
			}

			ledger, err := solana.Dial(cfg.SolanaRPCURLs, cfg.RPCRateLimit, cfg.RPCBurst, nil, logger)
			if err != nil {
				return err
			}
			builder := wallet.NewBuilder(key, ledger, cfg.RequiredDurability, logger)
			engine := submit.NewLedgerEngine(ledger, cfg.EngineSettings(), nil, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			op, err := builder.BuildTransfer(ctx, req)
			if err != nil {
				return fmt.Errorf("failed to build transfer: %w", err)
			}

			if !wantJSON(c) {
				fmt.Fprintf(os.Stderr, "Submitting %s (%d lamports from %s to %s)...\n",
					op.ID(), req.Lamports, builder.PublicKey(), req.To)
			}

			out := engine.Execute(ctx, op, submit.ExecuteOptions{
				MaxRetries:       c.Int("max-retries"),
				SkipSimulation:   c.Bool("skip-simulation"),
				SkipConfirmation: c.Bool("skip-confirmation"),
				Rebuild:          builder.Rebuilder(req),
			})

			if c.Bool("record") {
				store, closer, err := getStore(c)
				if err != nil {
					return err
				}
				defer closer()
				// The run may have been interrupted; recording still gets its own deadline.
				recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if _, err := store.SaveOutcome(recordCtx, db.ParamsFromOutcome(out)); err != nil {
					return fmt.Errorf("failed to record outcome: %w", err)
				}
			}

			if wantJSON(c) {
				if err := outputJSON(c, out); err != nil {
					return err
				}
			} else {
				printOutcome(c.App.Writer, out)
			}

			if !out.Succeeded() {
				return cli.Exit(fmt.Sprintf("transfer %s", out.Status), 1)
			}
			return nil
		},
	}
}

func parseTransferArgs(args []string, memo string) (wallet.TransferRequest, error) {
	if len(args) != 2 {
		return wallet.TransferRequest{}, fmt.Errorf("requires exactly two arguments: recipient and lamports")
	}
	to, err := wallet.ParseRecipient(args[0])
	if err != nil {
		return wallet.TransferRequest{}, err
	}
	lamports, err := strconv.ParseUint(args[1], 10, 64)
	if err != nil {
		return wallet.TransferRequest{}, fmt.Errorf("invalid lamports %q: %w", args[1], err)
	}
	req := wallet.TransferRequest{To: to, Lamports: lamports, Memo: memo}
	if err := req.Validate(); err != nil {
		return wallet.TransferRequest{}, err
	}
	return req, nil
}

func printOutcome(w io.Writer, out submit.Outcome) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	if out.Succeeded() {
		fmt.Fprintln(w, "✓ Operation landed")
	} else {
		fmt.Fprintf(w, "✗ Operation %s\n", out.Status)
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Operation:   %s\n", out.OperationID)
	fmt.Fprintf(w, "Status:      %s\n", out.Status)
	if out.Signature != "" {
		fmt.Fprintf(w, "Signature:   %s\n", out.Signature)
	}
	fmt.Fprintf(w, "Attempts:    %d\n", len(out.Attempts))
	for _, a := range out.Attempts {
		line := fmt.Sprintf("  #%d %-8s %-9s %s", a.Index, a.Stage, a.Outcome, a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
		if a.Error != nil {
			line += fmt.Sprintf("  %s: %s", a.Error.Category, a.Error.Message)
		}
		fmt.Fprintln(w, line)
	}
	if out.FinalError != nil {
		fmt.Fprintf(w, "Error:       %s\n", out.FinalError)
		if out.FinalError.Suggestion != "" {
			fmt.Fprintf(w, "Suggestion:  %s\n", out.FinalError.Suggestion)
		}
	}
	if out.NeedsNewWindow {
		fmt.Fprintln(w, "The validity window closed; re-sign and submit again.")
	}
}
