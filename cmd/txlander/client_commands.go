package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/brojonat/txlander/client"
	"github.com/brojonat/txlander/service/wallet"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the txlander server",
		Subcommands: []*cli.Command{
			clientTransferCommand(),
			clientWaitCommand(),
			clientSubmissionCommand(),
			clientSubmissionsCommand(),
			clientAccountCommand(),
			clientWatchCommand(),
			clientUnwatchCommand(),
		},
	}
}

func newHTTPClient(c *cli.Context, timeout time.Duration) *client.Client {
	return client.NewClient(c.String("server-url"), &http.Client{Timeout: timeout}, commandLogger(c))
}

func clientTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "transfer",
		Usage:     "Start a transfer workflow on the server",
		ArgsUsage: "<recipient> <lamports>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "memo", Usage: "Attach a memo instruction"},
			&cli.IntFlag{Name: "max-retries", Usage: "Retries after the first attempt (0 uses the server default)"},
			&cli.BoolFlag{Name: "skip-simulation", Usage: "Submit without a preflight simulation"},
			&cli.BoolFlag{Name: "skip-confirmation", Usage: "Return as soon as the ledger accepts the operation"},
			&cli.BoolFlag{
				Name:    "wait",
				Aliases: []string{"w"},
				Usage:   "Block until the transfer reaches a terminal outcome",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 16 * time.Minute,
				Usage: "HTTP timeout when waiting",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: recipient and lamports")
			}
			lamports, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid lamports %q: %w", c.Args().Get(1), err)
			}

			req := client.TransferRequest{
				To:               c.Args().Get(0),
				Lamports:         lamports,
				Memo:             c.String("memo"),
				MaxRetries:       c.Int("max-retries"),
				SkipSimulation:   c.Bool("skip-simulation"),
				SkipConfirmation: c.Bool("skip-confirmation"),
			}

			cl := newHTTPClient(c, c.Duration("timeout"))
			var transfer *client.Transfer
			if c.Bool("wait") {
				transfer, err = cl.SubmitTransfer(context.Background(), req)
			} else {
				transfer, err = cl.StartTransfer(context.Background(), req)
			}
			if err != nil {
				return fmt.Errorf("failed to submit transfer: %w", err)
			}
			return printTransfer(c, transfer)
		},
	}
}

func clientWaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "wait",
		Usage:     "Block until a transfer workflow completes",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 16 * time.Minute,
				Usage: "HTTP timeout",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: workflow id")
			}
			transfer, err := newHTTPClient(c, c.Duration("timeout")).WaitTransfer(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to wait for transfer: %w", err)
			}
			return printTransfer(c, transfer)
		},
	}
}

func printTransfer(c *cli.Context, transfer *client.Transfer) error {
	if wantJSON(c) {
		return outputJSON(c, transfer)
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Workflow:    %s\n", transfer.WorkflowID)
	if transfer.Result == nil {
		fmt.Fprintf(w, "Status:      started (use `txlander client wait %s`)\n", transfer.WorkflowID)
		return nil
	}
	printOutcome(w, transfer.Result.Outcome)
	if !transfer.Result.Recorded {
		fmt.Fprintf(w, "Warning: outcome was not recorded: %s\n", transfer.Result.RecordError)
	}
	return nil
}

func clientSubmissionCommand() *cli.Command {
	return &cli.Command{
		Name:      "submission",
		Usage:     "Show a recorded submission",
		ArgsUsage: "<operation-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: operation id")
			}
			sub, err := newHTTPClient(c, 30*time.Second).GetSubmission(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get submission: %w", err)
			}
			return outputJSON(c, sub)
		},
	}
}

func clientSubmissionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "submissions",
		Usage: "List recorded submissions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Maximum number of submissions"},
			&cli.IntFlag{Name: "offset", Usage: "Number of submissions to skip"},
		},
		Action: func(c *cli.Context) error {
			subs, err := newHTTPClient(c, 30*time.Second).ListSubmissions(context.Background(), client.ListOptions{
				Status: c.String("status"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list submissions: %w", err)
			}
			return outputJSON(c, subs)
		},
	}
}

func clientAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "account",
		Usage:     "Read an account snapshot through the server cache",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "tokens", Aliases: []string{"t"}, Usage: "Include SPL token accounts"},
			&cli.StringFlag{Name: "mint", Usage: "Restrict token accounts to this mint"},
			&cli.BoolFlag{Name: "refresh", Usage: "Bypass the cache"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			snap, err := newHTTPClient(c, 30*time.Second).GetAccount(context.Background(), c.Args().First(), client.AccountOptions{
				IncludeTokens: c.Bool("tokens"),
				Mint:          c.String("mint"),
				Refresh:       c.Bool("refresh"),
			})
			if err != nil {
				return fmt.Errorf("failed to read account: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, snap)
			}
			printSnapshot(c.App.Writer, *snap)
			return nil
		},
	}
}

func clientWatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Schedule a recurring account poll on the server",
		ArgsUsage: "<address>",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "interval", Aliases: []string{"i"}, Value: time.Minute, Usage: "Poll interval"},
			&cli.BoolFlag{Name: "tokens", Aliases: []string{"t"}, Usage: "Include SPL token accounts"},
			&cli.StringFlag{Name: "mint", Usage: "Restrict token accounts to this mint"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			address := c.Args().First()
			if _, err := wallet.ParseRecipient(address); err != nil {
				return err
			}
			watch, err := newHTTPClient(c, 30*time.Second).UpsertWatch(context.Background(), address, c.Duration("interval"), c.Bool("tokens"), c.String("mint"))
			if err != nil {
				return fmt.Errorf("failed to schedule watch: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, watch)
			}
			fmt.Fprintf(c.App.Writer, "✓ Watching %s every %s\n", watch.Address, watch.Interval)
			return nil
		},
	}
}

func clientUnwatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "unwatch",
		Usage:     "Stop watching an account",
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: account address")
			}
			if err := newHTTPClient(c, 30*time.Second).DeleteWatch(context.Background(), c.Args().First()); err != nil {
				return fmt.Errorf("failed to delete watch: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Stopped watching %s\n", c.Args().First())
			return nil
		},
	}
}
