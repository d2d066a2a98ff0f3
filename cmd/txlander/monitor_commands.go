package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/temporal"
	"github.com/urfave/cli/v2"
)

func monitorCommand() *cli.Command {
	return &cli.Command{
		Name:      "monitor",
		Usage:     "Poll accounts and print a snapshot whenever one changes",
		ArgsUsage: "<address> [address...]",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "tokens",
				Aliases: []string{"t"},
				Usage:   "Include SPL token accounts owned by each address",
			},
			&cli.StringFlag{
				Name:  "mint",
				Usage: "Restrict token accounts to this mint (implies --tokens)",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Poll interval (0 uses MONITOR_INTERVAL)",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Print the current snapshots and exit",
			},
		},
		Action: func(c *cli.Context) error {
			targets, err := parseTargets(c.Args().Slice(), c.Bool("tokens"), c.String("mint"))
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := commandLogger(c)

			ledger, err := solana.Dial(cfg.SolanaRPCURLs, cfg.RPCRateLimit, cfg.RPCBurst, nil, logger)
			if err != nil {
				return err
			}

			interval := cfg.MonitorInterval
			if d := c.Duration("interval"); d > 0 {
				interval = d
			}
			m := monitor.New(ledger, monitor.Options{
				Interval:   interval,
				MaxBackoff: cfg.MonitorMaxBackoff,
				CacheTTL:   cfg.CacheTTL,
			}, nil, logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			emit := func(ctx context.Context, snap monitor.Snapshot) error {
				if wantJSON(c) {
					return writeJSON(c.App.Writer, snap, jqOrCompact(c))
				}
				printSnapshot(c.App.Writer, snap)
				return nil
			}

			if c.Bool("once") {
				for _, target := range targets {
					snap, err := m.Poll(ctx, target)
					if err != nil {
						return fmt.Errorf("failed to read %s: %w", target.Address, err)
					}
					if err := emit(ctx, snap); err != nil {
						return err
					}
				}
				return nil
			}

			err = m.Run(ctx, targets, emit)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}

// jqOrCompact streams one compact JSON document per snapshot unless a jq
// filter was given.
func jqOrCompact(c *cli.Context) string {
	if expr := c.String("jq"); expr != "" {
		return expr
	}
	return "."
}

func parseTargets(addresses []string, tokens bool, mint string) ([]monitor.Target, error) {
	if len(addresses) == 0 {
		return nil, fmt.Errorf("at least one address is required")
	}
	targets := make([]monitor.Target, 0, len(addresses))
	for _, address := range addresses {
		target, err := temporal.WatchAccountInput{
			Address:       address,
			IncludeTokens: tokens,
			Mint:          mint,
		}.Target()
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func printSnapshot(w io.Writer, snap monitor.Snapshot) {
	status := "exists"
	if !snap.Exists {
		status = "missing"
	}
	fmt.Fprintf(w, "%s  %s  %s  %.9f SOL  slot %d\n",
		snap.ObservedAt.Format(time.RFC3339), snap.Address, status,
		float64(snap.Lamports)/1e9, snap.Slot)
	for _, tb := range snap.Tokens {
		fmt.Fprintf(w, "    %s  mint %s  amount %d\n", tb.Address, tb.Mint, tb.Amount)
	}
}
