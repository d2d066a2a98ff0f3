package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/brojonat/txlander/service/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func listSubmissionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List recorded submissions, newest first",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (succeeded, failed, cancelled)",
			},
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Value:   50,
				Usage:   "Maximum number of submissions",
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of submissions to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			subs, err := store.ListSubmissions(context.Background(), db.ListSubmissionsParams{
				Status: c.String("status"),
				Limit:  int32(c.Int("limit")),
				Offset: int32(c.Int("offset")),
			})
			if err != nil {
				return fmt.Errorf("failed to list submissions: %w", err)
			}

			if wantJSON(c) {
				return outputJSON(c, subs)
			}

			// Pretty table output
			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OPERATION\tLABEL\tSTATUS\tATTEMPTS\tSIGNATURE\tERROR\tCREATED")
			for _, sub := range subs {
				errCategory := "-"
				if sub.FinalError != nil {
					errCategory = string(sub.FinalError.Category)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
					sub.OperationID,
					sub.Label,
					sub.Status,
					sub.AttemptCount,
					formatOptional(sub.Signature),
					errCategory,
					sub.CreatedAt.Format(time.RFC3339),
				)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d submissions\n", len(subs))
			return nil
		},
	}
}

func getSubmissionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a submission and its attempts",
		ArgsUsage: "<operation-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: operation id")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sub, err := store.GetSubmission(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get submission: %w", err)
			}

			if wantJSON(c) {
				return outputJSON(c, sub)
			}
			printSubmission(c, sub)
			return nil
		},
	}
}

func pruneSubmissionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "prune",
		Usage: "Delete submissions older than a retention period",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:     "older-than",
				Usage:    "Retention period (e.g. 720h)",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			retention := c.Duration("older-than")
			if retention <= 0 {
				return fmt.Errorf("older-than must be positive")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			cutoff := time.Now().Add(-retention)
			n, err := store.DeleteSubmissionsOlderThan(context.Background(), cutoff)
			if err != nil {
				return err
			}

			if wantJSON(c) {
				return outputJSON(c, map[string]interface{}{"deleted": n, "cutoff": cutoff})
			}
			fmt.Fprintf(c.App.Writer, "Deleted %d submissions created before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}
}

func printSubmission(c *cli.Context, sub *db.Submission) {
	w := c.App.Writer
	fmt.Fprintf(w, "Operation:   %s\n", sub.OperationID)
	fmt.Fprintf(w, "Label:       %s\n", sub.Label)
	fmt.Fprintf(w, "Status:      %s\n", sub.Status)
	fmt.Fprintf(w, "Signature:   %s\n", formatOptional(sub.Signature))
	if sub.FinalError != nil {
		fmt.Fprintf(w, "Error:       %s\n", sub.FinalError)
	}
	if sub.NeedsNewWindow {
		fmt.Fprintf(w, "Needs new validity window\n")
	}
	fmt.Fprintf(w, "Created:     %s\n", sub.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:     %s\n", sub.UpdatedAt.Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\n#\tSTAGE\tOUTCOME\tDURATION\tSIGNATURE\tERROR")
	for _, a := range sub.Attempts {
		errText := "-"
		if a.Error != nil {
			errText = fmt.Sprintf("%s: %s", a.Error.Category, a.Error.Message)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			a.Index,
			a.Stage,
			a.Outcome,
			a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond),
			formatOptional(a.Signature),
			errText,
		)
	}
	tw.Flush()
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
	if err := store.EnsureSchema(context.Background()); err != nil {
		pool.Close()
		return nil, nil, err
	}
	closer := func() { pool.Close() }

	return store, closer, nil
}

func formatOptional(s *string) string {
	if s != nil && *s != "" {
		return *s
	}
	return "-"
}
