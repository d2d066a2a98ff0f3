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
		Name:  "txlander",
		Usage: "Ledger operation submission and account monitoring CLI",
		Description: `A command-line tool for the txlander service.

Submit transfers locally or through the server, classify ledger errors,
watch accounts, and inspect the submission audit trail.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			transferCommand(),
			classifyCommand(),
			monitorCommand(),
			// Database inspection commands
			{
				Name:  "db",
				Usage: "Submission audit trail commands",
				Subcommands: []*cli.Command{
					listSubmissionsCommand(),
					getSubmissionCommand(),
					pruneSubmissionsCommand(),
				},
			},
			// Client commands (HTTP API)
			clientCommands(),
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
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "txlander server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "warn",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to JSON output (implies --json)",
			},
		},
	}
}
