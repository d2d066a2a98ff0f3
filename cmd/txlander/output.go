package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// wantJSON reports whether the command should print JSON.
func wantJSON(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// outputJSON writes v as indented JSON, or the results of the --jq
// expression applied to it, one per line.
func outputJSON(c *cli.Context, v interface{}) error {
	return writeJSON(c.App.Writer, v, c.String("jq"))
}

func writeJSON(w io.Writer, v interface{}, expr string) error {
	if expr == "" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	code, err := compileJQ(expr)
	if err != nil {
		return err
	}

	// gojq only accepts plain JSON values, so round-trip through encoding/json.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to unmarshal output: %w", err)
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, ok := result.(error); ok {
			return fmt.Errorf("jq evaluation failed: %w", err)
		}
		if s, ok := result.(string); ok {
			fmt.Fprintln(w, s)
			continue
		}
		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(out))
	}
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func commandLogger(c *cli.Context) *slog.Logger {
	return setupLogger(c.String("log-level"))
}
