package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/brojonat/txlander/service/classify"
	"github.com/urfave/cli/v2"
)

func classifyCommand() *cli.Command {
	return &cli.Command{
		Name:      "classify",
		Usage:     "Classify a ledger error message or JSON error object",
		ArgsUsage: "[message...]",
		Description: `Reads the error from the arguments, or from stdin when none are given.
Input that parses as a JSON object or array is classified structurally.`,
		Action: func(c *cli.Context) error {
			raw, err := classifyInput(c.Args().Slice(), c.App.Reader)
			if err != nil {
				return err
			}

			result := classify.Classify(raw)

			if wantJSON(c) {
				return outputJSON(c, result)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Category:    %s\n", result.Category)
			fmt.Fprintf(w, "Severity:    %s\n", result.Severity)
			fmt.Fprintf(w, "Retryable:   %t\n", result.Retryable)
			fmt.Fprintf(w, "Message:     %s\n", result.Message)
			if result.Suggestion != "" {
				fmt.Fprintf(w, "Suggestion:  %s\n", result.Suggestion)
			}
			return nil
		},
	}
}

// classifyInput returns the value to classify: decoded JSON when the text is
// a JSON object or array, the plain text otherwise.
func classifyInput(args []string, stdin io.Reader) (interface{}, error) {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		text = string(b)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("an error message is required")
	}

	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		var v interface{}
		if err := json.Unmarshal([]byte(text), &v); err == nil {
			return v, nil
		}
	}
	return text, nil
}
