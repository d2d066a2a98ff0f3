// Package classify turns arbitrary failures from the ledger, the transport or
// our own validation into a small, stable taxonomy that retry logic can act on.
package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Category groups failures by where they came from.
type Category string

const (
	CategoryNetwork        Category = "NETWORK"
	CategoryRemoteEndpoint Category = "REMOTE_ENDPOINT"
	CategoryAccount        Category = "ACCOUNT"
	CategoryExecution      Category = "EXECUTION"
	CategoryPriceTolerance Category = "PRICE_TOLERANCE"
	CategoryResourceState  Category = "RESOURCE_STATE"
	CategoryInput          Category = "INPUT"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategoryUnknown        Category = "UNKNOWN"
)

// IsCategory reports whether s names a known category.
func IsCategory(s string) bool {
	switch Category(s) {
	case CategoryNetwork, CategoryRemoteEndpoint, CategoryAccount, CategoryExecution,
		CategoryPriceTolerance, CategoryResourceState, CategoryInput, CategoryConfiguration,
		CategoryUnknown:
		return true
	}
	return false
}

// Severity ranks how bad a failure is for the operator.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Classification is the result of classifying a failure. It is a plain value
// and safe to copy, compare and serialize.
type Classification struct {
	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Retryable  bool     `json:"retryable"`
	Message    string   `json:"message"`
	Suggestion string   `json:"suggestion,omitempty"`
	RawDetail  string   `json:"raw_detail,omitempty"`
}

// String renders the classification for log lines and CLI output.
func (c Classification) String() string {
	return fmt.Sprintf("%s/%s (retryable=%t): %s", c.Category, c.Severity, c.Retryable, c.Message)
}

// rule is one entry of the priority-ordered pattern table.
type rule struct {
	category   Category
	severity   Severity
	message    string
	suggestion string
	patterns   []string
	// unless lists phrases that belong to a later rule even though they
	// contain one of patterns.
	unless []string
}

// rules are tried in order and the first rule with a matching pattern wins.
// The order is significant: a message mentioning both a transport term and a
// pricing term is a NETWORK failure.
var rules = []rule{
	{
		category:   CategoryNetwork,
		severity:   SeverityMedium,
		message:    "network or transport failure while talking to the ledger",
		suggestion: "check connectivity to the RPC endpoint and retry",
		patterns: []string{
			"network error", "network is unreachable", "network unreachable", "network failure",
			"timeout", "timed out", "deadline exceeded", "econnrefused",
			"connection refused", "connection reset", "econnreset", "enotfound",
			"no such host", "socket hang up", "fetch failed", "broken pipe",
			"unexpected eof", "i/o timeout", "blockhash not found", "blockhashnotfound", "block height exceeded",
			"blockhash expired", "validity window expired", "transaction expired",
		},
		unless: []string{"gateway timeout"},
	},
	{
		category:   CategoryRemoteEndpoint,
		severity:   SeverityMedium,
		message:    "the RPC endpoint rejected or could not serve the request",
		suggestion: "wait and retry, or switch to another RPC endpoint",
		patterns: []string{
			"429", "too many requests", "rate limit", "service unavailable", "bad gateway",
			"gateway timeout", "internal server error", "status 500", "status 502", "status 503",
			"json-rpc", "jsonrpc", "rpc error", "rpc request", "method not found", "node is behind",
			"node is unhealthy", "min context slot", "quota",
		},
	},
	{
		category:   CategoryAccount,
		severity:   SeverityMedium,
		message:    "the signing account cannot perform this operation",
		suggestion: "verify the wallet, its balance and its token accounts",
		patterns: []string{
			"insufficient", "wallet", "signature verification", "missing signature",
			"unauthorized", "not authorized", "private key", "keypair", "account not found",
			"could not find account", "owner does not match", "invalid account owner",
			"account in use", "attempt to debit an account",
		},
	},
	{
		category:   CategoryExecution,
		severity:   SeverityMedium,
		message:    "the operation failed while executing on the ledger",
		suggestion: "inspect the program logs; the operation may need different parameters",
		patterns: []string{
			"simulation failed", "instructionerror", "instruction error",
			"custom program error", "program failed", "error processing instruction",
			"compute budget", "exceeded cus", "computational budget", "already been processed",
			"already processed", "alreadyprocessed", "landed with error",
		},
	},
	{
		category:   CategoryPriceTolerance,
		severity:   SeverityMedium,
		message:    "the price moved beyond the accepted tolerance",
		suggestion: "retry, or widen the slippage tolerance if the move is acceptable",
		patterns: []string{
			"slippage", "price impact", "tolerance", "minimum amount out", "amount out below",
			"price moved", "exceeds desired",
		},
	},
	{
		category:   CategoryResourceState,
		severity:   SeverityMedium,
		message:    "the remote resource is not in the expected state",
		suggestion: "refresh the cached state and retry",
		patterns: []string{
			"pool", "liquidity", "reserve", "not initialized", "uninitialized", "paused",
			"frozen", "mint mismatch", "stale",
		},
	},
	{
		category:   CategoryInput,
		severity:   SeverityLow,
		message:    "the request is malformed",
		suggestion: "fix the input and try again",
		patterns: []string{
			"invalid", "must be", "cannot be", "is required", "out of range", "malformed",
			"failed to parse", "parse error", "base58", "not a valid", "negative", "too large",
			"too small",
		},
		unless: []string{"configuration", "not configured", "environment variable"},
	},
	{
		category:   CategoryConfiguration,
		severity:   SeverityHigh,
		message:    "the service is misconfigured",
		suggestion: "check the environment and configuration files",
		patterns: []string{
			"configuration", "config", "environment variable", "not configured", "not set",
			"unsupported network", "unknown cluster",
		},
	},
}

// Classify maps any failure value to a Classification. It never panics;
// input it does not recognize becomes UNKNOWN/LOW/retryable.
func Classify(raw any) (c Classification) {
	defer func() {
		if r := recover(); r != nil {
			c = unknown(fmt.Sprintf("unclassifiable error: %v", r))
		}
	}()

	if existing, ok := embedded(raw); ok {
		return existing
	}

	text := extract(raw)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return unknown(text)
	}

	for _, r := range rules {
		if !matchesAny(normalized, r.patterns) || matchesAny(normalized, r.unless) {
			continue
		}
		c = Classification{
			Category:   r.category,
			Severity:   r.severity,
			Message:    r.message,
			Suggestion: r.suggestion,
			RawDetail:  text,
		}
		c.Retryable = escalate(&c, normalized)
		return c
	}

	return unknown(text)
}

// escalate adjusts severity from specific substrings and returns whether the
// failure may be retried.
func escalate(c *Classification, normalized string) bool {
	retryable := true

	switch c.Category {
	case CategoryAccount:
		switch {
		case strings.Contains(normalized, "private key"),
			strings.Contains(normalized, "keypair"),
			strings.Contains(normalized, "signature verification"):
			c.Severity = SeverityCritical
		case strings.Contains(normalized, "insufficient"):
			c.Severity = SeverityHigh
			c.Message = "the signing account has insufficient funds"
			c.Suggestion = "top up the wallet before retrying"
			retryable = false
		}
	case CategoryExecution:
		switch {
		case strings.Contains(normalized, "already been processed"),
			strings.Contains(normalized, "already processed"),
			strings.Contains(normalized, "alreadyprocessed"):
			c.Severity = SeverityHigh
			c.Message = "the ledger has already processed this operation"
			c.Suggestion = "look up the existing signature instead of resubmitting"
			retryable = false
		case strings.Contains(normalized, "custom program error"),
			strings.Contains(normalized, "instructionerror"),
			strings.Contains(normalized, "instruction error"):
			c.Severity = SeverityHigh
		}
	case CategoryResourceState:
		if strings.Contains(normalized, "paused") || strings.Contains(normalized, "frozen") {
			c.Severity = SeverityHigh
		}
	case CategoryConfiguration:
		if strings.Contains(normalized, "not set") || strings.Contains(normalized, "environment variable") {
			c.Severity = SeverityCritical
		}
	case CategoryInput:
		return false
	}

	if c.Category == CategoryConfiguration || c.Severity == SeverityCritical {
		return false
	}
	return retryable
}

func unknown(text string) Classification {
	return Classification{
		Category:   CategoryUnknown,
		Severity:   SeverityLow,
		Retryable:  true,
		Message:    "unrecognized failure",
		Suggestion: "retry; report the raw detail if it keeps happening",
		RawDetail:  text,
	}
}

func matchesAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// embedded returns a classification already attached to raw, if any.
func embedded(raw any) (Classification, bool) {
	switch v := raw.(type) {
	case Classification:
		return v, true
	case *Classification:
		if v != nil {
			return *v, true
		}
	case error:
		var ce *Error
		if errors.As(v, &ce) && ce != nil {
			return ce.Classification, true
		}
	}
	return Classification{}, false
}

// extract renders raw as the text the pattern table runs over.
func extract(raw any) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case error:
		return errorText(v)
	case fmt.Stringer:
		if isNilPointer(v) {
			return ""
		}
		return v.String()
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	default:
		if isNilPointer(v) {
			return ""
		}
		return fmt.Sprint(v)
	}
}

func errorText(err error) string {
	if isNilPointer(err) {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout: " + err.Error()
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// Match on message and data only; the numeric code is noise here.
		parts := []string{rpcErr.Message}
		if rpcErr.Data != nil {
			if b, mErr := json.Marshal(rpcErr.Data); mErr == nil {
				parts = append(parts, string(b))
			}
		}
		return strings.Join(parts, " ")
	}
	return err.Error()
}

func isNilPointer(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
