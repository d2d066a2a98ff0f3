package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/submit"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runApp runs the CLI with args and returns what it wrote to stdout.
func runApp(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	app := newApp()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	app.Reader = strings.NewReader(stdin)
	err := app.Run(append([]string{"txlander"}, args...))
	return out.String(), err
}

func TestClassifyCommand(t *testing.T) {
	t.Run("text output", func(t *testing.T) {
		out, err := runApp(t, "", "classify", "dial", "tcp:", "connection", "refused")
		require.NoError(t, err)
		assert.Contains(t, out, "Category:    NETWORK")
		assert.Contains(t, out, "Retryable:   true")
	})

	t.Run("json output", func(t *testing.T) {
		out, err := runApp(t, "", "--json", "classify", "429 Too Many Requests")
		require.NoError(t, err)

		var got classify.Classification
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, classify.CategoryRemoteEndpoint, got.Category)
	})

	t.Run("jq filter", func(t *testing.T) {
		out, err := runApp(t, "", "--jq", ".category", "classify", "slippage tolerance exceeded")
		require.NoError(t, err)
		assert.Equal(t, "PRICE_TOLERANCE\n", out)
	})

	t.Run("structured error from stdin", func(t *testing.T) {
		out, err := runApp(t, `{"InstructionError":[0,{"Custom":6001}]}`, "--jq", ".category", "classify")
		require.NoError(t, err)
		assert.Equal(t, "EXECUTION\n", out)
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := runApp(t, "   ", "classify")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "required")
	})
}

func TestClassifyInput(t *testing.T) {
	v, err := classifyInput([]string{"{not json"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "{not json", v)

	v, err = classifyInput(nil, strings.NewReader(`["a", 1]`))
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", float64(1)}, v)
}

func TestWriteJSON(t *testing.T) {
	value := map[string]interface{}{
		"status":   "failed",
		"attempts": []map[string]interface{}{{"index": 1}, {"index": 2}},
	}

	t.Run("indented without a filter", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, value, ""))
		assert.Contains(t, buf.String(), "\n  \"status\": \"failed\"")
	})

	t.Run("one line per result", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, value, ".attempts[].index"))
		assert.Equal(t, "1\n2\n", buf.String())
	})

	t.Run("compact objects", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeJSON(&buf, value, "{s: .status}"))
		assert.Equal(t, "{\"s\":\"failed\"}\n", buf.String())
	})

	t.Run("invalid filter", func(t *testing.T) {
		var buf bytes.Buffer
		err := writeJSON(&buf, value, ".[")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse jq filter")
	})

	t.Run("evaluation error", func(t *testing.T) {
		var buf bytes.Buffer
		err := writeJSON(&buf, value, ".status | keys")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jq evaluation failed")
	})
}

func TestParseTransferArgs(t *testing.T) {
	to := solanago.NewWallet().PublicKey()

	req, err := parseTransferArgs([]string{to.String(), "5000"}, "hello")
	require.NoError(t, err)
	assert.True(t, req.To.Equals(to))
	assert.Equal(t, uint64(5000), req.Lamports)
	assert.Equal(t, "hello", req.Memo)

	tests := []struct {
		name string
		args []string
		memo string
	}{
		{"missing lamports", []string{to.String()}, ""},
		{"bad recipient", []string{"not-a-key", "1"}, ""},
		{"negative lamports", []string{to.String(), "-1"}, ""},
		{"zero lamports", []string{to.String(), "0"}, ""},
		{"memo too long", []string{to.String(), "1"}, strings.Repeat("m", 300)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseTransferArgs(tt.args, tt.memo)
			assert.Error(t, err)
		})
	}
}

func TestParseTargets(t *testing.T) {
	a := solanago.NewWallet().PublicKey()
	mint := solanago.NewWallet().PublicKey()

	targets, err := parseTargets([]string{a.String()}, false, mint.String())
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.True(t, targets[0].IncludeTokens)
	require.NotNil(t, targets[0].Mint)
	assert.True(t, targets[0].Mint.Equals(mint))

	_, err = parseTargets(nil, false, "")
	assert.Error(t, err)

	_, err = parseTargets([]string{"bogus"}, false, "")
	assert.Error(t, err)
}

func TestPrintOutcome(t *testing.T) {
	start := time.Now()
	c := classify.Classify("blockhash not found")
	out := submit.Outcome{
		OperationID: "op-1",
		Status:      submit.StatusFailed,
		Attempts: []submit.AttemptRecord{
			{Index: 1, Stage: submit.StageSubmit, Outcome: submit.AttemptFailed, Error: &c, StartedAt: start, FinishedAt: start.Add(time.Second)},
		},
		FinalError:     &c,
		NeedsNewWindow: true,
	}

	var buf bytes.Buffer
	printOutcome(&buf, out)
	text := buf.String()
	assert.Contains(t, text, "✗ Operation failed")
	assert.Contains(t, text, "#1 submit")
	assert.Contains(t, text, "NETWORK")
	assert.Contains(t, text, "re-sign and submit again")
}

func TestHealthCommand(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/health", r.URL.Path)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		}))
		defer srv.Close()

		out, err := runApp(t, "", "--server-url", srv.URL, "server", "health")
		require.NoError(t, err)
		assert.Contains(t, out, "Server is healthy")
	})

	t.Run("unhealthy", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		_, err := runApp(t, "", "--server-url", srv.URL, "server", "health")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "health check failed")
	})
}

func TestVersionCommand(t *testing.T) {
	out, err := runApp(t, "", "server", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version: dev")
}

func TestClientTransferCommand(t *testing.T) {
	var got map[string]interface{}
	var wait string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/transfers", r.URL.Path)
		wait = r.URL.Query().Get("wait")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		if wait == "true" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"workflow_id": "transfer-1",
				"result": map[string]interface{}{
					"outcome":  map[string]interface{}{"operation_id": "op-1", "status": "succeeded", "signature": "5sig"},
					"recorded": true,
				},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"workflow_id": "transfer-1"})
	}))
	defer srv.Close()

	out, err := runApp(t, "", "--server-url", srv.URL, "client", "transfer", "--memo", "m", "recipient", "7")
	require.NoError(t, err)
	assert.Empty(t, wait)
	assert.Equal(t, "recipient", got["to"])
	assert.Equal(t, float64(7), got["lamports"])
	assert.Equal(t, "m", got["memo"])
	assert.Contains(t, out, "client wait transfer-1")

	out, err = runApp(t, "", "--server-url", srv.URL, "--jq", ".result.outcome.signature", "client", "transfer", "--wait", "recipient", "7")
	require.NoError(t, err)
	assert.Equal(t, "true", wait)
	assert.Equal(t, "5sig\n", out)

	_, err = runApp(t, "", "--server-url", srv.URL, "client", "transfer", "recipient", "lots")
	assert.Error(t, err)
}

func TestClientAccountCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/accounts/acct", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("tokens"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"address":  "acct",
			"exists":   true,
			"lamports": 1500000000,
			"tokens":   []map[string]interface{}{{"address": "ata", "mint": "mint1", "amount": 10}},
		})
	}))
	defer srv.Close()

	out, err := runApp(t, "", "--server-url", srv.URL, "client", "account", "--tokens", "acct")
	require.NoError(t, err)
	assert.Contains(t, out, "1.500000000 SOL")
	assert.Contains(t, out, "mint mint1  amount 10")
}

func TestClientWatchCommands(t *testing.T) {
	address := solanago.NewWallet().PublicKey().String()
	var methods []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/watches/"+address, r.URL.Path)
		methods = append(methods, r.Method)
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "30s", body["interval"])
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"address": address, "interval": "30s"})
	}))
	defer srv.Close()

	out, err := runApp(t, "", "--server-url", srv.URL, "client", "watch", "--interval", "30s", address)
	require.NoError(t, err)
	assert.Contains(t, out, "Watching "+address+" every 30s")

	out, err = runApp(t, "", "--server-url", srv.URL, "client", "unwatch", address)
	require.NoError(t, err)
	assert.Contains(t, out, "Stopped watching")
	assert.Equal(t, []string{http.MethodPut, http.MethodDelete}, methods)

	_, err = runApp(t, "", "--server-url", srv.URL, "client", "watch", "bogus")
	assert.Error(t, err)
}
