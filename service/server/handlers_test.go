package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/submit"
	"github.com/brojonat/txlander/service/temporal"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	temporalsdk "go.temporal.io/sdk/temporal"
)

type fakeRunner struct {
	started  []temporal.TransferInput
	startErr error
	result   *temporal.TransferResult
	awaitErr error
	awaited  []string
}

func (f *fakeRunner) StartTransfer(ctx context.Context, input temporal.TransferInput) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, input)
	return temporal.TransferWorkflowID("req-1"), nil
}

func (f *fakeRunner) AwaitTransfer(ctx context.Context, workflowID string) (*temporal.TransferResult, error) {
	f.awaited = append(f.awaited, workflowID)
	if f.awaitErr != nil {
		return nil, f.awaitErr
	}
	return f.result, nil
}

type fakeSubmissions struct {
	subs   map[string]*db.Submission
	listed []db.ListSubmissionsParams
	err    error
}

func (f *fakeSubmissions) GetSubmission(ctx context.Context, id string) (*db.Submission, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, ok := f.subs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubmissions) ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error) {
	f.listed = append(f.listed, params)
	if f.err != nil {
		return nil, f.err
	}
	var out []*db.Submission
	for _, sub := range f.subs {
		if params.Status == "" || sub.Status == params.Status {
			out = append(out, sub)
		}
	}
	return out, nil
}

type fakeAccounts struct {
	snap      monitor.Snapshot
	err       error
	targets   []monitor.Target
	refreshes int
}

func (f *fakeAccounts) Poll(ctx context.Context, target monitor.Target) (monitor.Snapshot, error) {
	f.targets = append(f.targets, target)
	return f.snap, f.err
}

func (f *fakeAccounts) Refresh(ctx context.Context, target monitor.Target) (monitor.Snapshot, error) {
	f.refreshes++
	return f.Poll(ctx, target)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	srv := New(":0", deps, metrics.NewMetrics(prometheus.NewRegistry()), testLogger())
	return srv.Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	resp := w.Result()

	var decoded map[string]interface{}
	raw := w.Body.Bytes()
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return resp, decoded
}

func newAddress() string {
	return solanago.NewWallet().PublicKey().String()
}

func TestStartTransfer(t *testing.T) {
	to := newAddress()

	t.Run("async returns the workflow id", func(t *testing.T) {
		runner := &fakeRunner{}
		ts := newTestServer(t, Deps{Transfers: runner})

		resp, body := do(t, ts, "POST", "/api/v1/transfers",
			`{"to":"`+to+`","lamports":5000,"memo":"hi","max_retries":2,"skip_simulation":true}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		assert.Equal(t, "transfer-req-1", body["workflow_id"])
		assert.Nil(t, body["result"])

		require.Len(t, runner.started, 1)
		assert.Equal(t, temporal.TransferInput{
			To: to, Lamports: 5000, Memo: "hi", MaxRetries: 2, SkipSimulation: true,
		}, runner.started[0])
		assert.Empty(t, runner.awaited)
	})

	t.Run("wait returns the outcome", func(t *testing.T) {
		runner := &fakeRunner{result: &temporal.TransferResult{
			Outcome:  submit.Outcome{OperationID: "op-1", Status: submit.StatusSucceeded, Signature: "5sig"},
			Recorded: true,
		}}
		ts := newTestServer(t, Deps{Transfers: runner})

		resp, body := do(t, ts, "POST", "/api/v1/transfers?wait=true", `{"to":"`+to+`","lamports":1}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		result := body["result"].(map[string]interface{})
		outcome := result["outcome"].(map[string]interface{})
		assert.Equal(t, "succeeded", outcome["status"])
		assert.Equal(t, "5sig", outcome["signature"])
		assert.Equal(t, []string{"transfer-req-1"}, runner.awaited)
	})

	t.Run("classified workflow failure", func(t *testing.T) {
		runner := &fakeRunner{awaitErr: temporalsdk.NewNonRetryableApplicationError("the signing account cannot perform this operation", "ACCOUNT", nil)}
		ts := newTestServer(t, Deps{Transfers: runner})

		resp, body := do(t, ts, "POST", "/api/v1/transfers?wait=true", `{"to":"`+to+`","lamports":1}`)
		assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "ACCOUNT", body["category"])
	})

	t.Run("start failure", func(t *testing.T) {
		ts := newTestServer(t, Deps{Transfers: &fakeRunner{startErr: errors.New("temporal down")}})
		resp, body := do(t, ts, "POST", "/api/v1/transfers", `{"to":"`+to+`","lamports":1}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
		assert.Equal(t, "failed to start transfer", body["error"])
	})

	t.Run("not configured", func(t *testing.T) {
		ts := newTestServer(t, Deps{})
		resp, _ := do(t, ts, "POST", "/api/v1/transfers", `{"to":"`+to+`","lamports":1}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestStartTransfer_InvalidInput(t *testing.T) {
	to := newAddress()

	tests := []struct {
		name      string
		body      string
		wantError string
	}{
		{
			name:      "extremely large request body",
			body:      `{"to":"` + strings.Repeat("A", 2*1024*1024) + `"}`,
			wantError: "request body too large",
		},
		{name: "malformed JSON", body: `{"to":`, wantError: "invalid request body"},
		{name: "empty JSON object", body: `{}`, wantError: "address is required"},
		{name: "SQL injection in address", body: `{"to":"abc'; DROP TABLE submissions; --","lamports":1}`, wantError: "invalid address format"},
		{name: "control characters", body: `{"to":"abc\u0000def","lamports":1}`, wantError: "control characters"},
		{name: "not a public key", body: `{"to":"1111","lamports":1}`, wantError: "not a valid public key"},
		{name: "zero lamports", body: `{"to":"` + to + `"}`, wantError: "lamports must be greater than zero"},
		{name: "memo too long", body: `{"to":"` + to + `","lamports":1,"memo":"` + strings.Repeat("m", 300) + `"}`, wantError: "memo cannot exceed"},
		{name: "negative retries", body: `{"to":"` + to + `","lamports":1,"max_retries":-1}`, wantError: "max_retries"},
		{name: "too many retries", body: `{"to":"` + to + `","lamports":1,"max_retries":11}`, wantError: "max_retries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			ts := newTestServer(t, Deps{Transfers: runner})

			resp, body := do(t, ts, "POST", "/api/v1/transfers", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body["error"], tt.wantError)
			assert.Empty(t, runner.started)
		})
	}
}

func TestGetTransfer(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		runner := &fakeRunner{awaitErr: serviceerror.NewNotFound("workflow not found")}
		ts := newTestServer(t, Deps{Transfers: runner})

		resp, _ := do(t, ts, "GET", "/api/v1/transfers/transfer-missing", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unclassified failure", func(t *testing.T) {
		runner := &fakeRunner{awaitErr: errors.New("workflow timed out")}
		ts := newTestServer(t, Deps{Transfers: runner})

		resp, _ := do(t, ts, "GET", "/api/v1/transfers/transfer-abc", "")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})

	t.Run("rejects other workflow ids", func(t *testing.T) {
		runner := &fakeRunner{}
		ts := newTestServer(t, Deps{Transfers: runner})

		resp, _ := do(t, ts, "GET", "/api/v1/transfers/watch-account-abc", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, runner.awaited)
	})
}

func TestSubmissions(t *testing.T) {
	sig := "5sig"
	c := classify.Classify("connection refused")
	now := time.Now().UTC().Truncate(time.Second)
	store := &fakeSubmissions{subs: map[string]*db.Submission{
		"op-1": {
			OperationID:  "op-1",
			Label:        "transfer",
			Status:       "succeeded",
			Signature:    &sig,
			AttemptCount: 2,
			CreatedAt:    now,
			UpdatedAt:    now,
			Attempts: []db.Attempt{
				{Index: 1, Stage: "submit", Outcome: "failed", Error: &c, StartedAt: now, FinishedAt: now},
				{Index: 2, Stage: "confirm", Outcome: "succeeded", Signature: &sig, StartedAt: now, FinishedAt: now},
			},
		},
		"op-2": {OperationID: "op-2", Status: "failed", FinalError: &c, CreatedAt: now, UpdatedAt: now},
	}}
	ts := newTestServer(t, Deps{Submissions: store})

	t.Run("get", func(t *testing.T) {
		resp, body := do(t, ts, "GET", "/api/v1/submissions/op-1", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "op-1", body["operation_id"])
		assert.Equal(t, "5sig", body["signature"])
		attempts := body["attempts"].([]interface{})
		require.Len(t, attempts, 2)
		first := attempts[0].(map[string]interface{})
		assert.Equal(t, "NETWORK", first["error"].(map[string]interface{})["category"])
	})

	t.Run("get missing", func(t *testing.T) {
		resp, body := do(t, ts, "GET", "/api/v1/submissions/op-404", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "submission not found", body["error"])
	})

	t.Run("list filtered", func(t *testing.T) {
		resp, body := do(t, ts, "GET", "/api/v1/submissions?status=failed&limit=5&offset=0", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(1), body["count"])
		last := store.listed[len(store.listed)-1]
		assert.Equal(t, db.ListSubmissionsParams{Status: "failed", Limit: 5, Offset: 0}, last)
	})

	t.Run("list defaults", func(t *testing.T) {
		resp, body := do(t, ts, "GET", "/api/v1/submissions", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(2), body["count"])
		assert.Equal(t, float64(defaultListLimit), body["limit"])
	})

	for _, query := range []string{"status=pending", "limit=0", "limit=1001", "limit=abc", "offset=-1"} {
		t.Run("list rejects "+query, func(t *testing.T) {
			resp, _ := do(t, ts, "GET", "/api/v1/submissions?"+query, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	t.Run("store error", func(t *testing.T) {
		ts := newTestServer(t, Deps{Submissions: &fakeSubmissions{err: errors.New("db down")}})
		resp, _ := do(t, ts, "GET", "/api/v1/submissions/op-1", "")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestGetAccount(t *testing.T) {
	address := newAddress()
	mint := newAddress()

	t.Run("cached read", func(t *testing.T) {
		accounts := &fakeAccounts{snap: monitor.Snapshot{Address: address, Exists: true, Lamports: 42, Hash: "h"}}
		ts := newTestServer(t, Deps{Accounts: accounts})

		resp, body := do(t, ts, "GET", "/api/v1/accounts/"+address+"?mint="+mint, "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, float64(42), body["lamports"])
		assert.Equal(t, 0, accounts.refreshes)

		require.Len(t, accounts.targets, 1)
		assert.True(t, accounts.targets[0].IncludeTokens)
		require.NotNil(t, accounts.targets[0].Mint)
		assert.Equal(t, mint, accounts.targets[0].Mint.String())
	})

	t.Run("refresh bypasses the cache", func(t *testing.T) {
		accounts := &fakeAccounts{snap: monitor.Snapshot{Address: address}}
		ts := newTestServer(t, Deps{Accounts: accounts})

		resp, _ := do(t, ts, "GET", "/api/v1/accounts/"+address+"?refresh=true", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, 1, accounts.refreshes)
	})

	t.Run("ledger failure is classified", func(t *testing.T) {
		accounts := &fakeAccounts{err: classify.Wrap(errors.New("dial tcp: connection refused"))}
		ts := newTestServer(t, Deps{Accounts: accounts})

		resp, body := do(t, ts, "GET", "/api/v1/accounts/"+address, "")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "NETWORK", body["category"])
		assert.Equal(t, true, body["retryable"])
	})

	t.Run("invalid mint", func(t *testing.T) {
		accounts := &fakeAccounts{}
		ts := newTestServer(t, Deps{Accounts: accounts})

		resp, _ := do(t, ts, "GET", "/api/v1/accounts/"+address+"?mint=bogus", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Empty(t, accounts.targets)
	})
}

func TestWatches(t *testing.T) {
	address := newAddress()
	scheduler := temporal.NewMockScheduler()
	ts := newTestServer(t, Deps{Scheduler: scheduler})

	resp, body := do(t, ts, "PUT", "/api/v1/watches/"+address, `{"interval":"30s","include_tokens":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "30s", body["interval"])

	input, interval, ok := scheduler.GetSchedule(address)
	require.True(t, ok)
	assert.True(t, input.IncludeTokens)
	assert.Equal(t, 30*time.Second, interval)

	for _, bad := range []string{`{}`, `{"interval":"1s"}`, `{"interval":"48h"}`, `{"interval":"soon"}`, `{"interval":"1m","mint":"bogus"}`} {
		resp, _ := do(t, ts, "PUT", "/api/v1/watches/"+address, bad)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}

	resp, _ = do(t, ts, "DELETE", "/api/v1/watches/"+address, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, scheduler.ScheduleExists(address))

	resp, _ = do(t, ts, "DELETE", "/api/v1/watches/"+address, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	scheduler.SetUpsertError(errors.New("temporal down"))
	resp, _ = do(t, ts, "PUT", "/api/v1/watches/"+address, `{"interval":"30s"}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestClassifyEndpoint(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, body := do(t, ts, "POST", "/api/v1/classify", `{"error":"429 Too Many Requests"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "REMOTE_ENDPOINT", body["category"])
	assert.Equal(t, true, body["retryable"])

	resp, body = do(t, ts, "POST", "/api/v1/classify", `{"error":{"InstructionError":[0,{"Custom":6001}]}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "EXECUTION", body["category"])

	resp, _ = do(t, ts, "POST", "/api/v1/classify", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthMetricsAndCORS(t *testing.T) {
	ts := newTestServer(t, Deps{})

	resp, _ := do(t, ts, "GET", "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, ts, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, ts, "OPTIONS", "/api/v1/transfers", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestStatusForCategory(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForCategory(classify.CategoryInput))
	assert.Equal(t, http.StatusInternalServerError, statusForCategory(classify.CategoryConfiguration))
	assert.Equal(t, http.StatusBadGateway, statusForCategory(classify.CategoryRemoteEndpoint))
	assert.Equal(t, http.StatusUnprocessableEntity, statusForCategory(classify.CategoryPriceTolerance))
}
