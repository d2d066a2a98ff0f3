package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/submit"
)

// TransferRequest asks the server to move lamports to a recipient.
type TransferRequest struct {
	To               string `json:"to"`
	Lamports         uint64 `json:"lamports"`
	Memo             string `json:"memo,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	SkipSimulation   bool   `json:"skip_simulation,omitempty"`
	SkipConfirmation bool   `json:"skip_confirmation,omitempty"`
}

// TransferResult is the completed outcome of a transfer workflow.
type TransferResult struct {
	Outcome     submit.Outcome `json:"outcome"`
	Recorded    bool           `json:"recorded"`
	RecordError string         `json:"record_error,omitempty"`
}

// Transfer identifies a transfer workflow. Result is nil until the workflow
// has completed.
type Transfer struct {
	WorkflowID string          `json:"workflow_id"`
	Result     *TransferResult `json:"result,omitempty"`
}

// Submission is a recorded submission outcome.
type Submission struct {
	OperationID    string                   `json:"operation_id"`
	Label          string                   `json:"label"`
	Status         string                   `json:"status"`
	Signature      *string                  `json:"signature,omitempty"`
	FinalError     *classify.Classification `json:"final_error,omitempty"`
	NeedsNewWindow bool                     `json:"needs_new_window"`
	AttemptCount   int                      `json:"attempt_count"`
	Attempts       []Attempt                `json:"attempts,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// Attempt is one recorded attempt of a submission.
type Attempt struct {
	Index         int                      `json:"index"`
	Stage         string                   `json:"stage"`
	Outcome       string                   `json:"outcome"`
	Signature     *string                  `json:"signature,omitempty"`
	Error         *classify.Classification `json:"error,omitempty"`
	LandedFailure bool                     `json:"landed_failure,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
}

// ListOptions filters ListSubmissions. Zero values use the server defaults.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// AccountOptions selects what GetAccount reads.
type AccountOptions struct {
	IncludeTokens bool
	Mint          string
	Refresh       bool
}

// Watch describes a scheduled account watch.
type Watch struct {
	Address       string `json:"address"`
	Interval      string `json:"interval"`
	IncludeTokens bool   `json:"include_tokens"`
	Mint          string `json:"mint,omitempty"`
}

// APIError is a non-success response from the server. Category is set when
// the server classified the failure.
type APIError struct {
	StatusCode int
	Message    string
	Category   classify.Category
}

func (e *APIError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("request failed (%s): %s", e.Category, e.Message)
	}
	return fmt.Sprintf("request failed: %s", e.Message)
}

// Client is the HTTP client for the txlander service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// StartTransfer starts a transfer workflow and returns without waiting for it.
func (c *Client) StartTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, "POST", "/api/v1/transfers", nil, req, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("transfer started", "workflow_id", out.WorkflowID)
	return &out, nil
}

// SubmitTransfer starts a transfer and blocks until it reaches a terminal
// outcome. The http.Client timeout must allow for a full run.
func (c *Client) SubmitTransfer(ctx context.Context, req TransferRequest) (*Transfer, error) {
	var out Transfer
	q := url.Values{"wait": {"true"}}
	if err := c.do(ctx, "POST", "/api/v1/transfers", q, req, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitTransfer blocks until the given transfer workflow completes.
func (c *Client) WaitTransfer(ctx context.Context, workflowID string) (*Transfer, error) {
	var out Transfer
	path := "/api/v1/transfers/" + url.PathEscape(workflowID)
	if err := c.do(ctx, "GET", path, nil, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubmission retrieves a recorded submission with its attempts.
func (c *Client) GetSubmission(ctx context.Context, operationID string) (*Submission, error) {
	var out Submission
	path := "/api/v1/submissions/" + url.PathEscape(operationID)
	if err := c.do(ctx, "GET", path, nil, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubmissions retrieves recorded submissions, newest first.
func (c *Client) ListSubmissions(ctx context.Context, opts ListOptions) ([]Submission, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var out struct {
		Submissions []Submission `json:"submissions"`
	}
	if err := c.do(ctx, "GET", "/api/v1/submissions", q, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// GetAccount reads an account snapshot.
func (c *Client) GetAccount(ctx context.Context, address string, opts AccountOptions) (*monitor.Snapshot, error) {
	q := url.Values{}
	if opts.IncludeTokens {
		q.Set("tokens", "true")
	}
	if opts.Mint != "" {
		q.Set("mint", opts.Mint)
	}
	if opts.Refresh {
		q.Set("refresh", "true")
	}

	var out monitor.Snapshot
	path := "/api/v1/accounts/" + url.PathEscape(address)
	if err := c.do(ctx, "GET", path, q, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertWatch creates or updates the schedule watching an account.
func (c *Client) UpsertWatch(ctx context.Context, address string, interval time.Duration, includeTokens bool, mint string) (*Watch, error) {
	body := map[string]interface{}{
		"interval":       interval.String(),
		"include_tokens": includeTokens,
	}
	if mint != "" {
		body["mint"] = mint
	}

	var out Watch
	path := "/api/v1/watches/" + url.PathEscape(address)
	if err := c.do(ctx, "PUT", path, nil, body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	c.logger.Debug("watch scheduled", "address", address, "interval", interval)
	return &out, nil
}

// DeleteWatch stops watching an account.
func (c *Client) DeleteWatch(ctx context.Context, address string) error {
	path := "/api/v1/watches/" + url.PathEscape(address)
	if err := c.do(ctx, "DELETE", path, nil, nil, http.StatusNoContent, nil); err != nil {
		return err
	}
	c.logger.Debug("watch deleted", "address", address)
	return nil
}

// Classify asks the server to classify an error value, either a string or a
// structured error object.
func (c *Client) Classify(ctx context.Context, errValue interface{}) (*classify.Classification, error) {
	var out classify.Classification
	body := map[string]interface{}{"error": errValue}
	if err := c.do(ctx, "POST", "/api/v1/classify", nil, body, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, "GET", "/health", nil, nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in interface{}, wantStatus int, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error    string            `json:"error"`
		Category classify.Category `json:"category"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("status %d: %s", resp.StatusCode, string(body)),
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Category:   errResp.Category,
	}
}
