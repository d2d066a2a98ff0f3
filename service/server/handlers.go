package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/submit"
	"github.com/brojonat/txlander/service/temporal"
	"github.com/brojonat/txlander/service/wallet"
	"go.temporal.io/api/serviceerror"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxRetryBudget     = 10
	defaultListLimit   = 50
	maxListLimit       = 1000
	maxListOffset      = 1_000_000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// transferRequest is the body of POST /api/v1/transfers.
type transferRequest struct {
	To               string `json:"to"`
	Lamports         uint64 `json:"lamports"`
	Memo             string `json:"memo,omitempty"`
	MaxRetries       int    `json:"max_retries,omitempty"`
	SkipSimulation   bool   `json:"skip_simulation,omitempty"`
	SkipConfirmation bool   `json:"skip_confirmation,omitempty"`
}

func (req transferRequest) validate() error {
	if err := validateAddress(req.To); err != nil {
		return err
	}
	if req.Lamports == 0 {
		return errorf("lamports must be greater than zero")
	}
	if len(req.Memo) > wallet.MaxMemoLength {
		return errorf("memo cannot exceed %d bytes", wallet.MaxMemoLength)
	}
	if req.MaxRetries < 0 || req.MaxRetries > maxRetryBudget {
		return errorf("max_retries must be between 0 and %d", maxRetryBudget)
	}
	return nil
}

// transferResponse is returned by the transfer endpoints. Result is only set
// once the workflow has completed.
type transferResponse struct {
	WorkflowID string                   `json:"workflow_id"`
	Result     *temporal.TransferResult `json:"result,omitempty"`
}

// handleStartTransfer returns a handler that starts a transfer workflow.
// POST /api/v1/transfers[?wait=true]
//
// Without wait the workflow ID is returned immediately with 202. With
// wait=true the request blocks until the engine reaches a terminal outcome.
func handleStartTransfer(runner TransferRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			writeError(w, "transfers are not configured", http.StatusServiceUnavailable)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req transferRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if err := req.validate(); err != nil {
			logger.Debug("invalid transfer request", "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		workflowID, err := runner.StartTransfer(r.Context(), temporal.TransferInput{
			To:               req.To,
			Lamports:         req.Lamports,
			Memo:             req.Memo,
			MaxRetries:       req.MaxRetries,
			SkipSimulation:   req.SkipSimulation,
			SkipConfirmation: req.SkipConfirmation,
		})
		if err != nil {
			logger.Error("failed to start transfer", "to", req.To, "error", err)
			writeError(w, "failed to start transfer", http.StatusInternalServerError)
			return
		}

		logger.Info("transfer started", "workflow_id", workflowID, "to", req.To, "lamports", req.Lamports)

		if r.URL.Query().Get("wait") != "true" {
			writeJSON(w, transferResponse{WorkflowID: workflowID}, http.StatusAccepted)
			return
		}
		awaitTransfer(w, r, runner, workflowID, logger)
	})
}

// handleGetTransfer returns a handler that waits for a transfer workflow.
// GET /api/v1/transfers/{workflow_id}
func handleGetTransfer(runner TransferRunner, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if runner == nil {
			writeError(w, "transfers are not configured", http.StatusServiceUnavailable)
			return
		}

		workflowID := r.PathValue("workflow_id")
		if !strings.HasPrefix(workflowID, temporal.TransferWorkflowID("")) {
			writeError(w, "invalid workflow_id", http.StatusBadRequest)
			return
		}
		awaitTransfer(w, r, runner, workflowID, logger)
	})
}

func awaitTransfer(w http.ResponseWriter, r *http.Request, runner TransferRunner, workflowID string, logger *slog.Logger) {
	result, err := runner.AwaitTransfer(r.Context(), workflowID)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			writeError(w, "transfer not found", http.StatusNotFound)
			return
		}
		if category, ok := temporal.ErrorCategory(err); ok {
			logger.Warn("transfer rejected", "workflow_id", workflowID, "category", category, "error", err)
			writeJSON(w, map[string]interface{}{
				"workflow_id": workflowID,
				"error":       err.Error(),
				"category":    category,
			}, statusForCategory(category))
			return
		}
		if r.Context().Err() != nil {
			writeError(w, "request cancelled while waiting for transfer", http.StatusGatewayTimeout)
			return
		}
		logger.Error("transfer workflow failed", "workflow_id", workflowID, "error", err)
		writeError(w, "transfer workflow failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, transferResponse{WorkflowID: workflowID, Result: result}, http.StatusOK)
}

// handleGetSubmission returns a handler that retrieves a recorded submission.
// GET /api/v1/submissions/{id}
func handleGetSubmission(store SubmissionReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "submission store is not configured", http.StatusServiceUnavailable)
			return
		}

		id := r.PathValue("id")
		if id == "" || len(id) > maxAddressLength {
			writeError(w, "invalid submission id", http.StatusBadRequest)
			return
		}

		sub, err := store.GetSubmission(r.Context(), id)
		if errors.Is(err, db.ErrNotFound) {
			writeError(w, "submission not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to get submission", "operation_id", id, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		writeJSON(w, submissionToResponse(sub), http.StatusOK)
	})
}

// handleListSubmissions returns a handler that lists recorded submissions,
// newest first.
// GET /api/v1/submissions?status=STATUS&limit=N&offset=N
func handleListSubmissions(store SubmissionReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "submission store is not configured", http.StatusServiceUnavailable)
			return
		}

		query := r.URL.Query()

		status := query.Get("status")
		if err := validateStatus(status); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit, err := parseIntParam(query.Get("limit"), "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset, err := parseIntParam(query.Get("offset"), "offset", 0, 0, maxListOffset)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		subs, err := store.ListSubmissions(r.Context(), db.ListSubmissionsParams{
			Status: status,
			Limit:  int32(limit),
			Offset: int32(offset),
		})
		if err != nil {
			logger.Error("failed to list submissions", "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("submissions listed", "count", len(subs))

		resp := make([]submissionResponse, len(subs))
		for i, sub := range subs {
			resp[i] = submissionToResponse(sub)
		}

		writeJSON(w, map[string]interface{}{
			"submissions": resp,
			"count":       len(resp),
			"limit":       limit,
			"offset":      offset,
		}, http.StatusOK)
	})
}

// submissionResponse is the JSON response format for a submission.
type submissionResponse struct {
	OperationID    string                   `json:"operation_id"`
	Label          string                   `json:"label"`
	Status         string                   `json:"status"`
	Signature      *string                  `json:"signature,omitempty"`
	FinalError     *classify.Classification `json:"final_error,omitempty"`
	NeedsNewWindow bool                     `json:"needs_new_window"`
	AttemptCount   int                      `json:"attempt_count"`
	Attempts       []attemptResponse        `json:"attempts,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
}

// attemptResponse is the JSON response format for one attempt.
type attemptResponse struct {
	Index         int                      `json:"index"`
	Stage         string                   `json:"stage"`
	Outcome       string                   `json:"outcome"`
	Signature     *string                  `json:"signature,omitempty"`
	Error         *classify.Classification `json:"error,omitempty"`
	LandedFailure bool                     `json:"landed_failure,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
}

// submissionToResponse converts a stored Submission to a response format.
func submissionToResponse(s *db.Submission) submissionResponse {
	resp := submissionResponse{
		OperationID:    s.OperationID,
		Label:          s.Label,
		Status:         s.Status,
		Signature:      s.Signature,
		FinalError:     s.FinalError,
		NeedsNewWindow: s.NeedsNewWindow,
		AttemptCount:   s.AttemptCount,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	for _, a := range s.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Index:         a.Index,
			Stage:         a.Stage,
			Outcome:       a.Outcome,
			Signature:     a.Signature,
			Error:         a.Error,
			LandedFailure: a.LandedFailure,
			StartedAt:     a.StartedAt,
			FinishedAt:    a.FinishedAt,
		})
	}
	return resp
}

// statusForCategory maps a failure category to the HTTP status reported for it.
func statusForCategory(c classify.Category) int {
	switch c {
	case classify.CategoryInput:
		return http.StatusBadRequest
	case classify.CategoryConfiguration:
		return http.StatusInternalServerError
	case classify.CategoryNetwork, classify.CategoryRemoteEndpoint:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// writeClassified writes err with its classification.
func writeClassified(w http.ResponseWriter, err error) {
	c := classify.From(err)
	writeJSON(w, map[string]interface{}{
		"error":      err.Error(),
		"category":   c.Category,
		"retryable":  c.Retryable,
		"suggestion": c.Suggestion,
	}, statusForCategory(c.Category))
}

// decodeJSON decodes the request body into v, writing a 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, logger *slog.Logger) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		logger.Debug("failed to decode request", "error", err)
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
			return false
		}
		writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates an account address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	if _, err := wallet.ParseRecipient(address); err != nil {
		return errorf("invalid address: not a valid public key")
	}

	return nil
}

func validateStatus(status string) error {
	switch submit.Status(status) {
	case "", submit.StatusSucceeded, submit.StatusFailed, submit.StatusCancelled:
		return nil
	}
	return errorf("invalid status: must be 'succeeded', 'failed' or 'cancelled'")
}

// parseIntParam parses an optional integer query parameter bounded by [lo, hi].
func parseIntParam(raw, name string, def, lo, hi int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errorf("invalid %s parameter: must be an integer", name)
	}
	if n < lo {
		return 0, errorf("%s must be at least %d", name, lo)
	}
	if n > hi {
		return 0, errorf("%s cannot exceed %d", name, hi)
	}
	return n, nil
}

func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}

// parseDurationParam parses a duration bounded by [lo, hi].
func parseDurationParam(raw, name string, lo, hi time.Duration) (time.Duration, error) {
	if raw == "" {
		return 0, errorf("%s is required", name)
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errorf("invalid %s: %v", name, err)
	}
	if d < lo {
		return 0, errorf("%s must be at least %v", name, lo)
	}
	if d > hi {
		return 0, errorf("%s cannot exceed %v", name, hi)
	}
	return d, nil
}
