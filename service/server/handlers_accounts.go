package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/temporal"
)

const (
	minWatchInterval = 10 * time.Second
	maxWatchInterval = 24 * time.Hour
)

// handleGetAccount returns a handler that reads an account through the
// result cache.
// GET /api/v1/accounts/{address}?tokens=true&mint=MINT&refresh=true
func handleGetAccount(accounts AccountReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accounts == nil {
			writeError(w, "account reads are not configured", http.StatusServiceUnavailable)
			return
		}

		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		query := r.URL.Query()
		target, err := temporal.WatchAccountInput{
			Address:       address,
			IncludeTokens: query.Get("tokens") == "true",
			Mint:          query.Get("mint"),
		}.Target()
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		read := accounts.Poll
		if query.Get("refresh") == "true" {
			read = accounts.Refresh
		}
		snap, err := read(r.Context(), target)
		if err != nil {
			logger.Warn("failed to read account", "address", address, "error", err)
			writeClassified(w, err)
			return
		}

		writeJSON(w, snap, http.StatusOK)
	})
}

// watchRequest is the body of PUT /api/v1/watches/{address}.
type watchRequest struct {
	Interval      string `json:"interval"`
	IncludeTokens bool   `json:"include_tokens,omitempty"`
	Mint          string `json:"mint,omitempty"`
}

// handleUpsertWatch returns a handler that creates or updates the Temporal
// schedule watching an account.
// PUT /api/v1/watches/{address}
func handleUpsertWatch(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			writeError(w, "watches are not configured", http.StatusServiceUnavailable)
			return
		}

		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req watchRequest
		if !decodeJSON(w, r, &req, logger) {
			return
		}

		interval, err := parseDurationParam(req.Interval, "interval", minWatchInterval, maxWatchInterval)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		input := temporal.WatchAccountInput{
			Address:       address,
			IncludeTokens: req.IncludeTokens,
			Mint:          req.Mint,
		}
		if _, err := input.Target(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.UpsertWatchSchedule(r.Context(), input, interval); err != nil {
			logger.Error("failed to upsert watch schedule", "address", address, "error", err)
			writeError(w, "failed to schedule watch", http.StatusInternalServerError)
			return
		}

		logger.Info("watch scheduled", "address", address, "interval", interval)
		writeJSON(w, map[string]interface{}{
			"address":        address,
			"interval":       interval.String(),
			"include_tokens": input.IncludeTokens || input.Mint != "",
			"mint":           input.Mint,
		}, http.StatusOK)
	})
}

// handleDeleteWatch returns a handler that stops watching an account.
// DELETE /api/v1/watches/{address}
func handleDeleteWatch(scheduler temporal.Scheduler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if scheduler == nil {
			writeError(w, "watches are not configured", http.StatusServiceUnavailable)
			return
		}

		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		err := scheduler.DeleteWatchSchedule(r.Context(), address)
		if errors.Is(err, temporal.ErrScheduleNotFound) {
			writeError(w, "watch not found", http.StatusNotFound)
			return
		}
		if err != nil {
			logger.Error("failed to delete watch schedule", "address", address, "error", err)
			writeError(w, "failed to delete watch", http.StatusInternalServerError)
			return
		}

		logger.Info("watch deleted", "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleClassify returns a handler that classifies an arbitrary error value.
// POST /api/v1/classify with body {"error": <string or object>}
func handleClassify(logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Error interface{} `json:"error"`
		}
		if !decodeJSON(w, r, &req, logger) {
			return
		}
		if req.Error == nil {
			writeError(w, "error is required", http.StatusBadRequest)
			return
		}

		writeJSON(w, classify.Classify(req.Error), http.StatusOK)
	})
}
