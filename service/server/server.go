package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/temporal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TransferRunner starts transfer workflows and waits for their results.
// *temporal.Client satisfies it.
type TransferRunner interface {
	StartTransfer(ctx context.Context, input temporal.TransferInput) (string, error)
	AwaitTransfer(ctx context.Context, workflowID string) (*temporal.TransferResult, error)
}

// SubmissionReader reads recorded submission outcomes. *db.Store satisfies it.
type SubmissionReader interface {
	GetSubmission(ctx context.Context, operationID string) (*db.Submission, error)
	ListSubmissions(ctx context.Context, params db.ListSubmissionsParams) ([]*db.Submission, error)
}

// AccountReader reads account snapshots. *monitor.Monitor satisfies it.
type AccountReader interface {
	Poll(ctx context.Context, target monitor.Target) (monitor.Snapshot, error)
	Refresh(ctx context.Context, target monitor.Target) (monitor.Snapshot, error)
}

// Deps are the collaborators the HTTP server needs. Any of them may be nil;
// the routes that need a missing one answer 503.
type Deps struct {
	Transfers   TransferRunner
	Submissions SubmissionReader
	Accounts    AccountReader
	Scheduler   temporal.Scheduler
}

// Server represents the HTTP server for the submission service.
type Server struct {
	addr    string
	deps    Deps
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern string, h http.Handler) {
		mux.Handle(pattern, metrics.InstrumentHandler(s.metrics, pattern, h))
	}

	// Transfer routes
	route("POST /api/v1/transfers", handleStartTransfer(s.deps.Transfers, s.logger))
	route("GET /api/v1/transfers/{workflow_id}", handleGetTransfer(s.deps.Transfers, s.logger))

	// Submission routes
	route("GET /api/v1/submissions/{id}", handleGetSubmission(s.deps.Submissions, s.logger))
	route("GET /api/v1/submissions", handleListSubmissions(s.deps.Submissions, s.logger))

	// Account routes
	route("GET /api/v1/accounts/{address}", handleGetAccount(s.deps.Accounts, s.logger))
	route("PUT /api/v1/watches/{address}", handleUpsertWatch(s.deps.Scheduler, s.logger))
	route("DELETE /api/v1/watches/{address}", handleDeleteWatch(s.deps.Scheduler, s.logger))

	route("POST /api/v1/classify", handleClassify(s.logger))

	// Health check endpoint
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// POST /api/v1/transfers?wait=true holds the connection for a full
		// engine run.
		WriteTimeout: temporal.ExecuteTransferTimeout + time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
