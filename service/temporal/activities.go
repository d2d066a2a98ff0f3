package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/db"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/monitor"
	natspkg "github.com/brojonat/txlander/service/nats"
	"github.com/brojonat/txlander/service/submit"
	"github.com/brojonat/txlander/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// TransferInput contains the input parameters for a transfer workflow.
type TransferInput struct {
	To       string `json:"to"`
	Lamports uint64 `json:"lamports"`
	Memo     string `json:"memo,omitempty"`

	// Zero means the engine's configured budget.
	MaxRetries       int  `json:"max_retries,omitempty"`
	SkipSimulation   bool `json:"skip_simulation,omitempty"`
	SkipConfirmation bool `json:"skip_confirmation,omitempty"`
}

// TransferResult is the result of SubmitTransferWorkflow.
type TransferResult struct {
	Outcome submit.Outcome `json:"outcome"`
	// Recorded is false when the outcome could not be stored or published.
	Recorded    bool   `json:"recorded"`
	RecordError string `json:"record_error,omitempty"`
}

// WatchAccountInput identifies the account a watch schedule polls.
type WatchAccountInput struct {
	Address       string `json:"address"`
	IncludeTokens bool   `json:"include_tokens,omitempty"`
	Mint          string `json:"mint,omitempty"`
}

// PollAccountInput contains parameters for the PollAccount activity.
type PollAccountInput struct {
	WatchAccountInput
	// LastHash is the content hash seen by the previous run.
	LastHash string `json:"last_hash,omitempty"`
}

// PollAccountResult contains the result of polling an account.
type PollAccountResult struct {
	Address  string    `json:"address"`
	Hash     string    `json:"hash"`
	Changed  bool      `json:"changed"`
	Lamports uint64    `json:"lamports"`
	Slot     uint64    `json:"slot"`
	PollTime time.Time `json:"poll_time"`
}

// Executor runs a prepared operation to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, op *submit.PreparedOperation, opts submit.ExecuteOptions) submit.Outcome
}

// TransferBuilder signs transfers against fresh validity windows.
type TransferBuilder interface {
	BuildTransfer(ctx context.Context, req wallet.TransferRequest) (*submit.PreparedOperation, error)
	Rebuilder(req wallet.TransferRequest) submit.RebuildFunc
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	SaveOutcome(ctx context.Context, params db.SaveOutcomeParams) (*db.Submission, error)
}

// AccountPoller reads the current state of a watched account.
type AccountPoller interface {
	Poll(ctx context.Context, target monitor.Target) (monitor.Snapshot, error)
}

// Activities holds the dependencies needed by Temporal activities.
// store and publisher may be nil; the corresponding side effect is skipped.
type Activities struct {
	engine    Executor
	builder   TransferBuilder
	store     StoreInterface
	publisher natspkg.Publisher
	poller    AccountPoller
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(
	engine Executor,
	builder TransferBuilder,
	store StoreInterface,
	publisher natspkg.Publisher,
	poller AccountPoller,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		engine:    engine,
		builder:   builder,
		store:     store,
		publisher: publisher,
		poller:    poller,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity string, start time.Time, err error) {
	if a.metrics != nil {
		a.metrics.RecordActivity(activity, time.Since(start).Seconds(), err)
	}
}

// ExecuteTransfer builds and signs a transfer and runs it through the
// submission engine. The engine owns retries; this activity must not be
// retried by Temporal because every run signs and sends a new transaction.
//
// Failures to build the first operation are returned as non-retryable
// application errors whose type is the classification category.
func (a *Activities) ExecuteTransfer(ctx context.Context, input TransferInput) (_ *submit.Outcome, err error) {
	start := time.Now()
	defer func() { a.observe("ExecuteTransfer", start, err) }()

	to, err := wallet.ParseRecipient(input.To)
	if err != nil {
		return nil, applicationError(err)
	}
	req := wallet.TransferRequest{To: to, Lamports: input.Lamports, Memo: input.Memo}

	op, err := a.builder.BuildTransfer(ctx, req)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to build transfer",
			"to", input.To,
			"lamports", input.Lamports,
			"error", err,
		)
		return nil, applicationError(err)
	}

	a.logger.InfoContext(ctx, "executing transfer",
		"operation_id", op.ID().String(),
		"to", input.To,
		"lamports", input.Lamports,
	)

	out := a.engine.Execute(ctx, op, submit.ExecuteOptions{
		MaxRetries:       input.MaxRetries,
		SkipSimulation:   input.SkipSimulation,
		SkipConfirmation: input.SkipConfirmation,
		Rebuild:          a.builder.Rebuilder(req),
	})

	a.logger.InfoContext(ctx, "transfer finished",
		"operation_id", out.OperationID,
		"status", out.Status,
		"signature", out.Signature,
		"attempts", len(out.Attempts),
	)
	return &out, nil
}

// RecordOutcome stores the outcome and publishes it. It is idempotent: the
// store upserts by operation id and consumers dedupe events by it.
func (a *Activities) RecordOutcome(ctx context.Context, out submit.Outcome) (err error) {
	start := time.Now()
	defer func() { a.observe("RecordOutcome", start, err) }()

	if a.store != nil {
		if _, err := a.store.SaveOutcome(ctx, db.ParamsFromOutcome(out)); err != nil {
			a.logger.ErrorContext(ctx, "failed to save outcome",
				"operation_id", out.OperationID,
				"error", err,
			)
			return fmt.Errorf("failed to save outcome: %w", err)
		}
	}

	if a.publisher != nil {
		if err := a.publisher.PublishSubmission(ctx, natspkg.FromOutcome(out)); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish outcome",
				"operation_id", out.OperationID,
				"error", err,
			)
			return fmt.Errorf("failed to publish outcome: %w", err)
		}
	}

	a.logger.DebugContext(ctx, "recorded outcome",
		"operation_id", out.OperationID,
		"status", out.Status,
	)
	return nil
}

// PollAccount reads an account through the monitor cache and publishes an
// event when its content hash differs from input.LastHash.
func (a *Activities) PollAccount(ctx context.Context, input PollAccountInput) (_ *PollAccountResult, err error) {
	start := time.Now()
	defer func() { a.observe("PollAccount", start, err) }()

	target, err := input.Target()
	if err != nil {
		return nil, applicationError(err)
	}

	snap, err := a.poller.Poll(ctx, target)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to poll account",
			"address", input.Address,
			"error", err,
		)
		return nil, applicationError(err)
	}

	result := &PollAccountResult{
		Address:  input.Address,
		Hash:     snap.Hash,
		Changed:  snap.Hash != input.LastHash,
		Lamports: snap.Lamports,
		Slot:     snap.Slot,
		PollTime: snap.ObservedAt,
	}
	if !result.Changed {
		return result, nil
	}

	if a.publisher != nil {
		if err := a.publisher.PublishAccount(ctx, natspkg.FromSnapshot(snap)); err != nil {
			return nil, fmt.Errorf("failed to publish account event: %w", err)
		}
	}
	a.logger.InfoContext(ctx, "account changed",
		"address", input.Address,
		"lamports", snap.Lamports,
		"hash", snap.Hash,
	)
	return result, nil
}

// Target converts the input to a monitor target.
func (in WatchAccountInput) Target() (monitor.Target, error) {
	addr, err := solanago.PublicKeyFromBase58(in.Address)
	if err != nil {
		return monitor.Target{}, classify.Inputf("invalid account address %q: %v", in.Address, err)
	}
	target := monitor.Target{Address: addr, IncludeTokens: in.IncludeTokens || in.Mint != ""}
	if in.Mint != "" {
		mint, err := solanago.PublicKeyFromBase58(in.Mint)
		if err != nil {
			return monitor.Target{}, classify.Inputf("invalid mint address %q: %v", in.Mint, err)
		}
		target.Mint = &mint
	}
	return target, nil
}

// applicationError converts err to a Temporal application error whose type
// is the classification category. Non-retryable categories stop Temporal
// from retrying the activity.
func applicationError(err error) error {
	c := classify.From(err)
	if !c.Retryable {
		return temporalsdk.NewNonRetryableApplicationError(c.Message, string(c.Category), err, c)
	}
	return temporalsdk.NewApplicationErrorWithCause(c.Message, string(c.Category), err, c)
}

// ErrorCategory finds the classification category carried by an application
// error anywhere in err's chain, as produced by the activities above.
func ErrorCategory(err error) (classify.Category, bool) {
	for ; err != nil; err = errors.Unwrap(err) {
		var appErr *temporalsdk.ApplicationError
		if !errors.As(err, &appErr) {
			return "", false
		}
		if classify.IsCategory(appErr.Type()) {
			return classify.Category(appErr.Type()), true
		}
		err = appErr
	}
	return "", false
}
