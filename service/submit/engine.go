package submit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/retry"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// OperationSimulator dry-runs an operation.
type OperationSimulator interface {
	Simulate(ctx context.Context, op *PreparedOperation) SimulationResult
}

// OperationSubmitter broadcasts an operation once.
type OperationSubmitter interface {
	Submit(ctx context.Context, op *PreparedOperation) (solanago.Signature, error)
}

// SignatureWaiter waits for a broadcast operation to settle.
type SignatureWaiter interface {
	Wait(ctx context.Context, sig solanago.Signature, window solana.ValidityWindow) (Confirmation, error)
}

// LedgerClient is everything the default pipeline needs from the ledger.
// *solana.Client satisfies it.
type LedgerClient interface {
	SimulationClient
	SendClient
	StatusClient
}

// ExecuteOptions tunes a single Execute run.
type ExecuteOptions struct {
	// MaxRetries is the number of retries after the first attempt. Zero uses
	// the configured default.
	MaxRetries       int
	SkipSimulation   bool
	SkipConfirmation bool
	// Rebuild supplies a replacement operation once the current one's
	// validity window has closed. Without it the engine stops and sets
	// Outcome.NeedsNewWindow.
	Rebuild RebuildFunc
}

// Engine runs simulate, submit and confirm as one unit per attempt and
// retries the whole unit on retryable failures.
type Engine struct {
	simulator OperationSimulator
	submitter OperationSubmitter
	waiter    SignatureWaiter
	settings  config.EngineSettings
	scheduler *retry.Scheduler
	metrics   *metrics.Metrics
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewEngine wires an engine from its parts. A nil scheduler uses a
// time-seeded one.
func NewEngine(
	sim OperationSimulator,
	sub OperationSubmitter,
	waiter SignatureWaiter,
	settings config.EngineSettings,
	scheduler *retry.Scheduler,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if scheduler == nil {
		scheduler = retry.NewScheduler(nil)
	}
	return &Engine{
		simulator: sim,
		submitter: sub,
		waiter:    waiter,
		settings:  settings,
		scheduler: scheduler,
		metrics:   m,
		logger:    logger,
		sleep:     retry.Sleep,
		now:       time.Now,
	}
}

// NewLedgerEngine builds the standard pipeline on top of one ledger client.
func NewLedgerEngine(client LedgerClient, settings config.EngineSettings, m *metrics.Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	level := settings.RequiredDurability
	return NewEngine(
		NewSimulator(client, level, logger),
		NewSubmitter(client, level, logger),
		NewConfirmationWaiter(client, level, settings.ConfirmationPollInterval, settings.ConfirmationTimeout, m, logger),
		settings,
		nil,
		m,
		logger,
	)
}

// run holds the state of one Execute call.
type run struct {
	e       *Engine
	ctx     context.Context
	out     Outcome
	current *PreparedOperation
	logger  *slog.Logger
}

// Execute drives op to a terminal outcome. Attempts are strictly sequential.
// It never returns an error: failures are described by the Outcome, and
// cancellation of ctx yields StatusCancelled.
func (e *Engine) Execute(ctx context.Context, op *PreparedOperation, opts ExecuteOptions) Outcome {
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.settings.MaxRetries
	}

	if op == nil {
		r := &run{e: e, ctx: ctx, out: Outcome{Attempts: []AttemptRecord{}}, logger: e.logger}
		r.fail(AttemptRecord{Index: 1, StartedAt: e.now(), Stage: StagePrepare}, classify.From(classify.Inputf("operation is required")))
		return r.finish(StatusFailed)
	}

	r := &run{
		e:       e,
		ctx:     ctx,
		current: op,
		out: Outcome{
			OperationID: op.ID().String(),
			Label:       op.Label(),
			Attempts:    []AttemptRecord{},
		},
		logger: e.logger.With("operation_id", op.ID().String(), "label", op.Label()),
	}

	for i := 1; i <= maxRetries+1; i++ {
		rec := AttemptRecord{Index: i, StartedAt: e.now(), Outcome: AttemptPending}

		if r.current == nil {
			rec.Stage = StagePrepare
			next, err := opts.Rebuild(ctx)
			if ctx.Err() != nil {
				r.cancel(rec)
				return r.finish(StatusCancelled)
			}
			if err == nil && next == nil {
				err = classify.Inputf("rebuild returned no operation")
			}
			if err != nil {
				c := classify.From(err)
				r.fail(rec, c)
				if !r.shouldRetry(c, i, maxRetries) {
					return r.finish(StatusFailed)
				}
				if !r.backoff(i, c) {
					return r.finish(StatusCancelled)
				}
				continue
			}
			r.current = next
			r.logger.InfoContext(ctx, "rebuilt operation with fresh validity window",
				"attempt", i,
				"signature", next.Signature().String(),
				"last_valid_block_height", next.Window().LastValidBlockHeight,
			)
		}

		c, done, status := r.attempt(rec, opts)
		if done {
			return r.finish(status)
		}
		if r.current == nil && opts.Rebuild == nil {
			r.logger.WarnContext(ctx, "validity window closed and no rebuilder supplied", "attempt", i)
			r.out.NeedsNewWindow = true
			return r.finish(StatusFailed)
		}
		if !r.shouldRetry(c, i, maxRetries) {
			return r.finish(StatusFailed)
		}
		if !r.backoff(i, c) {
			return r.finish(StatusCancelled)
		}
	}

	return r.finish(StatusFailed)
}

// attempt runs simulate, submit and confirm for the current operation. It
// returns the failure classification, or done=true with a terminal status.
func (r *run) attempt(rec AttemptRecord, opts ExecuteOptions) (classify.Classification, bool, Status) {
	ctx, e, op := r.ctx, r.e, r.current

	if !opts.SkipSimulation {
		rec.Stage = StageSimulate
		res := e.simulator.Simulate(ctx, op)
		if ctx.Err() != nil {
			r.cancel(rec)
			return classify.Classification{}, true, StatusCancelled
		}
		if !res.OK {
			c := simulationFailure(res)
			r.fail(rec, c)
			r.dropIfWindowClosed(c)
			return c, false, ""
		}
	}

	rec.Stage = StageSubmit
	sig, err := e.submitter.Submit(ctx, op)
	if ctx.Err() != nil {
		// The write may already be in flight; its identifier is fixed by
		// the signed payload.
		rec.Signature = op.Signature().String()
		if err == nil {
			rec.Signature = sig.String()
		}
		r.out.Signature = rec.Signature
		r.cancel(rec)
		return classify.Classification{}, true, StatusCancelled
	}
	if err != nil {
		c := classify.From(err)
		r.fail(rec, c)
		r.dropIfWindowClosed(c)
		return c, false, ""
	}
	rec.Signature = sig.String()
	r.out.Signature = rec.Signature

	if opts.SkipConfirmation {
		r.succeed(rec)
		return classify.Classification{}, true, StatusSucceeded
	}

	rec.Stage = StageConfirm
	conf, err := e.waiter.Wait(ctx, sig, op.Window())
	if err != nil || ctx.Err() != nil {
		r.cancel(rec)
		return classify.Classification{}, true, StatusCancelled
	}

	switch conf.State {
	case StateConfirmed:
		r.succeed(rec)
		return classify.Classification{}, true, StatusSucceeded

	case StateFailed:
		c := landedFailure(conf)
		rec.LandedFailure = true
		r.fail(rec, c)
		r.logger.ErrorContext(ctx, "operation landed with an execution error; not resubmitting",
			"attempt", rec.Index,
			"signature", rec.Signature,
			"detail", c.RawDetail,
		)
		return c, true, StatusFailed

	case StateTimedOut:
		if conf.Landed() {
			c := landedNotDurable(conf, e.settings.RequiredDurability)
			r.fail(rec, c)
			r.logger.WarnContext(ctx, "operation landed but did not reach required durability in time",
				"attempt", rec.Index,
				"signature", rec.Signature,
				"level", conf.Status.Level,
			)
			return c, true, StatusFailed
		}
		c := classify.Classify(fmt.Sprintf("confirmation timed out after %s before the operation landed", conf.Elapsed.Round(time.Millisecond)))
		r.fail(rec, c)
		r.logger.WarnContext(ctx, "confirmation timed out", "attempt", rec.Index, "signature", rec.Signature)
		r.current = nil
		return c, false, ""

	default: // StateExpired
		c := classify.Classify(fmt.Sprintf("validity window expired at block height %d (last valid %d) before the operation landed",
			conf.Height, op.Window().LastValidBlockHeight))
		r.fail(rec, c)
		r.logger.InfoContext(ctx, "validity window expired", "attempt", rec.Index, "signature", rec.Signature)
		r.current = nil
		return c, false, ""
	}
}

func (r *run) shouldRetry(c classify.Classification, attempt, maxRetries int) bool {
	return c.Retryable && attempt <= maxRetries
}

// backoff waits before the next attempt. It returns false if ctx was
// cancelled during the wait.
func (r *run) backoff(attempt int, c classify.Classification) bool {
	e := r.e
	delay := e.scheduler.Delay(attempt, e.settings.RetryBaseDelay, e.settings.RetryMaxDelay)
	if e.metrics != nil {
		e.metrics.RecordRetryDelay(string(c.Category), delay.Seconds())
	}
	r.logger.InfoContext(r.ctx, "retrying after failure",
		"attempt", attempt,
		"category", c.Category,
		"delay", delay,
		"error", c.RawDetail,
	)
	return e.sleep(r.ctx, delay) == nil
}

// dropIfWindowClosed forces a rebuild when a pre-confirmation failure shows
// the current operation's blockhash is no longer accepted.
func (r *run) dropIfWindowClosed(c classify.Classification) {
	if windowClosed(c) {
		r.current = nil
	}
}

func (r *run) record(rec AttemptRecord) {
	rec.FinishedAt = r.e.now()
	r.out.Attempts = append(r.out.Attempts, rec)
	if r.e.metrics != nil {
		r.e.metrics.RecordSubmissionAttempt(string(rec.Stage), string(rec.Outcome))
	}
}

func (r *run) fail(rec AttemptRecord, c classify.Classification) {
	rec.Outcome = AttemptFailed
	rec.Error = &c
	r.record(rec)
	r.out.FinalError = &c
}

func (r *run) succeed(rec AttemptRecord) {
	rec.Outcome = AttemptSucceeded
	r.record(rec)
	r.out.FinalError = nil
}

// cancel records the interrupted attempt. It stays pending when a signature
// was obtained, since the operation may still land.
func (r *run) cancel(rec AttemptRecord) {
	if rec.Signature == "" {
		rec.Outcome = AttemptFailed
	}
	r.record(rec)
}

func (r *run) finish(status Status) Outcome {
	r.out.Status = status
	if status != StatusFailed {
		r.out.FinalError = nil
	}

	category := ""
	if r.out.FinalError != nil {
		category = string(r.out.FinalError.Category)
	}
	if r.e.metrics != nil {
		r.e.metrics.RecordSubmissionOutcome(string(status), category)
	}

	attrs := []any{"status", status, "attempts", len(r.out.Attempts), "signature", r.out.Signature}
	switch status {
	case StatusSucceeded:
		r.logger.InfoContext(r.ctx, "operation confirmed", attrs...)
	case StatusCancelled:
		r.logger.WarnContext(r.ctx, "operation cancelled", attrs...)
	default:
		attrs = append(attrs, "category", category, "needs_new_window", r.out.NeedsNewWindow)
		r.logger.ErrorContext(r.ctx, "operation failed", attrs...)
	}
	return r.out
}

func simulationFailure(res SimulationResult) classify.Classification {
	if res.Err != nil {
		return *res.Err
	}
	return classify.Classify("simulation failed")
}

// landedFailure classifies a landed-but-failed operation. It is always
// EXECUTION and never retryable: the operation already executed.
func landedFailure(conf Confirmation) classify.Classification {
	detail := "unknown execution error"
	if conf.Status != nil && conf.Status.Err != nil {
		detail = renderLedgerError(conf.Status.Err)
	}
	c := classify.From(classify.WithCategory(classify.CategoryExecution,
		fmt.Errorf("transaction landed with error: %s", detail)))
	c.Retryable = false
	if c.Severity == classify.SeverityLow || c.Severity == classify.SeverityMedium {
		c.Severity = classify.SeverityHigh
	}
	c.Suggestion = "the operation executed and failed; inspect it on the ledger before trying again"
	return c
}

func landedNotDurable(conf Confirmation, required solana.DurabilityLevel) classify.Classification {
	return classify.Classification{
		Category:   classify.CategoryNetwork,
		Severity:   classify.SeverityHigh,
		Retryable:  false,
		Message:    "the operation landed but did not reach the required durability level in time",
		Suggestion: "check the signature status before retrying; resubmitting could execute twice",
		RawDetail:  fmt.Sprintf("landed at %q, required %q, after %s", conf.Status.Level, required, conf.Elapsed.Round(time.Millisecond)),
	}
}

func windowClosed(c classify.Classification) bool {
	detail := strings.ToLower(c.RawDetail)
	for _, p := range []string{"blockhash not found", "blockhashnotfound", "block height exceeded", "blockhash expired"} {
		if strings.Contains(detail, p) {
			return true
		}
	}
	return false
}
