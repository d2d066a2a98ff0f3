package submit

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// DefaultConfirmationTimeout is used when the waiter is built with a zero timeout.
const DefaultConfirmationTimeout = 60 * time.Second

// StatusClient is the set of ledger reads the ConfirmationWaiter needs.
type StatusClient interface {
	GetSignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error)
	CurrentHeight(ctx context.Context, level solana.DurabilityLevel) (uint64, error)
}

// ConfirmationState is the terminal state of a wait.
type ConfirmationState string

const (
	// StateConfirmed: landed without error and reached the required level.
	StateConfirmed ConfirmationState = "CONFIRMED"
	// StateFailed: landed with an execution error. Never retry.
	StateFailed ConfirmationState = "FAILED"
	// StateExpired: block height passed the window before the operation landed.
	StateExpired ConfirmationState = "EXPIRED"
	// StateTimedOut: the wall-clock ceiling passed first.
	StateTimedOut ConfirmationState = "TIMED_OUT"
)

// Confirmation describes how a wait ended.
type Confirmation struct {
	State ConfirmationState
	// Status is the last status seen, nil if the ledger never reported one.
	Status *solana.SignatureStatus
	// Height is the last block height observed.
	Height  uint64
	Polls   int
	Elapsed time.Duration
}

// Landed reports whether the ledger ever reported the signature.
func (c Confirmation) Landed() bool {
	return c.Status != nil
}

// ConfirmationWaiter polls the ledger until a signature reaches the required
// durability, lands with an error, or its validity window closes.
type ConfirmationWaiter struct {
	client       StatusClient
	required     solana.DurabilityLevel
	pollInterval time.Duration
	timeout      time.Duration
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

func NewConfirmationWaiter(
	client StatusClient,
	required solana.DurabilityLevel,
	pollInterval, timeout time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ConfirmationWaiter {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultConfirmationTimeout
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &ConfirmationWaiter{
		client:       client,
		required:     required,
		pollInterval: pollInterval,
		timeout:      timeout,
		metrics:      m,
		logger:       logger,
	}
}

// Wait blocks until the wait reaches a terminal state. The error is non-nil
// only when ctx is done; RPC failures during polling are logged and polling
// continues until the timeout.
//
// Each poll reads the signature status before the block height, and expiry
// is only declared for a signature the ledger has never reported. Once a
// wait returns EXPIRED it is final: the operation is not polled again.
func (w *ConfirmationWaiter) Wait(ctx context.Context, sig solanago.Signature, window solana.ValidityWindow) (Confirmation, error) {
	start := time.Now()
	deadline := time.NewTimer(w.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	var conf Confirmation
	finish := func(state ConfirmationState) (Confirmation, error) {
		conf.State = state
		conf.Elapsed = time.Since(start)
		if w.metrics != nil {
			w.metrics.RecordConfirmationWait(string(state), conf.Elapsed.Seconds())
		}
		w.logger.DebugContext(ctx, "confirmation wait finished",
			"signature", sig.String(),
			"state", state,
			"polls", conf.Polls,
			"elapsed", conf.Elapsed,
		)
		return conf, nil
	}

	for {
		conf.Polls++

		status, err := w.client.GetSignatureStatus(ctx, sig)
		if err != nil {
			if ctx.Err() != nil {
				return conf, ctx.Err()
			}
			w.logger.WarnContext(ctx, "signature status poll failed", "signature", sig.String(), "error", err)
		} else if status != nil {
			conf.Status = status
			if status.Failed() {
				return finish(StateFailed)
			}
			if status.Level.Reached(w.required) {
				return finish(StateConfirmed)
			}
		}

		// A landed operation cannot expire; keep waiting for durability.
		if conf.Status == nil {
			height, err := w.client.CurrentHeight(ctx, w.required)
			if err != nil {
				if ctx.Err() != nil {
					return conf, ctx.Err()
				}
				w.logger.WarnContext(ctx, "block height poll failed", "signature", sig.String(), "error", err)
			} else {
				conf.Height = height
				if window.Expired(height) {
					return finish(StateExpired)
				}
			}
		}

		select {
		case <-ctx.Done():
			return conf, ctx.Err()
		case <-deadline.C:
			w.logger.WarnContext(ctx, "confirmation timed out before the validity window closed",
				"signature", sig.String(),
				"timeout", w.timeout,
				"landed", conf.Landed(),
				"last_valid_block_height", window.LastValidBlockHeight,
				"height", conf.Height,
			)
			return finish(StateTimedOut)
		case <-ticker.C:
		}
	}
}
