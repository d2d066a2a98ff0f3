package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/submit"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// ExecuteTransferTimeout bounds a full engine run: every attempt's
	// confirmation wait plus the delays between attempts.
	ExecuteTransferTimeout = 15 * time.Minute
)

// executeTransferOptions disables Temporal retries. Each ExecuteTransfer run
// signs and sends a new transaction, so a retry here could pay twice.
func executeTransferOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: ExecuteTransferTimeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
}

func recordOutcomeOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    10,
		},
	}
}

func pollAccountOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: 60 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
			NonRetryableErrorTypes: []string{
				string(classify.CategoryInput),
				string(classify.CategoryConfiguration),
			},
		},
	}
}

// SubmitTransferWorkflow runs one transfer to a terminal outcome and then
// records it.
//
// The workflow performs these steps:
// 1. Build, sign and execute the transfer (ExecuteTransfer activity, not retried)
// 2. Store and publish the outcome (RecordOutcome activity, retried)
//
// A failure to record does not fail the workflow: the outcome on the ledger
// is already final and is returned with Recorded set to false.
func SubmitTransferWorkflow(ctx workflow.Context, input TransferInput) (*TransferResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SubmitTransferWorkflow started", "to", input.To, "lamports", input.Lamports)

	var out submit.Outcome
	execCtx := workflow.WithActivityOptions(ctx, executeTransferOptions())
	if err := workflow.ExecuteActivity(execCtx, a.ExecuteTransfer, input).Get(ctx, &out); err != nil {
		logger.Error("failed to execute transfer", "to", input.To, "error", err)
		return nil, fmt.Errorf("failed to execute transfer: %w", err)
	}

	result := &TransferResult{Outcome: out, Recorded: true}

	recordCtx := workflow.WithActivityOptions(ctx, recordOutcomeOptions())
	if err := workflow.ExecuteActivity(recordCtx, a.RecordOutcome, out).Get(ctx, nil); err != nil {
		logger.Error("failed to record outcome",
			"operation_id", out.OperationID,
			"error", err,
		)
		result.Recorded = false
		result.RecordError = err.Error()
	}

	logger.Info("SubmitTransferWorkflow completed",
		"operation_id", out.OperationID,
		"status", out.Status,
		"signature", out.Signature,
		"attempts", len(out.Attempts),
	)
	return result, nil
}

// WatchAccountWorkflow is triggered by a per-account Temporal schedule. It
// polls the account once and publishes an event when its state changed since
// the previous scheduled run, whose result it reads back as the last
// completion result.
func WatchAccountWorkflow(ctx workflow.Context, input WatchAccountInput) (*PollAccountResult, error) {
	logger := workflow.GetLogger(ctx)

	pollInput := PollAccountInput{WatchAccountInput: input}
	if workflow.HasLastCompletionResult(ctx) {
		var last PollAccountResult
		if err := workflow.GetLastCompletionResult(ctx, &last); err != nil {
			logger.Warn("failed to read last completion result", "address", input.Address, "error", err)
		} else {
			pollInput.LastHash = last.Hash
		}
	}

	var result *PollAccountResult
	pollCtx := workflow.WithActivityOptions(ctx, pollAccountOptions())
	if err := workflow.ExecuteActivity(pollCtx, a.PollAccount, pollInput).Get(ctx, &result); err != nil {
		logger.Error("failed to poll account", "address", input.Address, "error", err)
		return nil, fmt.Errorf("failed to poll account: %w", err)
	}

	logger.Debug("WatchAccountWorkflow completed",
		"address", input.Address,
		"changed", result.Changed,
		"hash", result.Hash,
	)
	return result, nil
}
