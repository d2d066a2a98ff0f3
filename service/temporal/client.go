package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrScheduleNotFound is returned when deleting a schedule that does not exist.
var ErrScheduleNotFound = errors.New("schedule not found")

// Client is a production implementation of Scheduler that talks to Temporal.
// It also starts and awaits transfer workflows.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// StartTransfer starts a SubmitTransferWorkflow and returns its workflow ID.
func (c *Client) StartTransfer(ctx context.Context, input TransferInput) (string, error) {
	id := TransferWorkflowID(uuid.NewString())
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
	}, SubmitTransferWorkflow, input)
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start transfer workflow", "to", input.To, "error", err)
		return "", fmt.Errorf("failed to start transfer workflow: %w", err)
	}

	c.logger.InfoContext(ctx, "transfer workflow started",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"to", input.To,
		"lamports", input.Lamports,
	)
	return run.GetID(), nil
}

// AwaitTransfer blocks until the transfer workflow completes or ctx is done.
func (c *Client) AwaitTransfer(ctx context.Context, workflowID string) (*TransferResult, error) {
	var result TransferResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("transfer workflow %s failed: %w", workflowID, err)
	}
	return &result, nil
}

// UpsertWatchSchedule creates or updates the schedule polling an account.
// If the schedule already exists, its interval and input are replaced.
func (c *Client) UpsertWatchSchedule(ctx context.Context, input WatchAccountInput, interval time.Duration) error {
	id := scheduleID(input.Address)

	c.logger.DebugContext(ctx, "upserting watch schedule",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		c.logger.DebugContext(ctx, "schedule not found, creating new one",
			"schedule_id", id,
			"error", err,
		)
		return c.createWatchSchedule(ctx, id, input, interval)
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			in.Description.Schedule.Spec.Intervals = []client.ScheduleIntervalSpec{
				{Every: interval},
			}
			in.Description.Schedule.Action = c.watchAction(input)
			return &client.ScheduleUpdate{
				Schedule: &in.Description.Schedule,
			}, nil
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to update schedule",
			"address", input.Address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "watch schedule updated",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

func (c *Client) createWatchSchedule(ctx context.Context, id string, input WatchAccountInput, interval time.Duration) error {
	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{
				{Every: interval},
			},
		},
		Action: c.watchAction(input),
		Memo: map[string]interface{}{
			"address":    input.Address,
			"mint":       input.Mint,
			"created_by": "txlander",
		},
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to create schedule",
			"address", input.Address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "watch schedule created",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

func (c *Client) watchAction(input WatchAccountInput) *client.ScheduleWorkflowAction {
	return &client.ScheduleWorkflowAction{
		ID:        "watch-account-" + input.Address,
		Workflow:  WatchAccountWorkflow,
		TaskQueue: c.taskQueue,
		Args:      []interface{}{input},
	}
}

// DeleteWatchSchedule deletes the schedule polling an account.
func (c *Client) DeleteWatchSchedule(ctx context.Context, address string) error {
	id := scheduleID(address)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("schedule %q: %w", id, ErrScheduleNotFound)
		}
		c.logger.ErrorContext(ctx, "failed to delete schedule",
			"address", address,
			"schedule_id", id,
			"error", err,
		)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "watch schedule deleted",
		"address", address,
		"schedule_id", id,
	)
	return nil
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// TransferWorkflowID is the workflow ID used for a transfer request.
func TransferWorkflowID(requestID string) string {
	return "transfer-" + requestID
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
