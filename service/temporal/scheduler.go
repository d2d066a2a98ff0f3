package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for account watching.
// Each watched account gets its own schedule that triggers WatchAccountWorkflow.
type Scheduler interface {
	// UpsertWatchSchedule creates the schedule for an account, or updates
	// its interval and input if it already exists.
	UpsertWatchSchedule(ctx context.Context, input WatchAccountInput, interval time.Duration) error

	// DeleteWatchSchedule deletes the schedule for an account.
	// This stops the account from being polled.
	DeleteWatchSchedule(ctx context.Context, address string) error
}

// scheduleID returns the Temporal schedule ID for an account address.
func scheduleID(address string) string {
	return "watch-account-" + address
}
