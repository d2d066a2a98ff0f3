package temporal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

func TestMockScheduler(t *testing.T) {
	var s Scheduler = NewMockScheduler()
	mock := s.(*MockScheduler)
	ctx := context.Background()

	require.NoError(t, s.UpsertWatchSchedule(ctx, WatchAccountInput{Address: "addr1"}, time.Minute))
	require.NoError(t, s.UpsertWatchSchedule(ctx, WatchAccountInput{Address: "addr1", Mint: "mint"}, 30*time.Second))
	assert.Equal(t, 1, mock.ScheduleCount())

	input, interval, ok := mock.GetSchedule("addr1")
	require.True(t, ok)
	assert.Equal(t, "mint", input.Mint)
	assert.Equal(t, 30*time.Second, interval)

	require.NoError(t, s.DeleteWatchSchedule(ctx, "addr1"))
	assert.False(t, mock.ScheduleExists("addr1"))

	err := s.DeleteWatchSchedule(ctx, "addr1")
	assert.ErrorIs(t, err, ErrScheduleNotFound)

	mock.SetUpsertError(errors.New("temporal unavailable"))
	assert.Error(t, s.UpsertWatchSchedule(ctx, WatchAccountInput{Address: "addr2"}, time.Minute))
	assert.Equal(t, 0, mock.ScheduleCount())
}

func TestScheduleID(t *testing.T) {
	assert.Equal(t, "watch-account-abc", scheduleID("abc"))
	assert.Equal(t, "transfer-123", TransferWorkflowID("123"))
}

func TestErrorCategory(t *testing.T) {
	inner := temporalsdk.NewNonRetryableApplicationError("the request is malformed", "INPUT", nil)
	wrapped := temporalsdk.NewApplicationErrorWithCause("failed to execute transfer", "wrapError", inner)

	category, ok := ErrorCategory(fmt.Errorf("workflow failed: %w", wrapped))
	require.True(t, ok)
	assert.Equal(t, classify.CategoryInput, category)

	_, ok = ErrorCategory(errors.New("plain"))
	assert.False(t, ok)

	_, ok = ErrorCategory(nil)
	assert.False(t, ok)
}
