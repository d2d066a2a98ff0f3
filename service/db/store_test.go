package db

import (
	"context"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/submit"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOutcome(status submit.Status) submit.Outcome {
	now := time.Now().UTC().Truncate(time.Microsecond)
	netErr := classify.Classify("connection refused")
	out := submit.Outcome{
		OperationID: uuid.NewString(),
		Label:       "transfer",
		Status:      status,
		Attempts: []submit.AttemptRecord{
			{
				Index:      1,
				StartedAt:  now,
				FinishedAt: now.Add(time.Second),
				Stage:      submit.StageSubmit,
				Outcome:    submit.AttemptFailed,
				Error:      &netErr,
			},
			{
				Index:      2,
				StartedAt:  now.Add(2 * time.Second),
				FinishedAt: now.Add(3 * time.Second),
				Stage:      submit.StageConfirm,
				Outcome:    submit.AttemptSucceeded,
				Signature:  "5sig",
			},
		},
	}
	if status == submit.StatusSucceeded {
		out.Signature = "5sig"
	} else {
		out.FinalError = &netErr
	}
	return out
}

func TestParamsFromOutcome(t *testing.T) {
	out := testOutcome(submit.StatusSucceeded)
	params := ParamsFromOutcome(out)

	assert.Equal(t, out.OperationID, params.OperationID)
	assert.Equal(t, "succeeded", params.Status)
	require.NotNil(t, params.Signature)
	assert.Equal(t, "5sig", *params.Signature)
	assert.Nil(t, params.FinalError)
	require.Len(t, params.Attempts, 2)
	assert.Nil(t, params.Attempts[0].Signature)
	assert.Equal(t, "submit", params.Attempts[0].Stage)
	assert.Equal(t, classify.CategoryNetwork, params.Attempts[0].Error.Category)
	assert.Equal(t, "5sig", *params.Attempts[1].Signature)

	failed := ParamsFromOutcome(testOutcome(submit.StatusFailed))
	assert.Nil(t, failed.Signature)
	require.NotNil(t, failed.FinalError)
}

func TestClassificationJSON(t *testing.T) {
	b, err := marshalClassification(nil)
	require.NoError(t, err)
	assert.Nil(t, b)

	c, err := unmarshalClassification(nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	orig := classify.Classify("slippage tolerance exceeded")
	b, err = marshalClassification(&orig)
	require.NoError(t, err)
	c, err = unmarshalClassification(b)
	require.NoError(t, err)
	assert.Equal(t, orig, *c)
}

func TestSaveOutcome(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		out := testOutcome(submit.StatusSucceeded)
		saved, err := store.SaveOutcome(ctx, ParamsFromOutcome(out))
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), saved.CreatedAt, 5*time.Second)

		got, err := store.GetSubmission(ctx, out.OperationID)
		require.NoError(t, err)
		assert.Equal(t, "succeeded", got.Status)
		assert.Equal(t, "transfer", got.Label)
		require.NotNil(t, got.Signature)
		assert.Equal(t, "5sig", *got.Signature)
		assert.Nil(t, got.FinalError)
		assert.Equal(t, 2, got.AttemptCount)
		require.Len(t, got.Attempts, 2)

		first := got.Attempts[0]
		assert.Equal(t, 1, first.Index)
		assert.Equal(t, "failed", first.Outcome)
		assert.Nil(t, first.Signature)
		require.NotNil(t, first.Error)
		assert.Equal(t, classify.CategoryNetwork, first.Error.Category)
		assert.WithinDuration(t, out.Attempts[0].StartedAt, first.StartedAt, time.Microsecond)
	})

	t.Run("saving twice replaces attempts", func(t *testing.T) {
		out := testOutcome(submit.StatusFailed)
		first, err := store.SaveOutcome(ctx, ParamsFromOutcome(out))
		require.NoError(t, err)

		out.Attempts = out.Attempts[:1]
		out.NeedsNewWindow = true
		second, err := store.SaveOutcome(ctx, ParamsFromOutcome(out))
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)

		got, err := store.GetSubmission(ctx, out.OperationID)
		require.NoError(t, err)
		assert.Len(t, got.Attempts, 1)
		assert.True(t, got.NeedsNewWindow)
		require.NotNil(t, got.FinalError)
		assert.Equal(t, classify.CategoryNetwork, got.FinalError.Category)
	})

	t.Run("missing operation id", func(t *testing.T) {
		_, err := store.SaveOutcome(ctx, SaveOutcomeParams{Status: "failed"})
		require.Error(t, err)
		assert.Equal(t, classify.CategoryInput, classify.From(err).Category)
	})
}

func TestGetSubmissionNotFound(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()

	_, err := store.GetSubmission(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSubmissions(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	store.Cleanup(t)

	var ids []string
	for i, status := range []submit.Status{submit.StatusSucceeded, submit.StatusFailed, submit.StatusSucceeded} {
		out := testOutcome(status)
		_, err := store.SaveOutcome(ctx, ParamsFromOutcome(out))
		require.NoError(t, err)
		// spread created_at so ordering is deterministic
		store.MustExec(t, `UPDATE submissions SET created_at = NOW() - make_interval(secs => $1) WHERE operation_id = $2`,
			float64(10-i), out.OperationID)
		ids = append(ids, out.OperationID)
	}

	all, err := store.ListSubmissions(ctx, ListSubmissionsParams{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].OperationID)
	assert.Equal(t, 2, all[0].AttemptCount)
	assert.Nil(t, all[0].Attempts)

	failed, err := store.ListSubmissions(ctx, ListSubmissionsParams{Status: "failed"})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, ids[1], failed[0].OperationID)

	page, err := store.ListSubmissions(ctx, ListSubmissionsParams{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[1], page[0].OperationID)
}

func TestDeleteSubmissionsOlderThan(t *testing.T) {
	SkipIfNoTestDB(t)

	store := NewTestStore(t)
	defer store.Close()
	defer store.Cleanup(t)

	ctx := context.Background()
	store.Cleanup(t)

	old := testOutcome(submit.StatusFailed)
	_, err := store.SaveOutcome(ctx, ParamsFromOutcome(old))
	require.NoError(t, err)
	store.MustExec(t, `UPDATE submissions SET created_at = NOW() - INTERVAL '2 days' WHERE operation_id = $1`, old.OperationID)

	fresh := testOutcome(submit.StatusSucceeded)
	_, err = store.SaveOutcome(ctx, ParamsFromOutcome(fresh))
	require.NoError(t, err)

	n, err := store.DeleteSubmissionsOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetSubmission(ctx, old.OperationID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetSubmission(ctx, fresh.OperationID)
	assert.NoError(t, err)
}
