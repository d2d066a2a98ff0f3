package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/submit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromOutcome(t *testing.T) {
	t.Run("succeeded", func(t *testing.T) {
		event := FromOutcome(submit.Outcome{
			OperationID: "op-1",
			Label:       "transfer",
			Status:      submit.StatusSucceeded,
			Signature:   "5sig",
			Attempts:    []submit.AttemptRecord{{Index: 1}, {Index: 2}},
		})
		assert.Equal(t, "succeeded", event.Status)
		assert.Equal(t, 2, event.Attempts)
		assert.Empty(t, event.Category)
		assert.False(t, event.LandedFailure)
		assert.WithinDuration(t, time.Now(), event.PublishedAt, 5*time.Second)
	})

	t.Run("landed failure", func(t *testing.T) {
		c := classify.Classification{Category: classify.CategoryExecution, Severity: classify.SeverityHigh, Message: "boom"}
		event := FromOutcome(submit.Outcome{
			OperationID: "op-2",
			Status:      submit.StatusFailed,
			FinalError:  &c,
			Attempts:    []submit.AttemptRecord{{Index: 1, LandedFailure: true}},
		})
		assert.Equal(t, "EXECUTION", event.Category)
		assert.Equal(t, "HIGH", event.Severity)
		assert.False(t, event.Retryable)
		assert.True(t, event.LandedFailure)
	})
}

func TestFromSnapshot(t *testing.T) {
	snap := monitor.Snapshot{
		Address:  "addr",
		Exists:   true,
		Lamports: 42,
		Tokens:   []solana.TokenBalance{{Address: "ata", Amount: 7}},
		Slot:     9,
		Hash:     "abc",
	}
	event := FromSnapshot(snap)

	assert.Equal(t, "addr", event.Address)
	assert.Equal(t, uint64(42), event.Lamports)
	assert.Equal(t, "abc", event.Hash)
	require.Len(t, event.Tokens, 1)

	b, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"lamports":42`)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "submissions.failed", SubmissionSubject("failed"))
	assert.Equal(t, "accounts.abc", AccountSubject("abc"))
	assert.Equal(t, "submissions", subjectPrefix("submissions.failed"))
	assert.Equal(t, "plain", subjectPrefix("plain"))
}

func TestMockPublisher(t *testing.T) {
	var p Publisher = NewMockPublisher()
	mock := p.(*MockPublisher)
	ctx := context.Background()

	require.NoError(t, p.PublishSubmission(ctx, &SubmissionEvent{OperationID: "a"}))
	require.NoError(t, p.PublishAccount(ctx, &AccountEvent{Address: "b"}))
	assert.Len(t, mock.Submissions(), 1)
	assert.Len(t, mock.Accounts(), 1)

	mock.SetPublishError(errors.New("nats down"))
	assert.Error(t, p.PublishSubmission(ctx, &SubmissionEvent{}))
	assert.Len(t, mock.Submissions(), 1)

	require.NoError(t, p.Close())
	assert.True(t, mock.IsClosed())
}
