package submit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusPoll struct {
	status *solana.SignatureStatus
	err    error
}

// fakeStatusClient replays statuses and heights per poll, repeating the last.
type fakeStatusClient struct {
	mu          sync.Mutex
	statuses    []statusPoll
	heights     []uint64
	heightErr   error
	statusCalls int
	heightCalls int
}

func (f *fakeStatusClient) GetSignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return nil, nil
	}
	p := f.statuses[min(f.statusCalls-1, len(f.statuses)-1)]
	return p.status, p.err
}

func (f *fakeStatusClient) CurrentHeight(ctx context.Context, level solana.DurabilityLevel) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heightCalls++
	if f.heightErr != nil {
		return 0, f.heightErr
	}
	if len(f.heights) == 0 {
		return 0, nil
	}
	return f.heights[min(f.heightCalls-1, len(f.heights)-1)], nil
}

func newTestWaiter(client StatusClient, timeout time.Duration) *ConfirmationWaiter {
	return NewConfirmationWaiter(client, solana.DurabilityConfirmed, time.Millisecond, timeout, nil, discardLogger())
}

var testWindow = solana.ValidityWindow{LastValidBlockHeight: 1000}

func TestWait_Confirmed(t *testing.T) {
	client := &fakeStatusClient{
		statuses: []statusPoll{
			{status: nil},
			{status: landedStatus(solana.DurabilityProcessed, nil)},
			{status: landedStatus(solana.DurabilityConfirmed, nil)},
		},
		heights: []uint64{990},
	}
	w := newTestWaiter(client, time.Second)

	conf, err := w.Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, conf.State)
	assert.Equal(t, 3, conf.Polls)
	assert.True(t, conf.Landed())
	// height is only read while the signature is unknown
	assert.Equal(t, 1, client.heightCalls)
}

func TestWait_FinalizedSatisfiesConfirmed(t *testing.T) {
	client := &fakeStatusClient{statuses: []statusPoll{{status: landedStatus(solana.DurabilityFinalized, nil)}}}
	conf, err := newTestWaiter(client, time.Second).Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, conf.State)
	assert.Equal(t, 1, conf.Polls)
}

func TestWait_LandedWithError(t *testing.T) {
	ledgerErr := map[string]any{"InstructionError": []any{0, "InvalidAccountData"}}
	client := &fakeStatusClient{statuses: []statusPoll{{status: landedStatus(solana.DurabilityProcessed, ledgerErr)}}}

	conf, err := newTestWaiter(client, time.Second).Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateFailed, conf.State)
	require.NotNil(t, conf.Status)
	assert.Equal(t, ledgerErr, conf.Status.Err)
}

func TestWait_ExpiredBeforeLanding(t *testing.T) {
	client := &fakeStatusClient{heights: []uint64{999, 1000, 1001}}

	conf, err := newTestWaiter(client, time.Second).Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateExpired, conf.State)
	assert.Equal(t, uint64(1001), conf.Height)
	assert.Equal(t, 3, conf.Polls)
	assert.False(t, conf.Landed())
}

func TestWait_ExpiredIsFinal(t *testing.T) {
	// The signature shows up one poll after the window closed; the wait has
	// already ended and must not report it.
	client := &fakeStatusClient{
		statuses: []statusPoll{{status: nil}, {status: landedStatus(solana.DurabilityConfirmed, nil)}},
		heights:  []uint64{1001},
	}

	conf, err := newTestWaiter(client, time.Second).Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateExpired, conf.State)
	assert.Equal(t, 1, client.statusCalls)
}

func TestWait_LandedOperationDoesNotExpire(t *testing.T) {
	client := &fakeStatusClient{
		statuses: []statusPoll{
			{status: landedStatus(solana.DurabilityProcessed, nil)},
			{status: landedStatus(solana.DurabilityProcessed, nil)},
			{status: landedStatus(solana.DurabilityConfirmed, nil)},
		},
		heights: []uint64{5000},
	}

	conf, err := newTestWaiter(client, time.Second).Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, conf.State)
	assert.Zero(t, client.heightCalls)
}

func TestWait_TimesOut(t *testing.T) {
	t.Run("never seen", func(t *testing.T) {
		client := &fakeStatusClient{heights: []uint64{10}}
		conf, err := newTestWaiter(client, 20*time.Millisecond).Wait(context.Background(), solanago.Signature{1}, testWindow)

		require.NoError(t, err)
		assert.Equal(t, StateTimedOut, conf.State)
		assert.False(t, conf.Landed())
		assert.GreaterOrEqual(t, conf.Elapsed, 20*time.Millisecond)
	})

	t.Run("landed below required level", func(t *testing.T) {
		client := &fakeStatusClient{statuses: []statusPoll{{status: landedStatus(solana.DurabilityProcessed, nil)}}}
		conf, err := newTestWaiter(client, 20*time.Millisecond).Wait(context.Background(), solanago.Signature{1}, testWindow)

		require.NoError(t, err)
		assert.Equal(t, StateTimedOut, conf.State)
		assert.True(t, conf.Landed())
		assert.Equal(t, solana.DurabilityProcessed, conf.Status.Level)
	})
}

func TestWait_ToleratesRPCErrors(t *testing.T) {
	client := &fakeStatusClient{
		statuses: []statusPoll{
			{err: errors.New("503 service unavailable")},
			{err: errors.New("connection reset")},
			{status: landedStatus(solana.DurabilityConfirmed, nil)},
		},
		heightErr: errors.New("429 too many requests"),
	}

	conf, err := newTestWaiter(client, time.Second).Wait(context.Background(), solanago.Signature{1}, testWindow)

	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, conf.State)
	assert.Equal(t, 2, client.heightCalls)
}

func TestWait_ContextCancelled(t *testing.T) {
	client := &fakeStatusClient{heights: []uint64{10}}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	_, err := newTestWaiter(client, time.Minute).Wait(ctx, solanago.Signature{1}, testWindow)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewConfirmationWaiter_Defaults(t *testing.T) {
	w := NewConfirmationWaiter(&fakeStatusClient{}, solana.DurabilityFinalized, 0, 0, nil, nil)
	assert.Equal(t, DefaultConfirmationTimeout, w.timeout)
	assert.Equal(t, 2*time.Second, w.pollInterval)
	assert.NotNil(t, w.logger)
}
