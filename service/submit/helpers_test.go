package submit

import (
	"context"
	"crypto/rand"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/config"
	"github.com/brojonat/txlander/service/retry"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSignedOperation builds a real signed transfer against a random blockhash.
func newSignedOperation(t testing.TB, lastValid uint64) *PreparedOperation {
	t.Helper()
	payer := solanago.NewWallet()

	var hash solanago.Hash
	_, err := rand.Read(hash[:])
	require.NoError(t, err)

	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{
			system.NewTransferInstruction(1000, payer.PublicKey(), solanago.NewWallet().PublicKey()).Build(),
		},
		hash,
		solanago.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)

	_, err = tx.Sign(func(key solanago.PublicKey) *solanago.PrivateKey {
		if key.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)

	op, err := NewPreparedOperation(tx, solana.ValidityWindow{Blockhash: hash, LastValidBlockHeight: lastValid}, "test-transfer")
	require.NoError(t, err)
	return op
}

// fakeSimulator returns results in order, repeating the last one.
type fakeSimulator struct {
	mu      sync.Mutex
	results []SimulationResult
	calls   int
}

func (f *fakeSimulator) Simulate(ctx context.Context, op *PreparedOperation) SimulationResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.results) == 0 {
		return SimulationResult{OK: true}
	}
	idx := min(f.calls-1, len(f.results)-1)
	return f.results[idx]
}

// fakeSubmitter fails with errs[i] on call i (nil means success) and echoes
// the operation's signature on success.
type fakeSubmitter struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []solanago.Signature
}

func (f *fakeSubmitter) Submit(ctx context.Context, op *PreparedOperation) (solanago.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls-1 < len(f.errs) && f.errs[f.calls-1] != nil {
		return solanago.Signature{}, classify.Wrap(f.errs[f.calls-1])
	}
	f.sent = append(f.sent, op.Signature())
	return op.Signature(), nil
}

// fakeWaiter returns confirmations in order, repeating the last one. A nil
// block makes Wait wait for ctx instead.
type fakeWaiter struct {
	mu     sync.Mutex
	states []Confirmation
	calls  int
	block  bool
}

func (f *fakeWaiter) Wait(ctx context.Context, sig solanago.Signature, window solana.ValidityWindow) (Confirmation, error) {
	f.mu.Lock()
	f.calls++
	block := f.block
	var conf Confirmation
	if len(f.states) > 0 {
		conf = f.states[min(f.calls-1, len(f.states)-1)]
	} else {
		conf = Confirmation{State: StateConfirmed}
	}
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return Confirmation{}, ctx.Err()
	}
	return conf, nil
}

func testSettings() config.EngineSettings {
	s := config.DefaultEngineSettings()
	s.RetryBaseDelay = time.Millisecond
	s.RetryMaxDelay = 10 * time.Millisecond
	return s
}

// newTestEngine returns an engine with zero jitter whose sleeps are recorded
// instead of taken.
func newTestEngine(sim OperationSimulator, sub OperationSubmitter, w SignatureWaiter) (*Engine, *[]time.Duration) {
	e := NewEngine(sim, sub, w, testSettings(), retry.NewScheduler(retry.FixedJitter(0)), nil, discardLogger())
	var delays []time.Duration
	e.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return e, &delays
}

func rebuilder(t testing.TB, calls *int) RebuildFunc {
	return func(ctx context.Context) (*PreparedOperation, error) {
		*calls++
		return newSignedOperation(t, 2000), nil
	}
}

func landedStatus(level solana.DurabilityLevel, err any) *solana.SignatureStatus {
	return &solana.SignatureStatus{Slot: 10, Level: level, Err: err}
}
