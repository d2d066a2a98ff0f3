package submit

import (
	"context"
	"errors"
	"testing"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const (
	stepSubmitError = iota
	stepExpired
	stepTimedOut
	stepLandedFailure
	stepConfirmed
)

// scriptedLedger plays one step per submission: either the send fails or
// the wait ends in the scripted state.
type scriptedLedger struct {
	steps []int
	sends int
	last  int
}

func (s *scriptedLedger) next() int {
	if s.sends < len(s.steps) {
		return s.steps[s.sends]
	}
	return stepConfirmed
}

func (s *scriptedLedger) Submit(ctx context.Context, op *PreparedOperation) (solanago.Signature, error) {
	s.last = s.next()
	s.sends++
	if s.last == stepSubmitError {
		return solanago.Signature{}, classify.Wrap(errors.New("connection refused"))
	}
	return op.Signature(), nil
}

func (s *scriptedLedger) Wait(ctx context.Context, sig solanago.Signature, window solana.ValidityWindow) (Confirmation, error) {
	switch s.last {
	case stepExpired:
		return Confirmation{State: StateExpired, Height: window.LastValidBlockHeight + 1}, nil
	case stepTimedOut:
		return Confirmation{State: StateTimedOut}, nil
	case stepLandedFailure:
		return Confirmation{State: StateFailed, Status: landedStatus(solana.DurabilityConfirmed, "custom program error: 0x1")}, nil
	default:
		return Confirmation{State: StateConfirmed, Status: landedStatus(solana.DurabilityConfirmed, nil)}, nil
	}
}

func TestExecuteInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("outcomes respect the retry budget and never resubmit a landed failure", prop.ForAll(
		func(steps []int, maxRetries int) bool {
			ledger := &scriptedLedger{steps: steps}
			e, _ := newTestEngine(&fakeSimulator{}, ledger, ledger)

			rebuilds := 0
			out := e.Execute(context.Background(), newSignedOperation(t, 1000), ExecuteOptions{
				MaxRetries: maxRetries,
				Rebuild:    rebuilder(t, &rebuilds),
			})

			if len(out.Attempts) == 0 || len(out.Attempts) > maxRetries+1 {
				return false
			}
			last := out.Attempts[len(out.Attempts)-1]

			switch out.Status {
			case StatusSucceeded:
				if out.FinalError != nil || last.Outcome != AttemptSucceeded {
					return false
				}
			case StatusFailed:
				if out.FinalError == nil {
					return false
				}
			default:
				return false
			}

			seen := map[string]bool{}
			landed := 0
			for i, a := range out.Attempts {
				if a.Index != i+1 {
					return false
				}
				if a.Signature != "" {
					if seen[a.Signature] {
						return false
					}
					seen[a.Signature] = true
				}
				if a.LandedFailure {
					landed++
					if i != len(out.Attempts)-1 || out.FinalError.Retryable {
						return false
					}
				}
			}
			return landed <= 1
		},
		gen.SliceOfN(6, gen.IntRange(stepSubmitError, stepConfirmed)),
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
