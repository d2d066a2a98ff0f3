package submit

import (
	"context"
	"log/slog"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// SendClient is the ledger call the Submitter needs.
type SendClient interface {
	Send(ctx context.Context, tx *solanago.Transaction, opts solana.SendOptions) (solanago.Signature, error)
}

// Submitter broadcasts operations. Each Submit call is exactly one network write.
type Submitter struct {
	client SendClient
	level  solana.DurabilityLevel
	logger *slog.Logger
}

func NewSubmitter(client SendClient, level solana.DurabilityLevel, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{client: client, level: level, logger: logger}
}

// Submit sends op and returns its signature. Failures are *classify.Error.
func (s *Submitter) Submit(ctx context.Context, op *PreparedOperation) (solanago.Signature, error) {
	sig, err := s.client.Send(ctx, op.Transaction(), solana.SendOptions{PreflightLevel: s.level})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return solanago.Signature{}, ctxErr
		}
		wrapped := classify.Wrap(err)
		s.logger.WarnContext(ctx, "submission rejected",
			"operation_id", op.ID().String(),
			"error", wrapped,
		)
		return solanago.Signature{}, wrapped
	}

	if sig != op.Signature() {
		// Nodes echo the first signature; anything else means we are
		// tracking the wrong identifier.
		s.logger.WarnContext(ctx, "node returned unexpected signature",
			"operation_id", op.ID().String(),
			"expected", op.Signature().String(),
			"got", sig.String(),
		)
	}
	return sig, nil
}
