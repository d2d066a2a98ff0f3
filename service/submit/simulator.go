package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// SimulationClient is the ledger call the Simulator needs.
type SimulationClient interface {
	Simulate(ctx context.Context, tx *solanago.Transaction, level solana.DurabilityLevel) (*solana.SimulationReport, error)
}

// SimulationResult is the outcome of a dry run. Err is set when OK is false.
type SimulationResult struct {
	OK            bool
	Logs          []string
	UnitsConsumed *uint64
	Err           *classify.Classification
}

// Simulator dry-runs operations. It never changes ledger state.
type Simulator struct {
	client SimulationClient
	level  solana.DurabilityLevel
	logger *slog.Logger
}

func NewSimulator(client SimulationClient, level solana.DurabilityLevel, logger *slog.Logger) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{client: client, level: level, logger: logger}
}

// Simulate runs op against current ledger state. Transport failures are
// reported as a NETWORK classification, not as a separate error path.
func (s *Simulator) Simulate(ctx context.Context, op *PreparedOperation) SimulationResult {
	report, err := s.client.Simulate(ctx, op.Transaction(), s.level)
	if err != nil {
		c := classify.AsNetwork(err)
		s.logger.WarnContext(ctx, "simulation could not be performed",
			"operation_id", op.ID().String(),
			"error", err,
		)
		return SimulationResult{Err: &c}
	}

	if report.Err != nil {
		c := classify.Classify(fmt.Sprintf("simulation failed: %s", renderLedgerError(report.Err)))
		s.logger.InfoContext(ctx, "simulation rejected operation",
			"operation_id", op.ID().String(),
			"category", c.Category,
			"logs", report.Logs,
		)
		return SimulationResult{Logs: report.Logs, UnitsConsumed: report.UnitsConsumed, Err: &c}
	}

	return SimulationResult{OK: true, Logs: report.Logs, UnitsConsumed: report.UnitsConsumed}
}

// renderLedgerError turns the ledger's structured error (a string or a JSON
// object such as {"InstructionError":[0,{"Custom":1}]}) into text.
func renderLedgerError(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
