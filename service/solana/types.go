package solana

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// DurabilityLevel is how settled a landed transaction is. Levels are ordered:
// processed < confirmed < finalized.
type DurabilityLevel string

const (
	DurabilityProcessed DurabilityLevel = "processed"
	DurabilityConfirmed DurabilityLevel = "confirmed"
	DurabilityFinalized DurabilityLevel = "finalized"
)

// ParseDurabilityLevel accepts the level names case-insensitively.
func ParseDurabilityLevel(s string) (DurabilityLevel, error) {
	switch DurabilityLevel(strings.ToLower(strings.TrimSpace(s))) {
	case DurabilityProcessed:
		return DurabilityProcessed, nil
	case DurabilityConfirmed:
		return DurabilityConfirmed, nil
	case DurabilityFinalized:
		return DurabilityFinalized, nil
	}
	return "", fmt.Errorf("invalid durability level %q: must be processed, confirmed or finalized", s)
}

func (d DurabilityLevel) rank() int {
	switch d {
	case DurabilityProcessed:
		return 1
	case DurabilityConfirmed:
		return 2
	case DurabilityFinalized:
		return 3
	}
	return 0
}

// Reached reports whether d is at least as durable as required.
// An unknown level never reaches anything.
func (d DurabilityLevel) Reached(required DurabilityLevel) bool {
	return d.rank() > 0 && d.rank() >= required.rank()
}

// Commitment maps the level onto the RPC commitment parameter.
func (d DurabilityLevel) Commitment() rpc.CommitmentType {
	switch d {
	case DurabilityProcessed:
		return rpc.CommitmentProcessed
	case DurabilityFinalized:
		return rpc.CommitmentFinalized
	default:
		return rpc.CommitmentConfirmed
	}
}

func levelFromStatus(s rpc.ConfirmationStatusType) DurabilityLevel {
	switch s {
	case rpc.ConfirmationStatusProcessed:
		return DurabilityProcessed
	case rpc.ConfirmationStatusConfirmed:
		return DurabilityConfirmed
	case rpc.ConfirmationStatusFinalized:
		return DurabilityFinalized
	}
	return ""
}

// ValidityWindow is the recent blockhash a transaction was built against and
// the last block height at which the ledger will still accept it.
type ValidityWindow struct {
	Blockhash            solana.Hash `json:"blockhash"`
	LastValidBlockHeight uint64      `json:"last_valid_block_height"`
}

// Expired reports whether the window has closed at the given block height.
func (w ValidityWindow) Expired(currentHeight uint64) bool {
	return currentHeight > w.LastValidBlockHeight
}

// SignatureStatus is what the ledger reports for a submitted signature.
// A nil *SignatureStatus from the client means the ledger has no record yet.
type SignatureStatus struct {
	Slot          uint64
	Confirmations *uint64
	Level         DurabilityLevel
	// Err is the ledger's execution error for a transaction that landed but
	// failed. nil means it executed successfully.
	Err any
}

// Failed reports whether the transaction landed with an execution error.
func (s *SignatureStatus) Failed() bool {
	return s != nil && s.Err != nil
}

// SimulationReport is the outcome of a dry run.
type SimulationReport struct {
	Err           any
	Logs          []string
	UnitsConsumed *uint64
}

// AccountState is a snapshot of one account.
type AccountState struct {
	Address    string `json:"address"`
	Lamports   uint64 `json:"lamports"`
	Owner      string `json:"owner"`
	Executable bool   `json:"executable"`
	Data       []byte `json:"data,omitempty"`
	Slot       uint64 `json:"slot"`
}

// TokenBalance is one SPL token account held by an owner.
type TokenBalance struct {
	Address string `json:"address"`
	Mint    string `json:"mint"`
	Owner   string `json:"owner"`
	Amount  uint64 `json:"amount"`
	Frozen  bool   `json:"frozen"`
}
