// Package submit gets a signed operation onto the ledger: it simulates, sends,
// waits for confirmation against the operation's validity window and retries
// what is safe to retry.
package submit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

var (
	// ErrUnsignedTransaction is returned when a transaction carries no fee payer signature.
	ErrUnsignedTransaction = errors.New("transaction is not signed")
	// ErrWindowMismatch is returned when the transaction was not built against the given window.
	ErrWindowMismatch = errors.New("transaction blockhash does not match validity window")
)

// PreparedOperation is a signed transaction plus the validity window it was
// built against. It is never mutated after construction; retries that need a
// fresh window get a new PreparedOperation.
type PreparedOperation struct {
	id        uuid.UUID
	label     string
	tx        *solanago.Transaction
	window    solana.ValidityWindow
	createdAt time.Time
}

// NewPreparedOperation validates tx and wraps it. label is free text used in
// logs and the audit trail (e.g. "transfer").
func NewPreparedOperation(tx *solanago.Transaction, window solana.ValidityWindow, label string) (*PreparedOperation, error) {
	if tx == nil {
		return nil, classify.Inputf("transaction is required")
	}
	if len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return nil, classify.WithCategory(classify.CategoryInput, ErrUnsignedTransaction)
	}
	if !tx.Message.RecentBlockhash.Equals(window.Blockhash) {
		return nil, classify.WithCategory(classify.CategoryInput, ErrWindowMismatch)
	}
	return &PreparedOperation{
		id:        uuid.New(),
		label:     label,
		tx:        tx,
		window:    window,
		createdAt: time.Now(),
	}, nil
}

func (o *PreparedOperation) ID() uuid.UUID                 { return o.id }
func (o *PreparedOperation) Label() string                 { return o.label }
func (o *PreparedOperation) Window() solana.ValidityWindow { return o.window }
func (o *PreparedOperation) CreatedAt() time.Time          { return o.createdAt }

// Transaction returns the signed transaction. Callers must not modify it.
func (o *PreparedOperation) Transaction() *solanago.Transaction { return o.tx }

// Signature is the transaction's identifier on the ledger: its first signature.
func (o *PreparedOperation) Signature() solanago.Signature { return o.tx.Signatures[0] }

func (o *PreparedOperation) String() string {
	return fmt.Sprintf("%s(%s, sig=%s, expires after height %d)", o.label, o.id, o.Signature(), o.window.LastValidBlockHeight)
}

// RebuildFunc produces a replacement operation with a fresh validity window.
// The engine calls it when the previous window has closed.
type RebuildFunc func(ctx context.Context) (*PreparedOperation, error)

// Stage names the pipeline step an attempt ended in.
type Stage string

const (
	StagePrepare  Stage = "prepare"
	StageSimulate Stage = "simulate"
	StageSubmit   Stage = "submit"
	StageConfirm  Stage = "confirm"
)

// AttemptOutcome is the result of one attempt.
type AttemptOutcome string

const (
	AttemptPending   AttemptOutcome = "pending"
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptFailed    AttemptOutcome = "failed"
)

// AttemptRecord is one entry of the append-only audit trail of an Execute run.
type AttemptRecord struct {
	Index      int                      `json:"index"`
	StartedAt  time.Time                `json:"started_at"`
	FinishedAt time.Time                `json:"finished_at"`
	Stage      Stage                    `json:"stage"`
	Outcome    AttemptOutcome           `json:"outcome"`
	Signature  string                   `json:"signature,omitempty"`
	Error      *classify.Classification `json:"error,omitempty"`
	// LandedFailure marks an attempt whose transaction executed on the ledger
	// and failed there.
	LandedFailure bool `json:"landed_failure,omitempty"`
}

// Status is the terminal status of an Execute run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Outcome is the terminal result of Execute. Status succeeded implies
// FinalError is nil and the last attempt succeeded.
type Outcome struct {
	OperationID string                   `json:"operation_id"`
	Label       string                   `json:"label"`
	Status      Status                   `json:"status"`
	Signature   string                   `json:"signature,omitempty"`
	Attempts    []AttemptRecord          `json:"attempts"`
	FinalError  *classify.Classification `json:"final_error,omitempty"`
	// NeedsNewWindow is set when the engine stopped because the operation's
	// validity window closed and no rebuilder was supplied.
	NeedsNewWindow bool `json:"needs_new_window,omitempty"`
}

// Succeeded reports whether the operation reached the required durability.
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}
