package nats

import (
	"time"

	"github.com/brojonat/txlander/service/monitor"
	"github.com/brojonat/txlander/service/solana"
	"github.com/brojonat/txlander/service/submit"
)

// SubmissionEvent is published to "submissions.{status}" when an Execute
// run reaches a terminal status.
type SubmissionEvent struct {
	OperationID string `json:"operation_id"`
	Label       string `json:"label"`
	Status      string `json:"status"`
	Signature   string `json:"signature,omitempty"`
	Attempts    int    `json:"attempts"`

	// Failure details, empty on success
	Category       string `json:"category,omitempty"`
	Severity       string `json:"severity,omitempty"`
	Retryable      bool   `json:"retryable,omitempty"`
	Message        string `json:"message,omitempty"`
	NeedsNewWindow bool   `json:"needs_new_window,omitempty"`
	LandedFailure  bool   `json:"landed_failure,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromOutcome converts an engine outcome to a SubmissionEvent.
func FromOutcome(out submit.Outcome) *SubmissionEvent {
	event := &SubmissionEvent{
		OperationID:    out.OperationID,
		Label:          out.Label,
		Status:         string(out.Status),
		Signature:      out.Signature,
		Attempts:       len(out.Attempts),
		NeedsNewWindow: out.NeedsNewWindow,
		PublishedAt:    time.Now().UTC(),
	}
	if out.FinalError != nil {
		event.Category = string(out.FinalError.Category)
		event.Severity = string(out.FinalError.Severity)
		event.Retryable = out.FinalError.Retryable
		event.Message = out.FinalError.Message
	}
	for _, a := range out.Attempts {
		if a.LandedFailure {
			event.LandedFailure = true
		}
	}
	return event
}

// AccountEvent is published to "accounts.{address}" when a watched
// account's state changes.
type AccountEvent struct {
	Address  string                `json:"address"`
	Exists   bool                  `json:"exists"`
	Lamports uint64                `json:"lamports"`
	Owner    string                `json:"owner,omitempty"`
	Tokens   []solana.TokenBalance `json:"tokens,omitempty"`
	Slot     uint64                `json:"slot"`
	Hash     string                `json:"hash"`

	ObservedAt  time.Time `json:"observed_at"`
	PublishedAt time.Time `json:"published_at"`
}

// FromSnapshot converts a monitor snapshot to an AccountEvent.
func FromSnapshot(snap monitor.Snapshot) *AccountEvent {
	return &AccountEvent{
		Address:     snap.Address,
		Exists:      snap.Exists,
		Lamports:    snap.Lamports,
		Owner:       snap.Owner,
		Tokens:      snap.Tokens,
		Slot:        snap.Slot,
		Hash:        snap.Hash,
		ObservedAt:  snap.ObservedAt,
		PublishedAt: time.Now().UTC(),
	}
}

// SubmissionSubject is the subject a submission event with this status goes to.
func SubmissionSubject(status string) string {
	return "submissions." + status
}

// AccountSubject is the subject an account event for this address goes to.
func AccountSubject(address string) string {
	return "accounts." + address
}
