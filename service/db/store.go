package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/txlander/service/classify"
	"github.com/brojonat/txlander/service/metrics"
	"github.com/brojonat/txlander/service/submit"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a submission does not exist.
var ErrNotFound = errors.New("submission not found")

// Store persists the audit trail of submissions.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{pool: pool, metrics: m}
}

const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	operation_id     TEXT PRIMARY KEY,
	label            TEXT NOT NULL,
	status           TEXT NOT NULL,
	signature        TEXT,
	final_error      JSONB,
	needs_new_window BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS submissions_created_at_idx ON submissions (created_at DESC);
CREATE INDEX IF NOT EXISTS submissions_status_idx ON submissions (status);

CREATE TABLE IF NOT EXISTS submission_attempts (
	operation_id   TEXT NOT NULL REFERENCES submissions (operation_id) ON DELETE CASCADE,
	attempt_index  INTEGER NOT NULL,
	stage          TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	signature      TEXT,
	error          JSONB,
	landed_failure BOOLEAN NOT NULL DEFAULT FALSE,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (operation_id, attempt_index)
);
`

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// Submission is one Execute run as stored.
type Submission struct {
	OperationID    string                   `json:"operation_id"`
	Label          string                   `json:"label"`
	Status         string                   `json:"status"`
	Signature      *string                  `json:"signature,omitempty"`
	FinalError     *classify.Classification `json:"final_error,omitempty"`
	NeedsNewWindow bool                     `json:"needs_new_window"`
	AttemptCount   int                      `json:"attempt_count"`
	CreatedAt      time.Time                `json:"created_at"`
	UpdatedAt      time.Time                `json:"updated_at"`
	// Attempts is only populated by GetSubmission.
	Attempts []Attempt `json:"attempts,omitempty"`
}

// Attempt is one stored attempt record.
type Attempt struct {
	Index         int                      `json:"index"`
	Stage         string                   `json:"stage"`
	Outcome       string                   `json:"outcome"`
	Signature     *string                  `json:"signature,omitempty"`
	Error         *classify.Classification `json:"error,omitempty"`
	LandedFailure bool                     `json:"landed_failure,omitempty"`
	StartedAt     time.Time                `json:"started_at"`
	FinishedAt    time.Time                `json:"finished_at"`
}

// SaveOutcomeParams contains the parameters for saving a submission.
type SaveOutcomeParams struct {
	OperationID    string
	Label          string
	Status         string
	Signature      *string
	FinalError     *classify.Classification
	NeedsNewWindow bool
	Attempts       []Attempt
}

// ParamsFromOutcome converts an engine outcome into store parameters.
func ParamsFromOutcome(out submit.Outcome) SaveOutcomeParams {
	params := SaveOutcomeParams{
		OperationID:    out.OperationID,
		Label:          out.Label,
		Status:         string(out.Status),
		Signature:      stringPtr(out.Signature),
		FinalError:     out.FinalError,
		NeedsNewWindow: out.NeedsNewWindow,
		Attempts:       make([]Attempt, len(out.Attempts)),
	}
	for i, a := range out.Attempts {
		params.Attempts[i] = Attempt{
			Index:         a.Index,
			Stage:         string(a.Stage),
			Outcome:       string(a.Outcome),
			Signature:     stringPtr(a.Signature),
			Error:         a.Error,
			LandedFailure: a.LandedFailure,
			StartedAt:     a.StartedAt,
			FinishedAt:    a.FinishedAt,
		}
	}
	return params
}

// SaveOutcome upserts the submission and replaces its attempts in one
// transaction. Saving the same outcome twice leaves one row.
func (s *Store) SaveOutcome(ctx context.Context, params SaveOutcomeParams) (*Submission, error) {
	start := time.Now()
	sub, err := s.saveOutcome(ctx, params)
	s.record("save_outcome", "submissions", start, err)
	return sub, err
}

func (s *Store) saveOutcome(ctx context.Context, params SaveOutcomeParams) (*Submission, error) {
	if params.OperationID == "" {
		return nil, classify.Inputf("operation id is required")
	}
	finalError, err := marshalClassification(params.FinalError)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sub := &Submission{
		OperationID:    params.OperationID,
		Label:          params.Label,
		Status:         params.Status,
		Signature:      params.Signature,
		FinalError:     params.FinalError,
		NeedsNewWindow: params.NeedsNewWindow,
		AttemptCount:   len(params.Attempts),
	}

	var createdAt, updatedAt pgtype.Timestamptz
	err = tx.QueryRow(ctx, `
		INSERT INTO submissions (operation_id, label, status, signature, final_error, needs_new_window)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (operation_id) DO UPDATE SET
			label = EXCLUDED.label,
			status = EXCLUDED.status,
			signature = EXCLUDED.signature,
			final_error = EXCLUDED.final_error,
			needs_new_window = EXCLUDED.needs_new_window,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`, params.OperationID, params.Label, params.Status, pgtextFromStringPtr(params.Signature), finalError, params.NeedsNewWindow,
	).Scan(&createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert submission: %w", err)
	}
	sub.CreatedAt = createdAt.Time
	sub.UpdatedAt = updatedAt.Time

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM submission_attempts WHERE operation_id = $1`, params.OperationID)
	for _, a := range params.Attempts {
		attemptErr, err := marshalClassification(a.Error)
		if err != nil {
			return nil, err
		}
		batch.Queue(`
			INSERT INTO submission_attempts
				(operation_id, attempt_index, stage, outcome, signature, error, landed_failure, started_at, finished_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, params.OperationID, a.Index, a.Stage, a.Outcome, pgtextFromStringPtr(a.Signature), attemptErr, a.LandedFailure,
			pgtype.Timestamptz{Time: a.StartedAt, Valid: true},
			pgtype.Timestamptz{Time: a.FinishedAt, Valid: true},
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return nil, fmt.Errorf("failed to write attempts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit submission: %w", err)
	}
	sub.Attempts = params.Attempts
	return sub, nil
}

// GetSubmission retrieves a submission and its attempts in index order.
func (s *Store) GetSubmission(ctx context.Context, operationID string) (*Submission, error) {
	start := time.Now()
	sub, err := s.getSubmission(ctx, operationID)
	if errors.Is(err, ErrNotFound) {
		s.record("get_submission", "submissions", start, nil)
	} else {
		s.record("get_submission", "submissions", start, err)
	}
	return sub, err
}

func (s *Store) getSubmission(ctx context.Context, operationID string) (*Submission, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT s.operation_id, s.label, s.status, s.signature, s.final_error, s.needs_new_window,
			(SELECT COUNT(*) FROM submission_attempts a WHERE a.operation_id = s.operation_id),
			s.created_at, s.updated_at
		FROM submissions s
		WHERE s.operation_id = $1
	`, operationID)
	sub, err := scanSubmission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT attempt_index, stage, outcome, signature, error, landed_failure, started_at, finished_at
		FROM submission_attempts
		WHERE operation_id = $1
		ORDER BY attempt_index
	`, operationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	sub.Attempts = []Attempt{}
	for rows.Next() {
		var (
			a         Attempt
			signature pgtype.Text
			errJSON   []byte
			started   pgtype.Timestamptz
			finished  pgtype.Timestamptz
		)
		if err := rows.Scan(&a.Index, &a.Stage, &a.Outcome, &signature, &errJSON, &a.LandedFailure, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Signature = stringPtrFromPgtext(signature)
		a.StartedAt = started.Time
		a.FinishedAt = finished.Time
		if a.Error, err = unmarshalClassification(errJSON); err != nil {
			return nil, err
		}
		sub.Attempts = append(sub.Attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read attempts: %w", err)
	}
	return sub, nil
}

// ListSubmissionsParams contains filter and pagination parameters.
type ListSubmissionsParams struct {
	// Status filters by status when non-empty.
	Status string
	Limit  int32
	Offset int32
}

// ListSubmissions returns submissions, most recent first, without attempts.
func (s *Store) ListSubmissions(ctx context.Context, params ListSubmissionsParams) ([]*Submission, error) {
	start := time.Now()
	subs, err := s.listSubmissions(ctx, params)
	s.record("list_submissions", "submissions", start, err)
	return subs, err
}

func (s *Store) listSubmissions(ctx context.Context, params ListSubmissionsParams) ([]*Submission, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT s.operation_id, s.label, s.status, s.signature, s.final_error, s.needs_new_window,
			(SELECT COUNT(*) FROM submission_attempts a WHERE a.operation_id = s.operation_id),
			s.created_at, s.updated_at
		FROM submissions s
		WHERE ($1::text = '' OR s.status = $1::text)
		ORDER BY s.created_at DESC, s.operation_id
		LIMIT $2 OFFSET $3
	`, params.Status, params.Limit, params.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	subs := []*Submission{}
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubmissionsOlderThan prunes submissions created before the given time.
func (s *Store) DeleteSubmissionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM submissions WHERE created_at < $1`,
		pgtype.Timestamptz{Time: before, Valid: true})
	s.record("delete_submissions", "submissions", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete submissions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSubmission(row pgx.Row) (*Submission, error) {
	var (
		sub        Submission
		signature  pgtype.Text
		finalError []byte
		count      int64
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	if err := row.Scan(&sub.OperationID, &sub.Label, &sub.Status, &signature, &finalError,
		&sub.NeedsNewWindow, &count, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	var err error
	if sub.FinalError, err = unmarshalClassification(finalError); err != nil {
		return nil, err
	}
	sub.Signature = stringPtrFromPgtext(signature)
	sub.AttemptCount = int(count)
	sub.CreatedAt = createdAt.Time
	sub.UpdatedAt = updatedAt.Time
	return &sub, nil
}

func (s *Store) record(op, table string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
	}
}

// Helper functions to convert between pgx types and domain types

func marshalClassification(c *classify.Classification) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal classification: %w", err)
	}
	return b, nil
}

func unmarshalClassification(b []byte) (*classify.Classification, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var c classify.Classification
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal classification: %w", err)
	}
	return &c, nil
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}
