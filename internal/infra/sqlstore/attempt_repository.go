package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
)

// AttemptRepository implements job.AttemptRepository.
type AttemptRepository struct {
	db *DB
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(db *DB) *AttemptRepository {
	return &AttemptRepository{db: db}
}

// Begin inserts a pending attempt. A duplicate (key, number) is ignored.
func (r *AttemptRepository) Begin(ctx context.Context, a *job.Attempt) error {
	query := `
		INSERT INTO job_attempts (
			job_key, attempt_number, request_id, worker_id,
			started_at, outcome
		)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_key, attempt_number) DO NOTHING
	`

	_, err := r.db.exec(ctx, r.db.DB, query,
		a.Key.String(),
		a.Number,
		a.RequestID,
		a.WorkerID,
		r.db.dialect.timeArg(a.StartedAt),
		string(job.OutcomePending),
	)
	if err != nil {
		return fmt.Errorf("failed to begin attempt: %w", err)
	}
	return nil
}

// Finish records the outcome of a pending attempt. The outcome column is
// only written while it still reads pending.
func (r *AttemptRepository) Finish(ctx context.Context, a *job.Attempt, res *job.Result) error {
	if a.Outcome == job.OutcomePending || !a.Outcome.IsValid() {
		return shared.NewValidationError(fmt.Sprintf("cannot finish attempt with outcome %q", a.Outcome), nil)
	}

	var resultJSON sql.NullString
	if res != nil {
		text, err := toJSON(res)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		resultJSON = nullString(text)
	}

	query := `
		UPDATE job_attempts
		SET outcome = ?, reason = ?, finished_at = ?, result = ?
		WHERE job_key = ? AND attempt_number = ? AND outcome = ?
	`

	result, err := r.db.exec(ctx, r.db.DB, query,
		string(a.Outcome),
		nullString(a.Reason),
		r.db.dialect.nullTimeArg(a.FinishedAt),
		resultJSON,
		a.Key.String(),
		a.Number,
		string(job.OutcomePending),
	)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	err = r.db.queryRow(ctx, r.db.DB,
		"SELECT COUNT(*) FROM job_attempts WHERE job_key = ? AND attempt_number = ?",
		a.Key.String(), a.Number,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check attempt: %w", err)
	}
	if exists == 0 {
		return shared.ErrNotFound
	}
	return job.ErrOutcomeRecorded
}

// LatestNumber returns the highest attempt number recorded for key.
func (r *AttemptRepository) LatestNumber(ctx context.Context, key job.Key) (int, error) {
	var n int
	err := r.db.queryRow(ctx, r.db.DB,
		"SELECT COALESCE(MAX(attempt_number), 0) FROM job_attempts WHERE job_key = ?",
		key.String(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to get latest attempt: %w", err)
	}
	return n, nil
}

// FindTerminal returns the last terminal attempt of a request.
func (r *AttemptRepository) FindTerminal(ctx context.Context, key job.Key, requestID string) (*job.Attempt, *job.Result, error) {
	query := r.selectQuery() + `
		WHERE job_key = ? AND request_id = ? AND outcome IN (?, ?)
		ORDER BY attempt_number DESC
		LIMIT 1
	`

	row := r.db.queryRow(ctx, r.db.DB, query,
		key.String(), requestID,
		string(job.OutcomeSuccess), string(job.OutcomeFatalFailure),
	)
	a, resultJSON, err := r.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find terminal attempt: %w", err)
	}

	if !resultJSON.Valid {
		return a, nil, nil
	}
	var res job.Result
	if err := json.Unmarshal([]byte(resultJSON.String), &res); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal attempt result: %w", err)
	}
	return a, &res, nil
}

// ListByKey returns every attempt for key ordered by number.
func (r *AttemptRepository) ListByKey(ctx context.Context, key job.Key) ([]*job.Attempt, error) {
	rows, err := r.db.query(ctx, r.db.DB,
		r.selectQuery()+" WHERE job_key = ? ORDER BY attempt_number",
		key.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*job.Attempt
	for rows.Next() {
		a, _, err := r.scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (r *AttemptRepository) selectQuery() string {
	return `
		SELECT job_key, attempt_number, request_id, worker_id,
		       started_at, finished_at, outcome, reason, result
		FROM job_attempts
	`
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *AttemptRepository) scan(row rowScanner) (*job.Attempt, sql.NullString, error) {
	var (
		a          job.Attempt
		keyText    string
		outcome    string
		reason     sql.NullString
		resultJSON sql.NullString
		startedAt  scanTime
		finishedAt scanTime
	)
	err := row.Scan(
		&keyText, &a.Number, &a.RequestID, &a.WorkerID,
		&startedAt, &finishedAt, &outcome, &reason, &resultJSON,
	)
	if err != nil {
		return nil, resultJSON, err
	}

	key, err := job.ParseKey(keyText)
	if err != nil {
		return nil, resultJSON, err
	}
	a.Key = key
	a.Outcome = job.Outcome(outcome)
	a.Reason = nullStringValue(reason)
	a.StartedAt = startedAt.Time
	a.FinishedAt = finishedAt.Ptr()

	return &a, resultJSON, nil
}

var _ job.AttemptRepository = (*AttemptRepository)(nil)
