package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/prodcast/worker/pkg/domain/job"
	"github.com/prodcast/worker/pkg/domain/shared"
)

// ResultRepository implements job.Persister.
type ResultRepository struct {
	db *DB
}

// NewResultRepository creates a new ResultRepository.
func NewResultRepository(db *DB) *ResultRepository {
	return &ResultRepository{db: db}
}

// Persist upserts the result row and its samples in one transaction. The
// row is only replaced when the incoming attempt is not older than the
// stored one, so a late write from a superseded attempt is discarded.
func (r *ResultRepository) Persist(ctx context.Context, res *job.Result) (bool, error) {
	if res == nil || res.Key.IsZero() {
		return false, fmt.Errorf("%w: result key is required", job.ErrPersist)
	}

	step := -1
	if i, ok := res.Key.StepIndex(); ok {
		step = i
	}

	upsert := `
		INSERT INTO job_results (
			job_key, job_kind, entity_id, step_index,
			attempt_number, status, error, output, completed_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_key) DO UPDATE SET
			attempt_number = excluded.attempt_number,
			status = excluded.status,
			error = excluded.error,
			output = excluded.output,
			completed_at = excluded.completed_at
		WHERE job_results.attempt_number <= excluded.attempt_number
	`

	var applied bool
	err := r.db.Transaction(ctx, func(tx *sql.Tx) error {
		result, err := r.db.exec(ctx, tx, upsert,
			res.Key.String(),
			string(res.Key.Kind()),
			res.Key.EntityID(),
			nullInt(step),
			res.AttemptNumber,
			string(res.Status),
			nullString(res.Error),
			nullString(res.Output),
			r.db.dialect.timeArg(res.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to upsert result: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return nil
		}
		applied = true

		if _, err := r.db.exec(ctx, tx, "DELETE FROM job_result_samples WHERE job_key = ?", res.Key.String()); err != nil {
			return fmt.Errorf("failed to clear samples: %w", err)
		}
		return r.insertSamples(ctx, tx, res)
	})
	if err != nil {
		return false, fmt.Errorf("%w: %s: %w", job.ErrPersist, res.Key, err)
	}

	return applied, nil
}

func (r *ResultRepository) insertSamples(ctx context.Context, tx *sql.Tx, res *job.Result) error {
	if len(res.Samples) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, r.db.dialect.Rebind(`
		INSERT INTO job_result_samples (
			job_key, attempt_number, object_instance, property,
			sample_time, value, sub_source
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare sample insert: %w", err)
	}
	defer stmt.Close()

	for _, s := range res.Samples {
		if _, err := stmt.ExecContext(ctx,
			res.Key.String(),
			res.AttemptNumber,
			s.ObjectInstance,
			s.Property,
			s.Time,
			s.Value,
			nullString(s.SubSource),
		); err != nil {
			return fmt.Errorf("failed to insert sample: %w", err)
		}
	}
	return nil
}

// Get returns the stored record for key with its samples.
func (r *ResultRepository) Get(ctx context.Context, key job.Key) (*job.Record, error) {
	query := `
		SELECT attempt_number, status, error, output, completed_at
		FROM job_results
		WHERE job_key = ?
	`

	var (
		rec         = job.Record{Key: key}
		status      string
		errText     sql.NullString
		output      sql.NullString
		completedAt scanTime
	)
	err := r.db.queryRow(ctx, r.db.DB, query, key.String()).Scan(
		&rec.AttemptNumber, &status, &errText, &output, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, shared.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}
	rec.Status = job.ResultStatus(status)
	rec.Error = nullStringValue(errText)
	rec.Output = nullStringValue(output)
	rec.CompletedAt = completedAt.Time

	rows, err := r.db.query(ctx, r.db.DB, `
		SELECT object_instance, property, sample_time, value, sub_source
		FROM job_result_samples
		WHERE job_key = ?
		ORDER BY object_instance, property, sample_time
	`, key.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list samples: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			s   job.Sample
			sub sql.NullString
		)
		if err := rows.Scan(&s.ObjectInstance, &s.Property, &s.Time, &s.Value, &sub); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.SubSource = nullStringValue(sub)
		rec.Samples = append(rec.Samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate samples: %w", err)
	}

	return &rec, nil
}

var _ job.Persister = (*ResultRepository)(nil)
