package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/hikaku/internal/model"
)

const jobColumns = `job_name, backend, external_job_id, training_example_count, blob_location,
	submitted_at, status, estimated_completion`

// AppendJob inserts a job record. A duplicate job name returns ErrConflict.
func (db *DB) AppendJob(ctx context.Context, job model.JobRecord) error {
	err := WithRetry(ctx, defaultMaxRetries, defaultBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO training_jobs (`+jobColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			job.JobName, string(job.Backend), job.ExternalJobID, job.TrainingExampleCount,
			job.BlobLocation, job.SubmittedAt, string(job.Status), job.EstimatedCompletion,
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: append job %s: %w", job.JobName, ErrConflict)
		}
		return fmt.Errorf("storage: append job: %w", err)
	}
	return nil
}

// AppendUpload inserts a data upload record.
func (db *DB) AppendUpload(ctx context.Context, u model.DataUpload) error {
	err := WithRetry(ctx, defaultMaxRetries, defaultBaseDelay, func() error {
		_, err := db.pool.Exec(ctx,
			`INSERT INTO data_uploads (backend, blob_location, training_example_count, size_bytes, uploaded_at)
			 VALUES ($1, $2, $3, $4, $5)`,
			string(u.Backend), u.BlobLocation, u.TrainingExampleCount, u.SizeBytes, u.UploadedAt,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: append upload: %w", err)
	}
	return nil
}

// ListJobs returns every job in insertion order.
func (db *DB) ListJobs(ctx context.Context) ([]model.JobRecord, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+jobColumns+` FROM training_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []model.JobRecord{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob returns the job named name, or ErrNotFound.
func (db *DB) GetJob(ctx context.Context, name string) (model.JobRecord, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE job_name = $1`, name)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.JobRecord{}, ErrNotFound
		}
		return model.JobRecord{}, fmt.Errorf("storage: get job: %w", err)
	}
	return j, nil
}

// UpdateJobStatus sets the status of a recorded job. Status is the only
// mutable field of a job record.
func (db *DB) UpdateJobStatus(ctx context.Context, name string, status model.JobStatus) error {
	tag, err := db.pool.Exec(ctx, `UPDATE training_jobs SET status = $2 WHERE job_name = $1`, name, string(status))
	if err != nil {
		return fmt.Errorf("storage: update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUploads returns every data upload in insertion order.
func (db *DB) ListUploads(ctx context.Context) ([]model.DataUpload, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT backend, blob_location, training_example_count, size_bytes, uploaded_at
		 FROM data_uploads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list uploads: %w", err)
	}
	defer rows.Close()

	uploads := []model.DataUpload{}
	for rows.Next() {
		var u model.DataUpload
		var backend string
		if err := rows.Scan(&backend, &u.BlobLocation, &u.TrainingExampleCount, &u.SizeBytes, &u.UploadedAt); err != nil {
			return nil, fmt.Errorf("storage: scan upload: %w", err)
		}
		u.Backend = model.BackendID(backend)
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

func scanJob(row pgx.Row) (model.JobRecord, error) {
	var j model.JobRecord
	var backend, status string
	err := row.Scan(&j.JobName, &backend, &j.ExternalJobID, &j.TrainingExampleCount, &j.BlobLocation,
		&j.SubmittedAt, &status, &j.EstimatedCompletion)
	j.Backend = model.BackendID(backend)
	j.Status = model.JobStatus(status)
	return j, err
}
