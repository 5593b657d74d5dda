// Package sqlite is a single-file history store for deployments without
// PostgreSQL. It uses the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/hikaku/internal/model"
	"github.com/ashita-ai/hikaku/internal/storage"
	"github.com/ashita-ai/hikaku/migrations"
)

const jobColumns = `job_name, backend, external_job_id, training_example_count, blob_location,
	submitted_at, status, estimated_completion`

// Store is a HistoryStore backed by a SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; a single connection also keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := applySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("sqlite: history store ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// applySchema runs every embedded SQLite migration in lexical order. The
// statements are idempotent, so they are re-run on every open.
func applySchema(ctx context.Context, db *sql.DB) error {
	files, err := fs.Glob(migrations.SQLiteFS, "sqlite/*.sql")
	if err != nil {
		return fmt.Errorf("sqlite: list migrations: %w", err)
	}
	for _, name := range files {
		ddl, err := fs.ReadFile(migrations.SQLiteFS, name)
		if err != nil {
			return fmt.Errorf("sqlite: read %s: %w", name, err)
		}
		if _, err := db.ExecContext(ctx, string(ddl)); err != nil {
			return fmt.Errorf("sqlite: apply %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendJob inserts a job record. A duplicate job name returns storage.ErrConflict.
func (s *Store) AppendJob(ctx context.Context, job model.JobRecord) error {
	var eta any
	if job.EstimatedCompletion != nil {
		eta = formatTime(*job.EstimatedCompletion)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO training_jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobName, string(job.Backend), job.ExternalJobID, job.TrainingExampleCount,
		job.BlobLocation, formatTime(job.SubmittedAt), string(job.Status), eta,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("sqlite: append job %s: %w", job.JobName, storage.ErrConflict)
		}
		return fmt.Errorf("sqlite: append job: %w", err)
	}
	return nil
}

// AppendUpload inserts a data upload record.
func (s *Store) AppendUpload(ctx context.Context, u model.DataUpload) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_uploads (backend, blob_location, training_example_count, size_bytes, uploaded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		string(u.Backend), u.BlobLocation, u.TrainingExampleCount, u.SizeBytes, formatTime(u.UploadedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: append upload: %w", err)
	}
	return nil
}

// ListJobs returns every job in insertion order.
func (s *Store) ListJobs(ctx context.Context) ([]model.JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM training_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []model.JobRecord{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob returns the job named name, or storage.ErrNotFound.
func (s *Store) GetJob(ctx context.Context, name string) (model.JobRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM training_jobs WHERE job_name = ?`, name)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.JobRecord{}, storage.ErrNotFound
		}
		return model.JobRecord{}, fmt.Errorf("sqlite: get job: %w", err)
	}
	return j, nil
}

// UpdateJobStatus sets the status of a recorded job.
func (s *Store) UpdateJobStatus(ctx context.Context, name string, status model.JobStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE training_jobs SET status = ? WHERE job_name = ?`, string(status), name)
	if err != nil {
		return fmt.Errorf("sqlite: update job status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListUploads returns every data upload in insertion order.
func (s *Store) ListUploads(ctx context.Context) ([]model.DataUpload, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT backend, blob_location, training_example_count, size_bytes, uploaded_at
		 FROM data_uploads ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list uploads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	uploads := []model.DataUpload{}
	for rows.Next() {
		var u model.DataUpload
		var backend, uploadedAt string
		if err := rows.Scan(&backend, &u.BlobLocation, &u.TrainingExampleCount, &u.SizeBytes, &uploadedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan upload: %w", err)
		}
		u.Backend = model.BackendID(backend)
		if u.UploadedAt, err = parseTime(uploadedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	return uploads, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (model.JobRecord, error) {
	var (
		j                     model.JobRecord
		backend, status, subm string
		eta                   sql.NullString
	)
	if err := row.Scan(&j.JobName, &backend, &j.ExternalJobID, &j.TrainingExampleCount, &j.BlobLocation,
		&subm, &status, &eta); err != nil {
		return model.JobRecord{}, err
	}
	j.Backend = model.BackendID(backend)
	j.Status = model.JobStatus(status)
	var err error
	if j.SubmittedAt, err = parseTime(subm); err != nil {
		return model.JobRecord{}, err
	}
	if eta.Valid {
		t, err := parseTime(eta.String)
		if err != nil {
			return model.JobRecord{}, err
		}
		j.EstimatedCompletion = &t
	}
	return j, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
