package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLiteStore stores records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the ingestion_jobs table and indexes if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS ingestion_jobs (
			job_id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion_jobs table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_created_at ON ingestion_jobs(created_at DESC)"); err != nil {
		return nil, fmt.Errorf("failed to create ingestion_jobs created_at index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Create inserts a new record.
func (s *SQLiteStore) Create(ctx context.Context, record *Record) error {
	payload, err := serializeRecord(record)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (job_id, created_at, updated_at, status, data)
		VALUES (?, ?, ?, ?, ?)
	`, record.JobID, record.CreatedAt, record.UpdatedAt, string(record.Status), string(payload))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a record by job id.
func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM ingestion_jobs WHERE job_id = ?", jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}

	record, err := deserializeRecord([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return record, nil
}

// List returns records ordered by created_at desc, job_id desc.
func (s *SQLiteStore) List(ctx context.Context, limit int, after string) ([]*Record, error) {
	limit = normalizeLimit(limit)

	var rows *sql.Rows
	var err error
	if after == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT data
			FROM ingestion_jobs
			ORDER BY created_at DESC, job_id DESC
			LIMIT ?
		`, limit)
	} else {
		var cursorCreatedAt int64
		err = s.db.QueryRowContext(ctx, "SELECT created_at FROM ingestion_jobs WHERE job_id = ?", after).Scan(&cursorCreatedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query after cursor: %w", err)
		}

		rows, err = s.db.QueryContext(ctx, `
			SELECT data
			FROM ingestion_jobs
			WHERE (created_at < ?) OR (created_at = ? AND job_id < ?)
			ORDER BY created_at DESC, job_id DESC
			LIMIT ?
		`, cursorCreatedAt, cursorCreatedAt, after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		record, err := deserializeRecord([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("decode job row: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return items, nil
}

// Update replaces a stored record.
func (s *SQLiteStore) Update(ctx context.Context, record *Record) error {
	payload, err := serializeRecord(record)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_jobs
		SET updated_at = ?, status = ?, data = ?
		WHERE job_id = ?
	`, record.UpdatedAt, string(record.Status), string(payload), record.JobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the connection is owned by the storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}
