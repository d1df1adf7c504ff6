package jobstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgreSQLStore stores records in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the ingestion_jobs table and indexes if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS ingestion_jobs (
			job_id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			status TEXT NOT NULL,
			data JSONB NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingestion_jobs table: %w", err)
	}
	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_created_at ON ingestion_jobs(created_at DESC)"); err != nil {
		return nil, fmt.Errorf("failed to create ingestion_jobs created_at index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Create inserts a new record.
func (s *PostgreSQLStore) Create(ctx context.Context, record *Record) error {
	payload, err := serializeRecord(record)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ingestion_jobs (job_id, created_at, updated_at, status, data)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, record.JobID, record.CreatedAt, record.UpdatedAt, string(record.Status), payload)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get returns a record by job id.
func (s *PostgreSQLStore) Get(ctx context.Context, jobID string) (*Record, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, "SELECT data FROM ingestion_jobs WHERE job_id = $1", jobID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}

	record, err := deserializeRecord(payload)
	if err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return record, nil
}

// List returns records ordered by created_at desc, job_id desc.
func (s *PostgreSQLStore) List(ctx context.Context, limit int, after string) ([]*Record, error) {
	limit = normalizeLimit(limit)

	var rows pgx.Rows
	var err error
	if after == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT data
			FROM ingestion_jobs
			ORDER BY created_at DESC, job_id DESC
			LIMIT $1
		`, limit)
	} else {
		var cursorCreatedAt int64
		err = s.pool.QueryRow(ctx, "SELECT created_at FROM ingestion_jobs WHERE job_id = $1", after).Scan(&cursorCreatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("query after cursor: %w", err)
		}

		rows, err = s.pool.Query(ctx, `
			SELECT data
			FROM ingestion_jobs
			WHERE (created_at < $1) OR (created_at = $1 AND job_id < $2)
			ORDER BY created_at DESC, job_id DESC
			LIMIT $3
		`, cursorCreatedAt, after, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0, limit)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		record, err := deserializeRecord(payload)
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
func (s *PostgreSQLStore) Update(ctx context.Context, record *Record) error {
	payload, err := serializeRecord(record)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs
		SET updated_at = $1, status = $2, data = $3::jsonb
		WHERE job_id = $4
	`, record.UpdatedAt, string(record.Status), payload, record.JobID)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the pool is owned by the storage layer.
func (s *PostgreSQLStore) Close() error {
	return nil
}
