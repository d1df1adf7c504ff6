// Package jobstore keeps a ledger of ingestion jobs started from this client.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"queryflow/internal/core"
)

// ErrNotFound indicates a requested job was not found.
var ErrNotFound = errors.New("job not found")

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Record is the ledger entry of one ingestion job.
type Record struct {
	JobID          string         `json:"job_id"`
	Status         core.JobStatus `json:"status"`
	Files          []string       `json:"files"`
	ProcessedFiles int            `json:"processed_files"`
	TotalFiles     int            `json:"total_files"`
	Errors         []string       `json:"errors"`
	Message        string         `json:"message,omitempty"`
	// PollError is set when the client gave up polling the job.
	PollError string `json:"poll_error,omitempty"`
	// CreatedAt and UpdatedAt are unix milliseconds.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// NewRecord returns a pending record for a freshly uploaded job.
func NewRecord(jobID string, files []string, message string) *Record {
	now := time.Now().UnixMilli()
	return &Record{
		JobID:      jobID,
		Status:     core.JobStatusPending,
		Files:      append([]string{}, files...),
		TotalFiles: len(files),
		Errors:     []string{},
		Message:    message,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Apply copies a polled job status into the record. pollErr is the error the poller settled with.
func (r *Record) Apply(job core.Job, pollErr error) {
	job = job.Normalize()
	if job.Status != "" {
		r.Status = job.Status
	}
	r.ProcessedFiles = job.ProcessedFiles
	if job.TotalFiles > 0 {
		r.TotalFiles = job.TotalFiles
	}
	r.Errors = job.Errors
	if pollErr != nil {
		r.PollError = pollErr.Error()
	}
	r.UpdatedAt = time.Now().UnixMilli()
}

// Job returns the record as a job status.
func (r *Record) Job() core.Job {
	return core.Job{
		JobID:          r.JobID,
		Status:         r.Status,
		ProcessedFiles: r.ProcessedFiles,
		TotalFiles:     r.TotalFiles,
		Errors:         r.Errors,
	}.Normalize()
}

// Store defines persistence operations for the job ledger.
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, jobID string) (*Record, error)
	// List returns records newest first. after is the job id of the last record of the
	// previous page, or empty for the first page.
	List(ctx context.Context, limit int, after string) ([]*Record, error)
	Update(ctx context.Context, record *Record) error
	Close() error
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	default:
		return limit
	}
}

func cloneRecord(src *Record) (*Record, error) {
	raw, err := serializeRecord(src)
	if err != nil {
		return nil, err
	}
	return deserializeRecord(raw)
}

func serializeRecord(record *Record) ([]byte, error) {
	if record == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if record.JobID == "" {
		return nil, fmt.Errorf("job id is empty")
	}
	b, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return b, nil
}

func deserializeRecord(raw []byte) (*Record, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty record payload")
	}
	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &record, nil
}
