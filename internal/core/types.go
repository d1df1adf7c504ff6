package core

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"github.com/tidwall/gjson"
)

// JobStatus is the lifecycle state of a background ingestion job.
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
	JobStatusFailed              JobStatus = "failed"
)

// Terminal reports whether no further transitions can occur from s.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusCompletedWithErrors, JobStatusFailed:
		return true
	default:
		return false
	}
}

// Job is the status of one ingestion job as reported by GET /ingest/status/:job_id.
type Job struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	ProcessedFiles int       `json:"processed_files"`
	TotalFiles     int       `json:"total_files"`
	Errors         []string  `json:"errors"`
}

// Terminal reports whether the job has reached a terminal state.
func (j Job) Terminal() bool {
	return j.Status.Terminal()
}

// Normalize enforces 0 <= ProcessedFiles <= TotalFiles and a non-nil Errors slice.
func (j Job) Normalize() Job {
	if j.TotalFiles < 0 {
		j.TotalFiles = 0
	}
	if j.ProcessedFiles < 0 {
		j.ProcessedFiles = 0
	}
	if j.ProcessedFiles > j.TotalFiles {
		j.ProcessedFiles = j.TotalFiles
	}
	if j.Errors == nil {
		j.Errors = []string{}
	}
	return j
}

// Progress returns the completion percentage rounded to the nearest integer.
func (j Job) Progress() int {
	if j.TotalFiles <= 0 {
		return 0
	}
	return int(math.Round(float64(j.ProcessedFiles) / float64(j.TotalFiles) * 100))
}

// Column describes one column of a discovered table.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table describes one discovered table.
type Table struct {
	Columns []Column `json:"columns"`
}

// Relationship is a foreign key discovered between two tables.
type Relationship struct {
	SourceTable        string   `json:"source_table"`
	TargetTable        string   `json:"target_table"`
	ConstrainedColumns []string `json:"constrained_columns"`
	ReferredColumns    []string `json:"referred_columns"`
}

// Schema is the payload of GET /schema.
type Schema struct {
	Tables        map[string]Table `json:"tables"`
	Relationships []Relationship   `json:"relationships"`
	Vocabulary    []string         `json:"vocabulary"`
}

// TableNames returns the table names in lexical order.
func (s *Schema) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tables))
	for name := range s.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectRequest is the body of POST /connect.
type ConnectRequest struct {
	ConnectionString string `json:"connection_string"`
}

// ConnectResult is the payload of POST /connect.
// Tables is kept raw because backends report it either as a list of names or as a table map.
type ConnectResult struct {
	Message string          `json:"message"`
	Tables  json.RawMessage `json:"tables,omitempty"`
}

// TableNames extracts table names from Tables whatever its shape.
func (r *ConnectResult) TableNames() []string {
	if r == nil || len(r.Tables) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(r.Tables)
	var names []string
	switch {
	case parsed.IsArray():
		parsed.ForEach(func(_, v gjson.Result) bool {
			if v.Type == gjson.String {
				names = append(names, v.String())
			} else if n := v.Get("name"); n.Exists() {
				names = append(names, n.String())
			}
			return true
		})
	case parsed.IsObject():
		parsed.ForEach(func(k, _ gjson.Result) bool {
			names = append(names, k.String())
			return true
		})
	}
	return names
}

// IngestResponse is the payload of POST /ingest.
type IngestResponse struct {
	JobID   string `json:"job_id"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

// QueryRequest is the body of POST /query.
type QueryRequest struct {
	Query string `json:"query"`
}

// DocumentMatch is one semantic search hit returned with a query.
type DocumentMatch struct {
	FileName   string  `json:"file_name"`
	ChunkIndex int     `json:"chunk_index"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Performance carries the backend timing of one query.
type Performance struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	CacheHit       bool    `json:"cache_hit"`
}

// ResultSet is the payload of POST /query. It is immutable once received.
type ResultSet struct {
	Query       string          `json:"query,omitempty"`
	QueryType   string          `json:"query_type"`
	Rows        []Row           `json:"table_results"`
	Documents   []DocumentMatch `json:"document_results"`
	Performance Performance     `json:"performance"`
	SQL         string          `json:"sql,omitempty"`
	ReceivedAt  time.Time       `json:"-"`
}

// HistoryEntry is one element of GET /query/history.
type HistoryEntry struct {
	Query       string      `json:"query"`
	QueryType   string      `json:"query_type"`
	Timestamp   float64     `json:"timestamp"`
	Performance Performance `json:"performance"`
}

// Time converts the fractional unix timestamp to a time.Time.
func (h HistoryEntry) Time() time.Time {
	sec, frac := math.Modf(h.Timestamp)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// MaxHistoryEntries bounds the history list kept client-side.
const MaxHistoryEntries = 50
