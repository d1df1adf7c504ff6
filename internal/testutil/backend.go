// Package testutil provides an in-process fake of the query backend for CLI and end-to-end tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// SchemaJSON is the payload served by GET /schema.
const SchemaJSON = `{
	"tables": {
		"employees": {"columns": [{"name": "id", "type": "INTEGER"}, {"name": "name", "type": "TEXT"}, {"name": "salary", "type": "NUMERIC"}, {"name": "department_id", "type": "INTEGER"}]},
		"departments": {"columns": [{"name": "id", "type": "INTEGER"}, {"name": "name", "type": "TEXT"}]}
	},
	"relationships": [{"source_table": "employees", "target_table": "departments", "constrained_columns": ["department_id"], "referred_columns": ["id"]}],
	"vocabulary": ["employees", "departments", "salary", "sales", "name"]
}`

// QueryRows is the number of rows every successful query returns.
const QueryRows = 12

// Backend is a fake implementation of the six backend endpoints.
type Backend struct {
	server *httptest.Server

	mu          sync.Mutex
	calls       map[string]int
	jobs        map[string]*fakeJob
	nextJob     int
	history     []map[string]any
	queryStatus int
	queryBody   string
	requestIDs  []string
	// PollsPerFile is the number of status polls it takes to process one file.
	PollsPerFile int
}

type fakeJob struct {
	total int
	polls int
}

// NewBackend starts a fake backend that is closed when the test ends.
func NewBackend(t testing.TB) *Backend {
	t.Helper()

	b := &Backend{
		calls:        make(map[string]int),
		jobs:         make(map[string]*fakeJob),
		PollsPerFile: 1,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /connect", b.handleConnect)
	mux.HandleFunc("GET /schema", b.handleSchema)
	mux.HandleFunc("POST /ingest", b.handleIngest)
	mux.HandleFunc("GET /ingest/status/{job_id}", b.handleStatus)
	mux.HandleFunc("POST /query", b.handleQuery)
	mux.HandleFunc("GET /query/history", b.handleHistory)

	b.server = httptest.NewServer(b.record(mux))
	t.Cleanup(b.server.Close)
	return b
}

// URL returns the base URL to configure the gateway with.
func (b *Backend) URL() string {
	return b.server.URL
}

// Calls returns how many requests reached path. Status polls are counted under "/ingest/status".
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[path]
}

// RequestIDs returns the X-Request-ID header of every request received so far.
func (b *Backend) RequestIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requestIDs...)
}

// FailQueries makes POST /query answer with status and body until reset with status 0.
func (b *Backend) FailQueries(status int, body string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queryStatus = status
	b.queryBody = body
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if strings.HasPrefix(path, "/ingest/status/") {
			path = "/ingest/status"
		}
		b.mu.Lock()
		b.calls[path]++
		b.requestIDs = append(b.requestIDs, r.Header.Get("X-Request-ID"))
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectionString string `json:"connection_string"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ConnectionString == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": "connection_string is required"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Connection successful",
		"tables":  []string{"departments", "employees"},
	})
}

func (b *Backend) handleSchema(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(SchemaJSON))
}

func (b *Backend) handleIngest(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": err.Error()})
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"detail": "no files"})
		return
	}

	b.mu.Lock()
	b.nextJob++
	id := fmt.Sprintf("job-%d", b.nextJob)
	b.jobs[id] = &fakeJob{total: len(files)}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  id,
		"message": fmt.Sprintf("%d files uploaded", len(files)),
		"status":  "pending",
	})
}

func (b *Backend) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("job_id")

	b.mu.Lock()
	job, ok := b.jobs[id]
	if !ok {
		b.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]any{"detail": "Job not found"})
		return
	}
	job.polls++
	perFile := max(b.PollsPerFile, 1)
	processed := min(job.polls/perFile, job.total)
	total := job.total
	b.mu.Unlock()

	status := "processing"
	if processed == total {
		status = "completed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":          id,
		"status":          status,
		"processed_files": processed,
		"total_files":     total,
		"errors":          []string{},
	})
}

func (b *Backend) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	b.mu.Lock()
	status, body := b.queryStatus, b.queryBody
	if status == 0 {
		b.history = append([]map[string]any{{
			"query":       req.Query,
			"query_type":  "sql",
			"timestamp":   float64(time.Now().UnixMilli()) / 1000,
			"performance": map[string]any{"elapsed_seconds": 0.05, "cache_hit": false},
		}}, b.history...)
	}
	b.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
		return
	}

	// Raw JSON keeps column order stable: name, department, salary.
	rows := make([]string, 0, QueryRows)
	for i := 1; i <= QueryRows; i++ {
		rows = append(rows, fmt.Sprintf(`{"name":"Employee %02d","department":"Dept %d","salary":%d}`, i, i%3, 50000+i*1000))
	}
	query, _ := json.Marshal(req.Query)
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"query":%s,"query_type":"sql","sql":"SELECT name, department, salary FROM employees","table_results":[%s],"document_results":[],"performance":{"elapsed_seconds":0.05,"cache_hit":false}}`,
		query, strings.Join(rows, ","))
}

func (b *Backend) handleHistory(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	history := append([]map[string]any{}, b.history...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, history)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
