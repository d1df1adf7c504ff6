//go:build contract

package contract

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryflow/internal/core"
	"queryflow/internal/export"
	"queryflow/internal/gateway"
)

const fixtureJobID = "9b2f6c1e-4d7a-4b8e-9a51-0c3f2e7d8a10"

func TestConnect_TableShapes(t *testing.T) {
	tests := []struct {
		name    string
		fixture string
		want    []string
	}{
		{"table map", "connect_tables_map.json", []string{"employees", "departments"}},
		{"table list", "connect_tables_list.json", []string{"employees", "departments", "projects"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, transport := newReplayClient(t, map[string]replayRoute{
				replayKey(http.MethodPost, "/api/connect"): jsonFixtureRoute(t, tt.fixture),
			})

			res, err := client.Connect(context.Background(), "postgresql://hr")
			require.NoError(t, err)
			assert.Equal(t, "Connection successful", res.Message)
			assert.Equal(t, tt.want, res.TableNames())

			reqs := transport.recorded()
			require.Len(t, reqs, 1)
			assert.Equal(t, "application/json", reqs[0].contentType)
			assert.JSONEq(t, `{"connection_string":"postgresql://hr"}`, string(reqs[0].body))
			assert.NotEmpty(t, reqs[0].requestID)
		})
	}
}

func TestSchema(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodGet, "/api/schema"): jsonFixtureRoute(t, "schema.json"),
	})

	schema, err := client.Schema(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"departments", "employees"}, schema.TableNames())
	require.Len(t, schema.Tables["employees"].Columns, 4)
	assert.Equal(t, core.Column{Name: "annual_salary", Type: "NUMERIC(10, 2)"}, schema.Tables["employees"].Columns[2])
	require.Len(t, schema.Relationships, 1)
	assert.Equal(t, []string{"dept_id"}, schema.Relationships[0].ConstrainedColumns)
	assert.Contains(t, schema.Vocabulary, "salary")
}

func TestSchema_BrotliEncoded(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodGet, "/api/schema"): brotliFixtureRoute(t, "schema.json"),
	})

	schema, err := client.Schema(context.Background())
	require.NoError(t, err)
	assert.Len(t, schema.Tables, 2)
}

func TestIngest_MultipartUpload(t *testing.T) {
	client, transport := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodPost, "/api/ingest"): jsonFixtureRoute(t, "ingest.json"),
	})

	res, err := client.Ingest(context.Background(), []gateway.File{
		{Name: "handbook.pdf", ContentType: "application/pdf", Content: []byte("%PDF-1.7")},
		{Name: "salaries.csv", ContentType: "text/csv", Content: []byte("name,salary\n")},
	})
	require.NoError(t, err)
	assert.Equal(t, fixtureJobID, res.JobID)
	assert.Equal(t, "3 files queued for processing", res.Message)

	reqs := transport.recorded()
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].contentType, "multipart/form-data; boundary="))
	body := string(reqs[0].body)
	assert.Contains(t, body, `name="files"; filename="handbook.pdf"`)
	assert.Contains(t, body, `name="files"; filename="salaries.csv"`)
}

func TestIngestStatus(t *testing.T) {
	tests := []struct {
		name      string
		fixture   string
		status    core.JobStatus
		progress  int
		terminal  bool
		errorsLen int
	}{
		{"processing", "ingest_status_processing.json", core.JobStatusProcessing, 33, false, 0},
		{"completed with errors", "ingest_status_partial.json", core.JobStatusCompletedWithErrors, 100, true, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newReplayClient(t, map[string]replayRoute{
				replayKey(http.MethodGet, "/api/ingest/status/"+fixtureJobID): jsonFixtureRoute(t, tt.fixture),
			})

			job, err := client.IngestStatus(context.Background(), fixtureJobID)
			require.NoError(t, err)
			assert.Equal(t, fixtureJobID, job.JobID)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.progress, job.Progress())
			assert.Equal(t, tt.terminal, job.Terminal())
			assert.Len(t, job.Errors, tt.errorsLen)
		})
	}
}

func TestIngestStatus_UnknownJob(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodGet, "/api/ingest/status/"+fixtureJobID): errorFixtureRoute(t, http.StatusNotFound, "error_not_found.json"),
	})

	_, err := client.IngestStatus(context.Background(), fixtureJobID)
	require.Error(t, err)

	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeServer, gwErr.Type)
	assert.Equal(t, http.StatusNotFound, gwErr.StatusCode)
	assert.Equal(t, "Job "+fixtureJobID+" not found", gwErr.Message)
}

func TestQuery_SQLResultKeepsColumnOrder(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodPost, "/api/query"): jsonFixtureRoute(t, "query_sql.json"),
	})

	rs, err := client.Query(context.Background(), "average salary by department")
	require.NoError(t, err)
	assert.Equal(t, "sql", rs.QueryType)
	assert.True(t, strings.HasPrefix(rs.SQL, "SELECT d.dept_name"))
	assert.InDelta(t, 0.184, rs.Performance.ElapsedSeconds, 1e-9)
	require.Len(t, rs.Rows, 3)
	assert.Equal(t, []string{"dept_name", "avg_salary", "headcount"}, rs.Rows[0].Columns())

	csv := string(export.ToCSV(rs.Rows))
	assert.Equal(t, strings.Join([]string{
		"dept_name,avg_salary,headcount",
		`"Engineering",123456.78,42`,
		`"Sales",98000,17`,
		`"Legal, Compliance",,0`,
	}, "\n"), csv)

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(export.ToJSON(rs.Rows), &decoded))
	require.Len(t, decoded, 3)
	assert.Nil(t, decoded[2]["avg_salary"])
}

func TestQuery_HybridResult(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodPost, "/api/query"): jsonFixtureRoute(t, "query_hybrid.json"),
	})

	rs, err := client.Query(context.Background(), "employees mentioned in the onboarding guide")
	require.NoError(t, err)
	assert.Equal(t, "hybrid", rs.QueryType)
	assert.Empty(t, rs.SQL)
	assert.True(t, rs.Performance.CacheHit)
	require.Len(t, rs.Documents, 1)
	assert.Equal(t, "onboarding.pdf", rs.Documents[0].FileName)
	assert.Equal(t, 4, rs.Documents[0].ChunkIndex)
}

func TestQuery_ValidationErrorDetail(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodPost, "/api/query"): errorFixtureRoute(t, http.StatusUnprocessableEntity, "error_validation.json"),
	})

	_, err := client.Query(context.Background(), "anything")
	require.Error(t, err)

	var gwErr *core.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, core.ErrorTypeServer, gwErr.Type)
	assert.Equal(t, http.StatusUnprocessableEntity, gwErr.StatusCode)
	assert.Equal(t, "field required", gwErr.Message)
}

func TestHistory(t *testing.T) {
	client, _ := newReplayClient(t, map[string]replayRoute{
		replayKey(http.MethodGet, "/api/query/history"): jsonFixtureRoute(t, "history.json"),
	})

	entries, err := client.History(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "average salary by department", entries[0].Query)
	assert.Equal(t, int64(1760601600), entries[0].Time().Unix())
	assert.Equal(t, "document", entries[1].QueryType)
}
