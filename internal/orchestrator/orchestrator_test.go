package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryflow/internal/core"
	"queryflow/internal/export"
	"queryflow/internal/gateway"
	"queryflow/internal/jobstore"
	"queryflow/internal/poller"
	"queryflow/internal/querycache"
)

type fakeBackend struct {
	mu         sync.Mutex
	vocabulary []string
	statuses   []core.JobStatus
	queryErr   error

	connects  atomic.Int32
	schemas   atomic.Int32
	ingests   atomic.Int32
	polls     atomic.Int32
	queries   atomic.Int32
	histories atomic.Int32
}

func (b *fakeBackend) Connect(_ context.Context, _ string) (*core.ConnectResult, error) {
	b.connects.Add(1)
	return &core.ConnectResult{Message: "Connection successful", Tables: json.RawMessage(`["employees"]`)}, nil
}

func (b *fakeBackend) Schema(_ context.Context) (*core.Schema, error) {
	b.schemas.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	return &core.Schema{Tables: map[string]core.Table{}, Vocabulary: append([]string(nil), b.vocabulary...)}, nil
}

func (b *fakeBackend) Ingest(_ context.Context, _ []gateway.File) (*core.IngestResponse, error) {
	b.ingests.Add(1)
	return &core.IngestResponse{JobID: "job-1", Message: "Files uploaded"}, nil
}

func (b *fakeBackend) IngestStatus(_ context.Context, jobID string) (*core.Job, error) {
	n := int(b.polls.Add(1)) - 1
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.statuses) {
		n = len(b.statuses) - 1
	}
	job := core.Job{JobID: jobID, Status: b.statuses[n], ProcessedFiles: n + 1, TotalFiles: len(b.statuses)}.Normalize()
	return &job, nil
}

func (b *fakeBackend) Query(_ context.Context, text string) (*core.ResultSet, error) {
	b.queries.Add(1)
	b.mu.Lock()
	err := b.queryErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	rows := make([]core.Row, 0, 12)
	for i := 0; i < 12; i++ {
		rows = append(rows, core.NewRow("id", i, "name", "row"))
	}
	return &core.ResultSet{Query: text, QueryType: "sql", Rows: rows}, nil
}

func (b *fakeBackend) History(_ context.Context) ([]core.HistoryEntry, error) {
	n := b.histories.Add(1)
	return []core.HistoryEntry{{Query: "q", QueryType: "sql", Timestamp: float64(n)}}, nil
}

func newTestOrchestrator(t *testing.T, backend *fakeBackend, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(backend, querycache.New(), Config{Poller: poller.Config{Interval: 10 * time.Millisecond, MaxFailures: 3}}, opts...)
	t.Cleanup(o.Close)
	return o
}

func TestConnect_RefreshesSchema(t *testing.T) {
	backend := &fakeBackend{vocabulary: []string{"salary"}}
	o := newTestOrchestrator(t, backend)
	ctx := context.Background()

	_, err := o.Schema(ctx)
	require.NoError(t, err)
	require.Equal(t, int32(1), backend.schemas.Load())

	res, err := o.Connect(ctx, "sqlite:///company.db")
	require.NoError(t, err)
	assert.Equal(t, []string{"employees"}, res.TableNames())

	require.Eventually(t, func() bool {
		e := o.Cache().Read(SchemaKey)
		return e.Status == querycache.StatusSuccess && !e.Stale
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), backend.schemas.Load())
	assert.Equal(t, int64(2), o.Cache().Read(SchemaKey).Version)
}

func TestConnect_RejectsEmptyConnectionString(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)

	_, err := o.Connect(context.Background(), "   ")
	assert.True(t, core.IsType(err, core.ErrorTypeValidation), "got %v", err)
	assert.Zero(t, backend.connects.Load())
}

func TestSchema_ServedFromCache(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)
	ctx := context.Background()

	_, err := o.Schema(ctx)
	require.NoError(t, err)
	_, err = o.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.schemas.Load())

	_, err = o.RefreshSchema(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.schemas.Load())
}

func TestQuery_ValidationSkipsNetwork(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)

	_, err := o.Query(context.Background(), " \t\n")
	assert.True(t, core.IsType(err, core.ErrorTypeValidation), "got %v", err)
	assert.Zero(t, backend.queries.Load())
	_, ok := o.Latest()
	assert.False(t, ok)
}

func TestQuery_StoresLatestAndRefreshesHistory(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)
	ctx := context.Background()

	_, err := o.History(ctx)
	require.NoError(t, err)

	rs, err := o.Query(ctx, "  top earners  ")
	require.NoError(t, err)
	assert.Equal(t, "top earners", rs.Query)

	latest, ok := o.Latest()
	require.True(t, ok)
	assert.Same(t, rs, latest)

	require.Eventually(t, func() bool { return backend.histories.Load() == 2 }, time.Second, 5*time.Millisecond)
	o.wg.Wait()
	history, err := o.History(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), history[0].Timestamp)
}

func TestQuery_FailureKeepsPreviousLatest(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)
	ctx := context.Background()

	first, err := o.Query(ctx, "first")
	require.NoError(t, err)

	backend.mu.Lock()
	backend.queryErr = core.NewServerError(500, "boom", nil)
	backend.mu.Unlock()

	_, err = o.Query(ctx, "second")
	require.Error(t, err)

	latest, ok := o.Latest()
	require.True(t, ok)
	assert.Same(t, first, latest)
}

func TestIngest_Validation(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)

	tests := []struct {
		name  string
		files []gateway.File
	}{
		{"no files", nil},
		{"unsupported type", []gateway.File{{Name: "report.pdf"}, {Name: "image.png"}}},
		{"no extension", []gateway.File{{Name: "README"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Ingest(context.Background(), tt.files)
			assert.True(t, core.IsType(err, core.ErrorTypeValidation), "got %v", err)
		})
	}
	assert.Zero(t, backend.ingests.Load())
}

func TestIngest_PollsAndRecordsJob(t *testing.T) {
	backend := &fakeBackend{statuses: []core.JobStatus{core.JobStatusProcessing, core.JobStatusCompleted}}
	store := jobstore.NewMemoryStore()
	o := newTestOrchestrator(t, backend, WithJobStore(store))
	ctx := context.Background()

	var (
		mu       sync.Mutex
		statuses []core.JobStatus
	)
	unsubscribe := o.WatchIngestion("job-1", func(e querycache.Entry) {
		if job, ok := querycache.ValueAs[core.Job](e); ok && e.Status == querycache.StatusSuccess {
			mu.Lock()
			statuses = append(statuses, job.Status)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	res, err := o.Ingest(ctx, []gateway.File{{Name: "Report.PDF", Content: []byte("%PDF")}, {Name: "notes.txt"}})
	require.NoError(t, err)
	assert.Equal(t, "job-1", res.JobID)

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := res.Handle.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, job.Status)

	mu.Lock()
	assert.Equal(t, []core.JobStatus{core.JobStatusProcessing, core.JobStatusCompleted}, statuses)
	mu.Unlock()

	stored, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, stored.Status, "ledger settled before Wait returned")

	records, err := o.Jobs(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []string{"Report.PDF", "notes.txt"}, records[0].Files)
	assert.Equal(t, core.JobStatusCompleted, o.Job("job-1").Value.(core.Job).Status)
}

func TestCancelJob(t *testing.T) {
	backend := &fakeBackend{statuses: []core.JobStatus{core.JobStatusProcessing}}
	o := newTestOrchestrator(t, backend)

	res, err := o.Ingest(context.Background(), []gateway.File{{Name: "a.csv"}})
	require.NoError(t, err)

	assert.True(t, o.CancelJob("job-1"))
	<-res.Handle.Done()
	_, err = res.Handle.Result()
	assert.True(t, errors.Is(err, poller.ErrCancelled), "got %v", err)
	assert.False(t, o.CancelJob("job-1"))
}

func TestSuggest_UsesCachedVocabularyOnly(t *testing.T) {
	backend := &fakeBackend{vocabulary: []string{"salary", "sales", "department"}}
	o := newTestOrchestrator(t, backend)

	assert.Empty(t, o.Suggest("show sal", 5))
	assert.Zero(t, backend.schemas.Load())

	_, err := o.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"salary", "sales"}, o.Suggest("show sal", 5))
	assert.Equal(t, []string{"salary"}, o.Suggest("show sal", 1))
}

func TestLatestPageAndExport(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)

	empty := o.LatestPage(10, 0)
	assert.NotNil(t, empty.Rows)
	assert.Empty(t, empty.Headers)
	assert.Empty(t, o.Export(export.FormatCSV))
	assert.Equal(t, "[]", string(o.Export(export.FormatJSON)))

	_, err := o.Query(context.Background(), "all rows")
	require.NoError(t, err)

	page := o.LatestPage(10, 1)
	assert.Len(t, page.Rows, 2)
	assert.Equal(t, []string{"id", "name"}, page.Headers)
	assert.Equal(t, 2, page.PageCount)
	assert.Equal(t, 12, page.TotalRows)
	assert.False(t, page.HasNext)
	assert.True(t, page.HasPrev)

	assert.Empty(t, o.LatestPage(10, 5).Rows)

	csv := string(o.Export(export.FormatCSV))
	assert.Contains(t, csv, "id,name\n0,\"row\"")
}

func TestClearCache(t *testing.T) {
	backend := &fakeBackend{}
	o := newTestOrchestrator(t, backend)
	ctx := context.Background()

	_, err := o.Schema(ctx)
	require.NoError(t, err)
	require.NoError(t, o.ClearCache(ctx))

	assert.Equal(t, querycache.StatusIdle, o.Cache().Read(SchemaKey).Status)
	_, err = o.Schema(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(2), backend.schemas.Load())
}

func TestDecoders(t *testing.T) {
	v, err := decodeSchema([]byte(`{"vocabulary":["a"]}`))
	require.NoError(t, err)
	s := v.(*core.Schema)
	assert.NotNil(t, s.Tables)
	assert.Equal(t, []string{"a"}, s.Vocabulary)

	v, err = decodeHistory([]byte(`null`))
	require.NoError(t, err)
	assert.Equal(t, []core.HistoryEntry{}, v)

	_, err = decodeSchema([]byte(`{`))
	assert.Error(t, err)
}
