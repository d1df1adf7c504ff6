// Package orchestrator composes the gateway, the query cache and the ingestion poller into the
// connect, ingest and query flows.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"queryflow/internal/autocomplete"
	"queryflow/internal/core"
	"queryflow/internal/gateway"
	"queryflow/internal/jobstore"
	"queryflow/internal/poller"
	"queryflow/internal/querycache"
)

// Cache key names and group names.
const (
	KeySchema  = "schema"
	KeyHistory = "query-history"
)

var (
	SchemaKey  = querycache.NewKey(KeySchema)
	HistoryKey = querycache.NewKey(KeyHistory)
)

// AcceptedExtensions lists the file types the backend can ingest.
var AcceptedExtensions = []string{".pdf", ".txt", ".csv", ".docx"}

const (
	refreshTimeout = 30 * time.Second
	ledgerTimeout  = 5 * time.Second
)

// Backend is the set of backend calls the flows need. *gateway.Client implements it.
type Backend interface {
	Connect(ctx context.Context, connectionString string) (*core.ConnectResult, error)
	Schema(ctx context.Context) (*core.Schema, error)
	Ingest(ctx context.Context, files []gateway.File) (*core.IngestResponse, error)
	IngestStatus(ctx context.Context, jobID string) (*core.Job, error)
	Query(ctx context.Context, text string) (*core.ResultSet, error)
	History(ctx context.Context) ([]core.HistoryEntry, error)
}

// Config configures an Orchestrator.
type Config struct {
	Poller poller.Config
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger shared with the poller.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithJobStore records every upload in store. Defaults to an in-memory ledger.
func WithJobStore(store jobstore.Store) Option {
	return func(o *Orchestrator) { o.jobs = store }
}

// WithPollerHooks observes polls and settled jobs.
func WithPollerHooks(hooks poller.Hooks) Option {
	return func(o *Orchestrator) { o.pollerHooks = hooks }
}

// Orchestrator runs the user-facing flows.
type Orchestrator struct {
	backend     Backend
	cache       *querycache.Cache
	poller      *poller.Poller
	jobs        jobstore.Store
	logger      *slog.Logger
	pollerHooks poller.Hooks

	mu        sync.RWMutex
	latest    *core.ResultSet
	latestSeq uint64
	querySeq  uint64

	wg sync.WaitGroup
}

// New wires the flows over backend and cache. The schema and history keys are registered for
// snapshot persistence; call cache.Hydrate afterwards to restore them.
func New(backend Backend, cache *querycache.Cache, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		backend: backend,
		cache:   cache,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.jobs == nil {
		o.jobs = jobstore.NewMemoryStore()
	}

	cache.DefineGroup(KeySchema, SchemaKey)
	cache.DefineGroup(KeyHistory, HistoryKey)
	cache.Persist(SchemaKey, decodeSchema)
	cache.Persist(HistoryKey, decodeHistory)

	pollerOpts := []poller.Option{
		poller.WithLogger(o.logger),
		poller.WithSettleFunc(o.recordSettled),
	}
	if o.pollerHooks != nil {
		pollerOpts = append(pollerOpts, poller.WithHooks(o.pollerHooks))
	}
	o.poller = poller.New(cache, backend, cfg.Poller, pollerOpts...)
	return o
}

// Cache returns the underlying query cache.
func (o *Orchestrator) Cache() *querycache.Cache {
	return o.cache
}

// Connect points the backend at a database and refreshes the schema.
func (o *Orchestrator) Connect(ctx context.Context, connectionString string) (*core.ConnectResult, error) {
	connectionString = strings.TrimSpace(connectionString)
	if connectionString == "" {
		return nil, core.NewValidationError("connection string is required")
	}

	res, err := o.backend.Connect(ctx, connectionString)
	if err != nil {
		return nil, err
	}

	o.logger.Info("database connected", "tables", len(res.TableNames()))
	o.cache.InvalidateGroup(KeySchema)
	o.refresh(SchemaKey, o.loadSchema)
	return res, nil
}

// Schema returns the cached schema, loading it when absent, stale or failed.
func (o *Orchestrator) Schema(ctx context.Context) (*core.Schema, error) {
	v, err := o.cached(ctx, SchemaKey, o.loadSchema)
	if err != nil {
		return nil, err
	}
	return asSchema(v)
}

// RefreshSchema reloads the schema regardless of the cached state.
func (o *Orchestrator) RefreshSchema(ctx context.Context) (*core.Schema, error) {
	v, err := o.cache.Fetch(ctx, SchemaKey, o.loadSchema)
	if err != nil {
		return nil, err
	}
	return asSchema(v)
}

// History returns the cached query history, loading it when absent, stale or failed.
func (o *Orchestrator) History(ctx context.Context) ([]core.HistoryEntry, error) {
	v, err := o.cached(ctx, HistoryKey, o.loadHistory)
	if err != nil {
		return nil, err
	}
	return asHistory(v)
}

// WatchSchema calls listener on every schema entry change until the returned function is
// called. The schema is reloaded automatically after invalidation while watched.
func (o *Orchestrator) WatchSchema(listener querycache.Listener) (unsubscribe func()) {
	return o.cache.Subscribe(SchemaKey, listener, o.loadSchema)
}

// WatchHistory calls listener on every history entry change until the returned function is called.
func (o *Orchestrator) WatchHistory(listener querycache.Listener) (unsubscribe func()) {
	return o.cache.Subscribe(HistoryKey, listener, o.loadHistory)
}

// WatchIngestion calls listener on every status change of jobID until the returned function is
// called.
func (o *Orchestrator) WatchIngestion(jobID string, listener querycache.Listener) (unsubscribe func()) {
	return o.cache.Subscribe(poller.Key(jobID), listener, nil)
}

// IngestResult describes an accepted upload.
type IngestResult struct {
	JobID   string
	Message string
	Handle  *poller.Handle
}

// Ingest uploads files, records the job and starts polling it.
func (o *Orchestrator) Ingest(ctx context.Context, files []gateway.File) (*IngestResult, error) {
	if err := ValidateFiles(files); err != nil {
		return nil, err
	}

	res, err := o.backend.Ingest(ctx, files)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Name)
	}
	if err := o.jobs.Create(ctx, jobstore.NewRecord(res.JobID, names, res.Message)); err != nil {
		o.logger.Warn("failed to record ingestion job", "job_id", res.JobID, "error", err)
	}

	h := o.poller.Start(res.JobID)
	return &IngestResult{JobID: res.JobID, Message: res.Message, Handle: h}, nil
}

// ValidateFiles rejects an empty selection and unsupported file types.
func ValidateFiles(files []gateway.File) error {
	if len(files) == 0 {
		return core.NewValidationError("no files selected")
	}
	for _, f := range files {
		ext := strings.ToLower(filepath.Ext(f.Name))
		if !accepted(ext) {
			return core.NewValidationError(fmt.Sprintf("unsupported file type %q for %s (accepted: %s)",
				ext, f.Name, strings.Join(AcceptedExtensions, ", ")))
		}
	}
	return nil
}

func accepted(ext string) bool {
	for _, a := range AcceptedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}

// Job returns the cached status entry of jobID.
func (o *Orchestrator) Job(jobID string) querycache.Entry {
	return o.cache.Read(poller.Key(jobID))
}

// Jobs lists recorded uploads, newest first.
func (o *Orchestrator) Jobs(ctx context.Context, limit int, after string) ([]*jobstore.Record, error) {
	return o.jobs.List(ctx, limit, after)
}

// CancelJob stops polling jobID. It reports whether the job was being polled.
func (o *Orchestrator) CancelJob(jobID string) bool {
	return o.poller.Cancel(jobID)
}

// Query submits text and keeps the result as the latest one. The history is refreshed afterwards.
func (o *Orchestrator) Query(ctx context.Context, text string) (*core.ResultSet, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, core.NewValidationError("query text is empty")
	}

	o.mu.Lock()
	o.querySeq++
	seq := o.querySeq
	o.mu.Unlock()

	rs, err := o.backend.Query(ctx, text)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if seq > o.latestSeq {
		o.latest = rs
		o.latestSeq = seq
	}
	o.mu.Unlock()

	o.cache.InvalidateGroup(KeyHistory)
	o.refresh(HistoryKey, o.loadHistory)
	return rs, nil
}

// Latest returns the result of the most recently submitted successful query.
func (o *Orchestrator) Latest() (*core.ResultSet, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.latest, o.latest != nil
}

// Suggest completes the last word of input from the cached schema vocabulary. It never loads
// the schema.
func (o *Orchestrator) Suggest(input string, limit int) []string {
	var vocabulary []string
	if schema, ok := querycache.ValueAs[*core.Schema](o.cache.Read(SchemaKey)); ok && schema != nil {
		vocabulary = schema.Vocabulary
	}
	return autocomplete.Suggest(input, vocabulary, limit)
}

// ClearCache drops every cached entry and persisted snapshot.
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	return o.cache.Clear(ctx)
}

// Close stops all polling and waits for background refreshes.
func (o *Orchestrator) Close() {
	o.poller.Close()
	o.wg.Wait()
	o.cache.Wait()
}

func (o *Orchestrator) cached(ctx context.Context, key querycache.Key, loader querycache.Loader) (any, error) {
	if e := o.cache.Read(key); e.Status == querycache.StatusSuccess && !e.Stale {
		return e.Value, nil
	}
	return o.cache.Fetch(ctx, key, loader)
}

func (o *Orchestrator) refresh(key querycache.Key, loader querycache.Loader) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if _, err := o.cache.Fetch(ctx, key, loader); err != nil {
			o.logger.Warn("cache refresh failed", "key", key.String(), "error", err)
		}
	}()
}

func (o *Orchestrator) loadSchema(ctx context.Context) (any, error) {
	return o.backend.Schema(ctx)
}

func (o *Orchestrator) loadHistory(ctx context.Context) (any, error) {
	return o.backend.History(ctx)
}

func (o *Orchestrator) recordSettled(job core.Job, pollErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()

	record, err := o.jobs.Get(ctx, job.JobID)
	if errors.Is(err, jobstore.ErrNotFound) {
		record = jobstore.NewRecord(job.JobID, nil, "")
		record.Apply(job, pollErr)
		err = o.jobs.Create(ctx, record)
	} else if err == nil {
		record.Apply(job, pollErr)
		err = o.jobs.Update(ctx, record)
	}
	if err != nil {
		o.logger.Warn("failed to update ingestion job record", "job_id", job.JobID, "error", err)
	}
}

func asSchema(v any) (*core.Schema, error) {
	s, ok := v.(*core.Schema)
	if !ok {
		return nil, fmt.Errorf("unexpected schema value %T", v)
	}
	return s, nil
}

func asHistory(v any) ([]core.HistoryEntry, error) {
	h, ok := v.([]core.HistoryEntry)
	if !ok {
		return nil, fmt.Errorf("unexpected history value %T", v)
	}
	return h, nil
}

func decodeSchema(data []byte) (any, error) {
	var s core.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Tables == nil {
		s.Tables = map[string]core.Table{}
	}
	return &s, nil
}

func decodeHistory(data []byte) (any, error) {
	var h []core.HistoryEntry
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h == nil {
		h = []core.HistoryEntry{}
	}
	return h, nil
}
