package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"queryflow/internal/core"
)

// Backend endpoint paths.
const (
	PathConnect      = "/connect"
	PathSchema       = "/schema"
	PathIngest       = "/ingest"
	PathIngestStatus = "/ingest/status/"
	PathQuery        = "/query"
	PathQueryHistory = "/query/history"
)

// Client exposes the backend endpoints as typed calls.
type Client struct {
	gw *Gateway
}

// NewClient wraps a Gateway.
func NewClient(gw *Gateway) *Client {
	return &Client{gw: gw}
}

// Gateway returns the underlying gateway.
func (c *Client) Gateway() *Gateway {
	return c.gw
}

// Connect points the backend at a database.
func (c *Client) Connect(ctx context.Context, connectionString string) (*core.ConnectResult, error) {
	var result core.ConnectResult
	err := c.gw.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   PathConnect,
		Body:   core.ConnectRequest{ConnectionString: connectionString},
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Schema fetches the discovered schema.
func (c *Client) Schema(ctx context.Context) (*core.Schema, error) {
	var schema core.Schema
	if err := c.gw.Do(ctx, Request{Method: http.MethodGet, Path: PathSchema}, &schema); err != nil {
		return nil, err
	}
	if schema.Tables == nil {
		schema.Tables = map[string]core.Table{}
	}
	return &schema, nil
}

// Ingest uploads files and returns the job created for them.
func (c *Client) Ingest(ctx context.Context, files []File) (*core.IngestResponse, error) {
	var result core.IngestResponse
	err := c.gw.Do(ctx, Request{
		Method:    http.MethodPost,
		Path:      PathIngest,
		Files:     files,
		FileField: "files",
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.JobID == "" {
		return nil, core.NewServerError(http.StatusOK, "ingest response carries no job_id", nil).
			WithRequest(http.MethodPost, PathIngest)
	}
	return &result, nil
}

// IngestStatus fetches the status of one ingestion job.
func (c *Client) IngestStatus(ctx context.Context, jobID string) (*core.Job, error) {
	path := PathIngestStatus + url.PathEscape(jobID)
	var job core.Job
	if err := c.gw.Do(ctx, Request{Method: http.MethodGet, Path: path, Route: PathIngestStatus + ":job_id"}, &job); err != nil {
		return nil, err
	}
	if job.JobID == "" {
		job.JobID = jobID
	}
	job = job.Normalize()
	return &job, nil
}

// Query submits one natural-language query.
func (c *Client) Query(ctx context.Context, text string) (*core.ResultSet, error) {
	var result core.ResultSet
	err := c.gw.Do(ctx, Request{
		Method: http.MethodPost,
		Path:   PathQuery,
		Body:   core.QueryRequest{Query: text},
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Query == "" {
		result.Query = text
	}
	result.ReceivedAt = time.Now()
	return &result, nil
}

// History fetches the most recent queries, newest first.
func (c *Client) History(ctx context.Context) ([]core.HistoryEntry, error) {
	var entries []core.HistoryEntry
	if err := c.gw.Do(ctx, Request{Method: http.MethodGet, Path: PathQueryHistory}, &entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []core.HistoryEntry{}
	}
	if len(entries) > core.MaxHistoryEntries {
		entries = entries[:core.MaxHistoryEntries]
	}
	return entries, nil
}
