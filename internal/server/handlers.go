// Package server exposes the query orchestration flows over a local HTTP API for UI consumers.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"queryflow/internal/core"
	"queryflow/internal/export"
	"queryflow/internal/gateway"
	"queryflow/internal/jobstore"
	"queryflow/internal/orchestrator"
	"queryflow/internal/querycache"
)

// Flows is the orchestration surface the handlers call. *orchestrator.Orchestrator implements it.
type Flows interface {
	Connect(ctx context.Context, connectionString string) (*core.ConnectResult, error)
	Schema(ctx context.Context) (*core.Schema, error)
	RefreshSchema(ctx context.Context) (*core.Schema, error)
	History(ctx context.Context) ([]core.HistoryEntry, error)
	Ingest(ctx context.Context, files []gateway.File) (*orchestrator.IngestResult, error)
	Job(jobID string) querycache.Entry
	Jobs(ctx context.Context, limit int, after string) ([]*jobstore.Record, error)
	CancelJob(jobID string) bool
	WatchIngestion(jobID string, listener querycache.Listener) (unsubscribe func())
	Query(ctx context.Context, text string) (*core.ResultSet, error)
	LatestPage(size, index int) orchestrator.ResultPage
	Export(f export.Format) []byte
	Suggest(input string, limit int) []string
	ClearCache(ctx context.Context) error
	Cache() *querycache.Cache
}

// Handler holds the HTTP handlers
type Handler struct {
	flows Flows
}

// NewHandler creates a new handler over flows.
func NewHandler(flows Flows) *Handler {
	return &Handler{flows: flows}
}

// Health handles GET /health
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Connect handles POST /v1/connect
func (h *Handler) Connect(c echo.Context) error {
	var req core.ConnectRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("invalid request body: "+err.Error()))
	}

	res, err := h.flows.Connect(c.Request().Context(), req.ConnectionString)
	if err != nil {
		return handleError(c, err)
	}

	tables := res.TableNames()
	if tables == nil {
		tables = []string{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"message": res.Message,
		"tables":  tables,
	})
}

// Schema handles GET /v1/schema. ?refresh=true bypasses the cache.
func (h *Handler) Schema(c echo.Context) error {
	load := h.flows.Schema
	if refresh, _ := strconv.ParseBool(c.QueryParam("refresh")); refresh {
		load = h.flows.RefreshSchema
	}

	schema, err := load(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, schema)
}

// Ingest handles POST /v1/ingest (multipart, one or more "files" parts)
func (h *Handler) Ingest(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return handleError(c, core.NewValidationError("expected multipart form with files: "+err.Error()))
	}

	headers := form.File["files"]
	files := make([]gateway.File, 0, len(headers))
	for _, fh := range headers {
		content, err := readPart(fh)
		if err != nil {
			return handleError(c, core.NewValidationError(fmt.Sprintf("failed to read %s: %v", fh.Filename, err)))
		}
		files = append(files, gateway.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
		})
	}

	res, err := h.flows.Ingest(c.Request().Context(), files)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{
		"job_id":  res.JobID,
		"message": res.Message,
	})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Jobs handles GET /v1/ingest/jobs?limit=&after=
func (h *Handler) Jobs(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	records, err := h.flows.Jobs(c.Request().Context(), limit, c.QueryParam("after"))
	if errors.Is(err, jobstore.ErrNotFound) {
		return handleError(c, core.NewValidationError("unknown cursor: "+c.QueryParam("after")))
	}
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": records})
}

// Job handles GET /v1/ingest/:job_id
func (h *Handler) Job(c echo.Context) error {
	jobID := c.Param("job_id")
	e := h.flows.Job(jobID)
	if e.Status == querycache.StatusIdle && !e.HasValue() {
		return c.JSON(http.StatusNotFound, notFound("job "+jobID+" is not being tracked"))
	}
	return c.JSON(http.StatusOK, newEntryView(e))
}

// CancelJob handles DELETE /v1/ingest/:job_id
func (h *Handler) CancelJob(c echo.Context) error {
	jobID := c.Param("job_id")
	if !h.flows.CancelJob(jobID) {
		return c.JSON(http.StatusNotFound, notFound("job "+jobID+" is not being polled"))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"job_id": jobID, "cancelled": true})
}

// Query handles POST /v1/query
func (h *Handler) Query(c echo.Context) error {
	var req core.QueryRequest
	if err := c.Bind(&req); err != nil {
		return handleError(c, core.NewValidationError("invalid request body: "+err.Error()))
	}

	rs, err := h.flows.Query(c.Request().Context(), req.Query)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, rs)
}

// History handles GET /v1/query/history
func (h *Handler) History(c echo.Context) error {
	history, err := h.flows.History(c.Request().Context())
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, history)
}

// LatestPage handles GET /v1/query/latest?page=&page_size=
func (h *Handler) LatestPage(c echo.Context) error {
	index, err := intParam(c, "page", 0)
	if err != nil {
		return handleError(c, err)
	}
	size, err := intParam(c, "page_size", 0)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, h.flows.LatestPage(size, index))
}

// Export handles GET /v1/query/latest/export?format=
func (h *Handler) Export(c echo.Context) error {
	name := c.QueryParam("format")
	if name == "" {
		name = string(export.FormatCSV)
	}
	f, err := export.ParseFormat(name)
	if err != nil {
		return handleError(c, err)
	}

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", f.FileName()))
	return c.Blob(http.StatusOK, f.ContentType(), h.flows.Export(f))
}

// Suggest handles GET /v1/suggest?q=&limit=
func (h *Handler) Suggest(c echo.Context) error {
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return handleError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"suggestions": h.flows.Suggest(c.QueryParam("q"), limit),
	})
}

// CacheEntries handles GET /v1/cache
func (h *Handler) CacheEntries(c echo.Context) error {
	entries := h.flows.Cache().Entries()
	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, newEntryView(e))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": views})
}

// ClearCache handles DELETE /v1/cache
func (h *Handler) ClearCache(c echo.Context) error {
	if err := h.flows.ClearCache(c.Request().Context()); err != nil {
		return handleError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, core.NewValidationError(fmt.Sprintf("%s must be an integer, got %q", name, raw))
	}
	return n, nil
}

// entryView is the wire form of a cache entry.
type entryView struct {
	querycache.Entry
	Key   string `json:"key"`
	Error string `json:"error,omitempty"`
}

func newEntryView(e querycache.Entry) entryView {
	v := entryView{Entry: e, Key: e.Key.String()}
	if e.Err != nil {
		v.Error = e.Err.Error()
	}
	return v
}

func notFound(message string) map[string]interface{} {
	return map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "not_found",
			"message": message,
		},
	}
}

// handleError converts gateway errors to appropriate HTTP responses
func handleError(c echo.Context, err error) error {
	var gatewayErr *core.GatewayError
	if errors.As(err, &gatewayErr) {
		return c.JSON(gatewayErr.HTTPStatusCode(), gatewayErr.ToJSON())
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}

	// Fallback for unexpected errors
	return c.JSON(http.StatusInternalServerError, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    "internal_error",
			"message": "an unexpected error occurred",
		},
	})
}
