// Package gateway issues typed HTTP calls to the query backend with a per-call timeout
// and uniform error normalization. It never retries; retry policy belongs to callers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"queryflow/internal/core"
	"queryflow/internal/httpclient"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 32 << 20

// RequestIDHeader carries the per-call correlation id.
const RequestIDHeader = "X-Request-ID"

// Outcome labels reported to hooks and logs for successful calls.
const OutcomeOK = "ok"

// Config holds gateway settings.
type Config struct {
	// BaseURL is prefixed to every request path (e.g. "http://localhost:8000/api")
	BaseURL string

	// Timeout bounds each call (default: httpclient.DefaultTimeout)
	Timeout time.Duration
}

// Hooks observes completed calls. Implementations must be safe for concurrent use.
type Hooks interface {
	RequestCompleted(method, path, outcome string, statusCode int, elapsed time.Duration)
}

// Request describes one call.
type Request struct {
	Method string
	Path   string
	// Route labels the call in logs and metrics. Defaults to Path; set it when Path embeds ids.
	Route string

	// Body is JSON encoded when non-nil. Ignored when Files is set.
	Body interface{}

	// Files switches the request to multipart/form-data, one part per file under FileField.
	Files     []File
	FileField string

	Headers map[string]string

	// Timeout overrides the gateway timeout for this call when positive.
	Timeout time.Duration
}

// File is one part of a multipart upload.
type File struct {
	Name        string
	ContentType string
	Content     []byte
}

// Response is a decoded (decompressed) response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithHTTPClient replaces the pooled default client.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) { g.httpClient = client }
}

// WithLogger sets the logger used for the per-call record.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithHooks registers call observers.
func WithHooks(hooks Hooks) Option {
	return func(g *Gateway) { g.hooks = hooks }
}

// Gateway executes requests against the backend.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
	logger     *slog.Logger
	hooks      Hooks
}

// New creates a Gateway.
func New(cfg Config, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	clientCfg := httpclient.DefaultConfig()
	if g.timeout <= 0 {
		g.timeout = clientCfg.Timeout
	}
	if g.httpClient == nil {
		// The gateway enforces its own deadline per call.
		clientCfg.Timeout = 0
		g.httpClient = httpclient.NewHTTPClient(&clientCfg)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// BaseURL returns the configured base URL
func (g *Gateway) BaseURL() string {
	return g.baseURL
}

// Do executes req and unmarshals a JSON response into result when result is non-nil.
func (g *Gateway) Do(ctx context.Context, req Request, result interface{}) error {
	resp, err := g.Execute(ctx, req)
	if err != nil {
		return err
	}
	if result == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, result); err != nil {
		return core.NewServerError(resp.StatusCode, "failed to decode response: "+err.Error(), err).
			WithRequest(req.Method, req.Path)
	}
	return nil
}

// Execute performs one call and returns the raw response, or a *core.GatewayError.
func (g *Gateway) Execute(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	requestID := core.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	route := req.Route
	if route == "" {
		route = req.Path
	}

	resp, err := g.execute(ctx, req, requestID)

	elapsed := time.Since(start)
	outcome := OutcomeOK
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		var gwErr *core.GatewayError
		if errors.As(err, &gwErr) {
			outcome = string(gwErr.Type)
			status = gwErr.StatusCode
		}
	}

	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelWarn
	}
	attrs := []any{
		"method", req.Method,
		"path", route,
		"outcome", outcome,
		"status", status,
		"duration", elapsed,
		"request_id", requestID,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	g.logger.Log(ctx, level, "gateway request", attrs...)

	if g.hooks != nil {
		g.hooks.RequestCompleted(req.Method, route, outcome, status, elapsed)
	}
	return resp, err
}

func (g *Gateway) execute(ctx context.Context, req Request, requestID string) (*Response, error) {
	timeout := g.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := g.buildRequest(callCtx, req)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set(RequestIDHeader, requestID)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(ctx, "failed to send request", err).WithRequest(req.Method, req.Path)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ctx, "failed to read response", err).WithRequest(req.Method, req.Path)
	}

	body, err := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, core.NewServerError(resp.StatusCode, "failed to decode response body: "+err.Error(), err).
			WithRequest(req.Method, req.Path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, core.ParseServerError(resp.StatusCode, body).WithRequest(req.Method, req.Path)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// buildRequest creates an HTTP request from a Request
func (g *Gateway) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	url := g.baseURL + req.Path

	var bodyReader io.Reader
	contentType := ""
	switch {
	case len(req.Files) > 0:
		payload, ct, err := encodeMultipart(req.FileField, req.Files)
		if err != nil {
			verr := core.NewValidationError("failed to encode upload: " + err.Error())
			return nil, verr.WithRequest(req.Method, req.Path)
		}
		bodyReader = bytes.NewReader(payload)
		contentType = ct
	case req.Body != nil:
		payload, err := json.Marshal(req.Body)
		if err != nil {
			verr := core.NewValidationError("failed to marshal request: " + err.Error())
			return nil, verr.WithRequest(req.Method, req.Path)
		}
		bodyReader = bytes.NewReader(payload)
		contentType = "application/json"
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bodyReader)
	if err != nil {
		verr := core.NewValidationError("failed to create request: " + err.Error())
		return nil, verr.WithRequest(req.Method, req.Path)
	}

	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Accept-Encoding", acceptEncoding)
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	return httpReq, nil
}

func encodeMultipart(field string, files []File) ([]byte, string, error) {
	if field == "" {
		field = "files"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name))
		ct := f.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		header.Set("Content-Type", ct)
		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// classifyTransportError maps a failure without a usable response to a timeout or network error.
// parent is the caller's context: its cancellation is reported as a network error wrapping context.Canceled.
func classifyTransportError(parent context.Context, message string, err error) *core.GatewayError {
	if errors.Is(err, context.DeadlineExceeded) {
		return core.NewTimeoutError("request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return core.NewTimeoutError("request timed out", err)
	}
	if parent.Err() != nil {
		return core.NewNetworkError("request cancelled", parent.Err())
	}
	return core.NewNetworkError(message+": "+err.Error(), err)
}
