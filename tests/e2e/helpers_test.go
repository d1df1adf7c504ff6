//go:build e2e

// Package e2e drives the full application (config, cache, poller, ledger and local API) against
// an in-process fake backend.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"queryflow/config"
	"queryflow/internal/app"
	"queryflow/internal/testutil"
)

type fixture struct {
	backend *testutil.Backend
	app     *app.App
	url     string
	apiKey  string
}

type fixtureOption func(*config.Config)

func withAPIKey(key string) fixtureOption {
	return func(cfg *config.Config) { cfg.Server.APIKey = key }
}

func withSQLiteLedger(path string) fixtureOption {
	return func(cfg *config.Config) {
		cfg.Jobs.Type = "sqlite"
		cfg.Jobs.SQLite.Path = path
	}
}

// newFixture starts a fake backend and the application's local API in front of it.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	t.Chdir(t.TempDir())

	backend := testutil.NewBackend(t)
	t.Setenv("QUERYFLOW_BASE_URL", backend.URL())
	t.Setenv("QUERYFLOW_POLL_INTERVAL", "10ms")
	t.Setenv("QUERYFLOW_METRICS_ENABLED", "true")
	t.Setenv("QUERYFLOW_LOG_LEVEL", "error")

	cfg, err := config.Load("")
	require.NoError(t, err)
	for _, opt := range opts {
		opt(cfg)
	}
	require.NoError(t, cfg.Validate())

	application, err := app.New(context.Background(), app.Config{
		AppConfig:  cfg,
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	srv := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, application.Shutdown(ctx))
	})

	return &fixture{
		backend: backend,
		app:     application,
		url:     srv.URL,
		apiKey:  cfg.Server.APIKey,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.url+path, body)
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	return f.do(t, http.MethodGet, path, nil, "")
}

func (f *fixture) postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return f.do(t, http.MethodPost, path, bytes.NewReader(body), "application/json")
}

func (f *fixture) upload(t *testing.T, names ...string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, name := range names {
		part, err := mw.CreateFormFile("files", name)
		require.NoError(t, err)
		_, err = part.Write([]byte("content of " + name))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return f.do(t, http.MethodPost, "/v1/ingest", &buf, mw.FormDataContentType())
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
