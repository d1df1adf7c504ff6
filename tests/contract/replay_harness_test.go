//go:build contract

package contract

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"

	"queryflow/internal/gateway"
)

const replayBaseURL = "http://backend.test/api"

type replayRoute struct {
	statusCode      int
	contentType     string
	contentEncoding string
	body            []byte
}

type recordedRequest struct {
	method      string
	uri         string
	contentType string
	requestID   string
	body        []byte
}

type replayTransport struct {
	routes map[string]replayRoute

	mu       sync.Mutex
	requests []recordedRequest
}

func replayKey(method, requestURI string) string {
	return method + " " + requestURI
}

func (rt *replayTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		_ = req.Body.Close()
	}

	key := replayKey(req.Method, req.URL.RequestURI())
	rt.mu.Lock()
	rt.requests = append(rt.requests, recordedRequest{
		method:      req.Method,
		uri:         req.URL.RequestURI(),
		contentType: req.Header.Get("Content-Type"),
		requestID:   req.Header.Get(gateway.RequestIDHeader),
		body:        body,
	})
	route, ok := rt.routes[key]
	rt.mu.Unlock()

	if !ok {
		notFoundBody := []byte(fmt.Sprintf(`{"detail":"missing replay route: %s"}`, key))
		return &http.Response{
			StatusCode: http.StatusNotFound,
			Status:     "404 Not Found",
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       io.NopCloser(bytes.NewReader(notFoundBody)),
			Request:    req,
		}, nil
	}

	statusCode := route.statusCode
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	contentType := route.contentType
	if contentType == "" {
		contentType = "application/json"
	}
	header := http.Header{"Content-Type": []string{contentType}}
	if route.contentEncoding != "" {
		header.Set("Content-Encoding", route.contentEncoding)
	}

	return &http.Response{
		StatusCode: statusCode,
		Status:     fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		Header:     header,
		Body:       io.NopCloser(bytes.NewReader(route.body)),
		Request:    req,
	}, nil
}

func (rt *replayTransport) recorded() []recordedRequest {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return append([]recordedRequest(nil), rt.requests...)
}

// newReplayClient returns a backend client whose requests are answered from routes.
func newReplayClient(t *testing.T, routes map[string]replayRoute) (*gateway.Client, *replayTransport) {
	t.Helper()
	transport := &replayTransport{routes: routes}
	gw := gateway.New(gateway.Config{BaseURL: replayBaseURL},
		gateway.WithHTTPClient(&http.Client{Transport: transport}),
	)
	return gateway.NewClient(gw), transport
}

func jsonFixtureRoute(t *testing.T, path string) replayRoute {
	t.Helper()
	return replayRoute{
		statusCode:  http.StatusOK,
		contentType: "application/json",
		body:        loadFixture(t, path),
	}
}

func errorFixtureRoute(t *testing.T, statusCode int, path string) replayRoute {
	t.Helper()
	route := jsonFixtureRoute(t, path)
	route.statusCode = statusCode
	return route
}

// brotliFixtureRoute serves a fixture compressed the way a reverse proxy in front of the
// backend would.
func brotliFixtureRoute(t *testing.T, path string) replayRoute {
	t.Helper()
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(loadFixture(t, path))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return replayRoute{
		statusCode:      http.StatusOK,
		contentType:     "application/json",
		contentEncoding: "br",
		body:            buf.Bytes(),
	}
}
