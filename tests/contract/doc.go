// Package contract checks that the typed backend client decodes recorded backend payloads.
// Responses are replayed from testdata through a custom http.RoundTripper, so no backend
// has to be running.
//
// Run with: go test -tags=contract ./tests/contract/...
package contract
