// Package integration exercises the ingestion job ledger against real databases.
// PostgreSQL and MongoDB run in containers started with testcontainers-go.
//
// Run with: go test -tags=integration ./tests/integration/...
package integration
