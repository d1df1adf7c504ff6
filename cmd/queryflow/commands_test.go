package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"queryflow/internal/core"
	"queryflow/internal/testutil"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())

	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "queryflow "), "got %q", out)
}

func TestConnectCommand(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "connect", "--base-url", backend.URL(), "postgresql://localhost/hr")
	require.NoError(t, err)
	assert.Contains(t, out, "Connection successful")
	assert.Contains(t, out, "Tables (2): departments, employees")
}

func TestConnectCommand_BlankConnectionString(t *testing.T) {
	backend := testutil.NewBackend(t)

	_, err := runCLI(t, "connect", "--base-url", backend.URL(), "   ")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeValidation))
	assert.Zero(t, backend.Calls("/connect"))
}

func TestSchemaCommand(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "schema", "--base-url", backend.URL())
	require.NoError(t, err)
	assert.Contains(t, out, "employees")
	assert.Contains(t, out, "salary NUMERIC")
	assert.Contains(t, out, "(2 tables, 1 relationships)")
}

func TestQueryCommand_Table(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "query", "--base-url", backend.URL(), "average", "salary")
	require.NoError(t, err)
	assert.Contains(t, out, "SQL: SELECT name, department, salary FROM employees")
	assert.Contains(t, out, "Employee 01")
	assert.Contains(t, out, "Employee 10")
	assert.NotContains(t, out, "Employee 11")
	assert.Contains(t, out, "page 1 of 2 (12 rows total)")
}

func TestQueryCommand_SecondPage(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "query", "--base-url", backend.URL(), "--page", "2", "everyone")
	require.NoError(t, err)
	assert.Contains(t, out, "Employee 11")
	assert.NotContains(t, out, "Employee 01")
	assert.Contains(t, out, "page 2 of 2")
}

func TestQueryCommand_CSV(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "query", "--base-url", backend.URL(), "--format", "csv", "everyone")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, testutil.QueryRows+1)
	assert.Equal(t, "name,department,salary", lines[0])
	assert.Equal(t, `"Employee 01","Dept 1",51000`, lines[1])
}

func TestQueryCommand_ServerError(t *testing.T) {
	backend := testutil.NewBackend(t)
	backend.FailQueries(500, `{"detail":"database unavailable"}`)

	_, err := runCLI(t, "query", "--base-url", backend.URL(), "anything")
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeServer))
	assert.Contains(t, err.Error(), "database unavailable")
}

func TestQueryCommand_UnknownFormat(t *testing.T) {
	backend := testutil.NewBackend(t)

	_, err := runCLI(t, "query", "--base-url", backend.URL(), "--format", "xml", "anything")
	require.Error(t, err)
	assert.Zero(t, backend.Calls("/query"))
}

func TestSuggestCommand(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "suggest", "--base-url", backend.URL(), "show sa")
	require.NoError(t, err)
	assert.Equal(t, "salary\nsales\n", out)
}

func TestHistoryCommand_Empty(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "history", "--base-url", backend.URL())
	require.NoError(t, err)
	assert.Contains(t, out, "(no queries yet)")
}

func TestIngestCommand(t *testing.T) {
	backend := testutil.NewBackend(t)
	t.Setenv("QUERYFLOW_POLL_INTERVAL", "10ms")

	dir := t.TempDir()
	notes := filepath.Join(dir, "notes.txt")
	data := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(notes, []byte("hello"), 0o600))
	require.NoError(t, os.WriteFile(data, []byte("a,b\n1,2\n"), 0o600))

	out, err := runCLI(t, "ingest", "--base-url", backend.URL(), notes, data)
	require.NoError(t, err)
	assert.Contains(t, out, "Job job-1 accepted: 2 files uploaded")
	assert.Contains(t, out, "Job job-1 completed: 2/2 files")
	assert.GreaterOrEqual(t, backend.Calls("/ingest/status"), 2)
}

func TestIngestCommand_RejectsUnsupportedFile(t *testing.T) {
	backend := testutil.NewBackend(t)

	path := filepath.Join(t.TempDir(), "tool.exe")
	require.NoError(t, os.WriteFile(path, []byte("MZ"), 0o600))

	_, err := runCLI(t, "ingest", "--base-url", backend.URL(), path)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeValidation))
	assert.Zero(t, backend.Calls("/ingest"))
}

func TestJobsCommand_Empty(t *testing.T) {
	backend := testutil.NewBackend(t)

	out, err := runCLI(t, "jobs", "--base-url", backend.URL())
	require.NoError(t, err)
	assert.Contains(t, out, "(no jobs)")
}
