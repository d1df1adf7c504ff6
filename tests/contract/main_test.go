//go:build contract

package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testdataDir is the path to the recorded backend payloads.
const testdataDir = "testdata"

// loadFixture reads a recorded payload from testdata as raw bytes.
func loadFixture(t *testing.T, path string) []byte {
	t.Helper()

	fullPath := filepath.Join(testdataDir, path)
	data, err := os.ReadFile(fullPath)
	require.NoError(t, err, "failed to read fixture %s", fullPath)
	return data
}
