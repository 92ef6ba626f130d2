package testutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// MockFile creates a file at path with the given content, making parent
// directories as needed.
func MockFile(t *testing.T, path, content string) {
	t.Helper()
	err := os.MkdirAll(filepath.Dir(path), 0755)
	require.NoError(t, err)
	err = os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
}

// MockScript creates an executable shell script at path. Tests use it to
// stand in for external tools the code under test shells out to.
func MockScript(t *testing.T, path, content string) {
	t.Helper()
	MockFile(t, path, content)
	err := os.Chmod(path, 0755)
	require.NoError(t, err)
}
