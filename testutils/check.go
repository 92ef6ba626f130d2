package testutils

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TextFileEquals(t *testing.T, p, val string) {
	d, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.EqualValues(t, val, string(d))
}

// FileAbsent asserts that nothing exists at path p.
func FileAbsent(t *testing.T, p string) {
	_, err := os.Stat(p)
	require.True(t, os.IsNotExist(err), "expected %v to be absent, got: %v", p, err)
}
