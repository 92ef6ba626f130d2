package testutils

import (
	"bytes"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

// MockLogger captures logrus output in the returned buffer and raises the
// level to trace for the duration of the test.
func MockLogger(t *testing.T) *bytes.Buffer {
	buf := &bytes.Buffer{}
	oldLevel := logrus.GetLevel()
	logrus.SetOutput(buf)
	logrus.SetLevel(logrus.TraceLevel)

	t.Cleanup(func() {
		logrus.SetOutput(os.Stderr)
		logrus.SetLevel(oldLevel)
	})
	return buf
}
