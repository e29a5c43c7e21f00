package testutils

import (
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
}

// NewTestHelper creates a test helper with a logger that is silent unless
// the tests run with -v.
func NewTestHelper(t *testing.T) *TestHelper {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel) // enable debug logs to track execution flow
	logger.SetOutput(io.Discard)
	if testing.Verbose() {
		logger.SetOutput(os.Stderr)
	}
	return &TestHelper{
		T:      t,
		Logger: logger,
	}
}
