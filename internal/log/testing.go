package log

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewTestLogger returns a logger that discards its output together with a hook recording every
// entry logged through it. The level is set to trace so that tests can assert on any message.
func NewTestLogger(tb testing.TB) (LogrusLogger, *test.Hook) {
	tb.Helper()

	logger := logrus.New() //nolint:forbidigo
	logger.Out = io.Discard
	logger.SetLevel(logrus.TraceLevel)

	return FromLogrusEntry(logrus.NewEntry(logger)), test.NewLocal(logger)
}
