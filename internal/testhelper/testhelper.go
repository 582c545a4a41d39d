// Package testhelper contains helpers shared by the tests of sit's packages.
package testhelper

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gitlab.com/sit/sit/internal/helper/perm"
	"go.uber.org/goleak"
)

// Run runs the tests of a package and verifies that no goroutines leak. It is meant to be called
// from TestMain.
func Run(m *testing.M) {
	goleak.VerifyTestMain(m,
		// opencensus, pulled in by the gcsblob driver, starts a worker goroutine on init that
		// never stops.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),
	)
}

// Context returns a context that is cancelled when the test finishes.
func Context(tb testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	tb.Cleanup(cancel)
	return ctx
}

// MustClose closes the closer and fails the test if it returns an error.
func MustClose(tb testing.TB, closer io.Closer) {
	tb.Helper()
	require.NoError(tb, closer.Close())
}

// SkipWithRoot skips the test when running as root. Root bypasses permission checks, so tests
// relying on unreadable files can't work.
func SkipWithRoot(tb testing.TB, reason string) {
	tb.Helper()

	if os.Geteuid() == 0 {
		tb.Skipf("skipping test as root: %s", reason)
	}
}

// Umask returns the umask of the test process.
func Umask() perm.Umask {
	return perm.GetUmask()
}

// SetModTime sets the access and modification time of the file at path.
func SetModTime(tb testing.TB, path string, modTime time.Time) {
	tb.Helper()
	require.NoError(tb, os.Chtimes(path, modTime, modTime))
}
