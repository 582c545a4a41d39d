package testhelper

import (
	"archive/tar"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// DirectoryEntry models an entry in a directory.
type DirectoryEntry struct {
	// Mode is the file mode of the entry.
	Mode fs.FileMode
	// Content contains the file content if this is a regular file.
	Content any
	// Target is the link target if this is a symbolic link.
	Target string
	// ParseContent is a function that receives the file's absolute path, actual content
	// and returns it parsed into the expected form. The returned value is ultimately
	// asserted for equality with the Content.
	ParseContent func(tb testing.TB, path string, content []byte) any
}

// DirectoryState models the contents of a directory. The key is relative of the entry in
// the rootDirectory as described on RequireDirectoryState.
type DirectoryState map[string]DirectoryEntry

// RequireDirectoryState asserts that given directory matches the expected state. The rootDirectory and
// relativeDirectory are joined together to decide the directory to walk. rootDirectory is trimmed out of the
// paths in the DirectoryState to make assertions easier by using the relative paths only. For example, given
// `/root-path` and `relative/path`, the directory walked is `/root-path/relative/path`. The paths in DirectoryState
// trim the root prefix, thus they should be like `/relative/path/...`. The beginning point of the walk has path "/".
func RequireDirectoryState(tb testing.TB, rootDirectory, relativeDirectory string, expected DirectoryState) {
	tb.Helper()

	actual := DirectoryState{}
	require.NoError(tb, filepath.WalkDir(filepath.Join(rootDirectory, relativeDirectory), func(path string, entry os.DirEntry, err error) error {
		if os.IsNotExist(err) {
			return nil
		}
		require.NoError(tb, err)

		trimmedPath := strings.TrimPrefix(path, rootDirectory)
		if trimmedPath == "" {
			// Store the walked directory itself as "/". Less confusing than having it be
			// an empty string.
			trimmedPath = string(os.PathSeparator)
		}

		info, err := entry.Info()
		require.NoError(tb, err)

		actualEntry := DirectoryEntry{
			Mode: info.Mode(),
		}

		switch {
		case entry.Type().IsRegular():
			content, err := os.ReadFile(path)
			require.NoError(tb, err)

			actualEntry.Content = content
			if expectedEntry, ok := expected[trimmedPath]; ok && expectedEntry.ParseContent != nil {
				actualEntry.Content = expectedEntry.ParseContent(tb, path, content)
			}
		case entry.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			require.NoError(tb, err)

			actualEntry.Target = target
		}

		actual[trimmedPath] = actualEntry
		return nil
	}))

	requireStateEqual(tb, expected, actual)
}

// RequireTarState asserts that the provided tarball contents matches the expected state. Payloads of
// regular files are zstd-decompressed before they are compared. The paths are the names of the
// tar entries.
func RequireTarState(tb testing.TB, tarball io.Reader, expected DirectoryState) {
	tb.Helper()

	decoder, err := zstd.NewReader(nil)
	require.NoError(tb, err)
	defer decoder.Close()

	actual := DirectoryState{}
	tr := tar.NewReader(tarball)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(tb, err)

		actualEntry := DirectoryEntry{
			Mode: header.FileInfo().Mode(),
		}

		switch header.Typeflag {
		case tar.TypeReg:
			compressed, err := io.ReadAll(tr)
			require.NoError(tb, err)

			content, err := decoder.DecodeAll(compressed, nil)
			require.NoError(tb, err)

			actualEntry.Content = content
			if expectedEntry, ok := expected[header.Name]; ok && expectedEntry.ParseContent != nil {
				actualEntry.Content = expectedEntry.ParseContent(tb, header.Name, content)
			}
		case tar.TypeSymlink:
			actualEntry.Target = header.Linkname
		}

		actual[header.Name] = actualEntry
	}

	if expected == nil {
		expected = DirectoryState{}
	}

	requireStateEqual(tb, expected, actual)
}

func requireStateEqual(tb testing.TB, expected, actual DirectoryState) {
	tb.Helper()

	// Functions are never equal unless they are nil, see https://pkg.go.dev/reflect#DeepEqual.
	// So to check of equality we set the ParseContent functions to nil.
	// We use a copy so we don't unexpectedly modify the original.
	expectedCopy := make(DirectoryState, len(expected))
	for key, value := range expected {
		value.ParseContent = nil
		expectedCopy[key] = value
	}

	if diff := cmp.Diff(expectedCopy, actual); diff != "" {
		require.FailNow(tb, "unexpected directory state", "(-want +got):\n%s", diff)
	}
}

// CreateFS takes in an FS and creates its state on the actual filesystem at rootPath.
// fstest.MapFS is convenient type to use for building state. Entries with fs.ModeSymlink set
// are created as symbolic links pointing to their content.
func CreateFS(tb testing.TB, rootPath string, state fs.FS) {
	tb.Helper()

	require.NoError(tb, fs.WalkDir(state, ".", func(relativePath string, d fs.DirEntry, err error) error {
		require.NoError(tb, err)

		info, err := d.Info()
		require.NoError(tb, err)

		absolutePath := filepath.Join(rootPath, relativePath)
		if d.IsDir() {
			// The owner must be able to create the children, directories synthesized by
			// fstest.MapFS are read-only.
			mode := info.Mode().Perm() | 0o700
			if relativePath == "." {
				require.NoError(tb, os.MkdirAll(absolutePath, mode))
				return nil
			}

			require.NoError(tb, os.Mkdir(absolutePath, mode))
			return nil
		}

		content, err := fs.ReadFile(state, relativePath)
		require.NoError(tb, err)

		if info.Mode()&fs.ModeSymlink != 0 {
			require.NoError(tb, os.Symlink(string(content), absolutePath))
			return nil
		}

		require.NoError(tb, os.WriteFile(absolutePath, content, info.Mode().Perm()))
		return nil
	}))
}
