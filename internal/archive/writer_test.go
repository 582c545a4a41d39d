package archive

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/sit/sit/internal/helper/perm"
	"gitlab.com/sit/sit/internal/log"
	"gitlab.com/sit/sit/internal/snapshot"
	"gitlab.com/sit/sit/internal/testhelper"
)

// setupTree creates a tree below a fresh root next to a directory outside of it. It returns the
// root and the outside directory.
func setupTree(tb testing.TB) (string, string) {
	tb.Helper()

	base := tb.TempDir()
	root := filepath.Join(base, "root")
	outside := filepath.Join(base, "outside")

	testhelper.CreateFS(tb, outside, fstest.MapFS{
		"secret": {Mode: perm.SharedFile, Data: []byte("secret")},
	})

	testhelper.CreateFS(tb, root, fstest.MapFS{
		".":           {Mode: fs.ModeDir | perm.SharedDir},
		"a.txt":       {Mode: perm.SharedFile, Data: []byte("hello")},
		"dir":         {Mode: fs.ModeDir | perm.SharedDir},
		"dir/b.txt":   {Mode: perm.PrivateFile, Data: []byte("world")},
		"dir/up":      {Mode: fs.ModeSymlink, Data: []byte("../a.txt")},
		"link":        {Mode: fs.ModeSymlink, Data: []byte("a.txt")},
		"abs-inside":  {Mode: fs.ModeSymlink, Data: []byte(filepath.Join(root, "a.txt"))},
		"dangling":    {Mode: fs.ModeSymlink, Data: []byte("missing")},
		"escape":      {Mode: fs.ModeSymlink, Data: []byte("../outside/secret")},
		"abs-outside": {Mode: fs.ModeSymlink, Data: []byte(filepath.Join(outside, "secret"))},
		"out-dir":     {Mode: fs.ModeSymlink, Data: []byte(outside)},
		"through":     {Mode: fs.ModeSymlink, Data: []byte("out-dir/secret")},
	})

	return root, outside
}

func capture(tb testing.TB, root string) snapshot.Result {
	tb.Helper()

	logger, _ := log.NewTestLogger(tb)
	snapshotter := snapshot.NewSnapshotter(logger, snapshot.NewMetrics(), snapshot.Options{
		MaxIterations:    5,
		CompressionLevel: 3,
	})

	result, err := snapshotter.Capture(testhelper.Context(tb), root)
	require.NoError(tb, err)

	return result
}

func TestWrite(t *testing.T) {
	t.Parallel()

	root, _ := setupTree(t)
	result := capture(t, root)

	logger, hook := log.NewTestLogger(t)

	var archive bytes.Buffer
	stats, err := Write(logger, result.Root, result.Entries, &archive)
	require.NoError(t, err)

	require.Equal(t, 2, stats.Directories)
	require.Equal(t, 2, stats.Files)
	require.Equal(t, 4, stats.Symlinks)
	require.Equal(t, 4, stats.DroppedSymlinks)
	require.Greater(t, stats.Bytes, int64(0))

	umask := testhelper.Umask()
	testhelper.RequireTarState(t, bytes.NewReader(archive.Bytes()), testhelper.DirectoryState{
		"./":         {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"a.txt":      {Mode: umask.Mask(perm.SharedFile), Content: []byte("hello")},
		"dir/":       {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"dir/b.txt":  {Mode: umask.Mask(perm.PrivateFile), Content: []byte("world")},
		"dir/up":     {Mode: fs.ModeSymlink | fs.ModePerm, Target: "../a.txt"},
		"link":       {Mode: fs.ModeSymlink | fs.ModePerm, Target: "a.txt"},
		"abs-inside": {Mode: fs.ModeSymlink | fs.ModePerm, Target: "a.txt"},
		"dangling":   {Mode: fs.ModeSymlink | fs.ModePerm, Target: "missing"},
	})

	var names []string
	require.NoError(t, List(bytes.NewReader(archive.Bytes()), func(header Header) error {
		names = append(names, header.Name)
		return nil
	}))
	require.Equal(t, []string{
		"./",
		"a.txt",
		"dir/",
		"dir/b.txt",
		"dir/up",
		"abs-inside",
		"dangling",
		"link",
	}, names)

	var dropped int
	for _, entry := range hook.AllEntries() {
		if entry.Message == "dropping symlink pointing outside of the snapshot" {
			dropped++
		}
	}
	require.Equal(t, 4, dropped)
}

func TestWrite_entryOutsideRoot(t *testing.T) {
	t.Parallel()

	root, outside := setupTree(t)
	result := capture(t, outside)

	logger, _ := log.NewTestLogger(t)

	_, err := Write(logger, root, result.Entries, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrPathOutsideRoot)
}

func TestWrite_unsupportedType(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	info, err := os.Stat(root)
	require.NoError(t, err)

	logger, _ := log.NewTestLogger(t)

	_, err = Write(logger, root, []snapshot.Entry{{Path: root, Type: snapshot.EntryType(42), Info: info}}, &bytes.Buffer{})
	require.EqualError(t, err, "write entry \""+root+"\": unsupported type unknown")
}

func TestList(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "root")
	testhelper.CreateFS(t, root, fstest.MapFS{
		".":     {Mode: fs.ModeDir | perm.SharedDir},
		"large": {Mode: perm.SharedFile, Data: bytes.Repeat([]byte("a"), 4096)},
	})

	modTime := time.Unix(1700000000, 0)
	testhelper.SetModTime(t, filepath.Join(root, "large"), modTime)

	result := capture(t, root)
	logger, _ := log.NewTestLogger(t)

	var archive bytes.Buffer
	_, err := Write(logger, result.Root, result.Entries, &archive)
	require.NoError(t, err)

	var headers []Header
	require.NoError(t, List(&archive, func(header Header) error {
		headers = append(headers, header)
		return nil
	}))

	require.Len(t, headers, 2)
	require.Equal(t, "./", headers[0].Name)
	require.True(t, headers[0].Mode.IsDir())
	require.Empty(t, headers[0].Compression)

	large := headers[1]
	require.Equal(t, "large", large.Name)
	require.Equal(t, CompressionZstd, large.Compression)
	require.Equal(t, int64(4096), large.Size)
	require.Less(t, large.StoredSize, large.Size)
	require.True(t, large.ModTime.Equal(modTime))
}
