package archive

import (
	"archive/tar"
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
	"gitlab.com/sit/sit/internal/testhelper"
)

func newTestExtractor(tb testing.TB) *Extractor {
	tb.Helper()

	logger, _ := log.NewTestLogger(tb)
	extractor, err := NewExtractor(logger)
	require.NoError(tb, err)
	tb.Cleanup(extractor.Close)

	return extractor
}

func TestExtractor_Extract(t *testing.T) {
	t.Parallel()

	root, _ := setupTree(t)

	modTime := time.Unix(1700000000, 123456789)
	testhelper.SetModTime(t, filepath.Join(root, "a.txt"), modTime)
	testhelper.SetModTime(t, filepath.Join(root, "dir"), modTime)

	result := capture(t, root)
	logger, _ := log.NewTestLogger(t)

	var archive bytes.Buffer
	written, err := Write(logger, result.Root, result.Entries, &archive)
	require.NoError(t, err)

	destination := filepath.Join(t.TempDir(), "extracted")
	extracted, err := newTestExtractor(t).Extract(testhelper.Context(t), &archive, destination)
	require.NoError(t, err)

	require.Equal(t, written.Directories, extracted.Directories)
	require.Equal(t, written.Files, extracted.Files)
	require.Equal(t, written.Symlinks, extracted.Symlinks)
	require.Equal(t, int64(len("hello")+len("world")), extracted.Bytes)

	umask := testhelper.Umask()
	testhelper.RequireDirectoryState(t, destination, "", testhelper.DirectoryState{
		"/":           {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"/a.txt":      {Mode: umask.Mask(perm.SharedFile), Content: []byte("hello")},
		"/dir":        {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"/dir/b.txt":  {Mode: umask.Mask(perm.PrivateFile), Content: []byte("world")},
		"/dir/up":     {Mode: fs.ModeSymlink | fs.ModePerm, Target: "../a.txt"},
		"/link":       {Mode: fs.ModeSymlink | fs.ModePerm, Target: "a.txt"},
		"/abs-inside": {Mode: fs.ModeSymlink | fs.ModePerm, Target: "a.txt"},
		"/dangling":   {Mode: fs.ModeSymlink | fs.ModePerm, Target: "missing"},
	})

	for _, path := range []string{"a.txt", "dir"} {
		info, err := os.Stat(filepath.Join(destination, path))
		require.NoError(t, err)
		require.True(t, info.ModTime().Equal(modTime), "unexpected modification time of %q: %s", path, info.ModTime())
	}
}

type tarEntry struct {
	header  *tar.Header
	content []byte
}

func buildTar(tb testing.TB, entries ...tarEntry) *bytes.Buffer {
	tb.Helper()

	var buffer bytes.Buffer
	tw := tar.NewWriter(&buffer)
	for _, entry := range entries {
		entry.header.Size = int64(len(entry.content))
		require.NoError(tb, tw.WriteHeader(entry.header))
		_, err := tw.Write(entry.content)
		require.NoError(tb, err)
	}
	require.NoError(tb, tw.Close())

	return &buffer
}

func TestExtractor_Extract_uncompressed(t *testing.T) {
	t.Parallel()

	archive := buildTar(t,
		tarEntry{header: &tar.Header{Typeflag: tar.TypeDir, Name: "./", Mode: int64(perm.SharedDir)}},
		tarEntry{header: &tar.Header{Typeflag: tar.TypeReg, Name: "plain", Mode: int64(perm.SharedFile)}, content: []byte("plain")},
	)

	destination := t.TempDir()
	stats, err := newTestExtractor(t).Extract(testhelper.Context(t), archive, destination)
	require.NoError(t, err)
	require.Equal(t, Stats{Directories: 1, Files: 1, Bytes: 5}, stats)

	content, err := os.ReadFile(filepath.Join(destination, "plain"))
	require.NoError(t, err)
	require.Equal(t, "plain", string(content))
}

func TestExtractor_Extract_rejected(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc          string
		archive       func(tb testing.TB) *bytes.Buffer
		prepare       func(tb testing.TB, destination string)
		expectedErr   error
		expectedError string
	}{
		{
			desc: "entry escaping destination",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb, tarEntry{
					header:  &tar.Header{Typeflag: tar.TypeReg, Name: "../escaped", Mode: int64(perm.SharedFile)},
					content: []byte("escaped"),
				})
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "absolute entry name",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb, tarEntry{
					header: &tar.Header{Typeflag: tar.TypeDir, Name: "/absolute/", Mode: int64(perm.SharedDir)},
				})
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "symlink escaping destination",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb, tarEntry{
					header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "link", Linkname: "../../etc/passwd", Mode: int64(fs.ModePerm)},
				})
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "absolute symlink target",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb, tarEntry{
					header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "link", Linkname: "/etc/passwd", Mode: int64(fs.ModePerm)},
				})
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "file below extracted symlink",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb,
					tarEntry{header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "y", Linkname: ".", Mode: int64(fs.ModePerm)}},
					tarEntry{header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "x", Linkname: "y/..", Mode: int64(fs.ModePerm)}},
					tarEntry{
						header:  &tar.Header{Typeflag: tar.TypeReg, Name: "x/escaped", Mode: int64(perm.SharedFile)},
						content: []byte("escaped"),
					},
				)
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "directory below extracted symlink",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb,
					tarEntry{header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "y", Linkname: ".", Mode: int64(fs.ModePerm)}},
					tarEntry{header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "x", Linkname: "y/..", Mode: int64(fs.ModePerm)}},
					tarEntry{header: &tar.Header{Typeflag: tar.TypeDir, Name: "x/escaped/", Mode: int64(perm.SharedDir)}},
				)
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "directory replacing extracted symlink",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb,
					tarEntry{header: &tar.Header{Typeflag: tar.TypeSymlink, Name: "x", Linkname: ".", Mode: int64(fs.ModePerm)}},
					tarEntry{header: &tar.Header{Typeflag: tar.TypeDir, Name: "x/", Mode: int64(perm.SharedDir)}},
				)
			},
			expectedErr: ErrPathOutsideRoot,
		},
		{
			desc: "unsupported compression",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb, tarEntry{
					header: &tar.Header{
						Typeflag:   tar.TypeReg,
						Name:       "file",
						Mode:       int64(perm.SharedFile),
						PAXRecords: map[string]string{PAXCompression: "gzip"},
					},
				})
			},
			expectedError: `entry "file": unsupported compression "gzip"`,
		},
		{
			desc: "non-empty destination",
			archive: func(tb testing.TB) *bytes.Buffer {
				return buildTar(tb)
			},
			prepare: func(tb testing.TB, destination string) {
				testhelper.CreateFS(tb, destination, fstest.MapFS{
					"existing": {Mode: perm.SharedFile},
				})
			},
			expectedError: "is not empty",
		},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			destination := filepath.Join(t.TempDir(), "destination")
			if tc.prepare != nil {
				tc.prepare(t, destination)
			}

			_, err := newTestExtractor(t).Extract(testhelper.Context(t), tc.archive(t), destination)
			require.Error(t, err)
			if tc.expectedErr != nil {
				require.ErrorIs(t, err, tc.expectedErr)
			}
			if tc.expectedError != "" {
				require.Contains(t, err.Error(), tc.expectedError)
			}

			_, err = os.Lstat(filepath.Join(filepath.Dir(destination), "escaped"))
			require.ErrorIs(t, err, fs.ErrNotExist)
		})
	}
}
