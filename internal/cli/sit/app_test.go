package sit

import (
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"gitlab.com/sit/sit/internal/helper/perm"
	"gitlab.com/sit/sit/internal/testhelper"
)

func runApp(tb testing.TB, args ...string) (string, error) {
	tb.Helper()

	var stdout bytes.Buffer

	app := NewApp()
	app.Writer = &stdout
	app.ErrWriter = io.Discard
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.RunContext(testhelper.Context(tb), append([]string{progname}, args...))
	return stdout.String(), err
}

func requireExitCode(tb testing.TB, err error, expectedCode int) {
	tb.Helper()

	var exitCoder cli.ExitCoder
	require.True(tb, errors.As(err, &exitCoder), "expected exit coder, got %v", err)
	require.Equal(tb, expectedCode, exitCoder.ExitCode())
}

// setupTarget creates the sample tree below a fresh directory and returns its path.
func setupTarget(tb testing.TB) string {
	tb.Helper()

	target := filepath.Join(tb.TempDir(), "target")
	testhelper.CreateFS(tb, target, fstest.MapFS{
		".":         {Mode: fs.ModeDir | perm.SharedDir},
		"a.txt":     {Mode: perm.SharedFile, Data: []byte("hello")},
		"dir":       {Mode: fs.ModeDir | perm.SharedDir},
		"dir/b.txt": {Mode: perm.SharedFile, Data: []byte("world")},
		"link":      {Mode: fs.ModeSymlink, Data: []byte("a.txt")},
	})

	return target
}

func expectedArchive() testhelper.DirectoryState {
	umask := testhelper.Umask()
	return testhelper.DirectoryState{
		"./":        {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"a.txt":     {Mode: umask.Mask(perm.SharedFile), Content: []byte("hello")},
		"dir/":      {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"dir/b.txt": {Mode: umask.Mask(perm.SharedFile), Content: []byte("world")},
		"link":      {Mode: fs.ModeSymlink | fs.ModePerm, Target: "a.txt"},
	}
}

func requireArchive(tb testing.TB, path string) {
	tb.Helper()

	archive, err := os.Open(path)
	require.NoError(tb, err)
	defer testhelper.MustClose(tb, archive)

	testhelper.RequireTarState(tb, archive, expectedArchive())
}

func TestApp_create(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc       string
		subcommand []string
	}{
		{desc: "without subcommand"},
		{desc: "create subcommand", subcommand: []string{"create"}},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			target := setupTarget(t)
			outputDir := t.TempDir()
			output := filepath.Join(outputDir, "snapshot.tar")
			metricsPath := filepath.Join(outputDir, "metrics.prom")

			args := append(tc.subcommand,
				"--target", target,
				"--output", output,
				"--max-iterations", "3",
				"--compression-level", "19",
				"--parallelism", "2",
				"--manifest",
				"--metrics-textfile", metricsPath,
				"--log-level", "debug",
				"--log-format", "json",
			)

			_, err := runApp(t, args...)
			require.NoError(t, err)

			requireArchive(t, output)
			require.FileExists(t, output+".toml")

			metrics, err := os.ReadFile(metricsPath)
			require.NoError(t, err)
			require.Contains(t, string(metrics), "sit_capture_passes_total 1")
			require.Contains(t, string(metrics), "sit_capture_file_reads_total 2")
		})
	}
}

func TestApp_inspectAndExtract(t *testing.T) {
	t.Parallel()

	target := setupTarget(t)
	output := filepath.Join(t.TempDir(), "snapshot.tar")

	_, err := runApp(t, "--target", target, "--output", "file://"+output, "--manifest")
	require.NoError(t, err)

	stdout, err := runApp(t, "inspect", "--manifest", output)
	require.NoError(t, err)
	require.Contains(t, stdout, "Root:        "+target)
	require.Contains(t, stdout, "Passes:      1")
	for _, name := range []string{"./", "a.txt", "dir/", "dir/b.txt", "link"} {
		require.Contains(t, stdout, name)
	}

	destination := filepath.Join(t.TempDir(), "restored")
	_, err = runApp(t, "extract", "--destination", destination, output)
	require.NoError(t, err)

	umask := testhelper.Umask()
	testhelper.RequireDirectoryState(t, destination, "", testhelper.DirectoryState{
		"/":          {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"/a.txt":     {Mode: umask.Mask(perm.SharedFile), Content: []byte("hello")},
		"/dir":       {Mode: umask.Mask(fs.ModeDir | perm.SharedDir)},
		"/dir/b.txt": {Mode: umask.Mask(perm.SharedFile), Content: []byte("world")},
		"/link":      {Mode: fs.ModeSymlink | fs.ModePerm, Target: "a.txt"},
	})

	_, err = runApp(t, "extract", "--destination", destination, output)
	requireExitCode(t, err, exitFailure)
}

func TestApp_failures(t *testing.T) {
	t.Parallel()

	target := setupTarget(t)
	file := filepath.Join(target, "a.txt")
	output := filepath.Join(t.TempDir(), "snapshot.tar")

	for _, tc := range []struct {
		desc         string
		args         []string
		expectedCode int
	}{
		{
			desc:         "missing target",
			args:         []string{"--target", filepath.Join(target, "missing"), "--output", output},
			expectedCode: exitTargetNotExist,
		},
		{
			desc:         "target is a file",
			args:         []string{"--target", file, "--output", output},
			expectedCode: exitTargetNotDirectory,
		},
		{
			desc:         "target flag not set",
			args:         []string{"--output", output},
			expectedCode: exitFailure,
		},
		{
			desc:         "invalid compression level",
			args:         []string{"--target", target, "--output", output, "--compression-level", "23"},
			expectedCode: exitFailure,
		},
		{
			desc:         "invalid log level",
			args:         []string{"--target", target, "--output", output, "--log-level", "loud"},
			expectedCode: exitFailure,
		},
		{
			desc:         "missing config file",
			args:         []string{"--target", target, "--config", filepath.Join(target, "missing.toml")},
			expectedCode: exitFailure,
		},
		{
			desc:         "unsupported output scheme",
			args:         []string{"--target", target, "--output", "minio://bucket/snapshot.tar"},
			expectedCode: exitFailure,
		},
		{
			desc:         "inspect missing archive",
			args:         []string{"inspect", filepath.Join(target, "missing.tar")},
			expectedCode: exitFailure,
		},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			_, err := runApp(t, tc.args...)
			requireExitCode(t, err, tc.expectedCode)
			require.NoFileExists(t, output)
		})
	}
}

func TestApp_configPrecedence(t *testing.T) {
	target := setupTarget(t)
	outputDir := t.TempDir()

	envOutput := filepath.Join(outputDir, "env.tar")
	fileOutput := filepath.Join(outputDir, "file.tar")
	flagOutput := filepath.Join(outputDir, "flag.tar")

	configPath := filepath.Join(outputDir, "sit.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
output = '`+fileOutput+`'
compression_level = 5

[logging]
level = 'warn'
`), perm.SharedFile))

	t.Setenv("SIT_OUTPUT", envOutput)
	t.Setenv("SIT_LOG_FORMAT", "json")

	_, err := runApp(t, "--target", target)
	require.NoError(t, err)
	requireArchive(t, envOutput)

	_, err = runApp(t, "--target", target, "--config", configPath)
	require.NoError(t, err)
	requireArchive(t, fileOutput)

	_, err = runApp(t, "--target", target, "--config", configPath, "--output", flagOutput)
	require.NoError(t, err)
	requireArchive(t, flagOutput)

	t.Setenv("SIT_MAX_ITERATIONS", "many")
	_, err = runApp(t, "--target", target)
	requireExitCode(t, err, exitFailure)
}
