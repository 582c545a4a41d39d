package sit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"gitlab.com/sit/sit/internal/archive"
	"gitlab.com/sit/sit/internal/config"
	"gitlab.com/sit/sit/internal/log"
	"gitlab.com/sit/sit/internal/sink"
	"gitlab.com/sit/sit/internal/snapshot"
)

const (
	flagTarget           = "target"
	flagOutput           = "output"
	flagMaxIterations    = "max-iterations"
	flagCompressionLevel = "compression-level"
	flagParallelism      = "parallelism"
	flagManifest         = "manifest"
	flagMetricsTextfile  = "metrics-textfile"
)

type createSubcommand struct {
	target string
	cfg    config.Cfg
}

func (cmd *createSubcommand) flags(ctx *cli.Context) {
	cmd.target = ctx.String(flagTarget)

	if ctx.IsSet(flagOutput) {
		cmd.cfg.Output = ctx.String(flagOutput)
	}
	if ctx.IsSet(flagMaxIterations) {
		cmd.cfg.MaxIterations = ctx.Int(flagMaxIterations)
	}
	if ctx.IsSet(flagCompressionLevel) {
		cmd.cfg.CompressionLevel = ctx.Int(flagCompressionLevel)
	}
	if ctx.IsSet(flagParallelism) {
		cmd.cfg.Parallelism = ctx.Int(flagParallelism)
	}
	if ctx.IsSet(flagManifest) {
		cmd.cfg.Manifest = ctx.Bool(flagManifest)
	}
	if ctx.IsSet(flagMetricsTextfile) {
		cmd.cfg.Metrics.Textfile = ctx.String(flagMetricsTextfile)
	}
}

func createFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:    flagTarget,
			Aliases: []string{"t", "target-directory"},
			Usage:   "directory to capture in the snapshot",
		},
		&cli.StringFlag{
			Name:    flagOutput,
			Aliases: []string{"o", "output-file"},
			Usage: fmt.Sprintf("archive to write, a local path or a bucket URL such as s3://bucket/key.tar (default %q)",
				config.DefaultOutput),
		},
		&cli.IntFlag{
			Name:  flagMaxIterations,
			Usage: fmt.Sprintf("number of times a pass is retried before giving up (default %d)", config.DefaultMaxIterations),
		},
		&cli.IntFlag{
			Name: flagCompressionLevel,
			Usage: fmt.Sprintf("zstd level file content is compressed with, within [%d, %d] (default %d)",
				config.MinCompressionLevel, config.MaxCompressionLevel, config.DefaultCompressionLevel),
		},
		&cli.IntFlag{
			Name:  flagParallelism,
			Usage: fmt.Sprintf("number of sub-directories visited concurrently (default %d)", config.DefaultParallelism),
		},
		&cli.BoolFlag{
			Name:  flagManifest,
			Usage: "write a TOML manifest next to the archive",
		},
		&cli.StringFlag{
			Name:  flagMetricsTextfile,
			Usage: "write the run's metrics in the Prometheus text format to this path",
		},
	}, loggingFlags()...)
}

func newCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "capture a directory into an archive",
		UsageText: `sit create --target <directory> [--output <archive>]

Example: sit create --target /srv/data --output s3://backups/data.tar?region=eu-west-1`,
		Description: `Capture a consistent snapshot of the target directory and write it as a tar archive.
Running sit without a subcommand is the same as running sit create.

Exit codes: 0 on success, 2 if the target does not exist, 3 if the target is not a directory
and 1 on any other failure.`,
		Action:          createAction,
		Flags:           createFlags(),
		HideHelpCommand: true,
	}
}

func createAction(cctx *cli.Context) error {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return cli.Exit(err, exitFailure)
	}

	subcmd := createSubcommand{cfg: cfg}
	subcmd.flags(cctx)

	if err := subcmd.cfg.Validate(); err != nil {
		return cli.Exit(fmt.Errorf("invalid config: %w", err), exitFailure)
	}

	logger, err := configureLogger(cctx, subcmd.cfg)
	if err != nil {
		return cli.Exit(err, exitFailure)
	}

	if subcmd.target == "" {
		return cli.Exit(fmt.Errorf("missing required flag --%s", flagTarget), exitFailure)
	}

	if err := snapshot.ValidateRoot(subcmd.target); err != nil {
		logger.WithError(err).WithField("target", subcmd.target).ErrorContext(cctx.Context, "invalid target directory")
		return cli.Exit(err, targetExitCode(err))
	}

	if err := subcmd.run(cctx.Context, logger); err != nil {
		logger.WithError(err).ErrorContext(cctx.Context, "snapshot failed")
		return cli.Exit(err, exitFailure)
	}

	return nil
}

func targetExitCode(err error) int {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return exitTargetNotExist
	case errors.Is(err, snapshot.ErrNotDirectory):
		return exitTargetNotDirectory
	default:
		return exitFailure
	}
}

func (cmd *createSubcommand) run(ctx context.Context, logger log.Logger) (returnedErr error) {
	metrics := snapshot.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics)

	// Metrics are exported even for failed runs.
	defer func() {
		if !cmd.cfg.Metrics.Enabled() {
			return
		}

		if err := prometheus.WriteToTextfile(cmd.cfg.Metrics.Textfile, registry); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("write metrics: %w", err)
		}
	}()

	location, err := sink.ParseLocation(cmd.cfg.Output)
	if err != nil {
		return fmt.Errorf("create: parse output: %w", err)
	}

	archiveSink, err := sink.ResolveSink(ctx, location.BucketURI)
	if err != nil {
		return fmt.Errorf("create: resolve sink: %w", err)
	}
	defer func() {
		if err := archiveSink.Close(); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("create: %w", err)
		}
	}()

	snapshotter := snapshot.NewSnapshotter(logger, metrics, snapshot.Options{
		MaxIterations:    cmd.cfg.MaxIterations,
		CompressionLevel: cmd.cfg.CompressionLevel,
		Parallelism:      cmd.cfg.Parallelism,
	})

	result, err := snapshotter.Capture(ctx, cmd.target)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}

	var stats archive.Stats
	if err := sink.Store(ctx, archiveSink, location.Key, func(w io.Writer) error {
		var err error
		stats, err = archive.Write(logger, result.Root, result.Entries, w)
		return err
	}); err != nil {
		return fmt.Errorf("create: write archive: %w", err)
	}

	logger.WithFields(log.Fields{
		"output":           cmd.cfg.Output,
		"revision":         result.Revision.String(),
		"passes":           result.Passes,
		"directories":      stats.Directories,
		"files":            stats.Files,
		"symlinks":         stats.Symlinks,
		"dropped_symlinks": stats.DroppedSymlinks,
	}).InfoContext(ctx, "snapshot written")

	if !cmd.cfg.Manifest {
		return nil
	}

	manifest := sink.NewManifest(location.Key)
	manifest.Root = result.Root
	manifest.Revision = result.Revision.Time()
	manifest.CreatedAt = time.Now()
	manifest.Passes = result.Passes
	manifest.CompressionLevel = cmd.cfg.CompressionLevel
	manifest.Entries = sink.ManifestEntries{
		Directories:     stats.Directories,
		Files:           stats.Files,
		Symlinks:        stats.Symlinks,
		DroppedSymlinks: stats.DroppedSymlinks,
		StoredBytes:     stats.Bytes,
	}

	if err := sink.NewManifestLoader(archiveSink).WriteManifest(ctx, manifest); err != nil {
		return fmt.Errorf("create: %w", err)
	}

	logger.WithField("id", manifest.ID).InfoContext(ctx, "manifest written")

	return nil
}
