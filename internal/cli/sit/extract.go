package sit

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"gitlab.com/sit/sit/internal/archive"
	"gitlab.com/sit/sit/internal/log"
	"gitlab.com/sit/sit/internal/sink"
)

const flagDestination = "destination"

type extractSubcommand struct {
	location    string
	destination string
}

func (cmd *extractSubcommand) flags(ctx *cli.Context) {
	cmd.location = ctx.Args().First()
	cmd.destination = ctx.String(flagDestination)
}

func newExtractCommand() *cli.Command {
	return &cli.Command{
		Name:      "extract",
		Usage:     "restore an archive into a directory",
		ArgsUsage: "<archive>",
		UsageText: `sit extract --destination <directory> <archive>

Example: sit extract --destination /srv/restored s3://backups/data.tar?region=eu-west-1`,
		Description: `Recreate the archived tree below the destination, which must either not exist or be
empty. File permissions and modification times are restored. Entries that would be written
outside of the destination abort the extraction.`,
		Action: extractAction,
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     flagDestination,
				Aliases:  []string{"d"},
				Usage:    "directory to extract the archive into",
				Required: true,
			},
		}, loggingFlags()...),
		HideHelpCommand: true,
	}
}

func extractAction(cctx *cli.Context) error {
	if cctx.NArg() != 1 || cctx.Args().First() == "" {
		cli.ShowSubcommandHelpAndExit(cctx, exitFailure)
	}

	cfg, err := loadConfig(cctx)
	if err != nil {
		return cli.Exit(err, exitFailure)
	}

	logger, err := configureLogger(cctx, cfg)
	if err != nil {
		return cli.Exit(err, exitFailure)
	}

	subcmd := extractSubcommand{}
	subcmd.flags(cctx)

	if err := subcmd.run(cctx.Context, logger); err != nil {
		logger.WithError(err).ErrorContext(cctx.Context, "extract failed")
		return cli.Exit(err, exitFailure)
	}

	return nil
}

func (cmd *extractSubcommand) run(ctx context.Context, logger log.Logger) (returnedErr error) {
	location, err := sink.ParseLocation(cmd.location)
	if err != nil {
		return fmt.Errorf("extract: parse location: %w", err)
	}

	archiveSink, err := sink.ResolveSink(ctx, location.BucketURI)
	if err != nil {
		return fmt.Errorf("extract: resolve sink: %w", err)
	}
	defer func() {
		if err := archiveSink.Close(); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("extract: %w", err)
		}
	}()

	reader, err := archiveSink.GetReader(ctx, location.Key)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer reader.Close()

	extractor, err := archive.NewExtractor(logger)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer extractor.Close()

	stats, err := extractor.Extract(ctx, reader, cmd.destination)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	logger.WithFields(log.Fields{
		"destination": cmd.destination,
		"directories": stats.Directories,
		"files":       stats.Files,
		"symlinks":    stats.Symlinks,
	}).InfoContext(ctx, "archive extracted")

	return nil
}
