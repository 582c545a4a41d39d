package sit

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"gitlab.com/sit/sit/internal/archive"
	"gitlab.com/sit/sit/internal/sink"
)

type inspectSubcommand struct {
	location     string
	showManifest bool
}

func (cmd *inspectSubcommand) flags(ctx *cli.Context) {
	cmd.location = ctx.Args().First()
	cmd.showManifest = ctx.Bool(flagManifest)
}

func newInspectCommand() *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "list the entries of an archive",
		ArgsUsage: "<archive>",
		UsageText: `sit inspect [--manifest] <archive>

Example: sit inspect --manifest output.tar`,
		Description: `List the entries of an archive with their mode, stored and uncompressed size,
modification time, name and link target.`,
		Action: inspectAction,
		Flags: append([]cli.Flag{
			&cli.BoolFlag{
				Name:  flagManifest,
				Usage: "print the manifest stored next to the archive",
			},
		}, loggingFlags()...),
		HideHelpCommand: true,
	}
}

func inspectAction(cctx *cli.Context) error {
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

	subcmd := inspectSubcommand{}
	subcmd.flags(cctx)

	if err := subcmd.run(cctx.Context, cctx.App.Writer); err != nil {
		logger.WithError(err).ErrorContext(cctx.Context, "inspect failed")
		return cli.Exit(err, exitFailure)
	}

	return nil
}

func (cmd *inspectSubcommand) run(ctx context.Context, stdout io.Writer) (returnedErr error) {
	location, err := sink.ParseLocation(cmd.location)
	if err != nil {
		return fmt.Errorf("inspect: parse location: %w", err)
	}

	archiveSink, err := sink.ResolveSink(ctx, location.BucketURI)
	if err != nil {
		return fmt.Errorf("inspect: resolve sink: %w", err)
	}
	defer func() {
		if err := archiveSink.Close(); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("inspect: %w", err)
		}
	}()

	if cmd.showManifest {
		manifest, err := sink.NewManifestLoader(archiveSink).ReadManifest(ctx, location.Key)
		if err != nil {
			return fmt.Errorf("inspect: %w", err)
		}

		fmt.Fprintf(stdout, "ID:          %s\n", manifest.ID)
		fmt.Fprintf(stdout, "Root:        %s\n", manifest.Root)
		fmt.Fprintf(stdout, "Revision:    %s\n", manifest.Revision.Format(time.RFC3339Nano))
		fmt.Fprintf(stdout, "Created at:  %s\n", manifest.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(stdout, "Passes:      %d\n", manifest.Passes)
		fmt.Fprintf(stdout, "Compression: zstd level %d\n", manifest.CompressionLevel)
		fmt.Fprintf(stdout, "Entries:     %d directories, %d files, %d symlinks, %d dropped symlinks\n\n",
			manifest.Entries.Directories, manifest.Entries.Files, manifest.Entries.Symlinks, manifest.Entries.DroppedSymlinks)
	}

	reader, err := archiveSink.GetReader(ctx, location.Key)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	defer reader.Close()

	table := tablewriter.NewWriter(stdout)
	table.SetHeader([]string{"Mode", "Stored", "Size", "Modified", "Name", "Target"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")

	if err := archive.List(reader, func(header archive.Header) error {
		table.Append([]string{
			header.Mode.String(),
			strconv.FormatInt(header.StoredSize, 10),
			strconv.FormatInt(header.Size, 10),
			header.ModTime.Format(time.RFC3339),
			header.Name,
			header.Linkname,
		})
		return nil
	}); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	table.Render()

	return nil
}
