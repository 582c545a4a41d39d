// Package sit implements the command line interface of sit.
package sit

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"gitlab.com/sit/sit/internal/config"
	"gitlab.com/sit/sit/internal/log"
)

const (
	progname = "sit"

	// exitFailure is the exit code of any failure without a dedicated code.
	exitFailure = 1
	// exitTargetNotExist is the exit code when the capture root does not exist.
	exitTargetNotExist = 2
	// exitTargetNotDirectory is the exit code when the capture root is not a directory.
	exitTargetNotDirectory = 3

	flagConfig    = "config"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// version is set at build time.
var version = "dev"

// NewApp returns a new sit app. Invoked without a subcommand it creates a snapshot.
func NewApp() *cli.App {
	return &cli.App{
		Name:  progname,
		Usage: "take consistent snapshots of changing directory trees",
		Description: `sit walks a directory tree that may be modified while it is read and writes a
tar archive in which every entry is consistent with a single instant. Passes that observe a
modification after that instant are retried with a later one until a pass converges.`,
		Version:         version,
		HideHelpCommand: true,
		Flags:           createFlags(),
		Action:          createAction,
		Commands: []*cli.Command{
			newCreateCommand(),
			newInspectCommand(),
			newExtractCommand(),
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    flagLogLevel,
			Aliases: []string{"l", "logger"},
			Usage:   "log level, one of trace, debug, info, warn, error",
		},
		&cli.StringFlag{
			Name:  flagLogFormat,
			Usage: "log format, one of text or json",
		},
		&cli.StringFlag{
			Name:    flagConfig,
			Aliases: []string{"c"},
			Usage:   "path to a TOML configuration file",
		},
	}
}

// loadConfig resolves the configuration from defaults, the environment, the configuration file
// and finally the flags that were set explicitly.
func loadConfig(cctx *cli.Context) (config.Cfg, error) {
	cfg, err := config.LoadEnv(config.Default())
	if err != nil {
		return config.Cfg{}, err
	}

	if configPath := cctx.String(flagConfig); configPath != "" {
		cfgFile, err := os.Open(configPath)
		if err != nil {
			return config.Cfg{}, fmt.Errorf("open config: %w", err)
		}
		defer cfgFile.Close()

		cfg, err = config.Load(cfg, cfgFile)
		if err != nil {
			return config.Cfg{}, fmt.Errorf("config_path %q: %w", configPath, err)
		}
	}

	if cctx.IsSet(flagLogLevel) {
		cfg.Logging.Level = cctx.String(flagLogLevel)
	}
	if cctx.IsSet(flagLogFormat) {
		cfg.Logging.Format = cctx.String(flagLogFormat)
	}

	return cfg, nil
}

func configureLogger(cctx *cli.Context, cfg config.Cfg) (log.Logger, error) {
	logger, err := log.Configure(cctx.App.ErrWriter, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("configuring logger failed: %w", err)
	}

	return logger, nil
}
