// Package config contains the configuration of a snapshot run. Values are resolved in the order
// defaults, environment, configuration file and finally command line flags, each layer
// overriding the previous one.
package config

import (
	"errors"
	"fmt"
	"io"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
	"gitlab.com/sit/sit/internal/log"
)

const (
	// DefaultMaxIterations is the default number of retries before a snapshot is given up.
	DefaultMaxIterations = 5
	// DefaultCompressionLevel is the default zstd compression level of captured files.
	DefaultCompressionLevel = 3
	// DefaultParallelism visits sub-trees sequentially.
	DefaultParallelism = 1
	// DefaultOutput is the default output artifact path.
	DefaultOutput = "output.tar"

	// MinCompressionLevel is the lowest zstd level accepted.
	MinCompressionLevel = 1
	// MaxCompressionLevel is the highest zstd level accepted.
	MaxCompressionLevel = 22

	envPrefix = "SIT"
)

// Logging configures the logger.
type Logging struct {
	Format string `toml:"format,omitempty" envconfig:"FORMAT"`
	Level  string `toml:"level,omitempty" envconfig:"LEVEL"`
}

// Cfg is the configuration of a snapshot run.
type Cfg struct {
	MaxIterations    int     `toml:"max_iterations,omitempty" envconfig:"MAX_ITERATIONS"`
	CompressionLevel int     `toml:"compression_level,omitempty" envconfig:"COMPRESSION_LEVEL"`
	Parallelism      int     `toml:"parallelism,omitempty" envconfig:"PARALLELISM"`
	Output           string  `toml:"output,omitempty" envconfig:"OUTPUT"`
	Manifest         bool    `toml:"manifest,omitempty" envconfig:"MANIFEST"`
	Logging          Logging `toml:"logging,omitempty" envconfig:"LOG"`
	Metrics          Metrics `toml:"metrics,omitempty" envconfig:"METRICS"`
}

// Default returns the configuration used when nothing else is specified.
func Default() Cfg {
	return Cfg{
		MaxIterations:    DefaultMaxIterations,
		CompressionLevel: DefaultCompressionLevel,
		Parallelism:      DefaultParallelism,
		Output:           DefaultOutput,
		Logging: Logging{
			Format: log.TextFormat,
			Level:  "info",
		},
	}
}

// Load decodes a TOML configuration on top of cfg. Keys missing from the file keep the value
// they had in cfg.
func Load(cfg Cfg, file io.Reader) (Cfg, error) {
	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(&cfg); err != nil {
		var details *toml.DecodeError
		if errors.As(err, &details) {
			row, column := details.Position()
			return Cfg{}, fmt.Errorf("load toml: line %d column %d: %w", row, column, err)
		}

		return Cfg{}, fmt.Errorf("load toml: %w", err)
	}

	return cfg, nil
}

// LoadEnv overlays SIT_* environment variables on top of cfg.
func LoadEnv(cfg Cfg) (Cfg, error) {
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return Cfg{}, fmt.Errorf("load env: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration and reports every invalid field.
func (cfg Cfg) Validate() error {
	var errs []error

	if cfg.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("max_iterations: must not be negative, got %d", cfg.MaxIterations))
	}

	if cfg.CompressionLevel < MinCompressionLevel || cfg.CompressionLevel > MaxCompressionLevel {
		errs = append(errs, fmt.Errorf("compression_level: must be within [%d, %d], got %d",
			MinCompressionLevel, MaxCompressionLevel, cfg.CompressionLevel))
	}

	if cfg.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("parallelism: must be at least 1, got %d", cfg.Parallelism))
	}

	if cfg.Output == "" {
		errs = append(errs, errors.New("output: must not be empty"))
	}

	switch cfg.Logging.Format {
	case log.TextFormat, log.JSONFormat:
	default:
		errs = append(errs, fmt.Errorf("logging.format: unsupported format %q", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}
