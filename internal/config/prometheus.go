package config

// Metrics configures how the metrics of a run are exported. The tool is short-lived, so instead
// of serving metrics they are written once in the Prometheus text exposition format, suitable for
// the node exporter's textfile collector.
type Metrics struct {
	// Textfile is the path the metrics are written to after the run. Empty disables export.
	Textfile string `toml:"textfile,omitempty" envconfig:"TEXTFILE"`
}

// Enabled reports whether metrics should be exported.
func (m Metrics) Enabled() bool {
	return m.Textfile != ""
}
