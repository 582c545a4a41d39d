package snapshot

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the metrics collected while capturing snapshots.
type Metrics struct {
	passesTotal         prometheus.Counter
	retriesTotal        prometheus.Counter
	conflictsTotal      *prometheus.CounterVec
	cacheHitsTotal      prometheus.Counter
	contentReadsTotal   prometheus.Counter
	readBytesTotal      prometheus.Counter
	compressedBytes     prometheus.Counter
	skippedEntriesTotal prometheus.Counter
}

// NewMetrics returns a new Metrics instance.
func NewMetrics() Metrics {
	return Metrics{
		passesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_passes_total",
			Help: "Number of traversal passes over the capture root.",
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_retries_total",
			Help: "Number of passes retried with a later revision.",
		}),
		conflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sit_capture_conflicts_total",
			Help: "Number of retryable conflicts detected, by kind.",
		}, []string{"kind"}),
		cacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_file_cache_hits_total",
			Help: "Number of file visits confirmed unchanged without reading content.",
		}),
		contentReadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_file_reads_total",
			Help: "Number of times file content was read and compressed.",
		}),
		readBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_read_bytes_total",
			Help: "Number of uncompressed bytes read from captured files.",
		}),
		compressedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_compressed_bytes_total",
			Help: "Number of compressed bytes produced from captured files.",
		}),
		skippedEntriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sit_capture_skipped_entries_total",
			Help: "Number of directory entries skipped because of their type.",
		}),
	}
}

// Describe implements prometheus.Collector.
func (m Metrics) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(m, descs)
}

// Collect implements prometheus.Collector.
func (m Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.passesTotal.Collect(metrics)
	m.retriesTotal.Collect(metrics)
	m.conflictsTotal.Collect(metrics)
	m.cacheHitsTotal.Collect(metrics)
	m.contentReadsTotal.Collect(metrics)
	m.readBytesTotal.Collect(metrics)
	m.compressedBytes.Collect(metrics)
	m.skippedEntriesTotal.Collect(metrics)
}

func (m Metrics) observeConflict(err error) {
	if captureErr, ok := asCaptureError(err); ok && captureErr.IsRetryable() {
		m.conflictsTotal.WithLabelValues(captureErr.Kind.String()).Inc()
	}
}
