package snapshot

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/klauspost/compress/zstd"
	"gitlab.com/sit/sit/internal/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"
)

// capturer holds the state shared by all records of a capture.
type capturer struct {
	logger  log.Logger
	metrics Metrics
	encoder *zstd.Encoder
	// slots bounds the sub-trees visited concurrently. It is nil when sub-trees are visited
	// sequentially.
	slots *semaphore.Weighted
}

func newCapturer(logger log.Logger, metrics Metrics, compressionLevel, parallelism int) (*capturer, error) {
	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)),
		// Empty files still get a valid frame so every captured payload decodes.
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, &CaptureError{Kind: EncodeFailure, Err: fmt.Errorf("new encoder: %w", err)}
	}

	c := &capturer{
		logger:  logger,
		metrics: metrics,
		encoder: encoder,
	}

	// The goroutine running the pass holds no slot, so n-1 extra slots give n concurrent
	// visits.
	if parallelism > 1 {
		c.slots = semaphore.NewWeighted(int64(parallelism - 1))
	}

	return c, nil
}

func (c *capturer) close() error {
	return c.encoder.Close()
}

// readContent reads the content of the regular file at path and compresses it. The file is opened
// without following symbolic links and without blocking, so a file swapped for a link or a fifo
// is reported as modified instead of being read. The metadata is taken from the open file after
// reading so that a write racing with the read is detected.
func (c *capturer) readContent(path string, target Revision) (fs.FileInfo, []byte, error) {
	file, err := os.OpenFile(path, os.O_RDONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) {
			return nil, nil, &CaptureError{
				Kind: ConcurrentModification,
				Path: path,
				Err:  fmt.Errorf("replaced with %s", fs.ModeSymlink),
			}
		}

		return nil, nil, classifyError(path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, nil, classifyError(path, fmt.Errorf("stat: %w", err))
	}

	if err := requireRegular(path, info); err != nil {
		return nil, nil, err
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, classifyError(path, fmt.Errorf("read: %w", err))
	}

	info, err = file.Stat()
	if err != nil {
		return nil, nil, classifyError(path, fmt.Errorf("stat: %w", err))
	}

	if target.Precedes(info.ModTime()) {
		return nil, nil, newModifiedError(path, target, info)
	}

	content := c.encoder.EncodeAll(data, make([]byte, 0, len(data)/2+64))

	c.metrics.contentReadsTotal.Inc()
	c.metrics.readBytesTotal.Add(float64(len(data)))
	c.metrics.compressedBytes.Add(float64(len(content)))

	return info, content, nil
}

func requireRegular(path string, info fs.FileInfo) error {
	if info.Mode().IsRegular() {
		return nil
	}

	return &CaptureError{
		Kind: ConcurrentModification,
		Path: path,
		Err:  fmt.Errorf("replaced with %s", info.Mode().Type()),
	}
}
