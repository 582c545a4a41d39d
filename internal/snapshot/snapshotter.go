package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gitlab.com/sit/sit/internal/log"
)

// Options configure a Snapshotter.
type Options struct {
	// MaxIterations is the number of times a pass may be retried before the capture fails
	// with ErrIterationBoundExceeded.
	MaxIterations int
	// CompressionLevel is the zstd level file content is compressed with.
	CompressionLevel int
	// Parallelism is the number of sub-trees visited concurrently. Values below two visit the
	// tree sequentially.
	Parallelism int
	// Clock generates the revision of each pass. Defaults to time.Now.
	Clock Clock
}

// Result is a converged snapshot.
type Result struct {
	// Root is the absolute path of the captured directory.
	Root string
	// Revision is the instant every entry is consistent with.
	Revision Revision
	// Entries are the compiled entries in deterministic order.
	Entries []Entry
	// Passes is the number of passes it took to converge.
	Passes int
}

// Snapshotter captures consistent snapshots of directory trees.
type Snapshotter struct {
	logger  log.Logger
	metrics Metrics
	opts    Options
}

// NewSnapshotter returns a new Snapshotter.
func NewSnapshotter(logger log.Logger, metrics Metrics, opts Options) *Snapshotter {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Snapshotter{
		logger:  logger,
		metrics: metrics,
		opts:    opts,
	}
}

// ValidateRoot checks that root exists and is a directory. A missing root yields an error
// matching fs.ErrNotExist, a root that is not a directory yields ErrNotDirectory.
func ValidateRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("stat root: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("root %q: %w", root, ErrNotDirectory)
	}

	return nil
}

// Capture repeatedly walks root until a pass observes no modification after its revision, and
// compiles the converged tree. Every failed pass with a retryable error is retried with a later
// revision, reusing everything captured so far. A non-retryable error aborts the capture
// immediately. The context is only consulted between passes, a pass always runs to completion.
func (s *Snapshotter) Capture(ctx context.Context, root string) (Result, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return Result{}, fmt.Errorf("absolute root: %w", err)
	}

	if err := ValidateRoot(root); err != nil {
		return Result{}, err
	}

	c, err := newCapturer(s.logger, s.metrics, s.opts.CompressionLevel, s.opts.Parallelism)
	if err != nil {
		return Result{}, fmt.Errorf("capture: %w", err)
	}
	defer func() {
		if err := c.close(); err != nil {
			s.logger.WithError(err).Warn("failed closing encoder")
		}
	}()

	logger := s.logger.WithField("root", root)
	node := newDirectoryNode(root)
	node.followSymlink = true
	revision := NewRevision(s.opts.Clock())

	for retries := 0; ; retries++ {
		if err := ctx.Err(); err != nil {
			return Result{}, fmt.Errorf("capture: %w", err)
		}

		s.metrics.passesTotal.Inc()
		logger.WithFields(log.Fields{
			"revision": revision.String(),
			"attempt":  retries + 1,
		}).Debug("starting pass")

		err := node.visit(c, revision)
		if err == nil {
			entries := node.compile(logger, revision, nil)
			logger.WithFields(log.Fields{
				"revision": revision.String(),
				"passes":   retries + 1,
				"entries":  len(entries),
			}).Info("snapshot converged")

			return Result{
				Root:     root,
				Revision: revision,
				Entries:  entries,
				Passes:   retries + 1,
			}, nil
		}

		if !IsRetryable(err) {
			logger.WithError(err).Error("capture failed")
			return Result{}, fmt.Errorf("capture: %w", err)
		}

		s.metrics.observeConflict(err)

		if retries >= s.opts.MaxIterations {
			logger.WithError(err).WithField("retries", retries).Error("snapshot did not converge")
			// The last conflict is only reported as text, the result must not be mistaken
			// for a retryable error.
			return Result{}, fmt.Errorf("capture: %w after %d retries, last conflict: %s",
				ErrIterationBoundExceeded, retries, err.Error())
		}

		s.metrics.retriesTotal.Inc()
		revision = s.nextRevision(revision)
		logger.WithError(err).WithField("revision", revision.String()).Info("retrying pass with later revision")
	}
}

// nextRevision returns a fresh revision that is strictly later than the previous one, even with
// a clock that did not advance.
func (s *Snapshotter) nextRevision(previous Revision) Revision {
	next := NewRevision(s.opts.Clock())
	if !next.After(previous) {
		next = NewRevision(previous.Time().Add(time.Nanosecond))
	}

	return next
}
