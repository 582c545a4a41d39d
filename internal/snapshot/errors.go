package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrIterationBoundExceeded is returned when no pass converged within the allowed number
	// of retries.
	ErrIterationBoundExceeded = errors.New("iteration bound exceeded")
	// ErrNotDirectory is returned when the capture root is not a directory.
	ErrNotDirectory = errors.New("not a directory")
)

// ErrorKind classifies why capturing a path failed.
type ErrorKind int

const (
	// ConcurrentModification means the object was modified after the fence of the pass.
	ConcurrentModification ErrorKind = iota + 1
	// ConcurrentDeletion means the object vanished while it was being captured.
	ConcurrentDeletion
	// IOFailure means the object still exists but could not be read.
	IOFailure
	// EncodeFailure means captured content could not be compressed.
	EncodeFailure
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ConcurrentModification:
		return "concurrent modification"
	case ConcurrentDeletion:
		return "concurrent deletion"
	case IOFailure:
		return "io failure"
	case EncodeFailure:
		return "encode failure"
	default:
		return fmt.Sprintf("unknown kind %d", int(k))
	}
}

// CaptureError is returned when a path could not be captured.
type CaptureError struct {
	Kind ErrorKind
	Path string
	Err  error
}

// Error returns the error message.
func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}

	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *CaptureError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a later pass may succeed where this one failed.
func (e *CaptureError) IsRetryable() bool {
	return e.Kind == ConcurrentModification || e.Kind == ConcurrentDeletion
}

// IsRetryable reports whether err is a CaptureError that warrants retrying the pass.
func IsRetryable(err error) bool {
	var captureErr *CaptureError
	return errors.As(err, &captureErr) && captureErr.IsRetryable()
}

func newModifiedError(path string, revision Revision, info fs.FileInfo) error {
	return &CaptureError{
		Kind: ConcurrentModification,
		Path: path,
		Err:  fmt.Errorf("modified at %s after revision %s", info.ModTime().Format(time.RFC3339Nano), revision),
	}
}

// classifyError decides whether a failure to read path was caused by the path disappearing. A
// path that is gone was deleted concurrently and the pass can be retried. Any other failure on a
// path that still exists, such as a permission error, is fatal.
func classifyError(path string, err error) error {
	if isNotExist(err) {
		return &CaptureError{Kind: ConcurrentDeletion, Path: path, Err: err}
	}

	if _, statErr := os.Lstat(path); statErr != nil && isNotExist(statErr) {
		return &CaptureError{Kind: ConcurrentDeletion, Path: path, Err: err}
	}

	return &CaptureError{Kind: IOFailure, Path: path, Err: err}
}

// isNotExist treats ENOTDIR like ENOENT: a parent directory that was replaced with a file means
// the path does not exist anymore.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENOTDIR)
}

// preferFatal returns the first error that is not retryable, or the first error if all of them
// are. Nil errors are skipped.
func preferFatal(errs ...error) error {
	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}

		if !IsRetryable(err) {
			return err
		}

		if first == nil {
			first = err
		}
	}

	return first
}

func asCaptureError(err error) (*CaptureError, bool) {
	var captureErr *CaptureError
	if errors.As(err, &captureErr) {
		return captureErr, true
	}

	return nil, false
}
