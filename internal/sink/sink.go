// Package sink stores archives and their manifests in local directories or object storage
// buckets.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/azureblob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"gitlab.com/sit/sit/internal/helper/perm"
)

// ErrDoesntExist is returned when the requested object does not exist in the sink.
var ErrDoesntExist = errors.New("doesn't exist")

// Sink is an abstraction over the storage archives are written to and read from.
type Sink interface {
	io.Closer
	// GetWriter returns a writer storing data under relativePath. The object only becomes
	// visible once the writer is closed. Cancelling ctx before closing the writer discards
	// everything written.
	GetWriter(ctx context.Context, relativePath string) (io.WriteCloser, error)
	// GetReader returns a reader for the object at relativePath. It returns ErrDoesntExist if
	// there is no such object.
	GetReader(ctx context.Context, relativePath string) (io.ReadCloser, error)
}

// ResolveSink returns a sink implementation based on the provided uri.
// The storage engine is chosen based on the provided uri.
// It is the caller's responsibility to provide all required environment
// variables in order to get properly initialized storage engine driver.
func ResolveSink(ctx context.Context, uri string) (Sink, error) {
	if !isURL(uri) {
		return newFileblobSink(uri)
	}

	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	scheme := parsed.Scheme
	if i := strings.LastIndex(scheme, "+"); i > 0 {
		// the url may include additional configuration options like service name
		// we don't include it into the scheme definition as it will push us to create
		// a full set of variations. Instead we trim it up to the service option only.
		scheme = scheme[i+1:]
	}

	switch scheme {
	case s3blob.Scheme, azureblob.Scheme, gcsblob.Scheme, memblob.Scheme:
		return newStorageServiceSink(ctx, uri)
	case fileblob.Scheme:
		// fileblob.OpenBucket requires a bare path without 'file://'.
		return newFileblobSink(parsed.Path)
	default:
		return nil, fmt.Errorf("unsupported sink URI scheme: %q", scheme)
	}
}

// Location is where a single archive is stored: an object key inside of a bucket.
type Location struct {
	// BucketURI identifies the bucket and is resolved with ResolveSink.
	BucketURI string
	// Key is the object's path inside of the bucket.
	Key string
}

// ParseLocation splits the location of an archive into its bucket and key. Locations without a
// scheme and file:// URLs are local paths, the bucket being the directory containing the file.
// Any other URL names the bucket with its host and the key with its path, for example
// s3://bucket/snapshots/output.tar?region=eu-west-1.
func ParseLocation(location string) (Location, error) {
	if !isURL(location) {
		return localLocation(location)
	}

	parsed, err := url.Parse(location)
	if err != nil {
		return Location{}, err
	}

	switch parsed.Scheme {
	case fileblob.Scheme:
		return localLocation(parsed.Path)
	default:
		key := strings.TrimPrefix(parsed.Path, "/")
		if key == "" || strings.HasSuffix(key, "/") {
			return Location{}, fmt.Errorf("location %q: missing object key", location)
		}

		bucket := *parsed
		bucket.Path = ""
		bucket.RawPath = ""

		return Location{
			BucketURI: bucket.String(),
			Key:       key,
		}, nil
	}
}

// localLocation locates the file at path. The bucket is a file:// URL so that characters with a
// meaning in URLs, such as '#' and '?', remain part of the directory.
func localLocation(path string) (Location, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return Location{}, fmt.Errorf("absolute path: %w", err)
	}

	return Location{
		BucketURI: (&url.URL{Scheme: fileblob.Scheme, Path: filepath.Dir(path)}).String(),
		Key:       filepath.Base(path),
	}, nil
}

// isURL reports whether location carries a scheme. Anything else is a local path, which must not
// be parsed as a URL.
func isURL(location string) bool {
	return strings.Contains(location, "://")
}

// StorageServiceSink uses a storage engine that can be defined by the construction url on creation.
type StorageServiceSink struct {
	bucket *blob.Bucket
}

// newStorageServiceSink returns initialized instance of StorageServiceSink instance.
func newStorageServiceSink(ctx context.Context, url string) (*StorageServiceSink, error) {
	bucket, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("storage service sink: open bucket: %w", err)
	}

	return &StorageServiceSink{bucket: bucket}, nil
}

// newFileblobSink returns initialized instance of StorageServiceSink instance using the
// fileblob backend.
func newFileblobSink(path string) (*StorageServiceSink, error) {
	// fileblob's CreateDir creates directories with permissions 0777, so
	// create this directory ourselves:
	// https://github.com/google/go-cloud/issues/3423
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat sink path: %w", err)
		}
		if err := os.MkdirAll(path, perm.SharedDir); err != nil {
			return nil, fmt.Errorf("creating sink directory: %w", err)
		}
	}

	bucket, err := fileblob.OpenBucket(path, &fileblob.Options{
		NoTempDir: true,
		// Archives written to local directories must not be accompanied by attribute files.
		Metadata: fileblob.MetadataDontWrite,
	})
	if err != nil {
		return nil, fmt.Errorf("storage service sink: open bucket: %w", err)
	}

	return &StorageServiceSink{bucket: bucket}, nil
}

// Close releases resources associated with the bucket communication.
func (s *StorageServiceSink) Close() error {
	if s.bucket != nil {
		bucket := s.bucket
		s.bucket = nil
		if err := bucket.Close(); err != nil {
			return fmt.Errorf("storage service sink: close bucket: %w", err)
		}
		return nil
	}
	return nil
}

// GetWriter stores the written data into a relativePath path on the configured
// bucket. It is the callers responsibility to Close the writer after usage.
func (s *StorageServiceSink) GetWriter(ctx context.Context, relativePath string) (io.WriteCloser, error) {
	writer, err := s.bucket.NewWriter(ctx, relativePath, &blob.WriterOptions{
		// 'no-store' - a snapshot must always be fetched fresh
		// https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Cache-Control#cacheability
		// 'no-transform' - disallows intermediates to modify data
		// https://developer.mozilla.org/en-US/docs/Web/HTTP/Headers/Cache-Control#other
		CacheControl: "no-store, no-transform",
		ContentType:  "application/x-tar",
	})
	if err != nil {
		return nil, fmt.Errorf("storage service sink: new writer for %q: %w", relativePath, err)
	}
	return writer, nil
}

// GetReader returns a reader to consume the data from the configured bucket.
// It is the caller's responsibility to Close the reader after usage.
func (s *StorageServiceSink) GetReader(ctx context.Context, relativePath string) (io.ReadCloser, error) {
	reader, err := s.bucket.NewReader(ctx, relativePath, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			err = ErrDoesntExist
		}
		return nil, fmt.Errorf("storage service sink: new reader for %q: %w", relativePath, err)
	}
	return reader, nil
}

// Store writes the object at relativePath with the data produced by write. The object is only
// created if write succeeds, on failure everything written so far is discarded.
func Store(ctx context.Context, sink Sink, relativePath string, write func(io.Writer) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer, err := sink.GetWriter(ctx, relativePath)
	if err != nil {
		return err
	}

	if err := write(writer); err != nil {
		// Cancelling the context before closing aborts the upload.
		cancel()
		_ = writer.Close()
		return err
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("store %q: %w", relativePath, err)
	}

	return nil
}
