package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"

	"gitlab.com/sit/sit/internal/helper/perm"
	"gitlab.com/sit/sit/internal/log"
)

// Header describes a single archived entry.
type Header struct {
	// Name is the slash separated path relative to the archive's root.
	Name string
	// Mode holds the type and permission bits.
	Mode fs.FileMode
	// ModTime is the entry's modification time as of the snapshot's revision.
	ModTime time.Time
	// Linkname is the target of a symbolic link relative to the link's directory.
	Linkname string
	// StoredSize is the size of the payload as stored in the archive.
	StoredSize int64
	// Size is the size of the payload once decompressed.
	Size int64
	// Compression names the payload compression, empty for uncompressed payloads.
	Compression string
}

func parseHeader(tarHeader *tar.Header) (Header, error) {
	header := Header{
		Name:       tarHeader.Name,
		Mode:       tarHeader.FileInfo().Mode(),
		ModTime:    tarHeader.ModTime,
		Linkname:   tarHeader.Linkname,
		StoredSize: tarHeader.Size,
		Size:       tarHeader.Size,
	}

	if tarHeader.Typeflag != tar.TypeReg {
		return header, nil
	}

	header.Compression = tarHeader.PAXRecords[PAXCompression]
	if header.Compression != "" && header.Compression != CompressionZstd {
		return Header{}, fmt.Errorf("entry %q: unsupported compression %q", header.Name, header.Compression)
	}

	if size, ok := tarHeader.PAXRecords[PAXSize]; ok {
		parsed, err := strconv.ParseInt(size, 10, 64)
		if err != nil {
			return Header{}, fmt.Errorf("entry %q: parse size: %w", header.Name, err)
		}
		header.Size = parsed
	}

	return header, nil
}

// List calls fn for each entry of the archive read from r in archive order.
func List(r io.Reader, fn func(Header) error) error {
	tr := tar.NewReader(r)

	for {
		tarHeader, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read header: %w", err)
		}

		header, err := parseHeader(tarHeader)
		if err != nil {
			return err
		}

		if err := fn(header); err != nil {
			return err
		}
	}
}

// Extractor recreates archived snapshots on disk.
type Extractor struct {
	logger  log.Logger
	decoder *zstd.Decoder
}

// NewExtractor returns an Extractor. It must be closed after use.
func NewExtractor(logger log.Logger) (*Extractor, error) {
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("new decoder: %w", err)
	}

	return &Extractor{
		logger:  logger,
		decoder: decoder,
	}, nil
}

// Close releases the decoder.
func (e *Extractor) Close() {
	e.decoder.Close()
}

type pendingDirectory struct {
	path    string
	mode    fs.FileMode
	modTime time.Time
}

// Extract recreates the archive read from r below destination. The destination must either not
// exist or be an empty directory. Entries are never written outside of destination: entries
// whose name escapes it fail with ErrPathOutsideRoot, and so do symbolic links whose target
// escapes it.
func (e *Extractor) Extract(ctx context.Context, r io.Reader, destination string) (_ Stats, returnedErr error) {
	var stats Stats

	destination, err := filepath.Abs(destination)
	if err != nil {
		return stats, fmt.Errorf("absolute destination: %w", err)
	}

	if err := prepareDestination(destination); err != nil {
		return stats, err
	}

	// Directory metadata is restored last as creating children updates it.
	var directories []pendingDirectory
	defer func() {
		if returnedErr != nil {
			return
		}

		for i := len(directories) - 1; i >= 0; i-- {
			directory := directories[i]
			if err := os.Chmod(directory.path, directory.mode.Perm()); err != nil {
				returnedErr = fmt.Errorf("restore directory mode: %w", err)
				return
			}

			if err := os.Chtimes(directory.path, directory.modTime, directory.modTime); err != nil {
				returnedErr = fmt.Errorf("restore directory times: %w", err)
				return
			}
		}
	}()

	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		tarHeader, err := tr.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}

			return stats, fmt.Errorf("read header: %w", err)
		}

		header, err := parseHeader(tarHeader)
		if err != nil {
			return stats, err
		}

		target, err := extractionPath(destination, header.Name)
		if err != nil {
			return stats, err
		}

		// Directories may already exist, so the directory itself is checked as well.
		if err := requireNoSymlinks(destination, target, tarHeader.Typeflag == tar.TypeDir); err != nil {
			return stats, fmt.Errorf("extract %q: %w", header.Name, err)
		}

		switch tarHeader.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, perm.PrivateDir); err != nil {
				return stats, fmt.Errorf("create directory: %w", err)
			}

			directories = append(directories, pendingDirectory{path: target, mode: header.Mode, modTime: header.ModTime})
			stats.Directories++
		case tar.TypeReg:
			written, err := e.extractFile(tr, target, header)
			if err != nil {
				return stats, fmt.Errorf("extract %q: %w", header.Name, err)
			}

			stats.Files++
			stats.Bytes += written
		case tar.TypeSymlink:
			if err := extractSymlink(destination, target, header); err != nil {
				return stats, fmt.Errorf("extract %q: %w", header.Name, err)
			}

			stats.Symlinks++
		default:
			e.logger.WithField("name", header.Name).Warn("skipping entry of unsupported type")
			continue
		}

		e.logger.WithField("name", header.Name).Trace("extracted entry")
	}
}

func (e *Extractor) extractFile(r io.Reader, target string, header Header) (_ int64, returnedErr error) {
	file, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm.PrivateFile)
	if err != nil {
		return 0, fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil && returnedErr == nil {
			returnedErr = fmt.Errorf("close file: %w", err)
		}
	}()

	payload := r
	if header.Compression == CompressionZstd {
		if err := e.decoder.Reset(r); err != nil {
			return 0, fmt.Errorf("reset decoder: %w", err)
		}
		payload = e.decoder
	}

	written, err := io.Copy(file, payload)
	if err != nil {
		return written, fmt.Errorf("write content: %w", err)
	}

	if written != header.Size {
		return written, fmt.Errorf("size mismatch: expected %d bytes, got %d", header.Size, written)
	}

	if err := file.Chmod(header.Mode.Perm()); err != nil {
		return written, fmt.Errorf("restore mode: %w", err)
	}

	if err := os.Chtimes(target, header.ModTime, header.ModTime); err != nil {
		return written, fmt.Errorf("restore times: %w", err)
	}

	return written, nil
}

func extractSymlink(destination, target string, header Header) error {
	if path.IsAbs(header.Linkname) {
		return fmt.Errorf("%w: absolute link target %q", ErrPathOutsideRoot, header.Linkname)
	}

	resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(header.Linkname))
	if !within(destination, resolved) {
		return fmt.Errorf("%w: link target %q", ErrPathOutsideRoot, header.Linkname)
	}

	if err := os.Symlink(filepath.FromSlash(header.Linkname), target); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}

	timestamps := []unix.Timeval{
		unix.NsecToTimeval(header.ModTime.UnixNano()),
		unix.NsecToTimeval(header.ModTime.UnixNano()),
	}
	if err := unix.Lutimes(target, timestamps); err != nil {
		return fmt.Errorf("restore symlink times: %w", err)
	}

	return nil
}

// extractionPath maps an archived name to its path below destination.
func extractionPath(destination, name string) (string, error) {
	if path.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute entry name %q", ErrPathOutsideRoot, name)
	}

	target := filepath.Join(destination, filepath.FromSlash(name))
	if !within(destination, target) {
		return "", fmt.Errorf("%w: entry name %q", ErrPathOutsideRoot, name)
	}

	return target, nil
}

// requireNoSymlinks verifies that the directories leading from destination to target are real
// directories. Names and link targets are only checked lexically, an already extracted symbolic
// link on the way would redirect the write outside of destination. Components that don't exist
// yet are created as directories later on and need no check.
func requireNoSymlinks(destination, target string, includeTarget bool) error {
	relative, err := filepath.Rel(destination, target)
	if err != nil {
		return fmt.Errorf("relative path: %w", err)
	}

	if relative == "." {
		return nil
	}

	components := strings.Split(relative, string(filepath.Separator))
	if !includeTarget {
		components = components[:len(components)-1]
	}

	current := destination
	for _, component := range components {
		current = filepath.Join(current, component)

		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}

			return fmt.Errorf("stat parent: %w", err)
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q is a symbolic link", ErrPathOutsideRoot, current)
		}

		if !info.IsDir() {
			return fmt.Errorf("%q is not a directory", current)
		}
	}

	return nil
}

func prepareDestination(destination string) error {
	entries, err := os.ReadDir(destination)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(destination, perm.SharedDir); err != nil {
			return fmt.Errorf("create destination: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read destination: %w", err)
	case len(entries) > 0:
		return fmt.Errorf("destination %q is not empty", destination)
	}

	return nil
}
