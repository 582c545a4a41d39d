// Package archive serializes converged snapshots into tar archives and reads them back.
//
// Every regular file inside an archive carries its content compressed with zstd on its own,
// the archive stream itself is not compressed. Each file header records the compression in
// the SIT.compression PAX record and the uncompressed size in SIT.size, so single files can be
// extracted without decompressing anything else.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gitlab.com/sit/sit/internal/log"
	"gitlab.com/sit/sit/internal/snapshot"
)

const (
	// PAXCompression is the PAX record naming the compression of a file's payload.
	PAXCompression = "SIT.compression"
	// PAXSize is the PAX record holding the uncompressed size of a file's payload.
	PAXSize = "SIT.size"
	// CompressionZstd is the value of PAXCompression for zstd payloads.
	CompressionZstd = "zstd"
)

// Stats counts what was written to or read from an archive.
type Stats struct {
	Directories     int
	Files           int
	Symlinks        int
	DroppedSymlinks int
	// Bytes is the number of payload bytes as stored in the archive.
	Bytes int64
}

// TarWriter writes snapshot entries of a single capture root into a tar archive.
type TarWriter struct {
	logger log.Logger
	// root is the absolute capture root every entry must lie within.
	root string
	// resolvedRoot is root with all symbolic links resolved.
	resolvedRoot string
	tw           *tar.Writer
	stats        Stats
}

// NewTarWriter returns a TarWriter writing to out. Entries must lie within root.
func NewTarWriter(logger log.Logger, root string, out io.Writer) *TarWriter {
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		resolvedRoot = root
	}

	return &TarWriter{
		logger:       logger.WithField("root", root),
		root:         root,
		resolvedRoot: resolvedRoot,
		tw:           tar.NewWriter(out),
	}
}

// Stats returns what has been written so far.
func (w *TarWriter) Stats() Stats {
	return w.stats
}

// WriteEntry appends a single entry to the archive. A symbolic link whose target lies outside of
// the root is dropped with a warning. An entry outside of the root fails with
// ErrPathOutsideRoot.
func (w *TarWriter) WriteEntry(entry snapshot.Entry) error {
	relative, err := relativePath(w.root, entry.Path)
	if err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	name := filepath.ToSlash(relative)

	switch entry.Type {
	case snapshot.DirectoryEntry:
		return w.writeDirectory(name, entry)
	case snapshot.FileEntry:
		return w.writeFile(name, entry)
	case snapshot.SymlinkEntry:
		return w.writeSymlink(name, entry)
	default:
		return fmt.Errorf("write entry %q: unsupported type %s", entry.Path, entry.Type)
	}
}

func (w *TarWriter) writeDirectory(name string, entry snapshot.Entry) error {
	header, err := newTarHeader(entry, "")
	if err != nil {
		return err
	}
	header.Name = name + "/"

	if err := w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write directory header %q: %w", name, err)
	}

	w.stats.Directories++
	w.logger.WithField("name", header.Name).Trace("archived directory")

	return nil
}

func (w *TarWriter) writeFile(name string, entry snapshot.Entry) error {
	header, err := newTarHeader(entry, "")
	if err != nil {
		return err
	}
	header.Name = name
	header.Size = int64(len(entry.Content))
	header.PAXRecords = map[string]string{
		PAXCompression: CompressionZstd,
		PAXSize:        strconv.FormatInt(entry.Info.Size(), 10),
	}

	if err := w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write file header %q: %w", name, err)
	}

	if _, err := w.tw.Write(entry.Content); err != nil {
		return fmt.Errorf("write file content %q: %w", name, err)
	}

	w.stats.Files++
	w.stats.Bytes += header.Size
	w.logger.WithFields(log.Fields{
		"name": name,
		"size": header.Size,
	}).Trace("archived file")

	return nil
}

func (w *TarWriter) writeSymlink(name string, entry snapshot.Entry) error {
	linkname, err := w.resolveLink(entry.Path)
	if err != nil {
		if errors.Is(err, ErrPathOutsideRoot) {
			w.stats.DroppedSymlinks++
			w.logger.WithError(err).WithField("name", name).Warn("dropping symlink pointing outside of the snapshot")
			return nil
		}

		return fmt.Errorf("write symlink %q: %w", name, err)
	}

	header, err := newTarHeader(entry, linkname)
	if err != nil {
		return err
	}
	header.Name = name

	if err := w.tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write symlink header %q: %w", name, err)
	}

	w.stats.Symlinks++
	w.logger.WithFields(log.Fields{
		"name":   name,
		"target": linkname,
	}).Trace("archived symlink")

	return nil
}

// resolveLink reads the live target of the symbolic link at path and rewrites it relative to
// the link's directory. Targets outside of the root fail with ErrPathOutsideRoot, including
// targets that only leave the root by going through further symbolic links.
func (w *TarWriter) resolveLink(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		return "", fmt.Errorf("read link: %w", err)
	}

	linkDir := filepath.Dir(path)

	absolute := target
	if !filepath.IsAbs(absolute) {
		absolute = filepath.Join(linkDir, absolute)
	}
	absolute = filepath.Clean(absolute)

	switch {
	case within(w.root, absolute):
	case within(w.resolvedRoot, absolute):
		// Absolute targets may spell out the root with its links resolved.
		relative, err := filepath.Rel(w.resolvedRoot, absolute)
		if err != nil {
			return "", fmt.Errorf("%w: %q: %w", ErrPathOutsideRoot, target, err)
		}
		absolute = filepath.Join(w.root, relative)
	default:
		return "", fmt.Errorf("%w: target %q", ErrPathOutsideRoot, target)
	}

	// Dangling targets can only be checked lexically.
	if resolved, err := filepath.EvalSymlinks(absolute); err == nil && !within(w.resolvedRoot, resolved) {
		return "", fmt.Errorf("%w: target %q resolves to %q", ErrPathOutsideRoot, target, resolved)
	}

	linkname, err := filepath.Rel(linkDir, absolute)
	if err != nil {
		return "", fmt.Errorf("relative link target: %w", err)
	}

	return filepath.ToSlash(linkname), nil
}

// Close flushes the archive. It does not close the underlying writer.
func (w *TarWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}

	return nil
}

func newTarHeader(entry snapshot.Entry, linkname string) (*tar.Header, error) {
	header, err := tar.FileInfoHeader(entry.Info, linkname)
	if err != nil {
		return nil, fmt.Errorf("header for %q: %w", entry.Path, err)
	}

	// PAX keeps sub-second modification times. Access and change times are not part of the
	// snapshot.
	header.Format = tar.FormatPAX
	header.AccessTime = time.Time{}
	header.ChangeTime = time.Time{}

	return header, nil
}

// Write archives all entries of a converged snapshot of root into out.
func Write(logger log.Logger, root string, entries []snapshot.Entry, out io.Writer) (Stats, error) {
	writer := NewTarWriter(logger, root, out)

	for _, entry := range entries {
		if err := writer.WriteEntry(entry); err != nil {
			return writer.Stats(), err
		}
	}

	if err := writer.Close(); err != nil {
		return writer.Stats(), err
	}

	return writer.Stats(), nil
}
