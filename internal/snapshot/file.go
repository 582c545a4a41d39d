package snapshot

import (
	"io/fs"
	"os"
)

// fileRecord is the captured state of a regular file. Records are kept across passes so that
// unchanged files are not read again.
type fileRecord struct {
	path string
	info fs.FileInfo
	// revision is the revision the content was last confirmed at.
	revision Revision
	// content is the compressed file content as of revision. It is nil until the file has been
	// captured successfully.
	content []byte
}

func newFileRecord(c *capturer, path string, target Revision) (*fileRecord, error) {
	record := &fileRecord{path: path}
	if err := record.visit(c, target); err != nil {
		return nil, err
	}

	return record, nil
}

// visit brings the record up to date with the file as of target.
func (r *fileRecord) visit(c *capturer, target Revision) error {
	logger := c.logger.WithField("path", r.path)

	info, err := os.Lstat(r.path)
	if err != nil {
		return classifyError(r.path, err)
	}

	if err := requireRegular(r.path, info); err != nil {
		return err
	}

	if target.Precedes(info.ModTime()) {
		logger.WithField("revision", target.String()).Info("file modified after revision, will revisit")
		return newModifiedError(r.path, target, info)
	}

	// The file was last written before the revision it was captured at, so the captured
	// content is still current.
	if r.content != nil && info.ModTime().Before(r.revision.Time()) {
		c.metrics.cacheHitsTotal.Inc()
		logger.Debug("file unchanged since last capture")
		r.revision = target
		return nil
	}

	info, content, err := c.readContent(r.path, target)
	if err != nil {
		return err
	}

	r.info = info
	r.content = content
	r.revision = target
	logger.WithField("compressed_size", len(content)).Trace("captured file")

	return nil
}

func (r *fileRecord) entry() Entry {
	return Entry{
		Path:    r.path,
		Type:    FileEntry,
		Info:    r.info,
		Content: r.content,
	}
}
