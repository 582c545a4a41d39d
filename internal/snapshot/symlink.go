package snapshot

import (
	"fmt"
	"io/fs"
	"os"

	"gitlab.com/sit/sit/internal/log"
)

// symlinkRecord is the captured state of a symbolic link. The link target is not resolved while
// capturing, a dangling or changing target must not prevent the link itself from converging.
type symlinkRecord struct {
	path     string
	info     fs.FileInfo
	revision Revision
}

func newSymlinkRecord(c *capturer, path string, target Revision) (*symlinkRecord, error) {
	record := &symlinkRecord{path: path}
	if err := record.visit(c, target); err != nil {
		return nil, err
	}

	return record, nil
}

func (r *symlinkRecord) visit(c *capturer, target Revision) error {
	info, err := os.Lstat(r.path)
	if err != nil {
		return classifyError(r.path, err)
	}

	if info.Mode()&fs.ModeSymlink == 0 {
		return &CaptureError{
			Kind: ConcurrentModification,
			Path: r.path,
			Err:  fmt.Errorf("replaced with %s", info.Mode().Type()),
		}
	}

	if target.Precedes(info.ModTime()) {
		c.logger.WithFields(log.Fields{
			"path":     r.path,
			"revision": target.String(),
		}).Info("symlink modified after revision, will revisit")
		return newModifiedError(r.path, target, info)
	}

	r.info = info
	r.revision = target

	return nil
}

func (r *symlinkRecord) entry() Entry {
	return Entry{
		Path: r.path,
		Type: SymlinkEntry,
		Info: r.info,
	}
}
