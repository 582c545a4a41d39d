package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gitlab.com/sit/sit/internal/log"
)

// directoryNode is the captured state of a directory and, recursively, everything below it.
// Child records are cached across passes while the listing itself is read again on every pass
// so additions and removals are noticed. A child that vanished from the listing stays in the
// cache but is never visited or compiled again.
type directoryNode struct {
	path string
	// followSymlink is only set for the capture root, which may be given as a link to the
	// directory to capture. Any other directory that turns out to be a link was replaced.
	followSymlink bool
	info          fs.FileInfo
	revision      Revision

	files       map[string]*fileRecord
	directories map[string]*directoryNode
	symlinks    map[string]*symlinkRecord
}

func newDirectoryNode(path string) *directoryNode {
	return &directoryNode{
		path:        path,
		files:       make(map[string]*fileRecord),
		directories: make(map[string]*directoryNode),
		symlinks:    make(map[string]*symlinkRecord),
	}
}

// visit brings the directory and its whole sub-tree up to date as of target. The first failure
// aborts the rest of the pass over this directory. The node's revision is only stamped once every
// listed entry was confirmed at target.
func (d *directoryNode) visit(c *capturer, target Revision) (returnedErr error) {
	info, err := d.stat()
	if err != nil {
		return err
	}

	if target.Precedes(info.ModTime()) {
		c.logger.WithFields(log.Fields{
			"path":     d.path,
			"revision": target.String(),
		}).Info("directory modified after revision, will revisit")
		return newModifiedError(d.path, target, info)
	}

	d.info = info

	listing, err := os.ReadDir(d.path)
	if err != nil {
		return classifyError(d.path, fmt.Errorf("read dir: %w", err))
	}

	var subtrees subtreeGroup
	defer func() {
		returnedErr = preferFatal(returnedErr, subtrees.wait())
		if returnedErr == nil {
			returnedErr = d.confirm(target)
		}
		if returnedErr == nil {
			d.revision = target
		}
	}()

	for _, dirEntry := range listing {
		if subtrees.failed() {
			return nil
		}

		path := filepath.Join(d.path, dirEntry.Name())

		switch mode := dirEntry.Type(); {
		case mode.IsDir():
			node, ok := d.directories[path]
			if !ok {
				node = newDirectoryNode(path)
				d.directories[path] = node
			}

			if err := subtrees.visit(c, node, target); err != nil {
				return err
			}
		case mode.IsRegular():
			if record, ok := d.files[path]; ok {
				if err := record.visit(c, target); err != nil {
					return err
				}
				continue
			}

			record, err := newFileRecord(c, path, target)
			if err != nil {
				return err
			}
			d.files[path] = record
		case mode&fs.ModeSymlink != 0:
			if record, ok := d.symlinks[path]; ok {
				if err := record.visit(c, target); err != nil {
					return err
				}
				continue
			}

			record, err := newSymlinkRecord(c, path, target)
			if err != nil {
				return err
			}
			d.symlinks[path] = record
		default:
			c.metrics.skippedEntriesTotal.Inc()
			c.logger.WithFields(log.Fields{
				"path": path,
				"type": mode.String(),
			}).Info("skipping unsupported file type")
		}
	}

	return nil
}

// stat returns the directory's metadata without following a symbolic link in its place. The
// listing is read by path, so a directory swapped for a link would otherwise pull in content from
// outside the captured tree.
func (d *directoryNode) stat() (fs.FileInfo, error) {
	stat := os.Lstat
	if d.followSymlink {
		stat = os.Stat
	}

	info, err := stat(d.path)
	if err != nil {
		return nil, classifyError(d.path, err)
	}

	if !info.IsDir() {
		return nil, &CaptureError{
			Kind: ConcurrentModification,
			Path: d.path,
			Err:  fmt.Errorf("replaced with %s", info.Mode().Type()),
		}
	}

	return info, nil
}

// confirm checks that the directory visited is still the one that was listed and that it was
// not modified while its children were visited. Children are looked up by path, which is only
// sound while every directory on the way is unchanged.
func (d *directoryNode) confirm(target Revision) error {
	info, err := d.stat()
	if err != nil {
		return err
	}

	if !os.SameFile(info, d.info) {
		return &CaptureError{
			Kind: ConcurrentModification,
			Path: d.path,
			Err:  errors.New("replaced while visiting"),
		}
	}

	if target.Precedes(info.ModTime()) {
		return newModifiedError(d.path, target, info)
	}

	return nil
}

// compile appends the entries of the sub-tree confirmed at target. Nodes and records stamped
// with any other revision are left out together with everything below them. The directory comes
// first, followed by its files, its sub-directories and finally its symbolic links, each group
// ordered by path.
func (d *directoryNode) compile(logger log.Logger, target Revision, entries []Entry) []Entry {
	if !d.revision.Equal(target) {
		logger.WithFields(log.Fields{
			"path":     d.path,
			"revision": d.revision.String(),
			"target":   target.String(),
		}).Debug("skipping directory not confirmed at target revision")
		return entries
	}

	entries = append(entries, Entry{
		Path: d.path,
		Type: DirectoryEntry,
		Info: d.info,
	})

	for _, path := range sortedKeys(d.files) {
		record := d.files[path]
		if !record.revision.Equal(target) {
			logger.WithField("path", path).Debug("skipping file not confirmed at target revision")
			continue
		}
		entries = append(entries, record.entry())
	}

	for _, path := range sortedKeys(d.directories) {
		entries = d.directories[path].compile(logger, target, entries)
	}

	for _, path := range sortedKeys(d.symlinks) {
		record := d.symlinks[path]
		if !record.revision.Equal(target) {
			logger.WithField("path", path).Debug("skipping symlink not confirmed at target revision")
			continue
		}
		entries = append(entries, record.entry())
	}

	return entries
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// subtreeGroup visits sub-directories of a single directory. When the capturer has free slots a
// sub-tree is visited on its own goroutine, otherwise it is visited inline. Sibling sub-trees
// share no state, each node's caches are only ever touched by the goroutine visiting it.
type subtreeGroup struct {
	wg    sync.WaitGroup
	mutex sync.Mutex
	errs  []error
}

func (g *subtreeGroup) visit(c *capturer, node *directoryNode, target Revision) error {
	if c.slots == nil || !c.slots.TryAcquire(1) {
		return node.visit(c, target)
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer c.slots.Release(1)

		if err := node.visit(c, target); err != nil {
			g.mutex.Lock()
			g.errs = append(g.errs, err)
			g.mutex.Unlock()
		}
	}()

	return nil
}

// failed reports whether a concurrently visited sub-tree has failed already, in which case no
// further entries need to be visited.
func (g *subtreeGroup) failed() bool {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return len(g.errs) > 0
}

func (g *subtreeGroup) wait() error {
	g.wg.Wait()
	return preferFatal(g.errs...)
}
