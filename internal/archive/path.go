package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrPathOutsideRoot is returned for a path that does not lie within the root it is supposed to
// be relative to.
var ErrPathOutsideRoot = errors.New("path outside of root")

// relativePath returns path relative to root. It fails if path does not lie within root.
func relativePath(root, path string) (string, error) {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%w: %q not relative to %q: %w", ErrPathOutsideRoot, path, root, err)
	}

	if !isLocal(relative) {
		return "", fmt.Errorf("%w: %q not within %q", ErrPathOutsideRoot, path, root)
	}

	return relative, nil
}

// within reports whether path lies within root or is root itself. Both paths must be absolute
// and clean.
func within(root, path string) bool {
	relative, err := filepath.Rel(root, path)
	return err == nil && isLocal(relative)
}

// isLocal reports whether the relative path does not escape its base.
func isLocal(relative string) bool {
	return relative != ".." && !strings.HasPrefix(relative, ".."+string(filepath.Separator)) && !filepath.IsAbs(relative)
}
