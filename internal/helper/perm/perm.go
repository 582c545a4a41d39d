// Package perm provides constants for file and directory permissions.
//
// Note that these permissions are further restricted by the system configured
// umask.
package perm

import (
	"io/fs"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	// PrivateDir is the permissions given for a directory that must only be
	// used by sit.
	PrivateDir fs.FileMode = 0o700

	// SharedDir is the permission given for a directory that may be read
	// outside of sit, for example directories recreated by extract.
	SharedDir fs.FileMode = 0o755

	// PrivateFile is the permissions given for a file that must only be used
	// by sit.
	PrivateFile fs.FileMode = 0o600

	// SharedFile is the permission given for a file that may be read outside
	// of sit. Archives and manifests are written with it.
	SharedFile fs.FileMode = 0o644
)

// Umask represents a umask that is used to mask mode bits.
type Umask int

// Mask applies the mask on the mode.
func (mask Umask) Mask(mode fs.FileMode) fs.FileMode {
	return mode & ^fs.FileMode(mask)
}

var (
	umaskOnce sync.Once
	umask     Umask
)

// GetUmask returns the umask of the process. The umask can only be read by
// setting it, so the value is read once and the original umask restored
// immediately after.
func GetUmask() Umask {
	umaskOnce.Do(func() {
		old := unix.Umask(0)
		unix.Umask(old)
		umask = Umask(old)
	})

	return umask
}
