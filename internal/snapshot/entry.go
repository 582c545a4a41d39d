package snapshot

import "io/fs"

// EntryType is the payload variant of an Entry.
type EntryType int

const (
	// DirectoryEntry marks a directory. It carries no payload.
	DirectoryEntry EntryType = iota + 1
	// FileEntry marks a regular file. Its payload is the zstd-compressed content.
	FileEntry
	// SymlinkEntry marks a symbolic link. The link target is read when the entry is archived.
	SymlinkEntry
)

// String returns the name of the entry type.
func (t EntryType) String() string {
	switch t {
	case DirectoryEntry:
		return "directory"
	case FileEntry:
		return "file"
	case SymlinkEntry:
		return "symlink"
	default:
		return "unknown"
	}
}

// Entry is a single archive-ready object of a converged snapshot.
type Entry struct {
	// Path is the absolute path of the object. It always lies within the capture root.
	Path string
	// Type is the payload variant of the entry.
	Type EntryType
	// Info is the file system metadata as of the snapshot's revision.
	Info fs.FileInfo
	// Content is the independently zstd-compressed file content. It is only set for files.
	Content []byte
}
