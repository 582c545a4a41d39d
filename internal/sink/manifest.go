package sink

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

// Manifest describes a stored archive.
type Manifest struct {
	// ID uniquely identifies the snapshot.
	ID string `toml:"id"`
	// Archive is the key of the archive the manifest describes.
	Archive string `toml:"archive"`
	// Root is the absolute path of the captured directory.
	Root string `toml:"root"`
	// Revision is the instant the archived tree is consistent with.
	Revision time.Time `toml:"revision"`
	// CreatedAt is when the archive was written.
	CreatedAt time.Time `toml:"created_at"`
	// Passes is the number of capture passes it took to converge.
	Passes int `toml:"passes"`
	// CompressionLevel is the zstd level file payloads are compressed with.
	CompressionLevel int `toml:"compression_level"`
	// Entries counts the archived entries.
	Entries ManifestEntries `toml:"entries"`
}

// ManifestEntries counts the entries of an archive.
type ManifestEntries struct {
	Directories     int   `toml:"directories"`
	Files           int   `toml:"files"`
	Symlinks        int   `toml:"symlinks"`
	DroppedSymlinks int   `toml:"dropped_symlinks"`
	StoredBytes     int64 `toml:"stored_bytes"`
}

// NewManifest returns a manifest for the archive stored at archiveKey with a fresh ID.
func NewManifest(archiveKey string) *Manifest {
	return &Manifest{
		ID:      uuid.NewString(),
		Archive: archiveKey,
	}
}

// ManifestLoader reads and writes manifest files from a Sink. A manifest is stored next to the
// archive it describes.
type ManifestLoader struct {
	sink Sink
}

// NewManifestLoader builds a new ManifestLoader
func NewManifestLoader(sink Sink) ManifestLoader {
	return ManifestLoader{
		sink: sink,
	}
}

// ReadManifest reads the manifest of the archive stored at archiveKey.
func (l ManifestLoader) ReadManifest(ctx context.Context, archiveKey string) (*Manifest, error) {
	f, err := l.sink.GetReader(ctx, ManifestPath(archiveKey))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	defer f.Close()

	var manifest Manifest

	if err := toml.NewDecoder(f).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	return &manifest, nil
}

// WriteManifest writes the manifest next to the archive it describes.
func (l ManifestLoader) WriteManifest(ctx context.Context, manifest *Manifest) error {
	if err := Store(ctx, l.sink, ManifestPath(manifest.Archive), func(w io.Writer) error {
		return toml.NewEncoder(w).Encode(manifest)
	}); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}

	return nil
}

// ManifestPath returns the key of the manifest describing the archive at archiveKey.
func ManifestPath(archiveKey string) string {
	return archiveKey + ".toml"
}
