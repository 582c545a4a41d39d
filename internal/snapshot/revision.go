package snapshot

import "time"

// Clock returns the current wall-clock time. It is used to generate the fence of each pass.
type Clock func() time.Time

// Revision is the instant a capture pass claims to represent. Every captured record is stamped
// with the revision it was last confirmed unchanged at.
type Revision struct {
	instant time.Time
}

// NewRevision returns the revision for the given instant. The monotonic clock reading is
// stripped as revisions are compared against file system timestamps.
func NewRevision(instant time.Time) Revision {
	return Revision{instant: instant.Round(0)}
}

// Time returns the instant of the revision.
func (r Revision) Time() time.Time {
	return r.instant
}

// IsZero reports whether the revision was never set.
func (r Revision) IsZero() bool {
	return r.instant.IsZero()
}

// Equal reports whether both revisions represent the same instant.
func (r Revision) Equal(other Revision) bool {
	return r.instant.Equal(other.instant)
}

// After reports whether r is strictly later than other.
func (r Revision) After(other Revision) bool {
	return r.instant.After(other.instant)
}

// Precedes reports whether the revision lies strictly before the given modification time, that
// is whether the object was modified after the fence.
func (r Revision) Precedes(modTime time.Time) bool {
	return modTime.After(r.instant)
}

// String formats the revision with nanosecond precision.
func (r Revision) String() string {
	return r.instant.Format(time.RFC3339Nano)
}
