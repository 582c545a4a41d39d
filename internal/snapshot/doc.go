// Package snapshot captures a directory tree that may be modified concurrently by other
// processes into a flat list of entries that all reflect a single point in time.
//
// Capturing never locks the source tree. Each pass over the tree is fenced by a Revision: any
// file, symbolic link or directory observed with a modification time after the fence means the
// pass saw a torn state, and the whole pass is retried with a later fence. Records captured by
// earlier passes are kept, so a retry only re-reads the files that actually changed. A capture
// fails with ErrIterationBoundExceeded when no pass converges within the configured number of
// retries.
package snapshot
