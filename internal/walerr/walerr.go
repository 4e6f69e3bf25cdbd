// Package walerr defines the error-kind taxonomy shared across the
// replication core (spec §7). Components construct these as sentinels or
// wrap them with fmt.Errorf("%w: ...", ...); callers use errors.Is to
// branch on kind the way the teacher's types.ErrNotFound/ErrCorrupt/
// ErrSealed/ErrClosed sentinels are used.
package walerr

import "errors"

var (
	// ErrFormat: malformed frame/segment/index; fatal for that artifact.
	ErrFormat = errors.New("walerr: format error")

	// ErrChecksum: chained checksum mismatch during restore; logged and
	// skipped, subsequent frames are no longer checksum-verified for that
	// restore.
	ErrChecksum = errors.New("walerr: checksum error")

	// ErrIoWrite: failure to persist to local or remote storage during a
	// write path; aborts the current write transaction.
	ErrIoWrite = errors.New("walerr: io write error")

	// ErrIoRead: transient read failure; retried by the caller.
	ErrIoRead = errors.New("walerr: io read error")

	// ErrBusy: write slot contended beyond txn_timeout for the holder;
	// signals the caller to retry.
	ErrBusy = errors.New("walerr: busy")

	// ErrStaleRead: queue-sync event invalidated an in-flight acquire;
	// caller retries from a fresh read point.
	ErrStaleRead = errors.New("walerr: stale read")

	// ErrNotAuthorized is surfaced by an external collaborator; the core
	// never returns it itself but recognizes it for propagation purposes.
	ErrNotAuthorized = errors.New("walerr: not authorized")

	// ErrFatal: corrupted persisted metadata (bad hash, impossible frame
	// numbers); the process must refuse to open the database.
	ErrFatal = errors.New("walerr: fatal")
)
