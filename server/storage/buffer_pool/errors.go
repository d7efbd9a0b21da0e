package buffer_pool

import "github.com/juju/errors"

var (
	// ErrBadBufferID 传入的句柄不是有效的缓冲区
	ErrBadBufferID = errors.New("bad buffer id")

	// ErrCorruptPage page verification failed and the read mode does not
	// allow zeroing it.
	ErrCorruptPage = errors.New("invalid page in block")

	// ErrUnexpectedDataBeyondEOF a pre-existing non-empty buffer was found
	// past the end of the relation during extension.
	ErrUnexpectedDataBeyondEOF = errors.New("unexpected data beyond EOF")

	// ErrWriteError the storage manager failed to write the page.
	ErrWriteError = errors.New("could not write block")

	// ErrWalFlushError the log flush before a page write failed.
	ErrWalFlushError = errors.New("could not flush WAL before page write")

	// ErrConcurrentPinCountWaiters two sessions asked for a cleanup lock
	// on the same buffer. Programming error in the caller.
	ErrConcurrentPinCountWaiters = errors.New("multiple sessions waiting for cleanup lock")

	// ErrRelationTooLarge extension would pass the largest block number.
	ErrRelationTooLarge = errors.New("cannot extend relation beyond maximum block number")

	// ErrNoUnpinnedBuffers the clock sweep completed a full pass without a
	// candidate: every buffer is pinned.
	ErrNoUnpinnedBuffers = errors.New("no unpinned buffers available")

	// ErrTooManyPrivateRefs a session tried to hold more distinct pinned
	// buffers than the tracker allows.
	ErrTooManyPrivateRefs = errors.New("too many private refs")

	// ErrTempTableAccessForbidden access to another session's temporary
	// relation. Session-local buffers live outside the shared pool.
	ErrTempTableAccessForbidden = errors.New("cannot access temporary tables of other sessions")

	// ErrSnapshotTooOld raised by the old-snapshot check hook.
	ErrSnapshotTooOld = errors.New("snapshot too old")
)

// IsCorruptPage reports whether err is a page verification failure.
func IsCorruptPage(err error) bool {
	return errors.Cause(err) == ErrCorruptPage
}

// IsNoUnpinnedBuffers reports whether err means the pool is fully pinned.
func IsNoUnpinnedBuffers(err error) bool {
	return errors.Cause(err) == ErrNoUnpinnedBuffers
}
