package smgr

import (
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// Space is an open relation fork set: the byte-level block interface the
// buffer pool drives. One Space covers every fork of one relation.
type Space interface {
	// Locator returns the relation addressed by this handle.
	Locator() common.FileLocator

	// Exists reports whether the fork's file exists.
	Exists(fork common.ForkNumber) (bool, error)

	// Create creates the fork's file. isRedo tolerates an existing file.
	Create(fork common.ForkNumber, isRedo bool) error

	// Read fills buf (one page) with block blockNo of the fork.
	Read(fork common.ForkNumber, blockNo common.BlockNumber, buf []byte) error

	// Write stores buf over block blockNo. The block must already exist.
	Write(fork common.ForkNumber, blockNo common.BlockNumber, buf []byte, skipFsync bool) error

	// Extend writes buf as block blockNo, growing the file by one page.
	Extend(fork common.ForkNumber, blockNo common.BlockNumber, buf []byte, skipFsync bool) error

	// ZeroExtend grows the fork by n zero pages starting at first.
	ZeroExtend(fork common.ForkNumber, first common.BlockNumber, n int, skipFsync bool) error

	// Writeback hints the OS to start flushing n blocks from first.
	// Best effort; errors are swallowed.
	Writeback(fork common.ForkNumber, first common.BlockNumber, n int)

	// Prefetch hints the OS to read block blockNo ahead of time.
	// Returns false when the platform offers no such hint.
	Prefetch(fork common.ForkNumber, blockNo common.BlockNumber) bool

	// NBlocks returns the current size of the fork in blocks.
	NBlocks(fork common.ForkNumber) (common.BlockNumber, error)

	// NBlocksCached returns the last size seen by NBlocks without touching
	// the filesystem, or InvalidBlockNumber when no size is cached.
	NBlocksCached(fork common.ForkNumber) common.BlockNumber

	// Truncate cuts the fork down to nblocks blocks.
	Truncate(fork common.ForkNumber, nblocks common.BlockNumber) error

	// Close releases file handles. The Space must not be used afterwards.
	Close() error
}

// SpaceManager opens Spaces. The buffer pool holds one and opens relations
// on demand when flushing buffers whose owning caller is gone.
type SpaceManager interface {
	Open(loc common.FileLocator) (Space, error)
}
