package buffer_pool

import (
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// PrefetchResult tells the caller what PrefetchBuffer achieved.
type PrefetchResult struct {
	// RecentBuffer is a handle the block was already cached in. Not
	// pinned; confirm with ReadRecentBuffer before use.
	RecentBuffer Buffer

	// InitiatedIO is true when a read-ahead hint was issued.
	InitiatedIO bool
}

// PrefetchBuffer hints the OS to read a block the caller will want soon.
// Best effort: on platforms without an async hint, or with direct I/O for
// data, it does nothing.
func (s *Session) PrefetchBuffer(rel *Relation, fork common.ForkNumber,
	blockNo common.BlockNumber) PrefetchResult {

	loc := rel.Space.Locator()
	tag := BufferTag{SpaceID: loc.SpaceID, DBID: loc.DBID, RelID: loc.RelID,
		ForkNo: fork, BlockNo: blockNo}
	hash := tag.Hash()
	partition := s.pool.table.Partition(hash)

	partition.Acquire(contentShared)
	id := s.pool.table.Lookup(tag, hash)
	partition.Release()
	if id >= 0 {
		return PrefetchResult{RecentBuffer: Buffer(id + 1)}
	}

	if s.pool.cfg.hintsDisabled() || s.pool.cfg.EffectiveIOConcurrency <= 0 {
		return PrefetchResult{}
	}
	return PrefetchResult{InitiatedIO: rel.Space.Prefetch(fork, blockNo)}
}
