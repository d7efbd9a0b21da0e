package buffer_pool

import (
	"sort"

	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// When invalidating less than 1/32 of the pool and the fork sizes are
// cached, targeted hash lookups beat a full descriptor scan.
const dropLookupDivisor = 32

// Above this many relations a bulk scan switches from linear matching to
// binary search over the sorted locator list.
const relsBsearchThreshold = 20

// DropRelationBuffers throws away every cached block of the given forks
// from firstDelBlocks on. Dirty pages are dropped without writing: the
// caller is about to truncate or delete the underlying files.
func (s *Session) DropRelationBuffers(rel *Relation, forks []common.ForkNumber,
	firstDelBlocks []common.BlockNumber) {

	loc := rel.Space.Locator()

	// 目标块数已知且很少时走哈希查找
	total := int64(0)
	sizesKnown := true
	nBlocks := make([]common.BlockNumber, len(forks))
	for i, f := range forks {
		n := rel.Space.NBlocksCached(f)
		if n == common.InvalidBlockNumber {
			sizesKnown = false
			break
		}
		nBlocks[i] = n
		if n > firstDelBlocks[i] {
			total += int64(n - firstDelBlocks[i])
		}
	}
	if sizesKnown && total < int64(s.pool.nbuffers/dropLookupDivisor) {
		for i, f := range forks {
			for blk := firstDelBlocks[i]; blk < nBlocks[i]; blk++ {
				s.findAndDropBuffer(BufferTag{
					SpaceID: loc.SpaceID, DBID: loc.DBID, RelID: loc.RelID,
					ForkNo: f, BlockNo: blk,
				})
			}
		}
		return
	}

	for i := range s.pool.descriptors {
		desc := &s.pool.descriptors[i]
		// Unlocked pre-check; a false hit is re-verified under the lock,
		// a false miss is impossible for tags installed before the call.
		if desc.tag.Locator() != loc {
			continue
		}
		st := desc.LockHeader()
		match := false
		if st&BUF_TAG_VALID != 0 && desc.tag.Locator() == loc {
			for j, f := range forks {
				if desc.tag.ForkNo == f && desc.tag.BlockNo >= firstDelBlocks[j] {
					match = true
					break
				}
			}
		}
		if match {
			s.invalidateBuffer(desc, st)
		} else {
			desc.UnlockHeader(st)
		}
	}
}

// DropRelationsAllBuffers drops every cached block of every fork of the
// given relations.
func (s *Session) DropRelationsAllBuffers(rels []*Relation) {
	if len(rels) == 0 {
		return
	}
	locs := make([]common.FileLocator, len(rels))
	for i, r := range rels {
		locs[i] = r.Space.Locator()
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Less(locs[j]) })
	useBsearch := len(locs) > relsBsearchThreshold

	for i := range s.pool.descriptors {
		desc := &s.pool.descriptors[i]
		if !matchLocator(locs, desc.tag.Locator(), useBsearch) {
			continue
		}
		st := desc.LockHeader()
		if st&BUF_TAG_VALID != 0 && matchLocator(locs, desc.tag.Locator(), useBsearch) {
			s.invalidateBuffer(desc, st)
		} else {
			desc.UnlockHeader(st)
		}
	}
}

// DropDatabaseBuffers drops every cached block of one database.
func (s *Session) DropDatabaseBuffers(db common.DatabaseID) {
	for i := range s.pool.descriptors {
		desc := &s.pool.descriptors[i]
		if desc.tag.DBID != db {
			continue
		}
		st := desc.LockHeader()
		if st&BUF_TAG_VALID != 0 && desc.tag.DBID == db {
			s.invalidateBuffer(desc, st)
		} else {
			desc.UnlockHeader(st)
		}
	}
}

func matchLocator(sorted []common.FileLocator, loc common.FileLocator, bsearch bool) bool {
	if bsearch {
		i := sort.Search(len(sorted), func(i int) bool { return !sorted[i].Less(loc) })
		return i < len(sorted) && sorted[i] == loc
	}
	for _, l := range sorted {
		if l == loc {
			return true
		}
	}
	return false
}

// findAndDropBuffer invalidates the buffer holding tag, if any.
func (s *Session) findAndDropBuffer(tag BufferTag) {
	hash := tag.Hash()
	partition := s.pool.table.Partition(hash)

	partition.Acquire(contentShared)
	id := s.pool.table.Lookup(tag, hash)
	partition.Release()
	if id < 0 {
		return
	}
	desc := &s.pool.descriptors[id]
	st := desc.LockHeader()
	if desc.tag == tag && st&BUF_TAG_VALID != 0 {
		s.invalidateBuffer(desc, st)
	} else {
		desc.UnlockHeader(st)
	}
}

// invalidateBuffer clears an unpinned buffer's tag and puts it on the free
// list. Entered with the header lock held; retries for as long as other
// sessions hold pins (typically a write in progress).
func (s *Session) invalidateBuffer(desc *BufferDesc, st uint32) {
	retries := 0
	for {
		if st&BUF_TAG_VALID == 0 {
			desc.UnlockHeader(st)
			return
		}
		tag := desc.tag
		desc.UnlockHeader(st)

		hash := tag.Hash()
		partition := s.pool.table.Partition(hash)
		partition.Acquire(contentExclusive)
		st = desc.LockHeader()

		if desc.tag != tag {
			// reused for another block while we juggled locks
			desc.UnlockHeader(st)
			partition.Release()
			st = desc.LockHeader()
			continue
		}
		if BufStateGetRefCount(st) != 0 {
			// Likely a write in progress; wait it out and retry.
			desc.UnlockHeader(st)
			partition.Release()
			retries++
			if retries%64 == 0 {
				logger.Warnf("still trying to invalidate pinned buffer %d holding %s",
					desc.Buffer(), tag.String())
			}
			s.waitIO(desc)
			st = desc.LockHeader()
			continue
		}

		s.pool.table.Delete(tag, hash)
		desc.tag.Clear()
		desc.UnlockHeader(st & BUF_REFCOUNT_MASK)
		partition.Release()
		s.pool.strategy.FreeBuffer(desc)
		return
	}
}

// FlushRelationBuffers writes every dirty cached block of a relation.
func (s *Session) FlushRelationBuffers(rel *Relation) error {
	loc := rel.Space.Locator()
	for i := range s.pool.descriptors {
		desc := &s.pool.descriptors[i]
		if desc.tag.Locator() != loc {
			continue
		}
		if err := s.flushIfMatch(desc, func(tag BufferTag) bool {
			return tag.Locator() == loc
		}); err != nil {
			return err
		}
	}
	s.wb.Issue()
	return nil
}

// FlushRelationsAll writes every dirty cached block of the given relations.
func (s *Session) FlushRelationsAll(rels []*Relation) error {
	if len(rels) == 0 {
		return nil
	}
	locs := make([]common.FileLocator, len(rels))
	for i, r := range rels {
		locs[i] = r.Space.Locator()
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Less(locs[j]) })
	useBsearch := len(locs) > relsBsearchThreshold

	for i := range s.pool.descriptors {
		desc := &s.pool.descriptors[i]
		if !matchLocator(locs, desc.tag.Locator(), useBsearch) {
			continue
		}
		if err := s.flushIfMatch(desc, func(tag BufferTag) bool {
			return matchLocator(locs, tag.Locator(), useBsearch)
		}); err != nil {
			return err
		}
	}
	s.wb.Issue()
	return nil
}

// FlushDatabaseBuffers writes every dirty cached block of one database.
func (s *Session) FlushDatabaseBuffers(db common.DatabaseID) error {
	for i := range s.pool.descriptors {
		desc := &s.pool.descriptors[i]
		if desc.tag.DBID != db {
			continue
		}
		if err := s.flushIfMatch(desc, func(tag BufferTag) bool {
			return tag.DBID == db
		}); err != nil {
			return err
		}
	}
	s.wb.Issue()
	return nil
}

// flushIfMatch re-checks the predicate under the header lock, then pins,
// share-locks and flushes a valid dirty buffer.
func (s *Session) flushIfMatch(desc *BufferDesc, match func(BufferTag) bool) error {
	s.reservePrivateRef()
	st := desc.LockHeader()
	if st&BUF_TAG_VALID == 0 || !match(desc.tag) ||
		st&BUF_VALID == 0 || st&BUF_DIRTY == 0 {
		desc.UnlockHeader(st)
		return nil
	}
	s.pinBufferLocked(desc)
	desc.contentLock.Acquire(contentShared)
	err := s.flushBuffer(desc, nil, WriteSourceBackend, s.wb)
	desc.contentLock.Release()
	s.releaseDesc(desc)
	return err
}
