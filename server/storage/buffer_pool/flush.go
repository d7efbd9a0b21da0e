package buffer_pool

import (
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
	"github.com/zhukovaskychina/xstore-server/server/storage/smgr"
)

// MarkDirty marks a pinned, exclusively content-locked buffer as modified.
// BUF_JUST_DIRTIED is set too so a write racing with us keeps the page
// dirty.
func (s *Session) MarkDirty(b Buffer) error {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return err
	}
	old := desc.state.Load()
	for {
		if old&BUF_LOCKED != 0 {
			old = desc.WaitHeaderUnlocked()
			continue
		}
		if BufStateGetRefCount(old) == 0 {
			return errors.Annotatef(ErrBadBufferID, "mark dirty of unpinned buffer %d", b)
		}
		if old&(BUF_DIRTY|BUF_JUST_DIRTIED) == BUF_DIRTY|BUF_JUST_DIRTIED {
			return nil
		}
		if desc.state.CompareAndSwap(old, old|BUF_DIRTY|BUF_JUST_DIRTIED) {
			if old&BUF_DIRTY == 0 {
				s.BlocksDirtied++
				s.pool.stats.RecordDirtied()
			}
			return nil
		}
		old = desc.state.Load()
	}
}

// MarkDirtyHint is the weak variant for hint-bit updates done under a share
// lock. With checksums on a permanent buffer it first logs a full page
// image, or a torn write could produce a page that fails verification.
// In recovery it does nothing when such an image would be needed; in every
// other case it sets the dirty bits as usual.
func (s *Session) MarkDirtyHint(b Buffer, isStandardLayout bool) error {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return err
	}
	st := desc.state.Load()
	if st&(BUF_DIRTY|BUF_JUST_DIRTIED) == BUF_DIRTY|BUF_JUST_DIRTIED {
		return nil
	}

	page := s.pool.pageOf(desc)
	lsn := common.InvalidLSN
	delayed := false
	if s.pool.cfg.DataChecksums && st&BUF_PERMANENT != 0 && st&BUF_DIRTY == 0 {
		if s.pool.walMgr.InRecovery() {
			return nil
		}
		// The checkpoint must not complete between this record and the
		// dirty bit below, or the image would be lost to a crash.
		s.pool.beginDelayCheckpoint()
		delayed = true
		lsn, err = s.pool.walMgr.LogFullPageImage(desc.tag.SpaceID, desc.tag.DBID,
			desc.tag.RelID, desc.tag.ForkNo, desc.tag.BlockNo, page)
		if err != nil {
			s.pool.endDelayCheckpoint()
			return errors.Annotate(err, "log full page image for hint")
		}
		_ = isStandardLayout
	}

	stLocked := desc.LockHeader()
	if BufStateGetRefCount(stLocked) == 0 {
		desc.UnlockHeader(stLocked)
		if delayed {
			s.pool.endDelayCheckpoint()
		}
		return errors.Annotatef(ErrBadBufferID, "hint on unpinned buffer %d", b)
	}
	if stLocked&BUF_DIRTY == 0 {
		s.BlocksDirtied++
		s.pool.stats.RecordDirtied()
		if lsn != common.InvalidLSN {
			pageSetLSN(page, lsn)
		}
	}
	desc.UnlockHeader(stLocked | BUF_DIRTY | BUF_JUST_DIRTIED)
	if delayed {
		s.pool.endDelayCheckpoint()
	}
	return nil
}

// FlushOneBuffer writes a pinned buffer the caller has content-locked.
func (s *Session) FlushOneBuffer(b Buffer) error {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return err
	}
	return s.flushBuffer(desc, nil, WriteSourceBackend, s.wb)
}

// flushBuffer writes one buffer out, honoring the write-ahead rule. The
// caller holds a pin and at least a share content lock. A false return from
// the I/O claim means somebody else already wrote it.
func (s *Session) flushBuffer(desc *BufferDesc, space smgr.Space,
	source WriteSource, wb *WritebackContext) error {

	if !s.startBufferIO(desc, false) {
		return nil
	}

	// Capture the LSN and clear BUF_JUST_DIRTIED: changes from here on
	// keep the dirty bit across our terminate.
	st := desc.LockHeader()
	lsn := pageGetLSN(s.pool.pageOf(desc))
	desc.UnlockHeader(st &^ BUF_JUST_DIRTIED)

	// WAL before data. Only permanent relations carry meaningful LSNs.
	if st&BUF_PERMANENT != 0 {
		if err := s.pool.walMgr.FlushUpTo(lsn); err != nil {
			s.AbortBufferIO()
			return errors.Wrap(err, ErrWalFlushError)
		}
	}

	page := s.pool.pageOf(desc)
	out := page
	if s.pool.cfg.DataChecksums {
		// Hint-bit setters may scribble on the shared page under a share
		// lock while we write; checksum a private copy instead.
		copy(s.scratch, page)
		pageSetChecksum(s.scratch, pageCalcChecksum(s.scratch))
		out = s.scratch
	}

	if space == nil {
		sp, err := s.pool.spaceMgr.Open(desc.tag.Locator())
		if err != nil {
			s.AbortBufferIO()
			return errors.Annotatef(err, "open relation %s for flush", desc.tag.String())
		}
		space = sp
	}

	start := time.Time{}
	if s.pool.cfg.TrackIOTiming {
		start = time.Now()
	}
	if err := space.Write(desc.tag.ForkNo, desc.tag.BlockNo, out, false); err != nil {
		logger.Errorf("could not write block %d of %s: %v", desc.tag.BlockNo, desc.tag.String(), err)
		s.AbortBufferIO()
		return errors.Wrap(err, ErrWriteError)
	}
	if !start.IsZero() {
		s.pool.stats.RecordIOTime(false, time.Since(start))
	}
	s.pool.stats.RecordWrite(source)

	s.terminateBufferIO(desc, true, 0)

	if wb != nil {
		wb.Schedule(desc.tag)
	}
	return nil
}
