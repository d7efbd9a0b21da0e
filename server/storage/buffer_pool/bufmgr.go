package buffer_pool

import (
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// ReadMode tells ReadBufferExtended what to do on a miss or a bad page.
type ReadMode int

const (
	// RBM_NORMAL reads the block and fails on a corrupt page.
	RBM_NORMAL ReadMode = iota

	// RBM_NORMAL_NO_LOG is RBM_NORMAL without WAL side effects in
	// recovery. The pool treats it like RBM_NORMAL.
	RBM_NORMAL_NO_LOG

	// RBM_ZERO_ON_ERROR zeroes the page on corruption with a warning.
	RBM_ZERO_ON_ERROR

	// RBM_ZERO_AND_LOCK skips the read, zeroes the page, and returns it
	// content-locked exclusively.
	RBM_ZERO_AND_LOCK

	// RBM_ZERO_AND_CLEANUP_LOCK is RBM_ZERO_AND_LOCK with cleanup
	// strength.
	RBM_ZERO_AND_CLEANUP_LOCK
)

// Content-lock modes for LockBuffer.
type BufferLockMode int

const (
	BUFFER_LOCK_UNLOCK BufferLockMode = iota
	BUFFER_LOCK_SHARE
	BUFFER_LOCK_EXCLUSIVE
)

// ioClaim records an I/O this session has started and not yet terminated.
type ioClaim struct {
	desc     *BufferDesc
	forInput bool
}

// ReadBuffer reads a block in RBM_NORMAL mode with the default strategy.
func (s *Session) ReadBuffer(rel *Relation, blockNo common.BlockNumber) (Buffer, error) {
	return s.ReadBufferExtended(rel, common.FORK_MAIN, blockNo, RBM_NORMAL, nil)
}

// ReadBufferExtended returns a pinned buffer holding the requested block,
// reading it from the storage manager on a miss.
func (s *Session) ReadBufferExtended(rel *Relation, fork common.ForkNumber,
	blockNo common.BlockNumber, mode ReadMode, strategy *AccessStrategy) (Buffer, error) {

	if rel == nil || rel.Space == nil {
		return InvalidBuffer, errors.New("relation has no open storage")
	}
	if blockNo == P_NEW {
		// 旧式扩展路径
		_, bufs, err := s.ExtendBufferedRelBy(rel, fork, strategy, 0, 1, common.InvalidBlockNumber)
		if err != nil {
			return InvalidBuffer, err
		}
		return bufs[0], nil
	}

	loc := rel.Space.Locator()
	tag := BufferTag{
		SpaceID: loc.SpaceID, DBID: loc.DBID, RelID: loc.RelID,
		ForkNo: fork, BlockNo: blockNo,
	}

	desc, found, err := s.bufferAlloc(rel, tag, strategy)
	if err != nil {
		return InvalidBuffer, err
	}

	if found {
		s.pool.stats.RecordRead(true)
		switch mode {
		case RBM_ZERO_AND_LOCK:
			desc.contentLock.Acquire(contentExclusive)
		case RBM_ZERO_AND_CLEANUP_LOCK:
			if err := s.LockBufferForCleanup(desc.Buffer()); err != nil {
				s.ReleaseBuffer(desc.Buffer())
				return InvalidBuffer, err
			}
		}
		return desc.Buffer(), nil
	}

	// Miss: we own the input I/O on desc.
	s.pool.stats.RecordRead(false)
	page := s.pool.pageOf(desc)

	if mode == RBM_ZERO_AND_LOCK || mode == RBM_ZERO_AND_CLEANUP_LOCK {
		zeroPage(page)
		// 标记VALID之前先拿内容锁，避免他人看到半初始化页面
		desc.contentLock.Acquire(contentExclusive)
	} else {
		start := time.Time{}
		if s.pool.cfg.TrackIOTiming {
			start = time.Now()
		}
		if err := rel.Space.Read(fork, blockNo, page); err != nil {
			s.AbortBufferIO()
			s.ReleaseBuffer(desc.Buffer())
			return InvalidBuffer, errors.Annotatef(err, "read block %d of %s", blockNo, tag.String())
		}
		if !start.IsZero() {
			s.pool.stats.RecordIOTime(true, time.Since(start))
		}
		if !verifyPage(s.pool.cfg, page) {
			if mode == RBM_ZERO_ON_ERROR || s.pool.cfg.ZeroDamagedPages {
				logger.Warnf("invalid page in block %d of %s; zeroing out page", blockNo, tag.String())
				zeroPage(page)
			} else {
				s.AbortBufferIO()
				s.ReleaseBuffer(desc.Buffer())
				return InvalidBuffer, errors.Annotatef(ErrCorruptPage, "block %d of %s", blockNo, tag.String())
			}
		}
	}

	s.terminateBufferIO(desc, false, BUF_VALID)
	return desc.Buffer(), nil
}

// bufferAlloc finds or installs the descriptor for tag. On found=true the
// buffer is pinned and valid. On found=false the buffer is pinned and this
// session owns the input I/O on it.
func (s *Session) bufferAlloc(rel *Relation, tag BufferTag, strategy *AccessStrategy) (*BufferDesc, bool, error) {
	hash := tag.Hash()
	partition := s.pool.table.Partition(hash)

	// 先查映射表
	s.reservePrivateRef()
	partition.Acquire(contentShared)
	if id := s.pool.table.Lookup(tag, hash); id >= 0 {
		desc := &s.pool.descriptors[id]
		valid := s.pinBuffer(desc, strategy)
		partition.Release()
		if valid {
			return desc, true, nil
		}
		// Not valid: either a concurrent read is in flight or a previous
		// attempt failed. Whoever wins StartBufferIO retries the read.
		if !s.startBufferIO(desc, true) {
			return desc, true, nil
		}
		return desc, false, nil
	}
	partition.Release()

	// Miss: grab a victim, then race to install the tag.
	for {
		desc, err := s.acquireVictim(strategy)
		if err != nil {
			return nil, false, err
		}

		partition.Acquire(contentExclusive)
		if existing := s.pool.table.Insert(tag, hash, desc.bufID); existing >= 0 {
			// Lost the race: somebody installed the tag first.
			exDesc := &s.pool.descriptors[existing]
			s.reservePrivateRef()
			valid := s.pinBuffer(exDesc, strategy)
			partition.Release()
			s.releaseDesc(desc)
			if valid {
				return exDesc, true, nil
			}
			if !s.startBufferIO(exDesc, true) {
				return exDesc, true, nil
			}
			return exDesc, false, nil
		}

		// We inserted: stamp the tag under the header spinlock.
		st := desc.LockHeader()
		desc.tag = tag
		newSt := (st & (BUF_REFCOUNT_MASK | BUF_LOCKED)) | BUF_TAG_VALID | BUF_USAGE_ONE
		if rel.Permanent || tag.ForkNo == common.FORK_INIT {
			newSt |= BUF_PERMANENT
		}
		desc.UnlockHeader(newSt)
		partition.Release()

		if !s.startBufferIO(desc, true) {
			return desc, true, nil
		}
		return desc, false, nil
	}
}

// acquireVictim returns a pinned, tag-free, clean descriptor ready to take
// a new tag. It may write out a dirty victim on the way.
func (s *Session) acquireVictim(strategy *AccessStrategy) (*BufferDesc, error) {
	for {
		s.reservePrivateRef()
		desc, _, err := s.pool.strategy.getVictimBuffer(s.pool, strategy)
		if err != nil {
			return nil, err
		}
		// header is locked, refcount is 0
		flags := desc.state.Load()
		s.pinBufferLocked(desc)

		if flags&BUF_DIRTY != 0 {
			if strategy != nil {
				// Evicting a ring buffer that needs a WAL flush would
				// stall the bulk scan; put it back on the shared sweep.
				st := desc.LockHeader()
				lsn := pageGetLSN(s.pool.pageOf(desc))
				desc.UnlockHeader(st)
				if s.pool.walMgr.NeedsFlush(lsn) && strategy.RejectBuffer(desc) {
					s.releaseDesc(desc)
					continue
				}
			}
			// Somebody holding the content lock is likely still using the
			// page; prefer another victim over waiting.
			if !desc.contentLock.ConditionalAcquire(contentShared) {
				s.releaseDesc(desc)
				continue
			}
			err := s.flushBuffer(desc, nil, WriteSourceBackend, s.wb)
			desc.contentLock.Release()
			if err != nil {
				s.releaseDesc(desc)
				return nil, err
			}
		}

		if flags&BUF_TAG_VALID != 0 {
			if !s.invalidateVictim(desc) {
				s.releaseDesc(desc)
				continue
			}
		}
		return desc, nil
	}
}

// invalidateVictim removes our pinned victim's old tag from the mapping.
// Fails (returns false) when another session pinned or re-dirtied it first.
func (s *Session) invalidateVictim(desc *BufferDesc) bool {
	tag := desc.tag
	hash := tag.Hash()
	partition := s.pool.table.Partition(hash)

	partition.Acquire(contentExclusive)
	st := desc.LockHeader()
	if BufStateGetRefCount(st) != 1 || st&(BUF_DIRTY|BUF_JUST_DIRTIED) != 0 {
		desc.UnlockHeader(st)
		partition.Release()
		return false
	}
	s.pool.table.Delete(tag, hash)
	desc.tag.Clear()
	desc.UnlockHeader(st & (BUF_REFCOUNT_MASK | BUF_LOCKED))
	partition.Release()
	return true
}

// pinBuffer takes one pin, bumping the usage count per the strategy's
// policy, and reports whether the buffer was valid at pin time. The caller
// must have reserved a private ref slot.
func (s *Session) pinBuffer(desc *BufferDesc, strategy *AccessStrategy) bool {
	b := desc.Buffer()
	if s.privateRefGet(b) > 0 {
		s.privateRefInc(b)
		s.owner.RememberBuffer(b)
		return desc.state.Load()&BUF_VALID != 0
	}

	var valid bool
	old := desc.state.Load()
	for {
		if old&BUF_LOCKED != 0 {
			old = desc.WaitHeaderUnlocked()
			continue
		}
		newSt := old + BUF_REFCOUNT_ONE
		if strategy == nil {
			if BufStateGetUsageCount(old) < BUF_MAX_USAGE_COUNT {
				newSt += BUF_USAGE_ONE
			}
		} else if BufStateGetUsageCount(old) == 0 {
			// 环策略最多把usage抬到1，好让全局时钟尽快回收
			newSt += BUF_USAGE_ONE
		}
		if desc.state.CompareAndSwap(old, newSt) {
			valid = old&BUF_VALID != 0
			break
		}
		old = desc.state.Load()
	}
	s.privateRefInc(b)
	s.owner.RememberBuffer(b)
	return valid
}

// pinBufferLocked pins a buffer whose header lock the caller holds with
// refcount 0, releasing the header lock. No usage bump: the victim paths
// set usage themselves.
func (s *Session) pinBufferLocked(desc *BufferDesc) {
	st := desc.state.Load()
	desc.UnlockHeader(st + BUF_REFCOUNT_ONE)
	s.privateRefInc(desc.Buffer())
	s.owner.RememberBuffer(desc.Buffer())
}

// unpinBuffer drops one private pin and, on the last one, the shared pin.
// Wakes a cleanup-lock waiter left alone with the buffer.
func (s *Session) unpinBuffer(desc *BufferDesc) {
	b := desc.Buffer()
	if s.privateRefDec(b) > 0 {
		return
	}
	old := desc.state.Load()
	for {
		if old&BUF_LOCKED != 0 {
			old = desc.WaitHeaderUnlocked()
			continue
		}
		if desc.state.CompareAndSwap(old, old-BUF_REFCOUNT_ONE) {
			old = old - BUF_REFCOUNT_ONE
			break
		}
		old = desc.state.Load()
	}
	if old&BUF_PIN_COUNT_WAITER != 0 && BufStateGetRefCount(old) == 1 {
		st := desc.LockHeader()
		if st&BUF_PIN_COUNT_WAITER != 0 && BufStateGetRefCount(st) == 1 {
			waiter := desc.waitBackendID
			desc.UnlockHeader(st &^ BUF_PIN_COUNT_WAITER)
			if sess := s.pool.sessionByID(waiter); sess != nil {
				select {
				case sess.wakeup <- struct{}{}:
				default:
				}
			}
		} else {
			desc.UnlockHeader(st)
		}
	}
}

// releaseDesc forgets the resource-owner entry and unpins.
func (s *Session) releaseDesc(desc *BufferDesc) {
	s.owner.ForgetBuffer(desc.Buffer())
	s.unpinBuffer(desc)
}

// ReleaseBuffer drops one pin on b.
func (s *Session) ReleaseBuffer(b Buffer) error {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return err
	}
	s.releaseDesc(desc)
	return nil
}

// UnlockReleaseBuffer releases the content lock and then the pin.
func (s *Session) UnlockReleaseBuffer(b Buffer) error {
	if err := s.LockBuffer(b, BUFFER_LOCK_UNLOCK); err != nil {
		return err
	}
	return s.ReleaseBuffer(b)
}

// IncrRefCount adds another private pin to an already pinned buffer.
func (s *Session) IncrRefCount(b Buffer) error {
	if _, err := s.pool.descFor(b); err != nil {
		return err
	}
	if s.privateRefGet(b) == 0 {
		return errors.Annotatef(ErrBadBufferID, "buffer %d is not pinned", b)
	}
	s.reservePrivateRef()
	s.privateRefInc(b)
	s.owner.RememberBuffer(b)
	return nil
}

// LockBuffer acquires or releases the content lock of a pinned buffer.
func (s *Session) LockBuffer(b Buffer, mode BufferLockMode) error {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return err
	}
	switch mode {
	case BUFFER_LOCK_UNLOCK:
		desc.contentLock.Release()
	case BUFFER_LOCK_SHARE:
		desc.contentLock.Acquire(contentShared)
	case BUFFER_LOCK_EXCLUSIVE:
		desc.contentLock.Acquire(contentExclusive)
	default:
		return errors.Errorf("unrecognized buffer lock mode: %d", mode)
	}
	return nil
}

// ConditionalLockBuffer tries for the exclusive content lock without
// waiting.
func (s *Session) ConditionalLockBuffer(b Buffer) (bool, error) {
	desc, err := s.pool.descFor(b)
	if err != nil {
		return false, err
	}
	return desc.contentLock.ConditionalAcquire(contentExclusive), nil
}

// ReadRecentBuffer re-pins a buffer the caller saw holding (loc, fork,
// blockNo) recently. Returns true on the fast path; false means the caller
// must go through ReadBufferExtended.
func (s *Session) ReadRecentBuffer(loc common.FileLocator, fork common.ForkNumber,
	blockNo common.BlockNumber, recent Buffer) bool {

	desc, err := s.pool.descFor(recent)
	if err != nil {
		return false
	}
	tag := BufferTag{SpaceID: loc.SpaceID, DBID: loc.DBID, RelID: loc.RelID,
		ForkNo: fork, BlockNo: blockNo}

	s.reservePrivateRef()
	if s.privateRefGet(recent) > 0 {
		// Already pinned by us: the tag cannot change under the pin.
		if desc.tag == tag {
			s.privateRefInc(recent)
			s.owner.RememberBuffer(recent)
			s.pool.stats.RecordRead(true)
			return true
		}
		return false
	}

	st := desc.LockHeader()
	if desc.tag == tag && st&BUF_VALID != 0 {
		s.pinBufferLocked(desc)
		s.pool.stats.RecordRead(true)
		return true
	}
	desc.UnlockHeader(st)
	return false
}

// startBufferIO claims the right to run I/O on desc. forInput selects a
// read, otherwise a write. Returns false when the work is already done.
func (s *Session) startBufferIO(desc *BufferDesc, forInput bool) bool {
	for {
		st := desc.LockHeader()
		if st&BUF_IO_IN_PROGRESS == 0 {
			var done bool
			if forInput {
				done = st&BUF_VALID != 0
			} else {
				done = st&BUF_DIRTY == 0
			}
			if done {
				desc.UnlockHeader(st)
				return false
			}
			desc.UnlockHeader(st | BUF_IO_IN_PROGRESS)
			s.inProgress = append(s.inProgress, ioClaim{desc: desc, forInput: forInput})
			return true
		}
		desc.UnlockHeader(st)
		s.waitIO(desc)
	}
}

// terminateBufferIO ends this session's I/O on desc. clearDirty is used by
// write completion; a concurrent BUF_JUST_DIRTIED keeps the dirty bit.
func (s *Session) terminateBufferIO(desc *BufferDesc, clearDirty bool, setFlags uint32) {
	st := desc.LockHeader()
	st &^= BUF_IO_IN_PROGRESS | BUF_IO_ERROR
	if clearDirty && st&BUF_JUST_DIRTIED == 0 {
		st &^= BUF_DIRTY | BUF_CHECKPOINT_NEEDED
	}
	desc.UnlockHeader(st | setFlags)
	s.forgetIOClaim(desc)
	desc.ioCV.Broadcast()
}

func (s *Session) forgetIOClaim(desc *BufferDesc) {
	for i := len(s.inProgress) - 1; i >= 0; i-- {
		if s.inProgress[i].desc == desc {
			s.inProgress = append(s.inProgress[:i], s.inProgress[i+1:]...)
			return
		}
	}
}

// AbortBufferIO cleans up every I/O claim this session holds. Error paths
// and the resource-owner teardown call it; waiting readers get woken and
// retry the I/O themselves.
func (s *Session) AbortBufferIO() {
	for len(s.inProgress) > 0 {
		claim := s.inProgress[len(s.inProgress)-1]
		desc := claim.desc
		if !claim.forInput {
			st := desc.state.Load()
			if st&BUF_IO_ERROR != 0 {
				logger.Warnf("could not write block %d of %s again; error may be permanent",
					desc.tag.BlockNo, desc.tag.String())
			}
			// 写失败的页必须保持脏，等待下次重试
			s.terminateBufferIO(desc, false, BUF_IO_ERROR|BUF_DIRTY)
		} else {
			s.terminateBufferIO(desc, false, BUF_IO_ERROR)
		}
	}
}

// waitIO blocks until no I/O is in progress on desc.
func (s *Session) waitIO(desc *BufferDesc) {
	for {
		ch := desc.ioCV.WaitChan()
		if desc.state.Load()&BUF_IO_IN_PROGRESS == 0 {
			return
		}
		<-ch
	}
}
