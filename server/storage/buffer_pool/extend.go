package buffer_pool

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// ExtendFlags tune the extension path.
type ExtendFlags uint32

const (
	// EXTEND_SKIP_LOCK skips the per-relation extension lock; the caller
	// already serializes growers (e.g. via a DDL lock).
	EXTEND_SKIP_LOCK ExtendFlags = 1 << iota

	// EXTEND_LOCK_FIRST returns the first new buffer content-locked
	// exclusively.
	EXTEND_LOCK_FIRST

	// EXTEND_LOCK_TARGET content-locks the buffer of block extendUpto-1.
	EXTEND_LOCK_TARGET
)

// ExtendBufferedRelBy grows a relation fork by up to extendBy blocks and
// returns the first new block number plus one pinned, valid buffer per new
// block. extendUpto, when not InvalidBlockNumber, caps the resulting size;
// fewer (or zero) blocks may be added when someone else grew the relation
// concurrently.
func (s *Session) ExtendBufferedRelBy(rel *Relation, fork common.ForkNumber,
	strategy *AccessStrategy, flags ExtendFlags, extendBy int,
	extendUpto common.BlockNumber) (common.BlockNumber, []Buffer, error) {

	if rel == nil || rel.Space == nil {
		return common.InvalidBlockNumber, nil, errors.New("relation has no open storage")
	}
	if extendBy < 1 {
		return common.InvalidBlockNumber, nil, errors.Errorf("invalid extension size %d", extendBy)
	}
	// 每个会话的pin预算与池大小成比例，防止批量扩展吃光缓冲池
	if extendBy > s.pool.maxProportionalPins {
		extendBy = s.pool.maxProportionalPins
	}

	// Acquire and zero the victims before taking the extension lock: the
	// expensive dirty-flush work must not serialize other growers.
	victims := make([]*BufferDesc, 0, extendBy)
	releaseVictims := func(from int) {
		for _, d := range victims[from:] {
			s.releaseDesc(d)
		}
		victims = victims[:from]
	}
	for i := 0; i < extendBy; i++ {
		desc, err := s.acquireVictim(strategy)
		if err != nil {
			releaseVictims(0)
			return common.InvalidBlockNumber, nil, err
		}
		zeroPage(s.pool.pageOf(desc))
		victims = append(victims, desc)
	}

	loc := rel.Space.Locator()
	var ext *extLockEntry
	if flags&EXTEND_SKIP_LOCK == 0 {
		ext = s.pool.lockRelationForExtension(loc)
	}
	unlockExt := func() {
		if ext != nil {
			s.pool.unlockRelationForExtension(loc, ext)
			ext = nil
		}
	}

	first, err := rel.Space.NBlocks(fork)
	if err != nil {
		unlockExt()
		releaseVictims(0)
		return common.InvalidBlockNumber, nil, errors.Annotate(err, "relation size")
	}

	n := len(victims)
	if extendUpto != common.InvalidBlockNumber {
		if common.BlockNumber(int64(first)+int64(n)) > extendUpto {
			n = int(int64(extendUpto) - int64(first))
			if n < 0 {
				n = 0
			}
			releaseVictims(n)
		}
		if n == 0 {
			unlockExt()
			return first, nil, nil
		}
	}
	if int64(first)+int64(n) > int64(common.MaxBlockNumber)+1 {
		unlockExt()
		releaseVictims(0)
		return common.InvalidBlockNumber, nil,
			errors.Annotatef(ErrRelationTooLarge, "relation %d", loc.RelID)
	}

	permanent := rel.Permanent || fork == common.FORK_INIT

	// ownIO[i] records that we hold the input-I/O claim on victims[i] and
	// must terminate it after the zero-extension.
	ownIO := make([]bool, n)
	failAll := func(cause error) (common.BlockNumber, []Buffer, error) {
		unlockExt()
		s.AbortBufferIO()
		releaseVictims(0)
		return common.InvalidBlockNumber, nil, cause
	}

	for i := 0; i < n; i++ {
		blockNo := first + common.BlockNumber(i)
		tag := BufferTag{SpaceID: loc.SpaceID, DBID: loc.DBID, RelID: loc.RelID,
			ForkNo: fork, BlockNo: blockNo}
		hash := tag.Hash()
		partition := s.pool.table.Partition(hash)

		partition.Acquire(contentExclusive)
		existing := s.pool.table.Insert(tag, hash, victims[i].bufID)
		if existing >= 0 {
			// A buffer for a block past EOF already exists: a failed
			// earlier extension left a zeroed entry, or the kernel lied
			// about the file size. Usable only if its page is empty.
			exDesc := &s.pool.descriptors[existing]
			s.reservePrivateRef()
			valid := s.pinBuffer(exDesc, strategy)
			partition.Release()
			s.releaseDesc(victims[i])
			victims[i] = exDesc
			if !valid {
				if s.startBufferIO(exDesc, true) {
					ownIO[i] = true
					zeroPage(s.pool.pageOf(exDesc))
				} else {
					valid = true
				}
			}
			if valid && !pageIsZero(s.pool.pageOf(exDesc)) {
				return failAll(errors.Annotatef(ErrUnexpectedDataBeyondEOF,
					"block %d of relation %d", blockNo, loc.RelID))
			}
			continue
		}

		st := victims[i].LockHeader()
		victims[i].tag = tag
		newSt := (st & (BUF_REFCOUNT_MASK | BUF_LOCKED)) | BUF_TAG_VALID | BUF_USAGE_ONE
		if permanent {
			newSt |= BUF_PERMANENT
		}
		victims[i].UnlockHeader(newSt)
		partition.Release()

		// Claim the input I/O so concurrent readers of the new block wait
		// until the file really has it.
		if s.startBufferIO(victims[i], true) {
			ownIO[i] = true
		}
	}

	if err := rel.Space.ZeroExtend(fork, first, n, false); err != nil {
		logger.Errorf("zero-extend of relation %d failed: %v", loc.RelID, err)
		return failAll(errors.Annotate(err, "zero-extend relation"))
	}

	unlockExt()

	bufs := make([]Buffer, n)
	for i := 0; i < n; i++ {
		desc := victims[i]
		blockNo := first + common.BlockNumber(i)
		wantLock := (flags&EXTEND_LOCK_FIRST != 0 && i == 0) ||
			(flags&EXTEND_LOCK_TARGET != 0 && extendUpto != common.InvalidBlockNumber &&
				blockNo == extendUpto-1)
		if ownIO[i] {
			// 加锁要在置VALID之前，别人看不到未初始化窗口
			if wantLock {
				desc.contentLock.Acquire(contentExclusive)
			}
			s.terminateBufferIO(desc, false, BUF_VALID)
		} else if wantLock {
			desc.contentLock.Acquire(contentExclusive)
		}
		bufs[i] = desc.Buffer()
	}

	s.pool.stats.RecordExtend(n)
	return first, bufs, nil
}

// ExtendBufferedRelTo grows the fork until it has at least extendTo blocks
// and returns a pinned buffer for block extendTo-1, content-locked
// exclusively. When another session already extended that far, the block is
// read back in mode instead.
func (s *Session) ExtendBufferedRelTo(rel *Relation, fork common.ForkNumber,
	strategy *AccessStrategy, flags ExtendFlags, extendTo common.BlockNumber,
	mode ReadMode) (Buffer, error) {

	if extendTo == 0 || extendTo > common.MaxBlockNumber {
		return InvalidBuffer, errors.Annotatef(ErrRelationTooLarge, "extend to %d", extendTo)
	}

	for {
		current, err := rel.Space.NBlocks(fork)
		if err != nil {
			return InvalidBuffer, errors.Annotate(err, "relation size")
		}
		if current >= extendTo {
			// Someone else got there; the caller still wants the block.
			b, err := s.ReadBufferExtended(rel, fork, extendTo-1, mode, strategy)
			return b, err
		}
		first, bufs, err := s.ExtendBufferedRelBy(rel, fork, strategy,
			flags|EXTEND_LOCK_TARGET, int(extendTo-current), extendTo)
		if err != nil {
			return InvalidBuffer, err
		}
		var target Buffer
		for i, b := range bufs {
			if first+common.BlockNumber(i) == extendTo-1 {
				target = b
				continue
			}
			s.ReleaseBuffer(b)
		}
		if target != InvalidBuffer {
			return target, nil
		}
		// zero blocks added this round (lost a race); try again
	}
}
