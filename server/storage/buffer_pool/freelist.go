package buffer_pool

import (
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// strategyControl is the shared state of the replacement policy: the clock
// hand, the free list and the allocation counters the background writer
// reads to pace itself.
type strategyControl struct {
	nbuffers int

	// clock is a monotonic tick counter; hand = clock % nbuffers,
	// complete passes = clock / nbuffers.
	clock atomic.Uint64

	// numBufferAllocs counts victim acquisitions since the last bgwriter
	// round.
	numBufferAllocs atomic.Uint32

	// 空闲链表，由freeNext串起来
	mu        sync.Mutex
	firstFree int
}

func newStrategyControl(nbuffers int) *strategyControl {
	return &strategyControl{nbuffers: nbuffers, firstFree: freeNextEndOfList}
}

// tick advances the clock hand and returns the slot it passed over.
func (sc *strategyControl) tick() int {
	return int((sc.clock.Add(1) - 1) % uint64(sc.nbuffers))
}

// SyncStart hands the background writer the current clock position, the
// number of completed passes and the allocations since it last asked.
func (sc *strategyControl) SyncStart() (hand int, passes uint32, recentAlloc uint32) {
	v := sc.clock.Load()
	return int(v % uint64(sc.nbuffers)), uint32(v / uint64(sc.nbuffers)),
		sc.numBufferAllocs.Swap(0)
}

// FreeBuffer puts an invalidated descriptor back on the free list.
func (sc *strategyControl) FreeBuffer(desc *BufferDesc) {
	sc.mu.Lock()
	if desc.freeNext == freeNextNotInList {
		desc.freeNext = sc.firstFree
		sc.firstFree = desc.bufID
	}
	sc.mu.Unlock()
}

// popFreeList returns a descriptor from the free list with its header
// locked and refcount==0, or nil when the list yields nothing usable.
func (sc *strategyControl) popFreeList(pool *BufferPool) *BufferDesc {
	for {
		sc.mu.Lock()
		if sc.firstFree < 0 {
			sc.mu.Unlock()
			return nil
		}
		desc := &pool.descriptors[sc.firstFree]
		sc.firstFree = desc.freeNext
		desc.freeNext = freeNextNotInList
		sc.mu.Unlock()

		// 链表上的页可能在入链后又被人用了，检查后再用
		state := desc.LockHeader()
		if BufStateGetRefCount(state) == 0 && BufStateGetUsageCount(state) == 0 {
			return desc
		}
		desc.UnlockHeader(state)
	}
}

// getVictimBuffer returns a reclaimable descriptor with its header lock
// held and refcount==0. The caller pins it before releasing the header.
func (sc *strategyControl) getVictimBuffer(pool *BufferPool, strategy *AccessStrategy) (*BufferDesc, bool, error) {
	sc.numBufferAllocs.Add(1)
	pool.stats.RecordAlloc()

	if strategy != nil {
		if desc := strategy.getBufferFromRing(pool); desc != nil {
			return desc, true, nil
		}
	}

	if desc := sc.popFreeList(pool); desc != nil {
		if strategy != nil {
			strategy.addBufferToRing(desc.Buffer())
		}
		return desc, false, nil
	}

	// Clock sweep. A full pass with no candidate means everything is
	// pinned.
	tryCounter := sc.nbuffers
	for {
		desc := &pool.descriptors[sc.tick()]
		state := desc.LockHeader()
		if BufStateGetRefCount(state) == 0 {
			if BufStateGetUsageCount(state) > 0 {
				desc.UnlockHeader(state - BUF_USAGE_ONE)
				tryCounter = sc.nbuffers
				continue
			}
			if strategy != nil {
				strategy.addBufferToRing(desc.Buffer())
			}
			return desc, false, nil
		}
		desc.UnlockHeader(state)
		tryCounter--
		if tryCounter == 0 {
			return nil, false, errors.Trace(ErrNoUnpinnedBuffers)
		}
	}
}

// StrategyKind selects a bounded-ring replacement policy for bulk scans.
type StrategyKind int

const (
	// BULK_READ caps the footprint of large sequential scans.
	BULK_READ StrategyKind = iota

	// BULK_WRITE is for bulk loads (COPY-style writers).
	BULK_WRITE

	// VACUUM is for maintenance scans.
	VACUUM
)

// ring sizes in bytes; 环的大小按页数换算
const (
	bulkReadRingBytes  = 256 * 1024
	bulkWriteRingBytes = 16 * 1024 * 1024
	vacuumRingBytes    = 256 * 1024
)

// AccessStrategy is a per-caller ring of buffers. A scan that cycles through
// its ring re-evicts its own recently used pages instead of flooding the
// whole pool. Not safe for concurrent use; each scan owns one.
type AccessStrategy struct {
	kind             StrategyKind
	ring             []Buffer
	current          int
	currentWasInRing bool
}

// NewAccessStrategy creates a ring strategy of the standard size for kind,
// capped at an eighth of the pool.
func NewAccessStrategy(kind StrategyKind, pool *BufferPool) *AccessStrategy {
	var bytes int
	switch kind {
	case BULK_WRITE:
		bytes = bulkWriteRingBytes
	case VACUUM:
		bytes = vacuumRingBytes
	default:
		bytes = bulkReadRingBytes
	}
	n := bytes / common.PAGE_SIZE
	if max := pool.nbuffers / 8; n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return &AccessStrategy{kind: kind, ring: make([]Buffer, n)}
}

// getBufferFromRing returns the next ring slot's buffer, header-locked, if
// it is still this strategy's to reuse. Otherwise the caller falls back to
// the shared sweep and adopts the result into the slot.
func (s *AccessStrategy) getBufferFromRing(pool *BufferPool) *BufferDesc {
	s.current = (s.current + 1) % len(s.ring)
	b := s.ring[s.current]
	if b == InvalidBuffer {
		s.currentWasInRing = false
		return nil
	}
	desc := &pool.descriptors[int(b)-1]
	state := desc.LockHeader()
	if BufStateGetRefCount(state) == 0 && BufStateGetUsageCount(state) <= 1 {
		s.currentWasInRing = true
		return desc
	}
	desc.UnlockHeader(state)
	s.currentWasInRing = false
	return nil
}

// addBufferToRing adopts a buffer obtained from the shared sweep.
func (s *AccessStrategy) addBufferToRing(b Buffer) {
	s.ring[s.current] = b
}

// RejectBuffer drops the current ring buffer back to the shared sweep.
// Called when evicting it would force a WAL flush; returns false when the
// buffer did not come from the ring, in which case the caller must write it.
func (s *AccessStrategy) RejectBuffer(desc *BufferDesc) bool {
	if !s.currentWasInRing || s.ring[s.current] != desc.Buffer() {
		return false
	}
	s.ring[s.current] = InvalidBuffer
	return true
}
