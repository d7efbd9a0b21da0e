package buffer_pool

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/server/common"
	"github.com/zhukovaskychina/xstore-server/server/storage/smgr"
	"github.com/zhukovaskychina/xstore-server/server/storage/wal"
)

// BufferPool is the shared page cache: a fixed array of descriptors and
// their payload pages, the tag mapping, and the replacement strategy. One
// pool is created at process start; every entry point takes a Session
// obtained from it. Tests construct isolated pools.
type BufferPool struct {
	cfg      *Config
	nbuffers int

	descriptors []BufferDesc
	pages       []byte // nbuffers * PAGE_SIZE, payload of slot i at i*PAGE_SIZE

	table    *bufferTable
	strategy *strategyControl

	spaceMgr smgr.SpaceManager
	walMgr   wal.LogManager

	stats *BufferPoolStats

	// sessions registered for cleanup-lock signalling
	sessMu        sync.Mutex
	sessions      map[int32]*Session
	nextSessionID int32

	// per-relation extension locks, created on demand
	extMu    sync.Mutex
	extLocks map[common.FileLocator]*extLockEntry

	// delay-checkpoint-start counter; a checkpoint cannot complete while
	// somebody is between "full page image logged" and "buffer dirtied"
	delayMu   sync.Mutex
	delayCond *sync.Cond
	delayCnt  int

	// one checkpoint at a time
	ckptMu sync.Mutex

	bgw bgwriterState

	maxProportionalPins int
}

// NewBufferPool allocates the descriptor table and payload arena.
func NewBufferPool(cfg *Config, spaceMgr smgr.SpaceManager, walMgr wal.LogManager) (*BufferPool, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.SharedBuffers < 2 {
		return nil, errors.Errorf("shared_buffers must be at least 2, got %d", cfg.SharedBuffers)
	}
	if cfg.MaxSessions < 1 {
		return nil, errors.Errorf("max_sessions must be at least 1, got %d", cfg.MaxSessions)
	}
	p := &BufferPool{
		cfg:         cfg,
		nbuffers:    cfg.SharedBuffers,
		descriptors: make([]BufferDesc, cfg.SharedBuffers),
		pages:       make([]byte, cfg.SharedBuffers*common.PAGE_SIZE),
		table:       newBufferTable(cfg.SharedBuffers),
		strategy:    newStrategyControl(cfg.SharedBuffers),
		spaceMgr:    spaceMgr,
		walMgr:      walMgr,
		stats:       NewBufferPoolStats(),
		sessions:    make(map[int32]*Session),
		extLocks:    make(map[common.FileLocator]*extLockEntry),
	}
	p.delayCond = sync.NewCond(&p.delayMu)
	p.maxProportionalPins = cfg.SharedBuffers / cfg.MaxSessions
	if p.maxProportionalPins < 1 {
		p.maxProportionalPins = 1
	}

	// 所有描述符初始挂在空闲链表上
	for i := range p.descriptors {
		d := &p.descriptors[i]
		d.bufID = i
		d.tag.Clear()
		d.freeNext = i + 1
		d.contentLock.Init()
		d.ioCV.Init()
	}
	p.descriptors[cfg.SharedBuffers-1].freeNext = freeNextEndOfList
	p.strategy.firstFree = 0
	return p, nil
}

// NBuffers returns the pool size in pages.
func (p *BufferPool) NBuffers() int { return p.nbuffers }

// Stats returns the pool's counters.
func (p *BufferPool) Stats() *BufferPoolStats { return p.stats }

// Config returns the pool's configuration.
func (p *BufferPool) Config() *Config { return p.cfg }

// pageOf returns slot's payload page.
func (p *BufferPool) pageOf(desc *BufferDesc) []byte {
	off := desc.bufID * common.PAGE_SIZE
	return p.pages[off : off+common.PAGE_SIZE : off+common.PAGE_SIZE]
}

// descFor resolves a handle, validating its range.
func (p *BufferPool) descFor(b Buffer) (*BufferDesc, error) {
	if b <= 0 || int(b) > p.nbuffers {
		return nil, errors.Annotatef(ErrBadBufferID, "buffer %d", b)
	}
	return &p.descriptors[int(b)-1], nil
}

// BufferGetBlockNumber returns the block a pinned buffer holds.
func (p *BufferPool) BufferGetBlockNumber(b Buffer) (common.BlockNumber, error) {
	desc, err := p.descFor(b)
	if err != nil {
		return common.InvalidBlockNumber, err
	}
	return desc.tag.BlockNo, nil
}

// BufferGetTag returns the full tag of a pinned buffer.
func (p *BufferPool) BufferGetTag(b Buffer) (BufferTag, error) {
	desc, err := p.descFor(b)
	if err != nil {
		return BufferTag{}, err
	}
	return desc.tag, nil
}

// BufferIsPermanent reports whether a pinned buffer belongs to a relation
// subject to the write-ahead rule.
func (p *BufferPool) BufferIsPermanent(b Buffer) (bool, error) {
	desc, err := p.descFor(b)
	if err != nil {
		return false, err
	}
	return desc.state.Load()&BUF_PERMANENT != 0, nil
}

// BufferGetLSNAtomic reads the page LSN under the header lock, safe against
// concurrent hint writers. Caller holds a pin.
func (p *BufferPool) BufferGetLSNAtomic(b Buffer) (common.LSNT, error) {
	desc, err := p.descFor(b)
	if err != nil {
		return common.InvalidLSN, err
	}
	state := desc.LockHeader()
	lsn := pageGetLSN(p.pageOf(desc))
	desc.UnlockHeader(state)
	return lsn, nil
}

// BufferPage exposes a pinned buffer's payload. The caller must hold the
// content lock in a mode matching its access.
func (p *BufferPool) BufferPage(b Buffer) ([]byte, error) {
	desc, err := p.descFor(b)
	if err != nil {
		return nil, err
	}
	return p.pageOf(desc), nil
}

type extLockEntry struct {
	mu   sync.Mutex
	refs int
}

// lockRelationForExtension serializes growers of one relation.
func (p *BufferPool) lockRelationForExtension(loc common.FileLocator) *extLockEntry {
	p.extMu.Lock()
	e := p.extLocks[loc]
	if e == nil {
		e = &extLockEntry{}
		p.extLocks[loc] = e
	}
	e.refs++
	p.extMu.Unlock()
	e.mu.Lock()
	return e
}

func (p *BufferPool) unlockRelationForExtension(loc common.FileLocator, e *extLockEntry) {
	e.mu.Unlock()
	p.extMu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(p.extLocks, loc)
	}
	p.extMu.Unlock()
}

// beginDelayCheckpoint marks the caller as being inside the window between
// logging a full page image and setting the dirty bit.
func (p *BufferPool) beginDelayCheckpoint() {
	p.delayMu.Lock()
	p.delayCnt++
	p.delayMu.Unlock()
}

func (p *BufferPool) endDelayCheckpoint() {
	p.delayMu.Lock()
	p.delayCnt--
	if p.delayCnt == 0 {
		p.delayCond.Broadcast()
	}
	p.delayMu.Unlock()
}

// waitDelayCheckpoint blocks until no session holds the delay flag.
func (p *BufferPool) waitDelayCheckpoint() {
	p.delayMu.Lock()
	for p.delayCnt > 0 {
		p.delayCond.Wait()
	}
	p.delayMu.Unlock()
}
