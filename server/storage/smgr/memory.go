package smgr

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// MemoryManager keeps every fork in a byte slice. It exists for tests and
// for tooling that replays storage traffic without touching a filesystem.
type MemoryManager struct {
	mu     sync.Mutex
	spaces map[common.FileLocator]*memSpace

	// Counters let tests assert how much physical I/O a scenario caused.
	ReadCalls  int64
	WriteCalls int64
}

// NewMemoryManager creates an empty in-memory manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{spaces: make(map[common.FileLocator]*memSpace)}
}

func (mm *MemoryManager) Open(loc common.FileLocator) (Space, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if sp, ok := mm.spaces[loc]; ok {
		return sp, nil
	}
	sp := &memSpace{mgr: mm, loc: loc}
	mm.spaces[loc] = sp
	return sp, nil
}

type memSpace struct {
	mgr *MemoryManager
	loc common.FileLocator

	mu    sync.Mutex
	forks [common.MAX_FORKNUM + 1][]byte
}

func (sp *memSpace) Locator() common.FileLocator { return sp.loc }

func (sp *memSpace) Exists(fork common.ForkNumber) (bool, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.forks[fork] != nil, nil
}

func (sp *memSpace) Create(fork common.ForkNumber, isRedo bool) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.forks[fork] != nil && !isRedo {
		return errors.Errorf("fork %s of relation %d already exists",
			common.ForkNames[fork], sp.loc.RelID)
	}
	if sp.forks[fork] == nil {
		sp.forks[fork] = []byte{}
	}
	return nil
}

func (sp *memSpace) Read(fork common.ForkNumber, blockNo common.BlockNumber, buf []byte) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	off := int64(blockNo) * common.PAGE_SIZE
	data := sp.forks[fork]
	if off+common.PAGE_SIZE > int64(len(data)) {
		return errors.Errorf("read block %d of relation %d beyond EOF", blockNo, sp.loc.RelID)
	}
	sp.mgr.mu.Lock()
	sp.mgr.ReadCalls++
	sp.mgr.mu.Unlock()
	copy(buf[:common.PAGE_SIZE], data[off:off+common.PAGE_SIZE])
	return nil
}

func (sp *memSpace) Write(fork common.ForkNumber, blockNo common.BlockNumber, buf []byte, skipFsync bool) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.mgr.mu.Lock()
	sp.mgr.WriteCalls++
	sp.mgr.mu.Unlock()
	off := int64(blockNo) * common.PAGE_SIZE
	data := sp.forks[fork]
	if off+common.PAGE_SIZE > int64(len(data)) {
		return errors.Errorf("write block %d of relation %d beyond EOF", blockNo, sp.loc.RelID)
	}
	copy(data[off:off+common.PAGE_SIZE], buf[:common.PAGE_SIZE])
	return nil
}

func (sp *memSpace) Extend(fork common.ForkNumber, blockNo common.BlockNumber, buf []byte, skipFsync bool) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	end := (int64(blockNo) + 1) * common.PAGE_SIZE
	if int64(len(sp.forks[fork])) < end {
		grown := make([]byte, end)
		copy(grown, sp.forks[fork])
		sp.forks[fork] = grown
	}
	copy(sp.forks[fork][int64(blockNo)*common.PAGE_SIZE:end], buf[:common.PAGE_SIZE])
	return nil
}

func (sp *memSpace) ZeroExtend(fork common.ForkNumber, first common.BlockNumber, n int, skipFsync bool) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	end := (int64(first) + int64(n)) * common.PAGE_SIZE
	if int64(len(sp.forks[fork])) < end {
		grown := make([]byte, end)
		copy(grown, sp.forks[fork])
		sp.forks[fork] = grown
	}
	return nil
}

func (sp *memSpace) Writeback(fork common.ForkNumber, first common.BlockNumber, n int) {}

func (sp *memSpace) Prefetch(fork common.ForkNumber, blockNo common.BlockNumber) bool { return false }

func (sp *memSpace) NBlocks(fork common.ForkNumber) (common.BlockNumber, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return common.BlockNumber(len(sp.forks[fork]) / common.PAGE_SIZE), nil
}

func (sp *memSpace) NBlocksCached(fork common.ForkNumber) common.BlockNumber {
	n, _ := sp.NBlocks(fork)
	return n
}

func (sp *memSpace) Truncate(fork common.ForkNumber, nblocks common.BlockNumber) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	end := int64(nblocks) * common.PAGE_SIZE
	if int64(len(sp.forks[fork])) > end {
		sp.forks[fork] = sp.forks[fork][:end]
	}
	return nil
}

func (sp *memSpace) Close() error { return nil }
