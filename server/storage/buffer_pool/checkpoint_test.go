package buffer_pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstore-server/server/common"
	"github.com/zhukovaskychina/xstore-server/server/storage/smgr"
)

// recordingManager wraps the memory manager and logs the tag of every page
// write, so tests can check checkpoint ordering and balancing.
type recordingManager struct {
	*smgr.MemoryManager
	mu     sync.Mutex
	writes []common.FileLocator
	blocks []common.BlockNumber
}

func (rm *recordingManager) Open(loc common.FileLocator) (smgr.Space, error) {
	sp, err := rm.MemoryManager.Open(loc)
	if err != nil {
		return nil, err
	}
	return &recordingSpace{Space: sp, rm: rm}, nil
}

type recordingSpace struct {
	smgr.Space
	rm *recordingManager
}

func (rs *recordingSpace) Write(fork common.ForkNumber, blockNo common.BlockNumber,
	buf []byte, skipFsync bool) error {
	rs.rm.mu.Lock()
	rs.rm.writes = append(rs.rm.writes, rs.Space.Locator())
	rs.rm.blocks = append(rs.rm.blocks, blockNo)
	rs.rm.mu.Unlock()
	return rs.Space.Write(fork, blockNo, buf, skipFsync)
}

func newRecordingPool(t *testing.T, nbuffers int) (*BufferPool, *recordingManager, *testWAL) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SharedBuffers = nbuffers
	cfg.MaxSessions = 8
	rm := &recordingManager{MemoryManager: smgr.NewMemoryManager()}
	wal := &testWAL{}
	pool, err := NewBufferPool(cfg, rm, wal)
	require.NoError(t, err)
	return pool, rm, wal
}

func TestCheckpointWritesAllDirty(t *testing.T) {
	pool, mm, _ := newTestPool(t, 64, nil)
	rel := makeRel(t, mm, 50, 20)
	s := pool.NewSession()
	defer s.Close()

	for blk := common.BlockNumber(0); blk < 10; blk++ {
		b := dirtyBlock(t, s, rel, blk, common.LSNT(100+blk))
		require.NoError(t, s.ReleaseBuffer(b))
	}

	written, err := s.CheckpointBuffers(0, nil)
	require.NoError(t, err)
	require.Equal(t, 10, written)

	// 检查点后所有脏标志与检查点标志都应清掉
	for i := range pool.descriptors {
		st := pool.descriptors[i].state.Load()
		require.Zero(t, st&BUF_DIRTY)
		require.Zero(t, st&BUF_CHECKPOINT_NEEDED)
	}

	// idempotent: nothing left to write
	written, err = s.CheckpointBuffers(0, nil)
	require.NoError(t, err)
	require.Zero(t, written)
}

func TestCheckpointSkipsUnloggedByDefault(t *testing.T) {
	pool, mm, _ := newTestPool(t, 32, nil)
	sp, err := mm.Open(common.FileLocator{SpaceID: 1, DBID: 1, RelID: 51})
	require.NoError(t, err)
	require.NoError(t, sp.Create(common.FORK_MAIN, true))
	require.NoError(t, sp.ZeroExtend(common.FORK_MAIN, 0, 4, true))
	unlogged := &Relation{Space: sp, Permanent: false}

	s := pool.NewSession()
	defer s.Close()
	b := dirtyBlock(t, s, unlogged, 0, 0)
	require.NoError(t, s.ReleaseBuffer(b))

	written, err := s.CheckpointBuffers(0, nil)
	require.NoError(t, err)
	require.Zero(t, written, "ordinary checkpoint skips non-permanent buffers")

	written, err = s.CheckpointBuffers(CHECKPOINT_IS_SHUTDOWN, nil)
	require.NoError(t, err)
	require.Equal(t, 1, written, "shutdown checkpoint writes them")
}

func TestCheckpointBalancesTablespaces(t *testing.T) {
	pool, rm, _ := newRecordingPool(t, 64)
	s := pool.NewSession()
	defer s.Close()

	relA := &Relation{Permanent: true}
	spA, err := rm.Open(common.FileLocator{SpaceID: 7, DBID: 1, RelID: 52})
	require.NoError(t, err)
	require.NoError(t, spA.Create(common.FORK_MAIN, true))
	require.NoError(t, spA.ZeroExtend(common.FORK_MAIN, 0, 30, true))
	relA.Space = spA

	relB := &Relation{Permanent: true}
	spB, err := rm.Open(common.FileLocator{SpaceID: 9, DBID: 1, RelID: 53})
	require.NoError(t, err)
	require.NoError(t, spB.Create(common.FORK_MAIN, true))
	require.NoError(t, spB.ZeroExtend(common.FORK_MAIN, 0, 10, true))
	relB.Space = spB

	for blk := common.BlockNumber(0); blk < 30; blk++ {
		b := dirtyBlock(t, s, relA, blk, 0)
		require.NoError(t, s.ReleaseBuffer(b))
	}
	for blk := common.BlockNumber(0); blk < 10; blk++ {
		b := dirtyBlock(t, s, relB, blk, 0)
		require.NoError(t, s.ReleaseBuffer(b))
	}
	rm.writes = nil
	rm.blocks = nil

	var progress []float64
	written, err := s.CheckpointBuffers(0, func(p float64) { progress = append(progress, p) })
	require.NoError(t, err)
	require.Equal(t, 40, written)
	require.Len(t, progress, 40, "throttle hook runs between writes")
	assert.InDelta(t, 1.0, progress[len(progress)-1], 1e-9)

	// Writes must interleave roughly 3:1, not tablespace-after-tablespace:
	// in every window of 8 writes both tablespaces appear.
	countA, countB := 0, 0
	for _, loc := range rm.writes {
		switch loc.SpaceID {
		case 7:
			countA++
		case 9:
			countB++
		}
	}
	require.Equal(t, 30, countA)
	require.Equal(t, 10, countB)
	for start := 0; start+8 <= len(rm.writes); start += 8 {
		sawA, sawB := false, false
		for _, loc := range rm.writes[start : start+8] {
			if loc.SpaceID == 7 {
				sawA = true
			}
			if loc.SpaceID == 9 {
				sawB = true
			}
		}
		assert.True(t, sawA && sawB, "window at %d writes only one tablespace", start)
	}

	// per-file的写入顺序应当是顺序块号
	lastBlock := make(map[common.FileLocator]common.BlockNumber)
	for i, loc := range rm.writes {
		if prev, ok := lastBlock[loc]; ok {
			assert.Greater(t, rm.blocks[i], prev, "blocks of one file written in order")
		}
		lastBlock[loc] = rm.blocks[i]
	}
}

func TestSyncOneBuffer(t *testing.T) {
	pool, mm, _ := newTestPool(t, 16, nil)
	rel := makeRel(t, mm, 54, 4)
	s := pool.NewSession()
	defer s.Close()

	b := dirtyBlock(t, s, rel, 0, 0)
	bufID := int(b) - 1

	// pinned and recently used → skipped in LRU mode
	res, err := s.SyncOneBuffer(bufID, true, s.wb, WriteSourceBgwriter)
	require.NoError(t, err)
	require.Zero(t, res)

	require.NoError(t, s.ReleaseBuffer(b))

	// not reusable yet (usage count > 0) but written in checkpoint mode
	res, err = s.SyncOneBuffer(bufID, false, s.wb, WriteSourceCheckpoint)
	require.NoError(t, err)
	require.NotZero(t, res&BUF_WRITTEN)
	require.Zero(t, pool.descriptors[bufID].state.Load()&BUF_DIRTY)
}

func TestBgBufferSync(t *testing.T) {
	pool, mm, _ := newTestPool(t, 16, nil)
	rel := makeRel(t, mm, 55, 16)
	s := pool.NewSession()
	defer s.Close()

	// first round only initializes the saved state
	hib, err := s.BgBufferSync(s.wb)
	require.NoError(t, err)
	require.True(t, hib)

	for blk := common.BlockNumber(0); blk < 8; blk++ {
		b := dirtyBlock(t, s, rel, blk, 0)
		require.NoError(t, s.ReleaseBuffer(b))
	}
	// age the usage counts so the sweep would reclaim these buffers soon;
	// the bgwriter only writes ahead of the clock, not hot pages
	for i := range pool.descriptors {
		desc := &pool.descriptors[i]
		st := desc.LockHeader()
		desc.UnlockHeader(st &^ BUF_USAGE_MASK)
	}

	hib, err = s.BgBufferSync(s.wb)
	require.NoError(t, err)
	require.False(t, hib, "allocations happened; no hibernation")
	require.Greater(t, pool.Stats().Snapshot().BufWrittenClean, int64(0),
		"bgwriter wrote ahead of the clock")

	// idle rounds eventually allow hibernation
	for i := 0; i < 50; i++ {
		hib, err = s.BgBufferSync(s.wb)
		require.NoError(t, err)
		if hib {
			break
		}
	}
	require.True(t, hib)
}
