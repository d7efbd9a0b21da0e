package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

func TestClockSweep(t *testing.T) {
	t.Run("全部pin住时报错", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 4, nil)
		rel := makeRel(t, mm, 100, 8)
		s := pool.NewSession()
		defer s.Close()

		var held []Buffer
		for blk := common.BlockNumber(0); blk < 4; blk++ {
			b, err := s.ReadBuffer(rel, blk)
			require.NoError(t, err)
			held = append(held, b)
		}

		_, err := s.ReadBuffer(rel, 4)
		require.Error(t, err)
		require.True(t, IsNoUnpinnedBuffers(err))

		for _, b := range held {
			require.NoError(t, s.ReleaseBuffer(b))
		}
		// 放开后又能分配
		b, err := s.ReadBuffer(rel, 4)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseBuffer(b))
	})

	t.Run("usage衰减后才被淘汰", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 2, nil)
		rel := makeRel(t, mm, 101, 8)
		s := pool.NewSession()
		defer s.Close()

		b0, err := s.ReadBuffer(rel, 0)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseBuffer(b0))
		b1, err := s.ReadBuffer(rel, 1)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseBuffer(b1))

		// 两个buffer usage都>0，淘汰要先扫一轮减计数
		b2, err := s.ReadBuffer(rel, 2)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseBuffer(b2))
		checkMappingInvariant(t, pool)
	})
}

func TestAccessStrategyRing(t *testing.T) {
	pool, mm, _ := newTestPool(t, 64, nil)
	rel := makeRel(t, mm, 102, 40)
	s := pool.NewSession()
	defer s.Close()

	strategy := NewAccessStrategy(BULK_READ, pool)
	ringSize := len(strategy.ring)
	require.Greater(t, ringSize, 0)
	require.LessOrEqual(t, ringSize, 64/8)

	// A scan longer than the ring must recycle its own buffers instead of
	// occupying a new one per block.
	seen := make(map[Buffer]bool)
	for blk := common.BlockNumber(0); blk < 24; blk++ {
		b, err := s.ReadBufferExtended(rel, common.FORK_MAIN, blk, RBM_NORMAL, strategy)
		require.NoError(t, err)
		seen[b] = true
		require.NoError(t, s.ReleaseBuffer(b))
	}
	require.LessOrEqual(t, len(seen), ringSize+1,
		"bulk scan footprint stays within the ring")

	t.Run("环内脏页需刷日志时退回全局淘汰", func(t *testing.T) {
		wal := &testWAL{}
		cfg := DefaultConfig()
		cfg.SharedBuffers = 64
		cfg.MaxSessions = 8
		pool2, err := NewBufferPool(cfg, mm, wal)
		require.NoError(t, err)
		s2 := pool2.NewSession()
		defer s2.Close()

		strategy := NewAccessStrategy(VACUUM, pool2)
		b, err := s2.ReadBufferExtended(rel, common.FORK_MAIN, 0, RBM_NORMAL, strategy)
		require.NoError(t, err)
		require.NoError(t, s2.LockBuffer(b, BUFFER_LOCK_EXCLUSIVE))
		page, err := pool2.BufferPage(b)
		require.NoError(t, err)
		pageSetLSN(page, 999) // beyond the fake WAL's flushed position
		require.NoError(t, s2.MarkDirty(b))
		require.NoError(t, s2.UnlockReleaseBuffer(b))

		ringBuf := b
		// Scanning on forces the ring to reuse the slot; the dirty buffer
		// with an unflushed LSN must be rejected, not written.
		writes := mm.WriteCalls
		for blk := common.BlockNumber(1); blk < 20; blk++ {
			nb, err := s2.ReadBufferExtended(rel, common.FORK_MAIN, blk, RBM_NORMAL, strategy)
			require.NoError(t, err)
			require.NotEqual(t, ringBuf, nb, "rejected ring buffer must not be reused")
			require.NoError(t, s2.ReleaseBuffer(nb))
		}
		require.Equal(t, writes, mm.WriteCalls, "no synchronous WAL-forcing writes in a bulk scan")
		require.NotZero(t, pool2.descriptors[int(ringBuf)-1].state.Load()&BUF_DIRTY)
	})
}

func TestFreeListRecycling(t *testing.T) {
	pool, mm, _ := newTestPool(t, 8, nil)
	rel := makeRel(t, mm, 103, 4)
	s := pool.NewSession()
	defer s.Close()

	b, err := s.ReadBuffer(rel, 0)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseBuffer(b))

	// invalidation puts the slot back on the free list
	s.DropRelationBuffers(rel, []common.ForkNumber{common.FORK_MAIN},
		[]common.BlockNumber{0})

	b2, err := s.ReadBuffer(rel, 1)
	require.NoError(t, err)
	require.NoError(t, s.ReleaseBuffer(b2))
	checkMappingInvariant(t, pool)
}

func TestPrivateRefTracker(t *testing.T) {
	t.Run("数组溢出进map再回收", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 32, nil)
		rel := makeRel(t, mm, 104, 16)
		s := pool.NewSession()
		defer s.Close()

		// pin twice as many distinct buffers as the fast array holds
		var held []Buffer
		for blk := common.BlockNumber(0); blk < privateRefEntries*2; blk++ {
			b, err := s.ReadBuffer(rel, blk)
			require.NoError(t, err)
			held = append(held, b)
		}
		require.NotEmpty(t, s.overflow, "overflow map in use")

		for _, b := range held {
			require.Equal(t, int32(1), s.privateRefGet(b))
		}
		for _, b := range held {
			require.NoError(t, s.ReleaseBuffer(b))
		}
		require.Zero(t, s.CheckForBufferLeaks())
		require.Empty(t, s.overflow)
	})

	t.Run("嵌套pin计数", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 8, nil)
		rel := makeRel(t, mm, 105, 2)
		s := pool.NewSession()
		defer s.Close()

		b, err := s.ReadBuffer(rel, 0)
		require.NoError(t, err)
		b2, err := s.ReadBuffer(rel, 0)
		require.NoError(t, err)
		require.Equal(t, b, b2)
		require.NoError(t, s.IncrRefCount(b))
		require.Equal(t, int32(3), s.privateRefGet(b))

		st := pool.descriptors[int(b)-1].state.Load()
		require.Equal(t, uint32(1), BufStateGetRefCount(st),
			"repeat pins and IncrRefCount are session-local; the shared count holds one pin per session")

		for i := 0; i < 3; i++ {
			require.NoError(t, s.ReleaseBuffer(b))
		}
		require.Zero(t, BufStateGetRefCount(pool.descriptors[int(b)-1].state.Load()))
		require.Zero(t, s.CheckForBufferLeaks())
	})
}

func TestSessionTeardownReleasesEverything(t *testing.T) {
	pool, mm, _ := newTestPool(t, 16, nil)
	rel := makeRel(t, mm, 106, 8)
	s := pool.NewSession()

	for blk := common.BlockNumber(0); blk < 4; blk++ {
		_, err := s.ReadBuffer(rel, blk)
		require.NoError(t, err)
	}
	s.Close()

	for i := range pool.descriptors {
		require.Zero(t, BufStateGetRefCount(pool.descriptors[i].state.Load()),
			"session teardown must release all pins")
	}
}
