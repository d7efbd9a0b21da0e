package buffer_pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

func TestExtendBufferedRelBy(t *testing.T) {
	t.Run("空关系从0号块开始", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 16, nil)
		rel := makeRel(t, mm, 40, 0)
		s := pool.NewSession()
		defer s.Close()

		first, bufs, err := s.ExtendBufferedRelBy(rel, common.FORK_MAIN, nil, 0, 1, common.InvalidBlockNumber)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(0), first)
		require.Len(t, bufs, 1)
		st := pool.descriptors[int(bufs[0])-1].state.Load()
		require.NotZero(t, st&BUF_VALID)
		require.NoError(t, s.ReleaseBuffer(bufs[0]))

		n, err := rel.Space.NBlocks(common.FORK_MAIN)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(1), n)

		// the fresh block is a cache hit afterwards
		reads := mm.ReadCalls
		b, err := s.ReadBuffer(rel, 0)
		require.NoError(t, err)
		require.Equal(t, reads, mm.ReadCalls)
		page, _ := pool.BufferPage(b)
		require.True(t, pageIsZero(page))
		require.NoError(t, s.ReleaseBuffer(b))
	})

	t.Run("批量扩展并锁首块", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 32, nil)
		rel := makeRel(t, mm, 41, 2)
		s := pool.NewSession()
		defer s.Close()

		first, bufs, err := s.ExtendBufferedRelBy(rel, common.FORK_MAIN, nil,
			EXTEND_LOCK_FIRST, 3, common.InvalidBlockNumber)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(2), first)
		require.Len(t, bufs, 3)
		require.True(t, pool.descriptors[int(bufs[0])-1].contentLock.HeldExclusive())
		require.NoError(t, s.UnlockReleaseBuffer(bufs[0]))
		for _, b := range bufs[1:] {
			require.NoError(t, s.ReleaseBuffer(b))
		}
		checkMappingInvariant(t, pool)
	})

	t.Run("extend_upto收缩请求", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 32, nil)
		rel := makeRel(t, mm, 42, 3)
		s := pool.NewSession()
		defer s.Close()

		// 只差1块就到上限，申请4块只能给1块
		first, bufs, err := s.ExtendBufferedRelBy(rel, common.FORK_MAIN, nil, 0, 4, 4)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(3), first)
		require.Len(t, bufs, 1)
		require.NoError(t, s.ReleaseBuffer(bufs[0]))
		require.Zero(t, s.CheckForBufferLeaks(), "clamped victims must be released")
	})

	t.Run("并发扩展互不覆盖", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 32, nil)
		rel := makeRel(t, mm, 43, 0)

		var wg sync.WaitGroup
		firsts := make([]common.BlockNumber, 2)
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s := pool.NewSession()
				defer s.Close()
				first, bufs, err := s.ExtendBufferedRelBy(rel, common.FORK_MAIN, nil, 0, 1, common.InvalidBlockNumber)
				if err != nil {
					t.Error(err)
					return
				}
				firsts[i] = first
				for _, b := range bufs {
					s.ReleaseBuffer(b)
				}
			}(i)
		}
		wg.Wait()

		require.NotEqual(t, firsts[0], firsts[1], "each grower owns a distinct block")
		n, err := rel.Space.NBlocks(common.FORK_MAIN)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(2), n)
		checkMappingInvariant(t, pool)
	})
}

func TestExtendBufferedRelTo(t *testing.T) {
	t.Run("扩到目标并锁定目标块", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 32, nil)
		rel := makeRel(t, mm, 44, 1)
		s := pool.NewSession()
		defer s.Close()

		b, err := s.ExtendBufferedRelTo(rel, common.FORK_MAIN, nil, 0, 5, RBM_NORMAL)
		require.NoError(t, err)
		blk, err := pool.BufferGetBlockNumber(b)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(4), blk)
		require.True(t, pool.descriptors[int(b)-1].contentLock.HeldExclusive())
		require.NoError(t, s.UnlockReleaseBuffer(b))
		require.Zero(t, s.CheckForBufferLeaks())

		n, err := rel.Space.NBlocks(common.FORK_MAIN)
		require.NoError(t, err)
		require.Equal(t, common.BlockNumber(5), n)
	})

	t.Run("超出最大块号报错", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 8, nil)
		rel := makeRel(t, mm, 45, 0)
		s := pool.NewSession()
		defer s.Close()

		_, err := s.ExtendBufferedRelTo(rel, common.FORK_MAIN, nil, 0,
			common.MaxBlockNumber+1, RBM_NORMAL)
		require.Error(t, err)
	})
}

func TestExtendPinBudget(t *testing.T) {
	// pin budget = shared_buffers / max_sessions = 16/8 = 2
	pool, mm, _ := newTestPool(t, 16, nil)
	rel := makeRel(t, mm, 46, 0)
	s := pool.NewSession()
	defer s.Close()

	_, bufs, err := s.ExtendBufferedRelBy(rel, common.FORK_MAIN, nil, 0, 10, common.InvalidBlockNumber)
	require.NoError(t, err)
	require.Len(t, bufs, 2, "extension is capped at the proportional pin budget")
	for _, b := range bufs {
		require.NoError(t, s.ReleaseBuffer(b))
	}
}
