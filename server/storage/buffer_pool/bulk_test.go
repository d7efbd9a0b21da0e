package buffer_pool

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

func TestDropRelationBuffers(t *testing.T) {
	t.Run("目标查找路径", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 256, nil)
		rel := makeRel(t, mm, 70, 4)
		s := pool.NewSession()
		defer s.Close()

		for blk := common.BlockNumber(0); blk < 4; blk++ {
			b := dirtyBlock(t, s, rel, blk, 0)
			require.NoError(t, s.ReleaseBuffer(b))
		}

		// 4 of 256 buffers: well under the 1/32 threshold, uses lookups
		writes := mm.WriteCalls
		s.DropRelationBuffers(rel, []common.ForkNumber{common.FORK_MAIN},
			[]common.BlockNumber{0})
		require.Equal(t, writes, mm.WriteCalls, "dropped dirty pages are not written")
		checkMappingInvariant(t, pool)

		// every tag is gone from the mapping
		loc := rel.Space.Locator()
		for i := range pool.descriptors {
			require.NotEqual(t, loc, pool.descriptors[i].tag.Locator())
		}

		// a re-read goes to disk again
		reads := mm.ReadCalls
		b, err := s.ReadBuffer(rel, 0)
		require.NoError(t, err)
		require.Equal(t, reads+1, mm.ReadCalls)
		require.NoError(t, s.ReleaseBuffer(b))
	})

	t.Run("全表扫描路径只删尾部", func(t *testing.T) {
		pool, mm, _ := newTestPool(t, 32, nil)
		rel := makeRel(t, mm, 71, 8)
		s := pool.NewSession()
		defer s.Close()

		for blk := common.BlockNumber(0); blk < 8; blk++ {
			b, err := s.ReadBuffer(rel, blk)
			require.NoError(t, err)
			require.NoError(t, s.ReleaseBuffer(b))
		}

		// 3 blocks to drop (8 cached, cut at 5) is not under 32/32=1:
		// forces the scan path; truncate to 5
		s.DropRelationBuffers(rel, []common.ForkNumber{common.FORK_MAIN},
			[]common.BlockNumber{5})

		reads := mm.ReadCalls
		for blk := common.BlockNumber(0); blk < 5; blk++ {
			b, err := s.ReadBuffer(rel, blk)
			require.NoError(t, err)
			require.NoError(t, s.ReleaseBuffer(b))
		}
		require.Equal(t, reads, mm.ReadCalls, "blocks below the cutoff stay cached")
		checkMappingInvariant(t, pool)
	})
}

func TestDropDatabaseBuffers(t *testing.T) {
	pool, mm, _ := newTestPool(t, 32, nil)
	relA := makeRelIn(t, mm, 1, 5, 72, 2)
	relB := makeRelIn(t, mm, 1, 6, 73, 2)
	s := pool.NewSession()
	defer s.Close()

	for _, rel := range []*Relation{relA, relB} {
		b, err := s.ReadBuffer(rel, 0)
		require.NoError(t, err)
		require.NoError(t, s.ReleaseBuffer(b))
	}

	s.DropDatabaseBuffers(5)

	reads := mm.ReadCalls
	b, err := s.ReadBuffer(relB, 0)
	require.NoError(t, err)
	require.Equal(t, reads, mm.ReadCalls, "other database untouched")
	require.NoError(t, s.ReleaseBuffer(b))

	b, err = s.ReadBuffer(relA, 0)
	require.NoError(t, err)
	require.Equal(t, reads+1, mm.ReadCalls, "dropped database re-read from disk")
	require.NoError(t, s.ReleaseBuffer(b))
}

func TestFlushRelationBuffers(t *testing.T) {
	pool, mm, _ := newTestPool(t, 32, nil)
	rel := makeRel(t, mm, 74, 4)
	other := makeRel(t, mm, 75, 4)
	s := pool.NewSession()
	defer s.Close()

	for blk := common.BlockNumber(0); blk < 3; blk++ {
		b := dirtyBlock(t, s, rel, blk, 0)
		require.NoError(t, s.ReleaseBuffer(b))
	}
	bOther := dirtyBlock(t, s, other, 0, 0)
	require.NoError(t, s.ReleaseBuffer(bOther))

	writes := mm.WriteCalls
	require.NoError(t, s.FlushRelationBuffers(rel))
	require.Equal(t, writes+3, mm.WriteCalls, "only the relation's pages written")

	loc := rel.Space.Locator()
	for i := range pool.descriptors {
		desc := &pool.descriptors[i]
		if desc.tag.Locator() == loc {
			require.Zero(t, desc.state.Load()&BUF_DIRTY)
		}
	}
	// the other relation stays dirty
	require.NotZero(t, pool.descriptors[int(bOther)-1].state.Load()&BUF_DIRTY)
}

func TestFlushDatabaseBuffers(t *testing.T) {
	pool, mm, _ := newTestPool(t, 32, nil)
	relA := makeRelIn(t, mm, 1, 8, 76, 2)
	relB := makeRelIn(t, mm, 1, 9, 77, 2)
	s := pool.NewSession()
	defer s.Close()

	ba := dirtyBlock(t, s, relA, 0, 0)
	require.NoError(t, s.ReleaseBuffer(ba))
	bb := dirtyBlock(t, s, relB, 0, 0)
	require.NoError(t, s.ReleaseBuffer(bb))

	writes := mm.WriteCalls
	require.NoError(t, s.FlushDatabaseBuffers(8))
	require.Equal(t, writes+1, mm.WriteCalls)
	require.Zero(t, pool.descriptors[int(ba)-1].state.Load()&BUF_DIRTY)
	require.NotZero(t, pool.descriptors[int(bb)-1].state.Load()&BUF_DIRTY)
}

func TestFlushRelationsAll(t *testing.T) {
	pool, mm, _ := newTestPool(t, 64, nil)
	s := pool.NewSession()
	defer s.Close()

	rels := make([]*Relation, 4)
	for i := range rels {
		rels[i] = makeRel(t, mm, common.RelationID(80+i), 2)
		b := dirtyBlock(t, s, rels[i], 0, 0)
		require.NoError(t, s.ReleaseBuffer(b))
	}
	outsider := makeRel(t, mm, 90, 2)
	bo := dirtyBlock(t, s, outsider, 0, 0)
	require.NoError(t, s.ReleaseBuffer(bo))

	writes := mm.WriteCalls
	require.NoError(t, s.FlushRelationsAll(rels[:2]))
	require.Equal(t, writes+2, mm.WriteCalls)
	require.NotZero(t, pool.descriptors[int(bo)-1].state.Load()&BUF_DIRTY)
}
