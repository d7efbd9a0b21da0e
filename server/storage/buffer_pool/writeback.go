package buffer_pool

import "sort"

// WritebackContext batches writeback hints so the OS sees a few big
// contiguous ranges instead of many single pages. Purely advisory.
type WritebackContext struct {
	pool       *BufferPool
	maxPending func() int
	pending    []BufferTag
}

func newWritebackContext(pool *BufferPool, maxPending func() int) *WritebackContext {
	return &WritebackContext{pool: pool, maxPending: maxPending}
}

// Schedule queues one just-written page, flushing the queue when full.
func (wb *WritebackContext) Schedule(tag BufferTag) {
	if wb.pool.cfg.hintsDisabled() {
		return
	}
	max := wb.maxPending()
	if max <= 0 {
		return
	}
	wb.pending = append(wb.pending, tag)
	if len(wb.pending) >= max {
		wb.Issue()
	}
}

// Issue sorts the queue, fuses consecutive blocks of the same fork into
// runs, and hands each run to the storage manager. Errors are ignored;
// this is only a hint.
func (wb *WritebackContext) Issue() {
	if len(wb.pending) == 0 {
		return
	}
	sort.SliceStable(wb.pending, func(i, j int) bool {
		return wb.pending[i].Less(wb.pending[j])
	})
	i := 0
	for i < len(wb.pending) {
		run := wb.pending[i]
		next := run.BlockNo
		j := i + 1
		for j < len(wb.pending) {
			t := wb.pending[j]
			if t.Locator() != run.Locator() || t.ForkNo != run.ForkNo {
				break
			}
			// 相同或紧邻的块并入同一个run
			if t.BlockNo != next && t.BlockNo != next+1 {
				break
			}
			next = t.BlockNo
			j++
		}
		if space, err := wb.pool.spaceMgr.Open(run.Locator()); err == nil {
			space.Writeback(run.ForkNo, run.BlockNo, int(next-run.BlockNo)+1)
		}
		i = j
	}
	wb.pending = wb.pending[:0]
}
