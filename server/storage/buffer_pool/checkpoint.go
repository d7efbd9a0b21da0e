package buffer_pool

import (
	"container/heap"
	"sort"

	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// CheckpointFlags describe the kind of checkpoint being run.
type CheckpointFlags uint32

const (
	// CHECKPOINT_IS_SHUTDOWN writes unlogged relations too.
	CHECKPOINT_IS_SHUTDOWN CheckpointFlags = 1 << iota

	// CHECKPOINT_END_OF_RECOVERY likewise.
	CHECKPOINT_END_OF_RECOVERY

	// CHECKPOINT_IMMEDIATE skips the throttle hook.
	CHECKPOINT_IMMEDIATE

	// CHECKPOINT_FLUSH_ALL includes non-permanent buffers.
	CHECKPOINT_FLUSH_ALL
)

// Results of SyncOneBuffer.
const (
	BUF_REUSABLE = 1 << iota
	BUF_WRITTEN
)

type ckptSortItem struct {
	tag   BufferTag
	bufID int
}

// tsProgress balances checkpoint writes across tablespaces: each pop picks
// the tablespace that is furthest behind on its share of the total.
type tsProgress struct {
	spaceID common.SpaceID
	next    int // index of the next item in the sorted scratch array
	end     int
	// progress is virtual time: advances by slice per write, so a
	// tablespace with many dirty pages advances slowly and gets popped
	// more often.
	progress float64
	slice    float64
}

type tsHeap []*tsProgress

func (h tsHeap) Len() int { return len(h) }
func (h tsHeap) Less(i, j int) bool {
	if h[i].progress != h[j].progress {
		return h[i].progress < h[j].progress
	}
	return h[i].spaceID < h[j].spaceID
}
func (h tsHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *tsHeap) Push(x interface{}) { *h = append(*h, x.(*tsProgress)) }
func (h *tsHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// CheckpointBuffers writes every buffer that was dirty when the scan ran.
// throttle, when non-nil and the checkpoint is not immediate, is called
// after each marked buffer is processed (written, or found already clean)
// with the fraction of work done so it can sleep the
// writer toward checkpoint_completion_target. Returns the number of pages
// written.
func (s *Session) CheckpointBuffers(flags CheckpointFlags, throttle func(progress float64)) (int, error) {
	pool := s.pool
	pool.ckptMu.Lock()
	defer pool.ckptMu.Unlock()

	wb := newWritebackContext(pool, func() int { return pool.cfg.CheckpointFlushAfter })

	// Phase 1: mark. Everything dirty right now must go out; pages
	// dirtied after this scan belong to the next checkpoint.
	requirePermanent := flags&(CHECKPOINT_IS_SHUTDOWN|CHECKPOINT_END_OF_RECOVERY|CHECKPOINT_FLUSH_ALL) == 0
	items := make([]ckptSortItem, 0, 64)
	for i := range pool.descriptors {
		desc := &pool.descriptors[i]
		st := desc.LockHeader()
		if st&BUF_DIRTY != 0 && (!requirePermanent || st&BUF_PERMANENT != 0) {
			desc.UnlockHeader(st | BUF_CHECKPOINT_NEEDED)
			items = append(items, ckptSortItem{tag: desc.tag, bufID: i})
		} else {
			desc.UnlockHeader(st)
		}
	}
	if len(items) == 0 {
		pool.waitDelayCheckpoint()
		return 0, nil
	}

	// Phase 2: sort so per-file writes are sequential and tablespaces
	// form contiguous ranges.
	sort.Slice(items, func(i, j int) bool { return items[i].tag.Less(items[j].tag) })

	total := len(items)
	h := make(tsHeap, 0, 4)
	start := 0
	for i := 1; i <= total; i++ {
		if i == total || items[i].tag.SpaceID != items[start].tag.SpaceID {
			n := i - start
			h = append(h, &tsProgress{
				spaceID: items[start].tag.SpaceID,
				next:    start,
				end:     i,
				slice:   float64(total) / float64(n),
			})
			start = i
		}
	}
	heap.Init(&h)

	// Phase 3: write, round-robin weighted by dirty count per tablespace.
	written := 0
	processed := 0
	for h.Len() > 0 {
		ts := heap.Pop(&h).(*tsProgress)
		item := items[ts.next]
		ts.next++

		desc := &pool.descriptors[item.bufID]
		st := desc.LockHeader()
		needed := st&BUF_CHECKPOINT_NEEDED != 0 && desc.tag == item.tag
		desc.UnlockHeader(st)
		if needed {
			// A concurrent flush may still beat us; SyncOneBuffer
			// rechecks under its own pin.
			res, err := s.SyncOneBuffer(item.bufID, false, wb, WriteSourceCheckpoint)
			if err != nil {
				wb.Issue()
				return written, err
			}
			if res&BUF_WRITTEN != 0 {
				written++
			}
		}
		processed++

		ts.progress += ts.slice
		if ts.next < ts.end {
			heap.Push(&h, ts)
		}
		if throttle != nil && flags&CHECKPOINT_IMMEDIATE == 0 {
			throttle(float64(processed) / float64(total))
		}
	}

	wb.Issue()

	// A checkpoint must not complete while a session sits between "full
	// page image logged" and "dirty bit set".
	pool.waitDelayCheckpoint()

	logger.Debugf("checkpoint wrote %d of %d marked buffers", written, total)
	return written, nil
}

// SyncOneBuffer writes one buffer if it is valid and dirty. With
// skipRecentlyUsed the buffer is only considered when the clock sweep could
// reclaim it right away. Returns BUF_REUSABLE / BUF_WRITTEN bits.
func (s *Session) SyncOneBuffer(bufID int, skipRecentlyUsed bool,
	wb *WritebackContext, source WriteSource) (int, error) {

	desc := &s.pool.descriptors[bufID]
	result := 0

	s.reservePrivateRef()
	st := desc.LockHeader()
	if BufStateGetRefCount(st) == 0 && BufStateGetUsageCount(st) == 0 {
		result |= BUF_REUSABLE
	} else if skipRecentlyUsed {
		desc.UnlockHeader(st)
		return result, nil
	}
	if st&BUF_VALID == 0 || st&BUF_DIRTY == 0 {
		desc.UnlockHeader(st)
		return result, nil
	}

	s.pinBufferLocked(desc)
	desc.contentLock.Acquire(contentShared)
	err := s.flushBuffer(desc, nil, source, wb)
	desc.contentLock.Release()
	s.releaseDesc(desc)
	if err != nil {
		return result, err
	}
	return result | BUF_WRITTEN, nil
}
