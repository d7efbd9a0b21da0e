package buffer_pool

import (
	"sync/atomic"

	"github.com/zhukovaskychina/xstore-server/server/storage/lwlock"
)

// BufferDesc is the control block of one cache slot. Descriptors are created
// once at pool init and never move; callers address them by dense buf_id.
type BufferDesc struct {
	tag   BufferTag // 仅在持有header锁或映射分区锁时可写
	bufID int

	// state packs refcount, usage count and flags. See buffer_state.go.
	state atomic.Uint32

	// waitBackendID is the session waiting for pincount==1. Only
	// meaningful while BUF_PIN_COUNT_WAITER is set; guarded by BUF_LOCKED.
	waitBackendID int32

	// freeNext links the descriptor into the free list. Guarded by the
	// strategy's free-list mutex.
	freeNext int

	contentLock lwlock.LWLock
	ioCV        lwlock.CondVar
}

const (
	freeNextNotInList = -1
	freeNextEndOfList = -2
)

// content/partition lock mode aliases, for brevity at call sites
const (
	contentShared    = lwlock.Shared
	contentExclusive = lwlock.Exclusive
)

// Buffer returns the caller-visible handle for this descriptor.
func (buf *BufferDesc) Buffer() Buffer {
	return Buffer(buf.bufID + 1)
}

// Tag returns the descriptor's current tag. Callers must hold a pin (the
// tag cannot change under a pin) or the header lock.
func (buf *BufferDesc) Tag() BufferTag {
	return buf.tag
}

// LockHeader acquires the header spinlock and returns the locked state word.
func (buf *BufferDesc) LockHeader() uint32 {
	var delay lwlock.SpinDelay
	for {
		old := buf.state.Load()
		if old&BUF_LOCKED == 0 {
			if buf.state.CompareAndSwap(old, old|BUF_LOCKED) {
				return old | BUF_LOCKED
			}
			continue
		}
		delay.Delay()
	}
}

// UnlockHeader releases the header spinlock, installing the given state
// word with BUF_LOCKED cleared.
func (buf *BufferDesc) UnlockHeader(state uint32) {
	buf.state.Store(state &^ BUF_LOCKED)
}

// WaitHeaderUnlocked spins until the header lock is free and returns the
// last observed state. Used by CAS loops that must not see BUF_LOCKED.
func (buf *BufferDesc) WaitHeaderUnlocked() uint32 {
	var delay lwlock.SpinDelay
	state := buf.state.Load()
	for state&BUF_LOCKED != 0 {
		delay.Delay()
		state = buf.state.Load()
	}
	return state
}
