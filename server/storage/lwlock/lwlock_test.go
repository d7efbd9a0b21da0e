package lwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLWLockSharedExclusive(t *testing.T) {
	l := NewLWLock()

	l.Acquire(Shared)
	require.True(t, l.ConditionalAcquire(Shared), "readers share")
	require.False(t, l.ConditionalAcquire(Exclusive))
	l.Release()
	l.Release()

	l.Acquire(Exclusive)
	require.True(t, l.HeldExclusive())
	require.False(t, l.ConditionalAcquire(Shared))
	require.False(t, l.ConditionalAcquire(Exclusive))
	l.Release()
	require.False(t, l.HeldExclusive())
}

func TestLWLockReleaseWithoutMode(t *testing.T) {
	l := NewLWLock()

	// the lock itself knows whether the releaser was reader or writer
	l.Acquire(Shared)
	l.Release()
	l.Acquire(Exclusive)
	l.Release()
	require.True(t, l.ConditionalAcquire(Exclusive))
	l.Release()
}

func TestLWLockWriterExcludesReaders(t *testing.T) {
	l := NewLWLock()
	var counter int64

	l.Acquire(Exclusive)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			l.Acquire(Shared)
			atomic.AddInt64(&counter, 1)
			l.Release()
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, atomic.LoadInt64(&counter), "readers wait for the writer")
	l.Release()
	for i := 0; i < 4; i++ {
		<-done
	}
	require.Equal(t, int64(4), counter)
}

func TestLWLockMutualExclusion(t *testing.T) {
	l := NewLWLock()
	var inside int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.Acquire(Exclusive)
				if atomic.AddInt64(&inside, 1) != 1 {
					t.Error("two writers inside")
				}
				atomic.AddInt64(&inside, -1)
				l.Release()
			}
		}()
	}
	wg.Wait()
}

func TestCondVarNoMissedWakeup(t *testing.T) {
	cv := NewCondVar()
	var ready atomic.Bool

	done := make(chan struct{})
	go func() {
		for {
			ch := cv.WaitChan()
			if ready.Load() {
				break
			}
			<-ch
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	ready.Store(true)
	cv.Broadcast()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter missed the broadcast")
	}
}

func TestCondVarBroadcastWakesAll(t *testing.T) {
	cv := NewCondVar()
	const n = 5
	var wg sync.WaitGroup
	ch := cv.WaitChan()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ch
		}()
	}
	cv.Broadcast()
	wg.Wait()
}

func TestSpinDelayTerminates(t *testing.T) {
	var d SpinDelay
	for i := 0; i < spinsBeforeSleep+10; i++ {
		d.Delay()
	}
}
