package lwlock

import (
	"runtime"
	"time"
)

const (
	spinsBeforeYield = 100
	spinsBeforeSleep = 1000
	maxSleep         = time.Millisecond
)

// SpinDelay paces a spin loop on a contended header word: busy-spin first,
// then yield the processor, then back off with growing sleeps.
type SpinDelay struct {
	spins int
	sleep time.Duration
}

// Delay performs one wait step.
func (d *SpinDelay) Delay() {
	d.spins++
	switch {
	case d.spins < spinsBeforeYield:
		// 忙等，锁持有时间是微秒级的
	case d.spins < spinsBeforeSleep:
		runtime.Gosched()
	default:
		if d.sleep == 0 {
			d.sleep = 10 * time.Microsecond
		} else if d.sleep < maxSleep {
			d.sleep *= 2
		}
		time.Sleep(d.sleep)
	}
}
