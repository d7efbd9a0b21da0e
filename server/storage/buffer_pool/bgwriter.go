package buffer_pool

import (
	"time"

	"github.com/zhukovaskychina/xstore-server/logger"
)

// 平滑窗口，分配率快升慢降
const bgwSmoothingSamples = 16

// bgwriterState survives between BgBufferSync calls.
type bgwriterState struct {
	saved bool

	// where our cleaning point is, as clock position + completed passes
	nextToClean int
	nextPasses  uint32

	prevHand   int
	prevPasses uint32

	// smoothedAlloc estimates buffer allocations per round.
	smoothedAlloc float64

	// smoothedDensity estimates buffers scanned per reusable buffer
	// found.
	smoothedDensity float64
}

// BgBufferSync runs one background-writer round: write out buffers the
// clock sweep will reach soon, so foreground victims are usually clean.
// Returns true when the system is idle and the caller may hibernate.
func (s *Session) BgBufferSync(wb *WritebackContext) (bool, error) {
	pool := s.pool
	cfg := pool.cfg
	b := &pool.bgw

	hand, passes, recentAlloc := pool.strategy.SyncStart()

	if !b.saved {
		b.saved = true
		b.nextToClean = hand
		b.nextPasses = passes
		b.prevHand = hand
		b.prevPasses = passes
		b.smoothedDensity = 1.0
		return true, nil
	}
	b.prevHand = hand
	b.prevPasses = passes

	if cfg.BgwriterLRUMaxPages <= 0 {
		return true, nil
	}

	// Fast attack, slow decline: a burst raises the estimate at once, an
	// idle period decays it gradually.
	if float64(recentAlloc) >= b.smoothedAlloc {
		b.smoothedAlloc = float64(recentAlloc)
	} else {
		b.smoothedAlloc += (float64(recentAlloc) - b.smoothedAlloc) / bgwSmoothingSamples
	}

	// How far ahead of the strategy point our cleaning point already is.
	ahead := (int64(b.nextPasses)-int64(passes))*int64(pool.nbuffers) +
		int64(b.nextToClean) - int64(hand)
	if ahead < 0 {
		// 时钟已经越过我们，从当前位置重新追
		b.nextToClean = hand
		b.nextPasses = passes
		ahead = 0
	}

	if b.smoothedDensity < 1.0 {
		b.smoothedDensity = 1.0
	}
	reusableEst := float64(ahead) / b.smoothedDensity
	upcomingEst := b.smoothedAlloc * cfg.BgwriterLRUMultiplier

	numWritten := 0
	scanned := 0
	newlyReusable := 0
	reusable := reusableEst

	for reusable < upcomingEst && numWritten < cfg.BgwriterLRUMaxPages && scanned < pool.nbuffers {
		res, err := s.SyncOneBuffer(b.nextToClean, true, wb, WriteSourceBgwriter)
		if err != nil {
			return false, err
		}
		b.nextToClean++
		if b.nextToClean >= pool.nbuffers {
			b.nextToClean = 0
			b.nextPasses++
		}
		scanned++
		if res&BUF_REUSABLE != 0 {
			reusable++
			newlyReusable++
		}
		if res&BUF_WRITTEN != 0 {
			numWritten++
		}
	}
	if numWritten >= cfg.BgwriterLRUMaxPages {
		pool.stats.RecordMaxWritten()
	}

	if newlyReusable > 0 {
		density := float64(scanned) / float64(newlyReusable)
		b.smoothedDensity += (density - b.smoothedDensity) / bgwSmoothingSamples
	}

	if wb != nil {
		wb.Issue()
	}

	logger.Debugf("bgwriter: scanned %d wrote %d (alloc est %.1f, density %.2f)",
		scanned, numWritten, b.smoothedAlloc, b.smoothedDensity)

	// Idle when nobody allocated and our cleaning point has lapped the
	// whole pool ahead of the strategy.
	lead := (int64(b.nextPasses)-int64(passes))*int64(pool.nbuffers) +
		int64(b.nextToClean) - int64(hand)
	hibernate := recentAlloc == 0 && lead >= int64(pool.nbuffers)
	return hibernate, nil
}

// RunBackgroundWriter drives BgBufferSync on bgwriter_delay until stop is
// closed, hibernating at 50x the delay while the pool is idle.
func (s *Session) RunBackgroundWriter(stop <-chan struct{}) {
	wb := newWritebackContext(s.pool, func() int { return s.pool.cfg.BgwriterFlushAfter })
	delay := s.pool.cfg.BgwriterDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	const hibernateFactor = 50
	sleep := delay
	for {
		select {
		case <-stop:
			wb.Issue()
			return
		case <-time.After(sleep):
		}
		canHibernate, err := s.BgBufferSync(wb)
		if err != nil {
			logger.Errorf("background writer round failed: %v", err)
			canHibernate = false
		}
		if canHibernate {
			sleep = delay * hibernateFactor
		} else {
			sleep = delay
		}
	}
}
