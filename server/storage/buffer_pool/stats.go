package buffer_pool

import (
	"sync/atomic"
	"time"
)

// BufferPoolStats 缓冲池统计信息
type BufferPoolStats struct {
	// 命中率统计
	SharedBlksHit  int64
	SharedBlksRead int64

	// 写入来源统计
	BufWrittenCheckpoint int64
	BufWrittenClean      int64 // 后台写进程
	BufWrittenBackend    int64
	MaxWrittenClean      int64 // bgwriter因达到上限而停止的次数

	// 分配与扩展
	BufAlloc       int64
	BlocksExtended int64
	BlocksDirtied  int64

	// IO延迟（纳秒，仅在track_io_timing开启时累计）
	ReadLatencyTotal  int64
	WriteLatencyTotal int64

	LastResetTime time.Time
}

// NewBufferPoolStats 创建新的统计对象
func NewBufferPoolStats() *BufferPoolStats {
	return &BufferPoolStats{LastResetTime: time.Now()}
}

// RecordRead 记录一次页面请求
func (s *BufferPoolStats) RecordRead(hit bool) {
	if hit {
		atomic.AddInt64(&s.SharedBlksHit, 1)
	} else {
		atomic.AddInt64(&s.SharedBlksRead, 1)
	}
}

// RecordWrite attributes one page write to its source.
func (s *BufferPoolStats) RecordWrite(source WriteSource) {
	switch source {
	case WriteSourceCheckpoint:
		atomic.AddInt64(&s.BufWrittenCheckpoint, 1)
	case WriteSourceBgwriter:
		atomic.AddInt64(&s.BufWrittenClean, 1)
	default:
		atomic.AddInt64(&s.BufWrittenBackend, 1)
	}
}

// RecordAlloc 记录一次受害者获取
func (s *BufferPoolStats) RecordAlloc() {
	atomic.AddInt64(&s.BufAlloc, 1)
}

// RecordExtend 记录扩展的块数
func (s *BufferPoolStats) RecordExtend(n int) {
	atomic.AddInt64(&s.BlocksExtended, int64(n))
}

// RecordDirtied 记录第一次弄脏一个页面
func (s *BufferPoolStats) RecordDirtied() {
	atomic.AddInt64(&s.BlocksDirtied, 1)
}

// RecordMaxWritten 记录bgwriter因写满上限而提前收手
func (s *BufferPoolStats) RecordMaxWritten() {
	atomic.AddInt64(&s.MaxWrittenClean, 1)
}

// RecordIOTime 累计IO延迟
func (s *BufferPoolStats) RecordIOTime(isRead bool, d time.Duration) {
	if isRead {
		atomic.AddInt64(&s.ReadLatencyTotal, int64(d))
	} else {
		atomic.AddInt64(&s.WriteLatencyTotal, int64(d))
	}
}

// GetHitRatio 获取命中率
func (s *BufferPoolStats) GetHitRatio() float64 {
	hit := atomic.LoadInt64(&s.SharedBlksHit)
	read := atomic.LoadInt64(&s.SharedBlksRead)
	if hit+read == 0 {
		return 0
	}
	return float64(hit) / float64(hit+read)
}

// Snapshot returns a plain copy of the counters.
func (s *BufferPoolStats) Snapshot() BufferPoolStats {
	return BufferPoolStats{
		SharedBlksHit:        atomic.LoadInt64(&s.SharedBlksHit),
		SharedBlksRead:       atomic.LoadInt64(&s.SharedBlksRead),
		BufWrittenCheckpoint: atomic.LoadInt64(&s.BufWrittenCheckpoint),
		BufWrittenClean:      atomic.LoadInt64(&s.BufWrittenClean),
		BufWrittenBackend:    atomic.LoadInt64(&s.BufWrittenBackend),
		MaxWrittenClean:      atomic.LoadInt64(&s.MaxWrittenClean),
		BufAlloc:             atomic.LoadInt64(&s.BufAlloc),
		BlocksExtended:       atomic.LoadInt64(&s.BlocksExtended),
		BlocksDirtied:        atomic.LoadInt64(&s.BlocksDirtied),
		ReadLatencyTotal:     atomic.LoadInt64(&s.ReadLatencyTotal),
		WriteLatencyTotal:    atomic.LoadInt64(&s.WriteLatencyTotal),
		LastResetTime:        s.LastResetTime,
	}
}

// WriteSource tells the stats who issued a page write.
type WriteSource int

const (
	WriteSourceBackend WriteSource = iota
	WriteSourceBgwriter
	WriteSourceCheckpoint
)
