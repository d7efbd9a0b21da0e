package conf

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/zhukovaskychina/xstore-server/server/storage/buffer_pool"
)

/**
配置文件示例：

[storage]
datadir              = /var/lib/xstore/data
waldir               = /var/lib/xstore/wal

[buffer_pool]
shared_buffers       = 1024
max_sessions         = 64
data_checksums       = false
zero_damaged_pages   = false
track_io_timing      = false
backend_flush_after  = 0

[bgwriter]
bgwriter_delay          = 200ms
bgwriter_lru_maxpages   = 100
bgwriter_lru_multiplier = 2.0
bgwriter_flush_after    = 64

[checkpoint]
checkpoint_flush_after       = 32
checkpoint_completion_target = 0.9
*/

// Cfg is the storage server configuration.
type Cfg struct {
	Raw *ini.File

	DataDir string
	WalDir  string

	BufferPool *buffer_pool.Config
}

// NewCfg returns the built-in defaults.
func NewCfg() *Cfg {
	return &Cfg{
		Raw:        ini.Empty(),
		DataDir:    "data",
		WalDir:     "wal",
		BufferPool: buffer_pool.DefaultConfig(),
	}
}

// Load reads the ini file at path over the defaults.
func (cfg *Cfg) Load(path string) (*Cfg, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Annotatef(err, "config file %s", path)
	}
	raw, err := ini.Load(path)
	if err != nil {
		return nil, errors.Annotatef(err, "parse config file %s", path)
	}
	cfg.Raw = raw

	storage := raw.Section("storage")
	cfg.DataDir = storage.Key("datadir").MustString(cfg.DataDir)
	cfg.WalDir = storage.Key("waldir").MustString(cfg.WalDir)

	bp := cfg.BufferPool
	pool := raw.Section("buffer_pool")
	bp.SharedBuffers = pool.Key("shared_buffers").MustInt(bp.SharedBuffers)
	bp.MaxSessions = pool.Key("max_sessions").MustInt(bp.MaxSessions)
	bp.DataChecksums = pool.Key("data_checksums").MustBool(bp.DataChecksums)
	bp.ZeroDamagedPages = pool.Key("zero_damaged_pages").MustBool(bp.ZeroDamagedPages)
	bp.TrackIOTiming = pool.Key("track_io_timing").MustBool(bp.TrackIOTiming)
	bp.BackendFlushAfter = pool.Key("backend_flush_after").MustInt(bp.BackendFlushAfter)
	bp.EffectiveIOConcurrency = pool.Key("effective_io_concurrency").MustInt(bp.EffectiveIOConcurrency)
	bp.MaintenanceIOConcurrency = pool.Key("maintenance_io_concurrency").MustInt(bp.MaintenanceIOConcurrency)
	if pool.Key("io_direct").MustString("") == "data" {
		bp.IODirectFlags |= buffer_pool.IODirectData
	}
	bp.DeadlockTimeout = mustDuration(pool.Key("deadlock_timeout"), bp.DeadlockTimeout)

	bgw := raw.Section("bgwriter")
	bp.BgwriterDelay = mustDuration(bgw.Key("bgwriter_delay"), bp.BgwriterDelay)
	bp.BgwriterLRUMaxPages = bgw.Key("bgwriter_lru_maxpages").MustInt(bp.BgwriterLRUMaxPages)
	bp.BgwriterLRUMultiplier = bgw.Key("bgwriter_lru_multiplier").MustFloat64(bp.BgwriterLRUMultiplier)
	bp.BgwriterFlushAfter = bgw.Key("bgwriter_flush_after").MustInt(bp.BgwriterFlushAfter)

	ckpt := raw.Section("checkpoint")
	bp.CheckpointFlushAfter = ckpt.Key("checkpoint_flush_after").MustInt(bp.CheckpointFlushAfter)
	bp.CheckpointCompletionTarget = ckpt.Key("checkpoint_completion_target").MustFloat64(bp.CheckpointCompletionTarget)

	if bp.SharedBuffers < 2 {
		return nil, errors.Errorf("shared_buffers must be at least 2, got %d", bp.SharedBuffers)
	}
	return cfg, nil
}

func mustDuration(key *ini.Key, def time.Duration) time.Duration {
	v := key.MustString("")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
