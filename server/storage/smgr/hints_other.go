//go:build !linux

package smgr

import "os"

// 没有fadvise/sync_file_range的平台上，提示全部退化为空操作。

func prefetchHint(f *os.File, off, length int64) bool { return false }

func writebackHint(f *os.File, off, length int64) error { return nil }

func datasync(f *os.File) error { return f.Sync() }
