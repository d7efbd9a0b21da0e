//go:build linux

package smgr

import (
	"os"

	"golang.org/x/sys/unix"
)

// prefetchHint asks the kernel to read the range ahead of time.
func prefetchHint(f *os.File, off, length int64) bool {
	err := unix.Fadvise(int(f.Fd()), off, length, unix.FADV_WILLNEED)
	return err == nil
}

// writebackHint starts asynchronous writeback of the range.
func writebackHint(f *os.File, off, length int64) error {
	return unix.SyncFileRange(int(f.Fd()), off, length, unix.SYNC_FILE_RANGE_WRITE)
}

// datasync flushes file data without forcing a metadata sync.
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
