package wal

import "github.com/zhukovaskychina/xstore-server/server/common"

// LogManager is the slice of the redo log the buffer pool depends on.
// The pool never interprets log contents; it only needs the write-ahead
// rule ("flush WAL up to a page's LSN before writing the page") and
// full-page images for hint-bit protection under checksums.
type LogManager interface {
	// FlushUpTo makes the log durable at least up to lsn.
	FlushUpTo(lsn common.LSNT) error

	// NeedsFlush reports whether FlushUpTo(lsn) would actually do work.
	NeedsFlush(lsn common.LSNT) bool

	// LogFullPageImage appends a full-page-image record for the page and
	// returns the record's end LSN.
	LogFullPageImage(spaceID common.SpaceID, dbID common.DatabaseID,
		relID common.RelationID, fork common.ForkNumber,
		blockNo common.BlockNumber, page []byte) (common.LSNT, error)

	// InRecovery reports whether the system is replaying the log.
	InRecovery() bool
}
