package wal

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/juju/errors"
	atomicfile "github.com/natefinch/atomic"
	"github.com/zhukovaskychina/xstore-server/logger"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// record types
const (
	recordFullPageImage uint8 = 1
)

const checkpointFileName = "checkpoint"

// FileLogManager is a minimal file-backed redo log: records are appended to
// an in-memory buffer under a mutex and flushed to redo.log on demand. LSNs
// are byte positions in the log, so FlushUpTo can compare positions directly.
type FileLogManager struct {
	mu        sync.Mutex
	logFile   *os.File
	logDir    string
	buffer    []byte      // 未落盘的日志内容
	bufferLSN common.LSNT // buffer第一个字节的LSN
	nextLSN   common.LSNT // 下一条记录的起始LSN

	flushedLSN uint64 // atomic; log durable up to here

	recovery bool
}

// NewFileLogManager opens (or creates) the redo log under logDir.
func NewFileLogManager(logDir string) (*FileLogManager, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, errors.Trace(err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, "redo.log"),
		os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Trace(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	m := &FileLogManager{
		logFile: f,
		logDir:  logDir,
		nextLSN: common.LSNT(fi.Size()) + 1,
	}
	m.bufferLSN = m.nextLSN
	atomic.StoreUint64(&m.flushedLSN, uint64(fi.Size())+1)
	return m, nil
}

// Append adds an opaque record and returns its end LSN. The record becomes
// durable once FlushUpTo reaches the returned LSN.
func (m *FileLogManager) Append(recType uint8, payload []byte) (common.LSNT, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var hdr [5]byte
	hdr[0] = recType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	m.buffer = append(m.buffer, hdr[:]...)
	m.buffer = append(m.buffer, payload...)
	m.nextLSN += common.LSNT(len(hdr) + len(payload))
	return m.nextLSN, nil
}

// FlushUpTo makes the log durable at least up to lsn.
func (m *FileLogManager) FlushUpTo(lsn common.LSNT) error {
	if !m.NeedsFlush(lsn) {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if common.LSNT(atomic.LoadUint64(&m.flushedLSN)) >= lsn {
		return nil
	}
	if len(m.buffer) > 0 {
		if _, err := m.logFile.Write(m.buffer); err != nil {
			return errors.Annotate(err, "write redo log")
		}
		m.buffer = m.buffer[:0]
		m.bufferLSN = m.nextLSN
	}
	if err := m.logFile.Sync(); err != nil {
		return errors.Annotate(err, "sync redo log")
	}
	atomic.StoreUint64(&m.flushedLSN, uint64(m.nextLSN))
	return nil
}

// NeedsFlush reports whether lsn is beyond the durable part of the log.
func (m *FileLogManager) NeedsFlush(lsn common.LSNT) bool {
	if lsn == common.InvalidLSN {
		return false
	}
	return common.LSNT(atomic.LoadUint64(&m.flushedLSN)) < lsn
}

// LogFullPageImage appends a full copy of the page. Used to protect
// hint-bit-only changes against torn writes when checksums are enabled.
func (m *FileLogManager) LogFullPageImage(spaceID common.SpaceID, dbID common.DatabaseID,
	relID common.RelationID, fork common.ForkNumber,
	blockNo common.BlockNumber, page []byte) (common.LSNT, error) {

	payload := make([]byte, 17+common.PAGE_SIZE)
	binary.BigEndian.PutUint32(payload[0:], uint32(spaceID))
	binary.BigEndian.PutUint32(payload[4:], uint32(dbID))
	binary.BigEndian.PutUint32(payload[8:], uint32(relID))
	payload[12] = byte(fork)
	binary.BigEndian.PutUint32(payload[13:], uint32(blockNo))
	copy(payload[17:], page[:common.PAGE_SIZE])
	return m.Append(recordFullPageImage, payload)
}

// InRecovery reports whether the manager replays instead of appending.
func (m *FileLogManager) InRecovery() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery
}

// SetRecovery flips recovery mode. The startup path sets it during replay.
func (m *FileLogManager) SetRecovery(rec bool) {
	m.mu.Lock()
	m.recovery = rec
	m.mu.Unlock()
}

// FlushedLSN returns the durable position of the log.
func (m *FileLogManager) FlushedLSN() common.LSNT {
	return common.LSNT(atomic.LoadUint64(&m.flushedLSN))
}

// CurrentLSN returns the position the next record would get.
func (m *FileLogManager) CurrentLSN() common.LSNT {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// WriteCheckpoint records lsn as the last completed checkpoint. The file is
// replaced atomically so a crash can never leave a half-written position.
func (m *FileLogManager) WriteCheckpoint(lsn common.LSNT) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(lsn))
	path := filepath.Join(m.logDir, checkpointFileName)
	if err := atomicfile.WriteFile(path, bytes.NewReader(buf[:])); err != nil {
		return errors.Annotate(err, "write checkpoint file")
	}
	logger.Infof("checkpoint recorded at LSN %d", lsn)
	return nil
}

// LastCheckpoint reads the position of the last completed checkpoint.
// Returns InvalidLSN when no checkpoint has completed yet.
func (m *FileLogManager) LastCheckpoint() (common.LSNT, error) {
	data, err := os.ReadFile(filepath.Join(m.logDir, checkpointFileName))
	if os.IsNotExist(err) {
		return common.InvalidLSN, nil
	}
	if err != nil {
		return common.InvalidLSN, errors.Trace(err)
	}
	if len(data) < 8 {
		return common.InvalidLSN, errors.New("checkpoint file truncated")
	}
	return common.LSNT(binary.BigEndian.Uint64(data)), nil
}

// Close flushes everything and closes the log file.
func (m *FileLogManager) Close() error {
	if err := m.FlushUpTo(m.CurrentLSN()); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logFile.Close()
}
