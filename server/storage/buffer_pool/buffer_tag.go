package buffer_pool

import (
	"encoding/binary"
	"fmt"

	"github.com/zhukovaskychina/xstore-server/server/common"
	"github.com/zhukovaskychina/xstore-server/util"
)

// Buffer is the handle callers hold on a pinned buffer. 0 is invalid;
// positive handles are shared-pool descriptors (buf_id+1). Negative values
// are reserved for a session-local pool for temporary relations.
type Buffer int32

// InvalidBuffer 无效句柄
const InvalidBuffer Buffer = 0

// P_NEW as a block number routes a read to the extension path.
const P_NEW = common.InvalidBlockNumber

// BufferTag is the identity of a cached block.
type BufferTag struct {
	SpaceID common.SpaceID
	DBID    common.DatabaseID
	RelID   common.RelationID
	ForkNo  common.ForkNumber
	BlockNo common.BlockNumber
}

// Locator returns the relation part of the tag.
func (t BufferTag) Locator() common.FileLocator {
	return common.FileLocator{SpaceID: t.SpaceID, DBID: t.DBID, RelID: t.RelID}
}

// Clear resets the tag to "no block".
func (t *BufferTag) Clear() {
	*t = BufferTag{ForkNo: common.FORK_INVALID, BlockNo: common.InvalidBlockNumber}
}

// Less orders tags by (tablespace, database, relation, fork, block). The
// checkpoint sort and writeback coalescing rely on this order producing
// sequential per-file runs.
func (t BufferTag) Less(o BufferTag) bool {
	if t.SpaceID != o.SpaceID {
		return t.SpaceID < o.SpaceID
	}
	if t.DBID != o.DBID {
		return t.DBID < o.DBID
	}
	if t.RelID != o.RelID {
		return t.RelID < o.RelID
	}
	if t.ForkNo != o.ForkNo {
		return t.ForkNo < o.ForkNo
	}
	return t.BlockNo < o.BlockNo
}

func (t BufferTag) String() string {
	return fmt.Sprintf("(%d/%d/%d fork %d block %d)",
		t.SpaceID, t.DBID, t.RelID, t.ForkNo, t.BlockNo)
}

// Hash returns the stable hash used to pick a mapping partition.
func (t BufferTag) Hash() uint64 {
	var buf [17]byte
	binary.LittleEndian.PutUint32(buf[0:], uint32(t.SpaceID))
	binary.LittleEndian.PutUint32(buf[4:], uint32(t.DBID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(t.RelID))
	buf[12] = byte(t.ForkNo)
	binary.LittleEndian.PutUint32(buf[13:], uint32(t.BlockNo))
	return util.HashCode(buf[:])
}
