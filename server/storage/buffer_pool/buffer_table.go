package buffer_pool

import (
	"github.com/zhukovaskychina/xstore-server/server/storage/lwlock"
)

// NUM_PARTITIONS is the number of independently locked slices of the
// tag→buf_id mapping. 必须是2的幂，分区号直接取哈希低位。
const NUM_PARTITIONS = 128

// bufferTable maps buffer tags to descriptor indexes. Each partition has its
// own reader/writer lock; lookups take it shared, tag installs and removals
// take it exclusive. Callers acquire the partition lock themselves because
// the lock must span the mapping change AND the descriptor state transition.
type bufferTable struct {
	partitions [NUM_PARTITIONS]tablePartition
}

type tablePartition struct {
	lock lwlock.LWLock
	m    map[BufferTag]int
}

func newBufferTable(nbuffers int) *bufferTable {
	t := &bufferTable{}
	for i := range t.partitions {
		t.partitions[i].lock.Init()
		t.partitions[i].m = make(map[BufferTag]int, nbuffers/NUM_PARTITIONS+1)
	}
	return t
}

// Partition returns the lock guarding the partition for hash.
func (t *bufferTable) Partition(hash uint64) *lwlock.LWLock {
	return &t.partitions[hash%NUM_PARTITIONS].lock
}

// Lookup returns the buf_id for tag, or -1. Caller holds the partition lock
// in at least shared mode.
func (t *bufferTable) Lookup(tag BufferTag, hash uint64) int {
	if id, ok := t.partitions[hash%NUM_PARTITIONS].m[tag]; ok {
		return id
	}
	return -1
}

// Insert installs tag→bufID and returns -1, or returns the existing buf_id
// when the tag is already present (a concurrent insert won the race).
// Caller holds the partition lock exclusively.
func (t *bufferTable) Insert(tag BufferTag, hash uint64, bufID int) int {
	p := &t.partitions[hash%NUM_PARTITIONS]
	if existing, ok := p.m[tag]; ok {
		return existing
	}
	p.m[tag] = bufID
	return -1
}

// Delete removes tag. Caller holds the partition lock exclusively.
func (t *bufferTable) Delete(tag BufferTag, hash uint64) {
	delete(t.partitions[hash%NUM_PARTITIONS].m, tag)
}
