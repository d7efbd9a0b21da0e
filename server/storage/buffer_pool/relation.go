package buffer_pool

import (
	"github.com/zhukovaskychina/xstore-server/server/storage/smgr"
)

// Relation is what callers hand to the read and extension paths: an open
// storage handle plus the durability class of the relation.
type Relation struct {
	Space smgr.Space

	// Permanent relations obey the write-ahead rule; unlogged ones are
	// skipped by ordinary checkpoints.
	Permanent bool
}
