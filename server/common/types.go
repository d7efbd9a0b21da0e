package common

// 存储层基础类型。缓冲池、日志与空间管理器都以这里的标识寻址页面。

// LSNT is a log sequence number. Every page carries the LSN of the last
// record that touched it; the write-ahead rule compares against it.
type LSNT uint64

// InvalidLSN 表示尚未写过日志的页面
const InvalidLSN LSNT = 0

// SpaceID identifies a tablespace (a storage directory).
type SpaceID uint32

// DatabaseID identifies a database inside a tablespace.
type DatabaseID uint32

// RelationID identifies a relation (table, index) inside a database.
type RelationID uint32

// BlockNumber is the zero-based index of a page inside a relation fork.
type BlockNumber uint32

const (
	// InvalidBlockNumber doubles as the "unknown" marker for cached sizes.
	InvalidBlockNumber BlockNumber = 0xFFFFFFFF

	// MaxBlockNumber is the largest addressable block of a fork.
	MaxBlockNumber BlockNumber = 0xFFFFFFFE
)

// ForkNumber names a sub-file of a relation.
type ForkNumber int8

const (
	FORK_INVALID ForkNumber = -1

	// 主数据文件
	FORK_MAIN ForkNumber = 0

	// 空闲空间映射
	FORK_FSM ForkNumber = 1

	// 可见性映射
	FORK_VM ForkNumber = 2

	// init fork：不记日志的关系在崩溃恢复时用它重建主文件
	FORK_INIT ForkNumber = 3

	MAX_FORKNUM = FORK_INIT
)

// ForkNames maps fork numbers to their file name suffixes.
var ForkNames = map[ForkNumber]string{
	FORK_MAIN: "main",
	FORK_FSM:  "fsm",
	FORK_VM:   "vm",
	FORK_INIT: "init",
}

// FileLocator addresses one relation's storage: which tablespace, which
// database, which relation. Fork and block complete a page address.
type FileLocator struct {
	SpaceID SpaceID
	DBID    DatabaseID
	RelID   RelationID
}

// Less orders locators by (tablespace, database, relation). Bulk operations
// sort by this order so per-file I/O stays sequential.
func (l FileLocator) Less(o FileLocator) bool {
	if l.SpaceID != o.SpaceID {
		return l.SpaceID < o.SpaceID
	}
	if l.DBID != o.DBID {
		return l.DBID < o.DBID
	}
	return l.RelID < o.RelID
}
