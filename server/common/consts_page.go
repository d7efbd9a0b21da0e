package common

const PAGE_SIZE = 16384

// 页面头布局：前8字节存LSN，其后4字节存校验和。
// 其余页面内容由上层（B+树、undo等）自行解释。
const (
	PAGE_LSN_OFFSET      = 0
	PAGE_CHECKSUM_OFFSET = 8
	PAGE_HEADER_SIZE     = 12
)
