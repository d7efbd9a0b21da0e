package buffer_pool

import (
	"encoding/binary"

	"github.com/OneOfOne/xxhash"
	"github.com/zhukovaskychina/xstore-server/server/common"
)

// 页面头只有缓冲池关心的两个字段：LSN和校验和。其余内容上层自解释。

func pageGetLSN(page []byte) common.LSNT {
	return common.LSNT(binary.BigEndian.Uint64(page[common.PAGE_LSN_OFFSET:]))
}

func pageSetLSN(page []byte, lsn common.LSNT) {
	binary.BigEndian.PutUint64(page[common.PAGE_LSN_OFFSET:], uint64(lsn))
}

func pageGetChecksum(page []byte) uint32 {
	return binary.BigEndian.Uint32(page[common.PAGE_CHECKSUM_OFFSET:])
}

func pageSetChecksum(page []byte, sum uint32) {
	binary.BigEndian.PutUint32(page[common.PAGE_CHECKSUM_OFFSET:], sum)
}

// pageCalcChecksum covers the whole page except the checksum field itself.
func pageCalcChecksum(page []byte) uint32 {
	h := xxhash.New32()
	h.Write(page[:common.PAGE_CHECKSUM_OFFSET])
	h.Write(page[common.PAGE_HEADER_SIZE:])
	return h.Sum32()
}

func zeroPage(page []byte) {
	for i := range page {
		page[i] = 0
	}
}

// pageIsZero reports an all-zero (never initialized) page.
func pageIsZero(page []byte) bool {
	for _, b := range page {
		if b != 0 {
			return false
		}
	}
	return true
}

// verifyPage checks a page freshly read from disk. All-zero pages are
// legitimate: they appear after an extension that never got written.
func verifyPage(cfg *Config, page []byte) bool {
	if pageIsZero(page) {
		return true
	}
	if cfg.DataChecksums {
		if pageGetChecksum(page) != pageCalcChecksum(page) {
			return false
		}
	}
	return true
}
