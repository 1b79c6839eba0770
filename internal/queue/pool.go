// Package queue provides the bounded TaskQueue/reduce-queue
// implementations and the chunk buffer pool shared by the pipeline and
// the receive-side reassembler.
package queue

import (
	"sync"

	"github.com/behrlich/blkmig/internal/constants"
)

// Every Chunk buffer is exactly constants.BlockSize bytes (spec §3: "a
// Chunk record ... buffer of BLOCK_SIZE"), so unlike a general-purpose
// I/O buffer pool this only needs a single size bucket. Uses the
// *[]byte pattern to avoid sync.Pool's per-Get interface allocation.
var chunkBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, constants.BlockSize)
		return &b
	},
}

// GetChunkBuffer returns a pooled, BlockSize-capacity buffer. Callers
// must call PutChunkBuffer when the buffer's last consumer (the
// sender, or the cleanup path on abort) is done with it.
func GetChunkBuffer() []byte {
	return *chunkBufPool.Get().(*[]byte)
}

// PutChunkBuffer returns a buffer to the pool. Buffers with a
// non-standard capacity (should not happen in normal operation) are
// dropped rather than pooled.
func PutChunkBuffer(buf []byte) {
	if cap(buf) != constants.BlockSize {
		return
	}
	buf = buf[:constants.BlockSize]
	chunkBufPool.Put(&buf)
}
