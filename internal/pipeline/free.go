package pipeline

import (
	"github.com/behrlich/blkmig/internal/engine"
	"github.com/behrlich/blkmig/internal/queue"
)

// freeChunk returns a chunk's buffer to the shared pool after it has
// been sent (spec §3: "Chunk buffers are exclusively owned along the
// pipeline and freed exactly once, either by the sender after
// successful transmission or by the cleanup path on abort").
func freeChunk(c *engine.Chunk) {
	if c.Buffer != nil {
		queue.PutChunkBuffer(c.Buffer)
		c.Buffer = nil
	}
}
