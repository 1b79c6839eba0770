// Package pipeline implements the ChunkPipeline (C_CP): it drains the
// engine's ready FIFO into TaskBodies and pushes them onto a bounded
// TaskQueue, or in the legacy mode encodes chunks directly onto the
// Stream. Grounded on the teacher's internal/queue producer/consumer
// discipline and on other_examples/chunk_sender.go's bounded worker
// pool pattern (context-aware pushes, graceful drain on shutdown).
package pipeline

import (
	"context"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/engine"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/wire"
)

// ChunkPipeline batches Chunks popped from an EngineState's ready FIFO
// into TaskBodies, or in legacy mode encodes them straight onto the
// Stream (spec §4.4).
type ChunkPipeline struct {
	Engine   *engine.EngineState
	Stream   interfaces.Stream
	Queue    interfaces.TaskQueue
	Legacy   bool // true: encode directly to Stream; false: push TaskBodies
	IterNum  uint8
	Observer interfaces.Observer

	pendingChunks []*engine.Chunk
}

// NewChunkPipeline creates a pipeline over eng, draining into either
// queue (pipelined mode) or stream directly (legacy mode).
func NewChunkPipeline(eng *engine.EngineState, stream interfaces.Stream, queue interfaces.TaskQueue, legacy bool) *ChunkPipeline {
	return &ChunkPipeline{Engine: eng, Stream: stream, Queue: queue, Legacy: legacy}
}

// FlushAsync drains the ready FIFO while the stream's rate limiter
// permits, per spec §4.4: pop the head chunk; on read failure, set the
// stream error and stop; otherwise either encode directly (legacy) or
// accumulate into the current TaskBody, pushing it once it reaches
// BatchLen.
func (p *ChunkPipeline) FlushAsync(ctx context.Context) error {
	for p.Stream.RateLimitOK() {
		chunk, ok := p.Engine.PopReadyChunk()
		if !ok {
			return nil
		}

		if chunk.ReadErr != nil {
			p.Stream.SetError(chunk.ReadErr)
			return chunk.ReadErr
		}

		if p.Legacy {
			if err := p.encodeAndFree(chunk); err != nil {
				p.Stream.SetError(err)
				return err
			}
			continue
		}

		p.pendingChunks = append(p.pendingChunks, chunk)
		if len(p.pendingChunks) >= constants.BatchLen {
			if err := p.pushBody(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// FlushPipeline forms and pushes one batch of pending chunks. If
// last == true it flushes even a non-empty short batch (but still
// skips an empty one); if last == false it defers flushing until at
// least BatchMinLen chunks have accumulated, to avoid shipping
// undersized batches mid-iteration (spec §4.4).
func (p *ChunkPipeline) FlushPipeline(ctx context.Context, last bool) error {
	if last {
		if len(p.pendingChunks) == 0 {
			return nil
		}
		return p.pushBody(ctx)
	}

	if len(p.pendingChunks) < constants.BatchMinLen {
		return nil
	}
	return p.pushBody(ctx)
}

func (p *ChunkPipeline) pushBody(ctx context.Context) error {
	n := len(p.pendingChunks)
	if n > constants.BatchLen {
		n = constants.BatchLen
	}
	batch := p.pendingChunks[:n]
	p.pendingChunks = p.pendingChunks[n:]

	body := &engine.TaskBody{Chunks: batch, IterNum: p.IterNum}
	if err := p.Queue.Push(ctx, body); err != nil {
		return err
	}
	p.Engine.MarkTransferred(int64(len(batch)))
	if p.Observer != nil {
		p.Observer.ObserveQueueDepth(uint32(p.Queue.Pending()))
	}
	return nil
}

func (p *ChunkPipeline) encodeAndFree(chunk *engine.Chunk) error {
	defer freeChunk(chunk)
	err := wire.EncodeData(p.Stream, chunk.Device.Backing.Name(), chunk.Sector, p.IterNum, chunk.Buffer)
	if err == nil {
		p.Engine.MarkTransferred(1)
	}
	return err
}
