package engine

import (
	"context"
	"time"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/queue"
)

func alignDownChunk(sector int64) int64 {
	return (sector / constants.SectorsPerDirtyChunk) * constants.SectorsPerDirtyChunk
}

// BulkSweepStepAsync advances one device's bulk cursor by at most one
// chunk, grounded on mig_save_device_bulk. It returns deviceComplete
// == true once the device's bulk sweep has reached its end (spec
// §4.3 step 2); callers drive repeated calls until every device
// reports complete.
func (e *EngineState) BulkSweepStepAsync(ctx context.Context, dev *DevState, stream interfaces.Stream) (deviceComplete bool, err error) {
	dev.mu.Lock()

	if dev.bulkCompleted {
		dev.mu.Unlock()
		return true, nil
	}

	if dev.sharedBase {
		for dev.curSector < dev.TotalSectors {
			allocated, run := dev.Backing.IsAllocated(dev.curSector, constants.MaxIsAllocatedSearch)
			if allocated {
				break
			}
			if run <= 0 {
				run = 1
			}
			dev.curSector += run
		}
	}

	if dev.curSector >= dev.TotalSectors {
		dev.completedSectors = dev.TotalSectors
		dev.bulkCompleted = true
		dev.mu.Unlock()
		return true, nil
	}

	sector := alignDownChunk(dev.curSector)
	nrSectors := constants.SectorsPerDirtyChunk
	if sector+int64(nrSectors) > dev.TotalSectors {
		nrSectors = int(dev.TotalSectors - sector)
	}
	dev.curSector = sector + int64(nrSectors)
	dev.completedSectors = dev.curSector
	dev.mu.Unlock()

	return false, e.submitAsyncRead(ctx, dev, sector, nrSectors, stream)
}

// submitAsyncRead allocates a Chunk buffer, sets the AIO-inflight bit,
// increments submitted, and issues the async read. Dirty bits are
// reset only after a successful submit, before submitAsyncRead
// returns; a backing device that completes inline (or quickly) may
// already have put the chunk in the ready FIFO by then, and a guest
// write landing after the reset re-marks the chunk dirty for the next
// sweep (spec §5 ordering guarantee). On submit failure the chunk is freed and the stream's
// error is set (spec §4.3: "report error on the stream and free the
// chunk").
func (e *EngineState) submitAsyncRead(ctx context.Context, dev *DevState, sector int64, nrSectors int, stream interfaces.Stream) error {
	buf := queue.GetChunkBuffer()
	chunk := &Chunk{Device: dev, Sector: sector, NrSectors: nrSectors, Buffer: buf}

	dev.AIOInflight.SetRange(sector, nrSectors, true)
	e.mu.Lock()
	e.submitted++
	e.mu.Unlock()

	start := time.Now()
	err := dev.Backing.ReadAsync(ctx, sector, nrSectors, buf, func(readErr error) {
		e.onReadComplete(dev, chunk, start, readErr)
	})
	if err != nil {
		dev.AIOInflight.SetRange(sector, nrSectors, false)
		e.mu.Lock()
		e.submitted--
		e.mu.Unlock()
		queue.PutChunkBuffer(buf)
		if stream != nil {
			stream.SetError(err)
		}
		if e.Logger != nil {
			e.Logger.Printf("Error reading sector %d", sector)
		}
		return err
	}

	dev.Backing.DirtyReset(sector, nrSectors)
	return nil
}

// onReadComplete runs in an I/O-completion context (spec §5): it
// clears the AIO-inflight bit, moves submitted->read_done, records the
// bandwidth sample, and appends the chunk to the ready FIFO. If the
// engine has already been torn down by Cleanup, the buffer is freed
// and the completion is otherwise a no-op (spec §5 Cancellation).
func (e *EngineState) onReadComplete(dev *DevState, chunk *Chunk, start time.Time, readErr error) {
	elapsed := time.Since(start)
	dev.AIOInflight.SetRange(chunk.Sector, chunk.NrSectors, false)

	chunk.ReadNanos = elapsed.Nanoseconds()
	chunk.ReadErr = readErr

	e.mu.Lock()
	if !e.active {
		e.mu.Unlock()
		queue.PutChunkBuffer(chunk.Buffer)
		return
	}
	e.submitted--
	if e.submitted < 0 {
		e.submitted = 0
	}
	e.readDone++
	if readErr == nil {
		e.readsCount++
		e.totalReadNanos += elapsed.Nanoseconds()
	}
	e.ready = append(e.ready, chunk)
	e.mu.Unlock()

	if e.Observer != nil {
		e.Observer.ObserveRead(uint64(chunk.NrSectors)*constants.SectorSize, uint64(elapsed.Nanoseconds()), readErr == nil)
	}
}

// SweepBulkSync runs the synchronous, pipelined bulk sweep used by the
// Iterate path that feeds a TaskQueue directly: synchronous reads,
// bypassing the AIO counters and ready FIFO, batching into TaskBodies
// of BatchLen chunks with sleep-based backpressure. Only the async
// path supports shared-base (spec §4.3); if shared_base is configured
// here, it fails with ErrSharedBaseOnSyncPath without producing any
// records (spec §8 scenario 5).
func (e *EngineState) SweepBulkSync(ctx context.Context, taskQueue interfaces.TaskQueue, iterNum uint8) (int64, error) {
	if e.SharedBase() {
		return 0, ErrSharedBaseOnSyncPath
	}

	var produced int64
	var batch []*Chunk

	flush := func(force bool) error {
		if len(batch) == 0 {
			return nil
		}
		if !force && len(batch) < constants.BatchLen {
			return nil
		}
		if err := pushBatch(ctx, taskQueue, batch, iterNum); err != nil {
			return err
		}
		batch = nil
		return nil
	}

	for _, dev := range e.Devices() {
		for {
			dev.mu.Lock()
			if dev.curSector >= dev.TotalSectors {
				dev.completedSectors = dev.TotalSectors
				dev.bulkCompleted = true
				dev.mu.Unlock()
				break
			}
			sector := dev.curSector
			nrSectors := constants.SectorsPerDirtyChunk
			if sector+int64(nrSectors) > dev.TotalSectors {
				nrSectors = int(dev.TotalSectors - sector)
			}
			dev.curSector = sector + int64(nrSectors)
			dev.completedSectors = dev.curSector
			dev.mu.Unlock()

			chunk, err := e.readChunkSync(dev, sector, nrSectors)
			if err != nil {
				return produced, err
			}
			batch = append(batch, chunk)
			produced += int64(nrSectors) * constants.SectorSize

			if len(batch) >= constants.BatchLen {
				if err := flush(true); err != nil {
					return produced, err
				}
			}
		}
		if err := flush(true); err != nil {
			return produced, err
		}
	}

	return produced, nil
}

func (e *EngineState) readChunkSync(dev *DevState, sector int64, nrSectors int) (*Chunk, error) {
	buf := queue.GetChunkBuffer()
	start := time.Now()
	err := dev.Backing.ReadSync(sector, nrSectors, buf)
	elapsed := time.Since(start)

	if e.Observer != nil {
		e.Observer.ObserveRead(uint64(nrSectors)*constants.SectorSize, uint64(elapsed.Nanoseconds()), err == nil)
	}
	if err != nil {
		queue.PutChunkBuffer(buf)
		return nil, err
	}

	dev.Backing.DirtyReset(sector, nrSectors)

	e.mu.Lock()
	e.readsCount++
	e.totalReadNanos += elapsed.Nanoseconds()
	e.mu.Unlock()

	return &Chunk{Device: dev, Sector: sector, NrSectors: nrSectors, Buffer: buf, ReadNanos: elapsed.Nanoseconds()}, nil
}

// pushBatchCommon backpressures against taskQueue.Pending() in
// SourceBackpressurePoll steps (spec §4.3, §5 suspension point i),
// then pushes one TaskBody. It does not mark the chunks transferred;
// whoever drains the queue and sends them does that.
func pushBatchCommon(ctx context.Context, taskQueue interfaces.TaskQueue, body *TaskBody) error {
	for taskQueue.Pending() > constants.MaxTaskPending {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(constants.SourceBackpressurePoll):
		}
	}
	return taskQueue.Push(ctx, body)
}

func pushBatch(ctx context.Context, taskQueue interfaces.TaskQueue, chunks []*Chunk, iterNum uint8) error {
	cp := make([]*Chunk, len(chunks))
	copy(cp, chunks)
	body := &TaskBody{Chunks: cp, IterNum: iterNum}
	return pushBatchCommon(ctx, taskQueue, body)
}
