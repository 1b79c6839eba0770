package engine

import (
	"context"
	"time"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
)

// nextDirtyChunkLocked advances cur_dirty to the next dirty
// chunk-aligned range and returns it, or found == false once it
// reaches the end of the device. Caller must hold dev.mu.
func (d *DevState) nextDirtyChunkLocked() (sector int64, nrSectors int, found bool) {
	chunkSize := int64(constants.SectorsPerDirtyChunk)
	for d.curDirty < d.TotalSectors {
		sector = d.curDirty
		nrSectors = int(chunkSize)
		if sector+chunkSize > d.TotalSectors {
			nrSectors = int(d.TotalSectors - sector)
		}
		if d.Backing.DirtyGet(sector) {
			d.curDirty = sector + int64(nrSectors)
			return sector, nrSectors, true
		}
		d.curDirty += chunkSize
	}
	return 0, 0, false
}

// ResetDirtyCursor sets every device's cur_dirty back to 0, run once
// at the start of each dirty sweep (spec §4.3).
func (e *EngineState) ResetDirtyCursor() {
	for _, dev := range e.Devices() {
		dev.mu.Lock()
		dev.curDirty = 0
		dev.mu.Unlock()
	}
}

// DirtySweepStepAsync submits at most one dirty chunk for dev,
// draining outstanding AIO first if the candidate range overlaps an
// in-flight chunk (spec §4.3: "if any chunk in its range has an
// AIO-inflight bit set, drain AIO and retry"). hadWork reports whether
// a chunk was found and submitted.
func (e *EngineState) DirtySweepStepAsync(ctx context.Context, dev *DevState, stream interfaces.Stream) (hadWork bool, err error) {
	dev.mu.Lock()
	sector, nrSectors, found := dev.nextDirtyChunkLocked()
	dev.mu.Unlock()
	if !found {
		return false, nil
	}

	if dev.AIOInflight.AnyInRange(sector, nrSectors) {
		if err := e.DrainAIO(ctx); err != nil {
			return false, err
		}
	}

	return true, e.submitAsyncRead(ctx, dev, sector, nrSectors, stream)
}

// SweepDirtySync runs the synchronous, pipelined dirty sweep: for each
// device, starting at cur_dirty, synchronously reads every dirty
// chunk to end of device and batches the results into TaskBodies the
// same way SweepBulkSync does.
func (e *EngineState) SweepDirtySync(ctx context.Context, taskQueue interfaces.TaskQueue, iterNum uint8) (int64, error) {
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
			sector, nrSectors, found := dev.nextDirtyChunkLocked()
			dev.mu.Unlock()
			if !found {
				break
			}

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

// DrainAIO blocks until no reads are outstanding, polling Submitted()
// (spec §5 suspension point ii). A real async BlockDevice would
// instead signal completion directly; the poll is a conservative
// fallback that works for any BlockDevice implementation.
func (e *EngineState) DrainAIO(ctx context.Context) error {
	for {
		if e.Submitted() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}
