package engine

import "github.com/behrlich/blkmig/internal/constants"

// TaskBody is a batch of up to constants.BatchLen Chunks tagged with
// the iteration that produced them (spec §3). Both the pipelined
// synchronous sweeps in this package and internal/pipeline's
// flush_async/flush_pipeline push these onto a TaskQueue.
type TaskBody struct {
	Chunks  []*Chunk
	IterNum uint8
}

// Bytes returns the total valid payload size of the batch.
func (t *TaskBody) Bytes() int64 {
	var n int64
	for _, c := range t.Chunks {
		n += int64(c.NrSectors) * constants.SectorSize
	}
	return n
}
