package receive

import (
	"context"

	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/queue"
)

// RunWriter drains tasks from q and applies each to its destination
// device via WriteSync, returning the pooled buffer afterward. It runs
// until ctx is cancelled or q is closed, matching the "writer threads
// that own the BlockDevice.WriteSync calls" role described alongside
// ReduceQueue. Callers typically run several of these concurrently to
// parallelize the apply side the way the bulk/dirty sweeps parallelize
// the read side.
func RunWriter(ctx context.Context, q *queue.ReduceQueue, devices map[string]interfaces.BlockDevice) error {
	for {
		task, ok := q.Pop(ctx)
		if !ok {
			return ctx.Err()
		}

		dev, found := devices[task.Device]
		if found {
			if err := dev.WriteSync(task.Sector, task.NrSectors, task.Buffer); err != nil {
				queue.PutChunkBuffer(task.Buffer)
				return err
			}
		}
		queue.PutChunkBuffer(task.Buffer)
	}
}
