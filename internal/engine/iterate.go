package engine

import (
	"context"

	"github.com/behrlich/blkmig/internal/interfaces"
)

// Iterate advances one migration iteration for the synchronous
// pipelined path and returns the bytes produced (spec §4.3, §6 stages
// 2/3). If bulk has not completed for every device, it runs the bulk
// sweep to completion; otherwise it resets dirty cursors and runs one
// dirty sweep. Stage 3 additionally asserts no async reads are
// outstanding (spec §6: "stage == 3 ... asserts submitted == 0") and,
// per spec, always performs a dirty sweep regardless of bulk state
// once that precondition holds.
func (e *EngineState) Iterate(ctx context.Context, stage int, taskQueue interfaces.TaskQueue, iterNum uint8) (int64, error) {
	if stage == 3 {
		if e.Submitted() != 0 {
			return 0, ErrAsyncReadsOutstanding
		}
		e.ResetDirtyCursor()
		return e.SweepDirtySync(ctx, taskQueue, iterNum)
	}

	if !e.RecomputeBulkCompletedGlobal() {
		produced, err := e.SweepBulkSync(ctx, taskQueue, iterNum)
		e.RecomputeBulkCompletedGlobal()
		return produced, err
	}

	e.ResetDirtyCursor()
	return e.SweepDirtySync(ctx, taskQueue, iterNum)
}
