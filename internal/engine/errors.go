package engine

import "errors"

// ErrSharedBaseOnSyncPath is returned by SweepBulkSync when shared_base
// is configured: only the async path supports shared-base skipping
// (spec §4.3, §8 scenario 5: ConfigReject).
var ErrSharedBaseOnSyncPath = errors.New("engine: shared-base requested on synchronous bulk path")

// ErrAsyncReadsOutstanding is returned by Iterate at stage 3 when
// submitted != 0, violating the stage-3 precondition (spec §6:
// "stage == 3 ... asserts submitted == 0").
var ErrAsyncReadsOutstanding = errors.New("engine: async reads outstanding at stage 3")
