package engine

import (
	"context"

	"github.com/behrlich/blkmig/internal/queue"
)

// Cleanup drains any AIO reads still in flight, disables dirty
// tracking on every device, releases each device's pin, and drains
// and frees any chunks still in the ready FIFO (spec §4.3, §5
// Cancellation). Draining first means a read that's mid-flight when a
// late abort lands is awaited rather than abandoned; only once that
// wait ends (or ctx expires) is the engine marked inactive, so a
// completion that fires after Cleanup returns still finds e.active
// false and frees its own buffer (see onReadComplete). Callers should
// pass a ctx bounded by a timeout rather than context.Background(), so
// a stuck device can't hang teardown forever.
func (e *EngineState) Cleanup(ctx context.Context) {
	if err := e.DrainAIO(ctx); err != nil && e.Logger != nil {
		e.Logger.Printf("cleanup: AIO drain did not complete cleanly: %v", err)
	}

	e.mu.Lock()
	e.active = false
	devices := e.devices
	ready := e.ready
	e.ready = nil
	e.readDone = 0
	e.mu.Unlock()

	for _, c := range ready {
		if c.Buffer != nil {
			queue.PutChunkBuffer(c.Buffer)
		}
	}

	for _, dev := range devices {
		dev.Backing.SetDirtyTracking(false)
		dev.Backing.Release()
	}
}
