package engine

import "github.com/behrlich/blkmig/internal/constants"

// RecomputeBulkCompletedGlobal recomputes and returns
// bulk_completed_global = AND over every device's bulk_completed
// (spec invariant: "bulk_completed_global is true iff every DevState
// has bulk_completed == true").
func (e *EngineState) RecomputeBulkCompletedGlobal() bool {
	devices := e.Devices()
	all := true
	for _, d := range devices {
		if !d.BulkCompleted() {
			all = false
			break
		}
	}
	e.mu.Lock()
	e.bulkCompletedGlobal = all
	e.mu.Unlock()
	return all
}

// BulkCompletedGlobal returns the last computed value without
// rescanning devices.
func (e *EngineState) BulkCompletedGlobal() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bulkCompletedGlobal
}

// RemainingDirtyBytes returns Σ device.dirty_count() × BlockSize
// across all registered devices (spec §4.3).
func (e *EngineState) RemainingDirtyBytes() int64 {
	var total int64
	for _, d := range e.Devices() {
		total += d.DirtyBytesRemaining()
	}
	return total
}

// ObservedReadBandwidth returns (reads_count * BlockSize) /
// total_read_nanos, or 0 when no reads have completed (spec §4.3: "If
// total_read_nanos == 0, the bandwidth is undefined").
func (e *EngineState) ObservedReadBandwidth() float64 {
	e.mu.Lock()
	nanos := e.totalReadNanos
	reads := e.readsCount
	e.mu.Unlock()
	if nanos == 0 {
		return 0
	}
	return float64(reads) * float64(constants.BlockSize) / float64(nanos)
}

// ShouldFinish reports whether bulk_completed_global and either no
// dirty bytes remain or the estimated downtime to flush them fits
// within maxDowntimeNs (spec §4.3).
func (e *EngineState) ShouldFinish(maxDowntimeNs int64) bool {
	if !e.BulkCompletedGlobal() {
		return false
	}

	remaining := e.RemainingDirtyBytes()
	if remaining == 0 {
		return true
	}

	bw := e.ObservedReadBandwidth()
	if bw == 0 {
		return false
	}

	estimatedDowntimeNs := float64(remaining) / bw
	return estimatedDowntimeNs <= float64(maxDowntimeNs)
}

// Progress mirrors the original's blk_mig_bytes_transferred/
// remaining/total accounting for progress reporting (spec §4: C_ME
// "produces Chunk records"; supplemented feature, see SPEC_FULL.md).
type Progress struct {
	BytesTransferred int64
	BytesRemaining   int64
	BytesTotal       int64
}

// Percent returns the completion percentage, 0..100.
func (p Progress) Percent() int {
	if p.BytesTotal == 0 {
		return 100
	}
	pct := int((p.BytesTransferred * 100) / p.BytesTotal)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// Progress computes the current aggregate progress across all
// registered devices.
func (e *EngineState) Progress() Progress {
	var total, remaining int64
	for _, d := range e.Devices() {
		total += d.TotalSectors * constants.SectorSize
		remaining += d.DirtyBytesRemaining()
	}
	transferred := e.Transferred() * constants.BlockSize
	return Progress{BytesTransferred: transferred, BytesRemaining: remaining, BytesTotal: total}
}
