// Package constants centralizes the sizing and wire constants shared by
// the engine, pipeline, and receive-side reassembler.
package constants

import "time"

// Geometry: the unit of dirty tracking and transfer is a DirtyChunk,
// SectorsPerDirtyChunk sectors of SectorSize bytes each.
const (
	// SectorSize is the block device's addressing unit in bytes.
	SectorSize = 512

	// SectorBits is log2(SectorSize), used to pack sector numbers into
	// the wire header (spec §6).
	SectorBits = 9

	// SectorsPerDirtyChunk is the number of sectors per DirtyChunk.
	SectorsPerDirtyChunk = 4096 // 2MB chunks at 512-byte sectors

	// BlockSize is the fixed transfer unit: SectorsPerDirtyChunk * SectorSize.
	// Every read, dirty-bit reset, AIO-inflight bit, and wire record is
	// aligned to this boundary (the last chunk of a device may be short).
	BlockSize = SectorsPerDirtyChunk * SectorSize

	// WordBits is the bit width of the words backing the AIO-inflight
	// bitmap (internal/bitmap).
	WordBits = 64

	// MaxIsAllocatedSearch bounds how many sectors a single
	// is-allocated probe may skip in one call, mirroring the original
	// MAX_IS_ALLOCATED_SEARCH constant.
	MaxIsAllocatedSearch = 65536
)

// Iteration tagging (wire header bits 3..8, spec §6).
const (
	// IterBits is the width of the iter_num field on the wire.
	IterBits = 6

	// IterMax is the highest representable iter_num value (63);
	// reserved to mean "negotiation record".
	IterMax = (1 << IterBits) - 1

	// IterNegotiate is the reserved iter_num value for negotiation
	// records.
	IterNegotiate = IterMax

	// IterSaturate is the highest iter_num a dirty sweep may actually
	// use; iterations beyond this saturate here rather than wrapping
	// into the reserved negotiation value (spec §9).
	IterSaturate = IterMax - 1
)

// Wire header flag bits (bits 0..2 of the 8-byte big-endian header
// word, spec §6).
const (
	FlagDeviceBlock = 0x01
	FlagEOS         = 0x02
	FlagProgress    = 0x04
)

// Backpressure / batching constants, shared by the pipeline producer
// and the receive-side reassembler consumer (spec §6: "wire-invariant,
// part of the contract for sizing on both sides").
const (
	// BatchLen is the maximum number of chunks in one TaskBody.
	BatchLen = 32

	// BatchMinLen is the minimum read_done count required before a
	// mid-iteration flush is allowed; below this, flushing is deferred
	// to avoid shipping undersized batches.
	BatchMinLen = 8

	// MaxTaskPending bounds the number of TaskBodies that may be
	// queued on the TaskQueue (source side) or write tasks queued on
	// the reduce queue (destination side) before the producer blocks.
	MaxTaskPending = 256
)

// Backpressure polling intervals. The original C source used
// nanosleep loops (100ms on the source, 10ms on the destination)
// against a plain integer counter; this module prefers a bounded
// channel with blocking send (see internal/queue), but keeps these
// constants for callers that still want a poll-based fallback (e.g.
// bridging a TaskQueue implementation that only exposes a pending
// count, not a blocking push).
const (
	SourceBackpressurePoll = 100 * time.Millisecond
	ReduceBackpressurePoll = 10 * time.Millisecond
)
