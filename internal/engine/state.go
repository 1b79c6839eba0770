// Package engine implements the MigrationEngine (C_ME): the bulk+dirty
// streaming state machine that owns the migrated devices, drives bulk
// and dirty sweeps, checks convergence, and produces Chunk records for
// the pipeline. Grounded on the teacher's sharded in-memory backend
// (internal/ctrl-style single-writer-thread discipline) and on
// original_source/block-migration.c's mig_save_device_bulk/
// mig_save_device_dirty state machine, generalized from the QEMU-
// specific BlockDriverState to the BlockDevice contract.
package engine

import (
	"sync"

	"github.com/behrlich/blkmig/internal/bitmap"
	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
)

// Chunk is one fixed-size unit of transfer produced by a sweep and
// consumed by the pipeline (spec §3).
type Chunk struct {
	Device    *DevState
	Sector    int64
	NrSectors int
	Buffer    []byte // exactly constants.BlockSize bytes; valid prefix is NrSectors*SectorSize
	ReadNanos int64
	ReadErr   error
}

// DevState is one migrated writable disk (spec §3).
type DevState struct {
	Backing interfaces.BlockDevice

	TotalSectors int64

	mu              sync.Mutex
	curSector       int64
	curDirty        int64
	completedSectors int64
	bulkCompleted   bool
	sharedBase      bool

	AIOInflight *bitmap.AIOBitmap
}

func newDevState(backing interfaces.BlockDevice, sharedBase bool) *DevState {
	total := backing.LengthSectors()
	return &DevState{
		Backing:      backing,
		TotalSectors: total,
		sharedBase:   sharedBase,
		AIOInflight:  bitmap.New(total),
	}
}

// CurSector returns the bulk-sweep cursor (monotonic non-decreasing).
func (d *DevState) CurSector() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.curSector
}

// CompletedSectors returns the progress-reporting counter (spec P2:
// non-decreasing and bounded by TotalSectors).
func (d *DevState) CompletedSectors() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.completedSectors
}

// BulkCompleted reports whether this device's bulk sweep has finished.
func (d *DevState) BulkCompleted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bulkCompleted
}

// DirtyBytesRemaining returns dirty_count() * BlockSize for this
// device, feeding the engine-wide convergence check.
func (d *DevState) DirtyBytesRemaining() int64 {
	return d.Backing.DirtyCount() * constants.BlockSize
}

// EngineState is the process-wide migration-attempt state (spec §3).
// One instance is created per migration attempt and torn down at
// Cleanup; it is not reused across attempts.
type EngineState struct {
	mu sync.Mutex

	devices []*DevState
	byName  map[string]*DevState

	ready []*Chunk // ready FIFO: completed reads awaiting send

	submitted  int64
	readDone   int64
	transferred int64

	readsCount     int64
	totalReadNanos int64

	blkEnable           bool
	sharedBase          bool
	bulkCompletedGlobal bool

	lastProgressPercent int

	active bool // false once Cleanup has run; completions become no-ops

	Observer interfaces.Observer
	Logger   interfaces.Logger
}

// New creates a fresh EngineState. SetParams must be called before
// Init.
func New(observer interfaces.Observer, logger interfaces.Logger) *EngineState {
	return &EngineState{
		byName:   make(map[string]*DevState),
		active:   true,
		Observer: observer,
		Logger:   logger,
	}
}

// SetParams latches configuration; sharedBase implies blkEnable (spec
// §4.3: "shared_base ⇒ blk_enable").
func (e *EngineState) SetParams(blkEnable, sharedBase bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blkEnable = blkEnable || sharedBase
	e.sharedBase = sharedBase
}

// BlkEnable reports whether block migration is enabled.
func (e *EngineState) BlkEnable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blkEnable
}

// SharedBase reports whether shared-base skipping is enabled.
func (e *EngineState) SharedBase() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sharedBase
}

// RegisterDevice pins backing for the migration, allocates its
// DevState and AIO bitmap, and appends it to the engine's device list
// in insertion order (spec: "ordered list of DevStates (insertion
// order, iteration order stable)").
func (e *EngineState) RegisterDevice(backing interfaces.BlockDevice) *DevState {
	e.mu.Lock()
	defer e.mu.Unlock()

	backing.Acquire()
	backing.SetDirtyTracking(true)

	dev := newDevState(backing, e.sharedBase)
	e.devices = append(e.devices, dev)
	e.byName[backing.Name()] = dev
	return dev
}

// Devices returns the registered devices in insertion order. The
// returned slice must not be mutated.
func (e *EngineState) Devices() []*DevState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*DevState, len(e.devices))
	copy(out, e.devices)
	return out
}

// DeviceByName looks up a registered device by its backing name, for
// the root facade's per-device BulkStepAsync/DirtyStepAsync.
func (e *EngineState) DeviceByName(name string) (*DevState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.byName[name]
	return d, ok
}

// Submitted returns the count of reads issued but not yet completed
// (invariant P1: always >= 0).
func (e *EngineState) Submitted() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

// ReadDone returns the count of completed, not-yet-sent reads.
func (e *EngineState) ReadDone() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.readDone
}

// Transferred returns the count of chunks handed to the pipeline.
func (e *EngineState) Transferred() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transferred
}

// IsActive reports whether the engine has not yet been torn down by
// Cleanup; completion callbacks that fire after Cleanup must check
// this and no-op (spec §5 Cancellation).
func (e *EngineState) IsActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// PopReadyChunk removes and returns the head of the ready FIFO (the
// oldest completed read awaiting transmission), satisfying invariant
// P3: each async chunk is popped and handed to the pipeline exactly
// once. Popping is what moves a chunk out of the "completed, not yet
// sent" state ReadDone counts, so readDone is decremented here rather
// than wherever the caller eventually ships the chunk.
func (e *EngineState) PopReadyChunk() (*Chunk, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.ready) == 0 {
		return nil, false
	}
	c := e.ready[0]
	e.ready = e.ready[1:]
	e.readDone--
	if e.readDone < 0 {
		e.readDone = 0
	}
	return c, true
}

// MarkTransferred adds n to the transferred counter once the pipeline
// has handed chunks off to the queue or stream.
func (e *EngineState) MarkTransferred(n int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transferred += n
}
