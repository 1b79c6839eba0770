// Package receive implements the ReceiveReassembler (C_RR): it reads
// framed records from the Stream until EOS, resolves each data
// record's device by name, and dispatches write tasks to a reduce
// queue drained by writer threads. Grounded on the teacher's sharded
// backend's per-key synchronization (here: per-sector atomic version
// vectors) and on internal/queue's channel-based queue pattern.
package receive

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/queue"
	"github.com/behrlich/blkmig/internal/wire"
)

// VersionVector is a per-sector "last applied iter_num" tracker,
// sized to one entry per chunk (chunks are the dirty-tracking and
// transfer granularity, spec §3). It resolves open question (a) from
// spec §9: incoming writes whose iter_num is less than the last
// applied for that chunk are dropped, using a per-chunk atomic
// last_applied_iter. This is the simplest correct policy per spec §9
// and is the one this module implements.
type VersionVector struct {
	lastApplied []atomic.Uint32
}

// NewVersionVector allocates a vector sized to totalSectors, one entry
// per DirtyChunk (spec §4.5: "allocates a per-sector version vector
// for the named device sized to total_sectors").
func NewVersionVector(totalSectors int64) *VersionVector {
	nChunks := (totalSectors + constants.SectorsPerDirtyChunk - 1) / constants.SectorsPerDirtyChunk
	if nChunks == 0 {
		nChunks = 1
	}
	return &VersionVector{lastApplied: make([]atomic.Uint32, nChunks)}
}

// TryApply reports whether a write at sector tagged iterNum should be
// applied: true and records iterNum as the new high-water mark iff
// iterNum >= the last applied value for that chunk; false (drop) if a
// fresher write has already landed.
func (v *VersionVector) TryApply(sector int64, iterNum uint8) bool {
	chunk := sector / constants.SectorsPerDirtyChunk
	if chunk < 0 || int(chunk) >= len(v.lastApplied) {
		return false
	}
	slot := &v.lastApplied[chunk]
	for {
		current := slot.Load()
		if uint32(iterNum) < current {
			return false
		}
		if slot.CompareAndSwap(current, uint32(iterNum)) {
			return true
		}
	}
}

// WriteTask is dispatched to the reduce queue for a writer thread to
// apply to the destination BlockDevice.
type WriteTask struct {
	Device    string
	Sector    int64
	NrSectors int
	IterNum   uint8
	Buffer    []byte
}

// Reassembler parses the framed stream produced by the source side
// and dispatches WriteTasks to a reduce queue (spec §4.5).
type Reassembler struct {
	mu       sync.Mutex
	devices  map[string]interfaces.BlockDevice
	versions map[string]*VersionVector
	progress int

	ReduceQueue *queue.ReduceQueue
	Logger      interfaces.Logger
}

// NewReassembler creates a Reassembler dispatching onto reduceQueue.
// devices maps device name to the destination BlockDevice used to
// infer a negotiated device's sector count for UnknownDevice checks;
// it may be populated lazily via RegisterDevice.
func NewReassembler(reduceQueue *queue.ReduceQueue, logger interfaces.Logger) *Reassembler {
	return &Reassembler{
		devices:     make(map[string]interfaces.BlockDevice),
		versions:    make(map[string]*VersionVector),
		ReduceQueue: reduceQueue,
		Logger:      logger,
	}
}

// RegisterDevice makes a destination BlockDevice available for
// negotiation lookups (spec §4.5 UnknownDevice check).
func (r *Reassembler) RegisterDevice(bd interfaces.BlockDevice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[bd.Name()] = bd
}

// Run reads records from stream until EOS or error, dispatching data
// records to the reduce queue and updating per-device version vectors
// and progress as it goes. It returns nil on a clean EOS.
func (r *Reassembler) Run(ctx context.Context, stream io.Reader) error {
	buffered := wire.NewBufferedReader(stream)
	for {
		rec, err := wire.Decode(buffered)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ErrFromWire(err)
		}

		switch rec.Type {
		case wire.RecordEOS:
			return nil

		case wire.RecordNegotiation:
			if err := r.handleNegotiation(rec); err != nil {
				return err
			}

		case wire.RecordProgress:
			r.mu.Lock()
			r.progress = rec.Percent
			r.mu.Unlock()

		case wire.RecordData:
			if err := r.handleData(ctx, rec); err != nil {
				return err
			}

		default:
			return ErrProtocolFrame
		}
	}
}

func (r *Reassembler) handleNegotiation(rec wire.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.devices[rec.Device]; !ok {
		return ErrUnknownDevice
	}
	r.versions[rec.Device] = NewVersionVector(rec.TotalSectors)
	return nil
}

func (r *Reassembler) handleData(ctx context.Context, rec wire.Record) error {
	r.mu.Lock()
	vv, ok := r.versions[rec.Device]
	bd := r.devices[rec.Device]
	r.mu.Unlock()
	if !ok {
		return ErrUnknownDevice
	}

	if !vv.TryApply(rec.Sector, rec.IterNum) {
		return nil // stale write, dropped per version-vector policy
	}

	// B1: infer the valid sector count from the device's total size,
	// not the (always BlockSize) wire payload length.
	nrSectors := constants.SectorsPerDirtyChunk
	if bd != nil {
		if remaining := bd.LengthSectors() - rec.Sector; remaining < int64(nrSectors) {
			nrSectors = int(remaining)
		}
	}

	task := WriteTask{
		Device:    rec.Device,
		Sector:    rec.Sector,
		NrSectors: nrSectors,
		IterNum:   rec.IterNum,
		Buffer:    rec.Payload,
	}
	return r.ReduceQueue.Push(ctx, queue.WriteTask(task))
}

// Progress returns the last reported progress percent (0..100).
func (r *Reassembler) Progress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}
