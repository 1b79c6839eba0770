// Package memdisk provides an in-memory internal/interfaces.BlockDevice
// for tests and demos. Grounded on the teacher's backend.Memory:
// sharded sync.RWMutex locking over a single byte slice, generalized
// from byte-offset ReadAt/WriteAt to sector-addressed ReadSync/
// WriteSync/ReadAsync, and extended with dirty-bit tracking, an
// allocation bitmap for shared-base tests, and refcounting.
package memdisk

import (
	"context"
	"errors"
	"sync"

	"github.com/behrlich/blkmig/internal/bitmap"
	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
)

// ShardSize is the size of each memory shard in bytes, chosen (as in
// the teacher) to give good parallelism for random I/O while keeping
// lock overhead reasonable.
const ShardSize = 64 * 1024

// ErrOutOfRange is returned when a read or write falls outside the
// device's addressable sectors.
var ErrOutOfRange = errors.New("memdisk: access out of range")

// Disk is a RAM-backed BlockDevice. It uses sharded locking so that
// concurrent reads/writes touching disjoint shards don't contend, the
// same tradeoff the teacher's Memory backend makes for multi-queue
// ublk I/O.
type Disk struct {
	name   string
	data   []byte
	shards []sync.RWMutex

	dirty         *bitmap.AIOBitmap
	dirtyTracking bool
	dirtyMu       sync.Mutex

	allocated   map[int64]bool // sparse: chunk index -> allocated, for shared-base tests
	allocMu     sync.Mutex
	sparseMode  bool

	refMu sync.Mutex
	refs  int
}

// New creates a Disk of lengthSectors sectors, all zeroed and fully
// allocated (sparseMode off). Use NewSparse for shared-base tests.
func New(name string, lengthSectors int64) *Disk {
	size := lengthSectors * constants.SectorSize
	numShards := (size + ShardSize - 1) / ShardSize
	if numShards == 0 {
		numShards = 1
	}
	return &Disk{
		name:          name,
		data:          make([]byte, size),
		shards:        make([]sync.RWMutex, numShards),
		dirty:         bitmap.New(lengthSectors),
		dirtyTracking: true,
	}
}

// NewSparse creates a Disk that reports every chunk as unallocated
// (a "hole") until it is written or marked allocated via MarkAllocated,
// exercising the shared-base bulk-sweep skip path (spec §4.3 step 1).
func NewSparse(name string, lengthSectors int64) *Disk {
	d := New(name, lengthSectors)
	d.sparseMode = true
	d.allocated = make(map[int64]bool)
	return d
}

// MarkAllocated marks the chunk containing sector as allocated, for
// shared-base tests.
func (d *Disk) MarkAllocated(sector int64) {
	d.allocMu.Lock()
	defer d.allocMu.Unlock()
	d.allocated[sector/constants.SectorsPerDirtyChunk] = true
}

func (d *Disk) shardRange(off, length int64) (start, end int) {
	start = int(off / ShardSize)
	end = int((off + length - 1) / ShardSize)
	if end >= len(d.shards) {
		end = len(d.shards) - 1
	}
	return start, end
}

func (d *Disk) Name() string { return d.name }

func (d *Disk) LengthSectors() int64 { return int64(len(d.data)) / constants.SectorSize }

func (d *Disk) ReadSync(sector int64, nrSectors int, buf []byte) error {
	off := sector * constants.SectorSize
	n := int64(nrSectors) * constants.SectorSize
	if off < 0 || off+n > int64(len(d.data)) {
		return ErrOutOfRange
	}

	start, end := d.shardRange(off, n)
	for i := start; i <= end; i++ {
		d.shards[i].RLock()
	}
	copy(buf, d.data[off:off+n])
	for i := start; i <= end; i++ {
		d.shards[i].RUnlock()
	}
	return nil
}

// ReadAsync runs the read inline and invokes onComplete before
// returning; a real hypervisor block layer would submit to its own
// AIO facility (see internal/aio for the file-backed equivalent used
// by backend/filedisk).
func (d *Disk) ReadAsync(ctx context.Context, sector int64, nrSectors int, buf []byte, onComplete func(err error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := d.ReadSync(sector, nrSectors, buf)
	onComplete(err)
	return nil
}

func (d *Disk) WriteSync(sector int64, nrSectors int, buf []byte) error {
	off := sector * constants.SectorSize
	n := int64(nrSectors) * constants.SectorSize
	if off < 0 || off+n > int64(len(d.data)) {
		return ErrOutOfRange
	}

	start, end := d.shardRange(off, n)
	for i := start; i <= end; i++ {
		d.shards[i].Lock()
	}
	copy(d.data[off:off+n], buf[:n])
	for i := start; i <= end; i++ {
		d.shards[i].Unlock()
	}

	if d.dirtyTracking {
		d.dirty.SetRange(sector, nrSectors, true)
	}
	if d.sparseMode {
		d.MarkAllocated(sector)
	}
	return nil
}

func (d *Disk) DirtyGet(sector int64) bool { return d.dirty.Test(sector) }

func (d *Disk) DirtyReset(sector int64, nrSectors int) { d.dirty.SetRange(sector, nrSectors, false) }

func (d *Disk) DirtyCount() int64 {
	chunks := (d.LengthSectors() + constants.SectorsPerDirtyChunk - 1) / constants.SectorsPerDirtyChunk
	var count int64
	for c := int64(0); c < chunks; c++ {
		if d.dirty.Test(c * constants.SectorsPerDirtyChunk) {
			count++
		}
	}
	return count
}

func (d *Disk) SetDirtyTracking(enabled bool) {
	d.dirtyMu.Lock()
	defer d.dirtyMu.Unlock()
	d.dirtyTracking = enabled
}

// IsAllocated reports whether sector's chunk is allocated, and the
// length of the contiguous run starting at sector that shares that
// same allocation state, bounded by maxSearch and the device end. In
// non-sparse mode every sector is allocated; in sparse mode only
// chunks touched by a prior write or explicit MarkAllocated are.
func (d *Disk) IsAllocated(sector int64, maxSearch int64) (bool, int64) {
	total := d.LengthSectors()
	bound := total - sector
	if bound > maxSearch {
		bound = maxSearch
	}
	if bound < 0 {
		bound = 0
	}

	if !d.sparseMode {
		return true, bound
	}

	d.allocMu.Lock()
	defer d.allocMu.Unlock()

	startChunk := sector / constants.SectorsPerDirtyChunk
	allocated := d.allocated[startChunk]

	// Walk forward chunk by chunk while the allocation state matches
	// the starting chunk's, so the caller (e.g. the shared-base bulk
	// sweep's skip loop) advances only as far as the run it was
	// actually told about, not straight to the end of the device.
	limit := sector + bound
	var run int64
	for chunk := startChunk; ; chunk++ {
		chunkStart := chunk * constants.SectorsPerDirtyChunk
		if chunkStart >= limit {
			break
		}
		if d.allocated[chunk] != allocated {
			break
		}
		chunkEnd := chunkStart + constants.SectorsPerDirtyChunk
		if chunkEnd > limit {
			chunkEnd = limit
		}
		run = chunkEnd - sector
	}
	return allocated, run
}

func (d *Disk) Acquire() {
	d.refMu.Lock()
	defer d.refMu.Unlock()
	d.refs++
}

func (d *Disk) Release() {
	d.refMu.Lock()
	defer d.refMu.Unlock()
	d.refs--
}

// Refs returns the current acquire/release balance, for tests.
func (d *Disk) Refs() int {
	d.refMu.Lock()
	defer d.refMu.Unlock()
	return d.refs
}

var _ interfaces.BlockDevice = (*Disk)(nil)
