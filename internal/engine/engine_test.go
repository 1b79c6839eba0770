package engine

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/behrlich/blkmig/backend/memdisk"
	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/queue"
	"github.com/behrlich/blkmig/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testDevice is a minimal in-memory interfaces.BlockDevice for engine
// tests, independent of the root package's MockBlockDevice to avoid an
// import cycle (the root package imports internal/engine).
type testDevice struct {
	mu            sync.Mutex
	name          string
	data          []byte
	dirty         map[int64]bool
	dirtyTracking bool
	refs          int
}

func newTestDevice(name string, lengthSectors int64) *testDevice {
	return &testDevice{
		name:          name,
		data:          make([]byte, lengthSectors*constants.SectorSize),
		dirty:         make(map[int64]bool),
		dirtyTracking: true,
	}
}

func (d *testDevice) Name() string         { return d.name }
func (d *testDevice) LengthSectors() int64 { return int64(len(d.data)) / constants.SectorSize }

func (d *testDevice) ReadSync(sector int64, nrSectors int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := sector * constants.SectorSize
	n := int64(nrSectors) * constants.SectorSize
	copy(buf, d.data[off:off+n])
	return nil
}

func (d *testDevice) ReadAsync(ctx context.Context, sector int64, nrSectors int, buf []byte, onComplete func(err error)) error {
	err := d.ReadSync(sector, nrSectors, buf)
	onComplete(err)
	return nil
}

func (d *testDevice) WriteSync(sector int64, nrSectors int, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := sector * constants.SectorSize
	n := int64(nrSectors) * constants.SectorSize
	copy(d.data[off:off+n], buf[:n])
	if d.dirtyTracking {
		chunk := sector / constants.SectorsPerDirtyChunk
		d.dirty[chunk] = true
	}
	return nil
}

func (d *testDevice) dirtyChunk(sector int64) int64 { return sector / constants.SectorsPerDirtyChunk }

func (d *testDevice) DirtyGet(sector int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirty[d.dirtyChunk(sector)]
}

func (d *testDevice) DirtyReset(sector int64, nrSectors int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := d.dirtyChunk(sector)
	end := d.dirtyChunk(sector + int64(nrSectors) - 1)
	for c := start; c <= end; c++ {
		delete(d.dirty, c)
	}
}

func (d *testDevice) DirtyCount() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.dirty))
}

func (d *testDevice) SetDirtyTracking(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dirtyTracking = enabled
}

func (d *testDevice) IsAllocated(sector int64, maxSearch int64) (bool, int64) {
	remaining := d.LengthSectors() - sector
	if remaining > maxSearch {
		remaining = maxSearch
	}
	return true, remaining
}

func (d *testDevice) Acquire() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs++
}

func (d *testDevice) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refs--
}

func (d *testDevice) markDirty(sector int64, nrSectors int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := d.dirtyChunk(sector)
	end := d.dirtyChunk(sector + int64(nrSectors) - 1)
	for c := start; c <= end; c++ {
		d.dirty[c] = true
	}
}

// fakeStream is a minimal interfaces.Stream for tests: it always
// allows sends and just records the last error.
type fakeStream struct {
	mu  sync.Mutex
	buf []byte
	err error
}

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, p...)
	return len(p), nil
}
func (s *fakeStream) Read(p []byte) (int, error) { return 0, nil }
func (s *fakeStream) RateLimitOK() bool          { return true }
func (s *fakeStream) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}
func (s *fakeStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func TestInit_WritesNegotiationRecord(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", 2048)
	stream := &fakeStream{}

	require.NoError(t, e.Init([]interfaces.BlockDevice{dev}, stream))
	assert.Len(t, e.Devices(), 1)
	assert.NotEmpty(t, stream.buf)

	rec, err := wire.Decode(bytes.NewReader(stream.buf))
	require.NoError(t, err)
	assert.Equal(t, wire.RecordNegotiation, rec.Type)
	assert.Equal(t, "sda", rec.Device)
	assert.EqualValues(t, 2048, rec.TotalSectors)
}

func TestScenario1_FullSweepSingleChunk(t *testing.T) {
	// Device "sda" of 2048 sectors, shorter than one chunk
	// (SectorsPerDirtyChunk=4096), so a single short chunk covers the
	// whole device: one data record, then iteration completes.
	e := New(nil, nil)
	dev := newTestDevice("sda", 2048)
	e.RegisterDevice(dev)

	q := queue.NewBoundedTaskQueue(constants.MaxTaskPending + 10)
	produced, err := e.Iterate(context.Background(), 2, q, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2048*constants.SectorSize), produced)
	assert.Equal(t, 1, q.Pending())
	assert.True(t, e.RecomputeBulkCompletedGlobal())
}

func TestScenario2_DirtySweepAfterGuestWrites(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", 4096*2)
	e.RegisterDevice(dev)

	q := queue.NewBoundedTaskQueue(constants.MaxTaskPending + 10)
	_, err := e.Iterate(context.Background(), 2, q, 0)
	require.NoError(t, err)
	assert.True(t, e.RecomputeBulkCompletedGlobal())

	dev.markDirty(0, 1)
	dev.markDirty(4096, 1)

	_, err = q.Pop(context.Background())
	require.NoError(t, err)

	produced, err := e.Iterate(context.Background(), 2, q, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2*constants.BlockSize), produced)
	assert.EqualValues(t, 0, dev.DirtyCount())
}

func TestScenario3_TwoDevicesShortTail(t *testing.T) {
	e := New(nil, nil)
	devA := newTestDevice("a", 2048)
	devB := newTestDevice("b", 1024)
	e.RegisterDevice(devA)
	e.RegisterDevice(devB)

	q := queue.NewBoundedTaskQueue(constants.MaxTaskPending + 10)
	_, err := e.Iterate(context.Background(), 2, q, 0)
	require.NoError(t, err)

	var totalChunks int
	for q.Pending() > 0 {
		raw, err := q.Pop(context.Background())
		require.NoError(t, err)
		body := raw.(*TaskBody)
		totalChunks += len(body.Chunks)
		for _, c := range body.Chunks {
			if c.Device == e.Devices()[1] {
				assert.Equal(t, 1024, c.NrSectors)
			}
		}
	}
	assert.Equal(t, 2, totalChunks)
}

func TestScenario4_Convergence(t *testing.T) {
	e := New(nil, nil)
	e.mu.Lock()
	e.bulkCompletedGlobal = true
	e.readsCount = 1
	e.totalReadNanos = int64(1 * 1_000_000) // 1ms for one BlockSize read
	e.mu.Unlock()

	dev := newTestDevice("sda", constants.SectorsPerDirtyChunk*4)
	e.RegisterDevice(dev)
	dev.markDirty(0, 1)
	dev.markDirty(constants.SectorsPerDirtyChunk, 1)
	dev.markDirty(constants.SectorsPerDirtyChunk*2, 1)
	dev.markDirty(constants.SectorsPerDirtyChunk*3, 1)

	assert.True(t, e.ShouldFinish(10*1_000_000))
}

func TestScenario5_SharedBaseRejectedOnSyncPath(t *testing.T) {
	e := New(nil, nil)
	e.SetParams(true, true)
	dev := newTestDevice("sda", 2048)
	e.RegisterDevice(dev)

	q := queue.NewBoundedTaskQueue(16)
	produced, err := e.Iterate(context.Background(), 2, q, 0)
	assert.ErrorIs(t, err, ErrSharedBaseOnSyncPath)
	assert.Equal(t, int64(0), produced)
	assert.Equal(t, 0, q.Pending())
}

// TestSharedBase_AsyncSkipStopsAtAllocatedChunk guards the async
// shared-base skip loop in BulkSweepStepAsync against jumping straight
// to end-of-device on an IsAllocated probe that reports only the true
// unallocated run length: chunk 0 is a hole, chunk 1 is allocated and
// must still be read and transferred, chunk 2 is a hole again.
func TestSharedBase_AsyncSkipStopsAtAllocatedChunk(t *testing.T) {
	chunk := int64(constants.SectorsPerDirtyChunk)
	backing := memdisk.NewSparse("sda", chunk*3)
	backing.MarkAllocated(chunk) // chunk index 1 is allocated

	e := New(nil, nil)
	e.SetParams(true, true)
	dev := e.RegisterDevice(backing)
	stream := &fakeStream{}

	var sawChunk1 bool
	for i := 0; i < 10; i++ {
		complete, err := e.BulkSweepStepAsync(context.Background(), dev, stream)
		require.NoError(t, err)
		if dev.curSector > chunk && dev.curSector <= chunk*2 {
			sawChunk1 = true
		}
		if complete {
			break
		}
	}

	assert.True(t, sawChunk1, "bulk sweep must read the allocated chunk sandwiched between two holes, not skip over it")
	assert.EqualValues(t, chunk*3, dev.curSector)
}

func TestP2_CompletedSectorsMonotonicAndBounded(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", 4096*3)
	e.RegisterDevice(dev)

	q := queue.NewBoundedTaskQueue(constants.MaxTaskPending + 10)
	prev := int64(0)
	for i := 0; i < 5; i++ {
		e.Iterate(context.Background(), 2, q, 0)
		cur := dev.LengthSectors()
		cs := dev.CompletedSectors()
		assert.GreaterOrEqual(t, cs, prev)
		assert.LessOrEqual(t, cs, cur)
		prev = cs
	}
}

func TestP5_BulkCompletedImpliesCursorAtEnd(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", 4096)
	e.RegisterDevice(dev)

	q := queue.NewBoundedTaskQueue(16)
	_, err := e.Iterate(context.Background(), 2, q, 0)
	require.NoError(t, err)

	if e.RecomputeBulkCompletedGlobal() {
		assert.GreaterOrEqual(t, dev.CurSector(), dev.TotalSectors)
	}
}

func TestPopReadyChunk_DecrementsReadDone(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", constants.SectorsPerDirtyChunk*2)
	e.RegisterDevice(dev)

	e.mu.Lock()
	e.ready = append(e.ready,
		&Chunk{Buffer: queue.GetChunkBuffer()},
		&Chunk{Buffer: queue.GetChunkBuffer()})
	e.readDone = 2
	e.mu.Unlock()

	_, ok := e.PopReadyChunk()
	require.True(t, ok)
	assert.EqualValues(t, 1, e.ReadDone())

	_, ok = e.PopReadyChunk()
	require.True(t, ok)
	assert.EqualValues(t, 0, e.ReadDone())

	_, ok = e.PopReadyChunk()
	assert.False(t, ok)
	assert.EqualValues(t, 0, e.ReadDone())
}

func TestCleanup_DrainsReadyFIFOAndReleases(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", constants.SectorsPerDirtyChunk)
	e.RegisterDevice(dev)

	e.mu.Lock()
	e.ready = append(e.ready, &Chunk{Buffer: queue.GetChunkBuffer()})
	e.mu.Unlock()

	e.Cleanup(context.Background())

	assert.False(t, e.IsActive())
	assert.Equal(t, 0, dev.refs)
	assert.False(t, dev.dirtyTracking)
}

func TestCleanup_DrainsOutstandingAIOBeforeTeardown(t *testing.T) {
	e := New(nil, nil)
	dev := newTestDevice("sda", constants.SectorsPerDirtyChunk)
	e.RegisterDevice(dev)

	e.mu.Lock()
	e.submitted = 1
	e.mu.Unlock()

	releaseAfter := make(chan struct{})
	go func() {
		time.Sleep(5 * time.Millisecond)
		e.mu.Lock()
		e.submitted = 0
		e.mu.Unlock()
		close(releaseAfter)
	}()

	e.Cleanup(context.Background())
	<-releaseAfter

	assert.False(t, e.IsActive())
	assert.Equal(t, 0, dev.refs)
}
