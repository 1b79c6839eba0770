package blkmig

import (
	"context"
	"sync"

	"github.com/behrlich/blkmig/internal/bitmap"
	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/interfaces"
)

// MockBlockDevice is an in-memory internal/interfaces.BlockDevice
// implementation for tests: it tracks dirty bits and refcounts the way
// backend/memdisk does (it has no allocation holes), plus a failure-
// injection hook so tests can exercise the read-failure paths without
// a real backend. Grounded on
// the teacher's MockBackend (testing.go), adapted from byte-range
// Backend semantics to the BlockDevice contract.
type MockBlockDevice struct {
	mu   sync.RWMutex
	name string
	data []byte

	dirty           *bitmap.AIOBitmap
	dirtyTracking   bool
	refs            int

	readCalls  int
	writeCalls int

	// FailReadAt, if set, causes ReadSync/ReadAsync to fail once with
	// this error when a read starts in the chunk holding this sector, then clears
	// itself. Lets a test inject exactly one transient failure.
	FailReadAt    int64
	FailReadError error
}

// NewMockBlockDevice creates an all-zero mock device of the given
// length, with dirty tracking enabled.
func NewMockBlockDevice(name string, lengthSectors int64) *MockBlockDevice {
	return &MockBlockDevice{
		name:          name,
		data:          make([]byte, lengthSectors*constants.SectorSize),
		dirty:         bitmap.New(lengthSectors),
		dirtyTracking: true,
	}
}

func (m *MockBlockDevice) Name() string { return m.name }

func (m *MockBlockDevice) LengthSectors() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data)) / constants.SectorSize
}

func (m *MockBlockDevice) ReadSync(sector int64, nrSectors int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if err := m.takeInjectedFailureLocked(sector); err != nil {
		return err
	}

	off := sector * constants.SectorSize
	n := nrSectors * constants.SectorSize
	if off+int64(n) > int64(len(m.data)) {
		return NewDeviceError("read", m.name, ErrCodeAllocationFailure, "read past end of device")
	}
	copy(buf, m.data[off:off+int64(n)])
	return nil
}

// ReadAsync runs the read synchronously and invokes onComplete inline;
// adequate for unit tests that don't need real concurrency but still
// exercise the BlockDevice.ReadAsync call shape the engine uses.
func (m *MockBlockDevice) ReadAsync(ctx context.Context, sector int64, nrSectors int, buf []byte, onComplete func(err error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := m.ReadSync(sector, nrSectors, buf)
	onComplete(err)
	return nil
}

func (m *MockBlockDevice) WriteSync(sector int64, nrSectors int, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	off := sector * constants.SectorSize
	n := nrSectors * constants.SectorSize
	if off+int64(n) > int64(len(m.data)) {
		return NewDeviceError("write", m.name, ErrCodeAllocationFailure, "write past end of device")
	}
	copy(m.data[off:off+int64(n)], buf[:n])
	if m.dirtyTracking {
		m.dirty.SetRange(sector, nrSectors, true)
	}
	return nil
}

func (m *MockBlockDevice) DirtyGet(sector int64) bool {
	return m.dirty.Test(sector)
}

func (m *MockBlockDevice) DirtyReset(sector int64, nrSectors int) {
	m.dirty.SetRange(sector, nrSectors, false)
}

func (m *MockBlockDevice) DirtyCount() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	chunks := (int64(len(m.data))/constants.SectorSize + constants.SectorsPerDirtyChunk - 1) / constants.SectorsPerDirtyChunk
	for c := int64(0); c < chunks; c++ {
		if m.dirty.Test(c * constants.SectorsPerDirtyChunk) {
			count++
		}
	}
	return count
}

func (m *MockBlockDevice) SetDirtyTracking(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirtyTracking = enabled
}

// IsAllocated reports every sector as allocated: MockBlockDevice has no
// sparse-hole concept, so shared-base tests should use backend/memdisk
// instead when hole-skipping matters.
func (m *MockBlockDevice) IsAllocated(sector int64, maxSearch int64) (bool, int64) {
	remaining := m.LengthSectors() - sector
	if remaining > maxSearch {
		remaining = maxSearch
	}
	if remaining < 0 {
		remaining = 0
	}
	return true, remaining
}

func (m *MockBlockDevice) Acquire() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs++
}

func (m *MockBlockDevice) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refs--
}

// Refs returns the current acquire/release balance, for test assertions.
func (m *MockBlockDevice) Refs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs
}

// ReadCalls/WriteCalls return call counters, for test assertions.
func (m *MockBlockDevice) ReadCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.readCalls
}

func (m *MockBlockDevice) WriteCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writeCalls
}

// takeInjectedFailureLocked consumes a one-shot injected failure if
// sector falls within the failing chunk. Caller holds m.mu.
func (m *MockBlockDevice) takeInjectedFailureLocked(sector int64) error {
	if m.FailReadError == nil {
		return nil
	}
	chunk := sector / constants.SectorsPerDirtyChunk
	failChunk := m.FailReadAt / constants.SectorsPerDirtyChunk
	if chunk != failChunk {
		return nil
	}
	err := m.FailReadError
	m.FailReadError = nil
	return err
}

var _ interfaces.BlockDevice = (*MockBlockDevice)(nil)
