package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/behrlich/blkmig/internal/engine"
	"github.com/behrlich/blkmig/internal/interfaces"
	"github.com/behrlich/blkmig/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	name   string
	length int64
}

func (d *fakeDevice) Name() string                              { return d.name }
func (d *fakeDevice) LengthSectors() int64                      { return d.length }
func (d *fakeDevice) ReadSync(int64, int, []byte) error         { return nil }
func (d *fakeDevice) ReadAsync(_ context.Context, _ int64, _ int, _ []byte, cb func(error)) error {
	cb(nil)
	return nil
}
func (d *fakeDevice) WriteSync(int64, int, []byte) error { return nil }
func (d *fakeDevice) DirtyGet(int64) bool                { return false }
func (d *fakeDevice) DirtyReset(int64, int)              {}
func (d *fakeDevice) DirtyCount() int64                  { return 0 }
func (d *fakeDevice) SetDirtyTracking(bool)              {}
func (d *fakeDevice) IsAllocated(sector, maxSearch int64) (bool, int64) {
	return true, maxSearch
}
func (d *fakeDevice) Acquire() {}
func (d *fakeDevice) Release() {}

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

func newTestEngine(t *testing.T, dev interfaces.BlockDevice) *engine.EngineState {
	t.Helper()
	e := engine.New(nil, nil)
	e.RegisterDevice(dev)
	return e
}

func TestFlushPipeline_DefersUndersizedMidIteration(t *testing.T) {
	dev := &fakeDevice{name: "sda", length: constants.SectorsPerDirtyChunk * 4}
	e := newTestEngine(t, dev)
	devState := e.Devices()[0]

	p := &ChunkPipeline{Engine: e, Queue: queue.NewBoundedTaskQueue(16)}
	p.pendingChunks = []*engine.Chunk{{Device: devState, NrSectors: 1}}

	require.NoError(t, p.FlushPipeline(context.Background(), false))
	assert.Equal(t, 0, p.Queue.Pending())
	assert.Len(t, p.pendingChunks, 1)
}

func TestFlushPipeline_FlushesShortBatchWhenLast(t *testing.T) {
	dev := &fakeDevice{name: "sda", length: constants.SectorsPerDirtyChunk * 4}
	e := newTestEngine(t, dev)
	devState := e.Devices()[0]

	p := &ChunkPipeline{Engine: e, Queue: queue.NewBoundedTaskQueue(16)}
	p.pendingChunks = []*engine.Chunk{{Device: devState, NrSectors: 1}}

	require.NoError(t, p.FlushPipeline(context.Background(), true))
	assert.Equal(t, 1, p.Queue.Pending())
	assert.Len(t, p.pendingChunks, 0)
}

func TestEncodeAndFree_LegacyEncodesDirectly(t *testing.T) {
	dev := &fakeDevice{name: "sda", length: constants.SectorsPerDirtyChunk}
	e := newTestEngine(t, dev)
	devState := e.Devices()[0]
	stream := &fakeStream{}

	buf := queue.GetChunkBuffer()
	p := &ChunkPipeline{Engine: e, Stream: stream, Legacy: true}
	chunk := &engine.Chunk{Device: devState, Sector: 0, NrSectors: constants.SectorsPerDirtyChunk, Buffer: buf}
	require.NoError(t, p.encodeAndFree(chunk))
	assert.NotEmpty(t, stream.buf)
	assert.EqualValues(t, 1, e.Transferred())
}

func TestFlushAsync_EmptyReadyFIFOReturnsNil(t *testing.T) {
	dev := &fakeDevice{name: "sda", length: constants.SectorsPerDirtyChunk * 2}
	e := newTestEngine(t, dev)

	stream := &fakeStream{}
	p := &ChunkPipeline{Engine: e, Stream: stream, Queue: queue.NewBoundedTaskQueue(16)}

	err := p.FlushAsync(context.Background())
	require.NoError(t, err) // empty ready FIFO: returns nil immediately
	assert.Nil(t, stream.Err())
}
