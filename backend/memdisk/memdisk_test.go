package memdisk

import (
	"context"
	"testing"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisk_WriteThenReadRoundTrip(t *testing.T) {
	d := New("sda", 4096)
	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}

	require.NoError(t, d.WriteSync(10, 1, payload))

	out := make([]byte, 512)
	require.NoError(t, d.ReadSync(10, 1, out))
	assert.Equal(t, payload, out)
}

func TestDisk_WriteSetsChunkDirty(t *testing.T) {
	d := New("sda", constants.SectorsPerDirtyChunk*2)
	assert.False(t, d.DirtyGet(0))

	require.NoError(t, d.WriteSync(0, 1, make([]byte, 512)))
	assert.True(t, d.DirtyGet(0))
	assert.EqualValues(t, 1, d.DirtyCount())

	d.DirtyReset(0, constants.SectorsPerDirtyChunk)
	assert.False(t, d.DirtyGet(0))
	assert.EqualValues(t, 0, d.DirtyCount())
}

func TestDisk_OutOfRangeRejected(t *testing.T) {
	d := New("sda", 1024)
	err := d.ReadSync(2000, 1, make([]byte, 512))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestDisk_ReadAsync_InvokesCallback(t *testing.T) {
	d := New("sda", 4096)
	require.NoError(t, d.WriteSync(0, 1, append([]byte{1, 2, 3, 4}, make([]byte, 508)...)))

	var gotErr error
	buf := make([]byte, 512)
	require.NoError(t, d.ReadAsync(context.Background(), 0, 1, buf, func(err error) { gotErr = err }))
	assert.NoError(t, gotErr)
	assert.Equal(t, byte(1), buf[0])
}

func TestDisk_SparseMode_SharedBaseSkip(t *testing.T) {
	d := NewSparse("sda", constants.SectorsPerDirtyChunk*4)

	allocated, run := d.IsAllocated(0, constants.MaxIsAllocatedSearch)
	assert.False(t, allocated)
	assert.Greater(t, run, int64(0))

	d.MarkAllocated(constants.SectorsPerDirtyChunk * 2)
	allocated, _ = d.IsAllocated(constants.SectorsPerDirtyChunk*2, constants.MaxIsAllocatedSearch)
	assert.True(t, allocated)
}

// TestDisk_IsAllocated_RunLengthStopsAtNextAllocatedChunk guards
// against a skip loop jumping straight to the allocated chunk's
// answer for the whole remaining device instead of the actual
// contiguous unallocated run: chunk 0 is a hole, chunk 1 is
// allocated, chunk 2 is a hole again.
func TestDisk_IsAllocated_RunLengthStopsAtNextAllocatedChunk(t *testing.T) {
	chunk := int64(constants.SectorsPerDirtyChunk)
	d := NewSparse("sda", chunk*3)
	d.MarkAllocated(chunk) // chunk index 1

	allocated, run := d.IsAllocated(0, constants.MaxIsAllocatedSearch)
	assert.False(t, allocated)
	assert.Equal(t, chunk, run)

	allocated, run = d.IsAllocated(chunk, constants.MaxIsAllocatedSearch)
	assert.True(t, allocated)
	assert.Equal(t, chunk, run)

	allocated, run = d.IsAllocated(chunk*2, constants.MaxIsAllocatedSearch)
	assert.False(t, allocated)
	assert.Equal(t, chunk, run)
}

func TestDisk_AcquireRelease(t *testing.T) {
	d := New("sda", 4096)
	d.Acquire()
	d.Acquire()
	d.Release()
	assert.Equal(t, 1, d.Refs())
}

func BenchmarkDisk_ReadSync(b *testing.B) {
	d := New("sda", constants.SectorsPerDirtyChunk*16)
	buf := make([]byte, 512)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = d.ReadSync(int64(i%4096), 1, buf)
	}
}
