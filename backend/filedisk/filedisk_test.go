package filedisk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFile(t *testing.T, sectors int64) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(sectors*constants.SectorSize))
	require.NoError(t, f.Close())
	return path
}

func TestDisk_WriteThenReadRoundTrip(t *testing.T) {
	path := newTestFile(t, 8)
	d, err := Open("sda", path, 8)
	require.NoError(t, err)
	defer d.Close()

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, d.WriteSync(2, 1, payload))

	out := make([]byte, 512)
	require.NoError(t, d.ReadSync(2, 1, out))
	assert.Equal(t, payload, out)
}

func TestDisk_WriteSetsDirty(t *testing.T) {
	path := newTestFile(t, constants.SectorsPerDirtyChunk*2)
	d, err := Open("sda", path, 8)
	require.NoError(t, err)
	defer d.Close()

	assert.False(t, d.DirtyGet(0))
	require.NoError(t, d.WriteSync(0, 1, make([]byte, 512)))
	assert.True(t, d.DirtyGet(0))

	d.DirtyReset(0, constants.SectorsPerDirtyChunk)
	assert.False(t, d.DirtyGet(0))
}

func TestDisk_ReadAsync_InvokesCallback(t *testing.T) {
	path := newTestFile(t, 8)
	d, err := Open("sda", path, 8)
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.WriteSync(0, 1, append([]byte{9, 8, 7, 6}, make([]byte, 508)...)))

	done := make(chan error, 1)
	buf := make([]byte, 512)
	require.NoError(t, d.ReadAsync(context.Background(), 0, 1, buf, func(err error) { done <- err }))
	assert.NoError(t, <-done)
	assert.Equal(t, byte(9), buf[0])
}

func TestDisk_ReadAsync_ContextCanceled(t *testing.T) {
	path := newTestFile(t, 8)
	d, err := Open("sda", path, 8)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = d.ReadAsync(ctx, 0, 1, make([]byte, 512), func(error) {})
	assert.Error(t, err)
}

func TestDisk_IsAllocated_AlwaysTrue(t *testing.T) {
	path := newTestFile(t, constants.SectorsPerDirtyChunk*2)
	d, err := Open("sda", path, 8)
	require.NoError(t, err)
	defer d.Close()

	allocated, run := d.IsAllocated(0, constants.MaxIsAllocatedSearch)
	assert.True(t, allocated)
	assert.Greater(t, run, int64(0))
}

func TestDisk_LengthSectors(t *testing.T) {
	path := newTestFile(t, 4096)
	d, err := Open("sda", path, 8)
	require.NoError(t, err)
	defer d.Close()
	assert.EqualValues(t, 4096, d.LengthSectors())
}
