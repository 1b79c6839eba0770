package bitmap

import (
	"testing"

	"github.com/behrlich/blkmig/internal/constants"
	"github.com/stretchr/testify/assert"
)

func TestAIOBitmap_SetAndTest(t *testing.T) {
	b := New(constants.SectorsPerDirtyChunk * 4)

	assert.False(t, b.Test(0))
	b.SetRange(0, constants.SectorsPerDirtyChunk, true)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(constants.SectorsPerDirtyChunk-1))
	assert.False(t, b.Test(constants.SectorsPerDirtyChunk))

	b.SetRange(0, constants.SectorsPerDirtyChunk, false)
	assert.False(t, b.Test(0))
}

func TestAIOBitmap_SpansMultipleWords(t *testing.T) {
	// Enough chunks to force more than one uint64 word.
	b := New(constants.SectorsPerDirtyChunk * (constants.WordBits + 5))
	chunk := int64(constants.WordBits + 2)
	sector := chunk * constants.SectorsPerDirtyChunk

	b.SetRange(sector, constants.SectorsPerDirtyChunk, true)
	assert.True(t, b.Test(sector))
	assert.False(t, b.Test(sector-constants.SectorsPerDirtyChunk))
}

func TestAIOBitmap_AnyInRange(t *testing.T) {
	b := New(constants.SectorsPerDirtyChunk * 8)
	assert.False(t, b.AnyInRange(0, constants.SectorsPerDirtyChunk*3))

	b.SetRange(2*constants.SectorsPerDirtyChunk, constants.SectorsPerDirtyChunk, true)
	assert.True(t, b.AnyInRange(0, constants.SectorsPerDirtyChunk*3))
	assert.False(t, b.AnyInRange(3*constants.SectorsPerDirtyChunk, constants.SectorsPerDirtyChunk))
}
