package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkers_RegionsAreAligned(t *testing.T) {
	m := markersFromSizes(13, 7, 30, 101)

	for _, offset := range []uint64{m.SchemaOffset, m.HeaderOffset, m.MetadataOffset, m.DataOffset} {
		assert.Zerof(t, offset%regionAlignment, "offset %d not %d-byte aligned", offset, regionAlignment)
	}
	assert.Equal(t, uint64(markersSize), m.SchemaOffset, "schema region follows the markers block")
}

func TestMarkers_EncodeDecodeRoundTrip(t *testing.T) {
	m := markersFromSizes(1482, 645, 254, 173)

	buf := make([]byte, markersSize)
	m.encode(buf)
	got, err := decodeMarkers(buf)
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestMarkers_ValidateDetectsCorruption(t *testing.T) {
	m := markersFromSizes(64, 32, 16, 128)
	require.NoError(t, m.validate(m.ContentsSize()))

	corrupted := m
	corrupted.DataOffset += 8
	assert.Error(t, corrupted.validate(m.ContentsSize()+8))

	assert.Error(t, m.validate(m.ContentsSize()-1), "markers describing more bytes than mapped must fail")
}

func TestDynamicBufferLength_LeavesHeadroom(t *testing.T) {
	n := 1000
	padded := dynamicBufferLength(n)
	assert.Greater(t, padded, n)
	assert.Zero(t, padded%regionAlignment)
}
