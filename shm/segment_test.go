package shm

import (
	"bytes"
	"math"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSegment(t *testing.T, schema, header, metadata, data []byte) *Segment {
	t.Helper()
	seg, err := FromBatchBuffers(NewMemoryID(uuid.New()), schema, header, metadata, data, true)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func repeated(b byte, n int) []byte {
	return bytes.Repeat([]byte{b}, n)
}

func TestSegment_BatchBufferRoundTrip(t *testing.T) {
	// GIVEN four buffers of distinct sizes and contents
	schema := repeated(1, 1482)
	header := repeated(2, 645)
	metadata := repeated(3, 254)
	data := repeated(4, 173)

	// WHEN a segment is built from them
	seg := newTestSegment(t, schema, header, metadata, data)

	// THEN each region reads back byte-identical
	gotSchema, err := seg.SchemaBytes()
	require.NoError(t, err)
	gotHeader, err := seg.HeaderBytes()
	require.NoError(t, err)
	gotMetadata, err := seg.MetadataBytes()
	require.NoError(t, err)
	gotData, err := seg.DataBytes()
	require.NoError(t, err)

	assert.Equal(t, schema, gotSchema)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, metadata, gotMetadata)
	assert.Equal(t, data, gotData)
}

func TestSegment_OpenSeesCreatorContents(t *testing.T) {
	// GIVEN a segment created by this process
	seg := newTestSegment(t, repeated(1, 64), repeated(2, 32), repeated(3, 16), repeated(4, 128))

	// WHEN another handle attaches by OS id
	opened, err := Open(seg.ID(), false, false)
	require.NoError(t, err)
	defer opened.Close()

	// THEN it validates and reads the same regions
	require.NoError(t, opened.ValidateMarkers())
	data, err := opened.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, repeated(4, 128), data)
}

func TestSegment_CreateRejectsZeroSize(t *testing.T) {
	_, err := Create(NewMemoryID(uuid.New()), 0, true, false)
	assert.ErrorIs(t, err, ErrEmptySegment)
}

func TestSegment_CreateRejectsOversize(t *testing.T) {
	_, err := Create(NewMemoryID(uuid.New()), math.MaxInt32+1, true, false)
	assert.Error(t, err)
}

func TestSegment_OpenRejectsForeignName(t *testing.T) {
	_, err := Open("definitely-not-ours", false, false)
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestSegment_MetaversionPersistence(t *testing.T) {
	// GIVEN a segment with a header large enough for a metaversion
	seg := newTestSegment(t, repeated(1, 8), repeated(0, 16), repeated(3, 8), repeated(4, 8))

	// WHEN a metaversion is persisted
	v, err := NewMetaversion(2, 5)
	require.NoError(t, err)
	require.NoError(t, seg.PersistMetaversion(v))

	// THEN the same handle reads it back
	got, err := seg.ReadPersistedMetaversion()
	require.NoError(t, err)
	assert.Equal(t, v, got)

	// AND an attached handle reads the same value
	opened, err := Open(seg.ID(), false, false)
	require.NoError(t, err)
	defer opened.Close()
	gotOpened, err := opened.ReadPersistedMetaversion()
	require.NoError(t, err)
	assert.Equal(t, v, gotOpened)
}

func TestSegment_MetaversionRejectsShortHeader(t *testing.T) {
	seg := newTestSegment(t, repeated(1, 8), repeated(0, 4), repeated(3, 8), repeated(4, 8))

	err := seg.PersistMetaversion(Metaversion{Batch: 1})
	assert.Error(t, err)
	_, err = seg.ReadPersistedMetaversion()
	assert.Error(t, err)
}

func TestSegment_WriteDataGrowsRegion(t *testing.T) {
	// GIVEN a segment whose data region holds 16 bytes
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 16), repeated(3, 8), repeated(4, 16))

	// WHEN a larger data buffer is written
	grown := repeated(9, 4096)
	change, err := seg.WriteData(grown)
	require.NoError(t, err)

	// THEN the layout shifted and the contents read back
	assert.True(t, change.Shifted)
	got, err := seg.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, grown, got)
	require.NoError(t, seg.ValidateMarkers())
}

func TestSegment_WriteMetadataShiftsDataRegion(t *testing.T) {
	// GIVEN a segment with known metadata and data contents
	data := repeated(4, 96)
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 16), repeated(3, 24), data)

	// WHEN the metadata region grows
	change, err := seg.WriteMetadata(repeated(7, 200))
	require.NoError(t, err)
	assert.True(t, change.Shifted)

	// THEN the data region moved without losing its contents
	got, err := seg.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, data, got)
	require.NoError(t, seg.ValidateMarkers())
}

func TestSegment_SameSizeWriteDoesNotShift(t *testing.T) {
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 16), repeated(3, 24), repeated(4, 32))

	change, err := seg.WriteMetadata(repeated(8, 24))
	require.NoError(t, err)
	assert.Equal(t, BufferChange{}, change)
}

func TestSegment_Duplicate(t *testing.T) {
	seg := newTestSegment(t, repeated(1, 32), repeated(2, 16), repeated(3, 8), repeated(4, 64))

	dup, err := Duplicate(seg, NewMemoryID(uuid.New()))
	require.NoError(t, err)
	defer dup.Close()

	assert.NotEqual(t, seg.ID(), dup.ID())
	origData, err := seg.DataBytes()
	require.NoError(t, err)
	dupData, err := dup.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, origData, dupData)
}

func TestSegment_ReloadTracksExternalResize(t *testing.T) {
	// GIVEN two handles to the same region
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 16), repeated(3, 8), repeated(4, 16))
	reader, err := Open(seg.ID(), false, true)
	require.NoError(t, err)
	defer reader.Close()

	// WHEN the owner grows the region
	_, err = seg.WriteData(repeated(5, 8192))
	require.NoError(t, err)

	// THEN the reader sees the new length after a reload
	require.NoError(t, reader.Reload())
	assert.Equal(t, seg.Size(), reader.Size())
	got, err := reader.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, repeated(5, 8192), got)
}

func TestSegment_FromRegionSizesLaysOutZeroedRegions(t *testing.T) {
	// GIVEN a segment created from region sizes alone
	seg, err := FromRegionSizes(NewMemoryID(uuid.New()), 32, 16, 8, 128, true)
	require.NoError(t, err)
	defer seg.Close()

	// THEN the markers describe the requested layout
	require.NoError(t, seg.ValidateMarkers())
	markers, err := seg.Markers()
	require.NoError(t, err)
	assert.Equal(t, uint64(32), markers.SchemaSize)
	assert.Equal(t, uint64(16), markers.HeaderSize)
	assert.Equal(t, uint64(8), markers.MetadataSize)
	assert.Equal(t, uint64(128), markers.DataSize)

	// AND every region starts out zeroed
	schema, err := seg.SchemaBytes()
	require.NoError(t, err)
	assert.Equal(t, repeated(0, 32), schema)
	data, err := seg.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, repeated(0, 128), data)
}

func TestSegment_SetDataLengthSameSizeIsNoOp(t *testing.T) {
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 8), repeated(3, 8), repeated(4, 64))

	change, err := seg.SetDataLength(64)
	require.NoError(t, err)
	assert.Equal(t, BufferChange{}, change)
}

func TestSegment_SetDataLengthGrowsSegment(t *testing.T) {
	// GIVEN a segment with a 16-byte data region
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 8), repeated(3, 8), repeated(4, 16))
	before := seg.Size()

	// WHEN the data marker grows far beyond the terminal padding
	change, err := seg.SetDataLength(before * 2)
	require.NoError(t, err)

	// THEN the segment was resized and the marker reflects the new length
	assert.True(t, change.Shifted)
	assert.True(t, change.Resized)
	assert.Greater(t, seg.Size(), before)
	markers, err := seg.Markers()
	require.NoError(t, err)
	assert.Equal(t, uint64(before*2), markers.DataSize)
	require.NoError(t, seg.ValidateMarkers())
}

func TestSegment_ShrinkRejectsNonShrinkingTarget(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("shared memory cannot shrink on darwin")
	}
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 8), repeated(3, 8), repeated(4, 64))

	_, err := seg.ShrinkToDataLength(64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not smaller")

	_, err = seg.ShrinkToDataLength(100)
	assert.Error(t, err)
}

func TestSegment_ShrinkSkippedWhenNotWorthwhile(t *testing.T) {
	// A shrink only happens when it would release at least a third of the
	// mapping; a marginal contraction leaves segment and markers untouched.
	if runtime.GOOS == "darwin" {
		t.Skip("shared memory cannot shrink on darwin")
	}
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 8), repeated(3, 8), repeated(4, 3000))
	before := seg.Size()

	change, err := seg.ShrinkToDataLength(2900)
	require.NoError(t, err)

	assert.Equal(t, BufferChange{}, change)
	assert.Equal(t, before, seg.Size())
	markers, err := seg.Markers()
	require.NoError(t, err)
	assert.Equal(t, uint64(3000), markers.DataSize)
}

func TestSegment_ShrinkAppliedWhenWorthwhile(t *testing.T) {
	// GIVEN a data region that contracted to a fraction of its mapping
	if runtime.GOOS == "darwin" {
		t.Skip("shared memory cannot shrink on darwin")
	}
	seg := newTestSegment(t, repeated(1, 8), repeated(2, 8), repeated(3, 8), repeated(4, 3000))
	before := seg.Size()

	// WHEN shrinking to the new length
	change, err := seg.ShrinkToDataLength(100)
	require.NoError(t, err)

	// THEN the mapping was released and the markers follow
	assert.Equal(t, BufferChange{Shifted: true, Resized: true}, change)
	assert.Less(t, seg.Size(), before)
	markers, err := seg.Markers()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), markers.DataSize)
	require.NoError(t, seg.ValidateMarkers())

	// AND the surviving prefix of the data region kept its contents
	data, err := seg.DataBytes()
	require.NoError(t, err)
	assert.Equal(t, repeated(4, 100), data)
}

func TestSegment_CleanupByBaseID(t *testing.T) {
	base := uuid.New()
	seg, err := FromBatchBuffers(NewMemoryID(base), repeated(1, 8), repeated(2, 8), repeated(3, 8), repeated(4, 8), false)
	require.NoError(t, err)
	defer seg.Close()
	id := seg.ID()

	// Simulate a leak: the owner forgot the segment.
	CleanupByBaseID(base.String())

	_, err = Open(id, false, false)
	assert.Error(t, err, "cleaned-up segment must not be attachable")
}
