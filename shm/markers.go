package shm

import (
	"encoding/binary"
	"fmt"
)

// markersSize is the byte length of the markers block at the start of every
// segment: four (offset, size) uint64 pairs, one per region.
const markersSize = 8 * 8

// Markers records where each region of a segment lives. It is persisted
// little-endian at offset 0 so that a process attaching by name can locate
// the regions without out-of-band information.
type Markers struct {
	SchemaOffset   uint64
	SchemaSize     uint64
	HeaderOffset   uint64
	HeaderSize     uint64
	MetadataOffset uint64
	MetadataSize   uint64
	DataOffset     uint64
	DataSize       uint64
}

// markersFromSizes lays out the four regions in their fixed order after the
// markers block, with alignment padding between regions.
func markersFromSizes(schemaSize, headerSize, metadataSize, dataSize int) Markers {
	schemaOffset := alignUp(markersSize)
	headerOffset := alignUp(schemaOffset + schemaSize)
	metadataOffset := alignUp(headerOffset + headerSize)
	dataOffset := alignUp(metadataOffset + metadataSize)
	return Markers{
		SchemaOffset:   uint64(schemaOffset),
		SchemaSize:     uint64(schemaSize),
		HeaderOffset:   uint64(headerOffset),
		HeaderSize:     uint64(headerSize),
		MetadataOffset: uint64(metadataOffset),
		MetadataSize:   uint64(metadataSize),
		DataOffset:     uint64(dataOffset),
		DataSize:       uint64(dataSize),
	}
}

// ContentsSize is the number of bytes covered by the markers block and all
// four regions, excluding any terminal padding.
func (m Markers) ContentsSize() int {
	return int(m.DataOffset + m.DataSize)
}

func (m Markers) encode(dst []byte) {
	fields := [...]uint64{
		m.SchemaOffset, m.SchemaSize,
		m.HeaderOffset, m.HeaderSize,
		m.MetadataOffset, m.MetadataSize,
		m.DataOffset, m.DataSize,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint64(dst[i*8:], f)
	}
}

func decodeMarkers(src []byte) (Markers, error) {
	if len(src) < markersSize {
		return Markers{}, fmt.Errorf("segment too small for markers block: %d < %d bytes", len(src), markersSize)
	}
	read := func(i int) uint64 { return binary.LittleEndian.Uint64(src[i*8:]) }
	return Markers{
		SchemaOffset:   read(0),
		SchemaSize:     read(1),
		HeaderOffset:   read(2),
		HeaderSize:     read(3),
		MetadataOffset: read(4),
		MetadataSize:   read(5),
		DataOffset:     read(6),
		DataSize:       read(7),
	}, nil
}

// validate recomputes the expected layout from the stored region sizes and
// compares it against the stored offsets and the segment size. A mismatch
// means the markers were corrupted or the buffer locations are wrong, in
// which case nothing in the segment can be trusted.
func (m Markers) validate(segmentSize int) error {
	expected := markersFromSizes(int(m.SchemaSize), int(m.HeaderSize), int(m.MetadataSize), int(m.DataSize))
	if m != expected {
		return fmt.Errorf("marker offsets %+v do not correspond to region sizes (expected %+v)", m, expected)
	}
	if m.ContentsSize() > segmentSize {
		return fmt.Errorf("markers describe %d content bytes but segment is %d bytes", m.ContentsSize(), segmentSize)
	}
	return nil
}
