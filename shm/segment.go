package shm

import (
	"errors"
	"fmt"
	"math"
	"os"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var (
	// ErrEmptySegment is returned when a segment of size zero is requested.
	ErrEmptySegment = errors.New("shared-memory segment must not be empty")

	// ErrInvalidName is returned when an OS identifier does not follow the
	// engine's shared-memory naming convention.
	ErrInvalidName = errors.New("expected OS identifier to contain \"shm_\"")
)

// BufferChange describes how a write affected a segment's layout, which in
// turn decides what readers must reload (see Metaversion.IncrementWith).
type BufferChange struct {
	// Shifted is set when region contents moved within the segment, so
	// record batch metadata has to be re-read.
	Shifted bool
	// Resized is set when the underlying OS region itself was reallocated,
	// so mappings have to be re-established before anything else.
	Resized bool
}

// Segment is a thin ownership wrapper around one OS shared-memory region
// holding one columnar batch. Multiple processes may map the same region at
// once; only the creating handle unlinks the OS object when closed, other
// handles merely release their local mapping.
type Segment struct {
	id                     string
	file                   *os.File
	buf                    []byte
	size                   int
	owner                  bool
	droppable              bool
	includeTerminalPadding bool
}

func validateSize(size int) error {
	if size == 0 {
		return ErrEmptySegment
	}
	// Offsets inside a batch are Arrow list offsets, which are int32. A
	// segment larger than that could hold data no reader can address.
	if int64(size) > math.MaxInt32 {
		return fmt.Errorf("shared-memory segment of %d bytes exceeds the maximum 32-bit offset %d", size, math.MaxInt32)
	}
	return nil
}

// Create allocates a new OS shared-memory region of the given size. The
// returned handle owns the region: closing it (with droppable set) unlinks
// the OS object.
func Create(id MemoryID, size int, droppable, includeTerminalPadding bool) (*Segment, error) {
	if err := validateSize(size); err != nil {
		return nil, err
	}
	osID := id.String()
	f, err := os.OpenFile(segmentPath(osID), os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating shared-memory segment %s: %w", osID, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		os.Remove(segmentPath(osID))
		return nil, fmt.Errorf("sizing shared-memory segment %s: %w", osID, err)
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		os.Remove(segmentPath(osID))
		return nil, fmt.Errorf("mapping shared-memory segment %s: %w", osID, err)
	}
	registerSegment(osID)
	return &Segment{
		id:                     osID,
		file:                   f,
		buf:                    buf,
		size:                   size,
		owner:                  true,
		droppable:              droppable,
		includeTerminalPadding: includeTerminalPadding,
	}, nil
}

// Open attaches to an existing region by OS identifier. The name must follow
// the engine's naming convention; anything else is rejected before any
// OS-level open is attempted. The returned handle does not own the region.
func Open(osID string, droppable, includeTerminalPadding bool) (*Segment, error) {
	if !validOSID(osID) {
		return nil, fmt.Errorf("opening %q: %w", osID, ErrInvalidName)
	}
	if !segmentRegistered(osID) {
		logrus.Debugf("opening shared-memory segment %s not created by this process", osID)
	}
	f, err := os.OpenFile(segmentPath(osID), os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening shared-memory segment %s: %w", osID, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("inspecting shared-memory segment %s: %w", osID, err)
	}
	size := int(info.Size())
	if err := validateSize(size); err != nil {
		f.Close()
		return nil, err
	}
	buf, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping shared-memory segment %s: %w", osID, err)
	}
	return &Segment{
		id:                     osID,
		file:                   f,
		buf:                    buf,
		size:                   size,
		owner:                  false,
		droppable:              droppable,
		includeTerminalPadding: includeTerminalPadding,
	}, nil
}

// FromBatchBuffers allocates a segment laid out for the four given buffers
// and copies each into its region.
func FromBatchBuffers(id MemoryID, schema, header, metadata, data []byte, includeTerminalPadding bool) (*Segment, error) {
	markers := markersFromSizes(len(schema), len(header), len(metadata), len(data))
	seg, err := Create(id, totalSize(markers.ContentsSize(), includeTerminalPadding), true, includeTerminalPadding)
	if err != nil {
		return nil, err
	}
	markers.encode(seg.buf)
	copy(seg.buf[markers.SchemaOffset:], schema)
	copy(seg.buf[markers.HeaderOffset:], header)
	copy(seg.buf[markers.MetadataOffset:], metadata)
	copy(seg.buf[markers.DataOffset:], data)
	return seg, nil
}

// FromRegionSizes allocates a segment with markers laid out for the given
// region sizes, leaving the regions themselves zeroed.
func FromRegionSizes(id MemoryID, schemaSize, headerSize, metadataSize, dataSize int, includeTerminalPadding bool) (*Segment, error) {
	markers := markersFromSizes(schemaSize, headerSize, metadataSize, dataSize)
	seg, err := Create(id, totalSize(markers.ContentsSize(), includeTerminalPadding), true, includeTerminalPadding)
	if err != nil {
		return nil, err
	}
	markers.encode(seg.buf)
	return seg, nil
}

// Duplicate creates a new segment under the given id with the same contents
// as src. Used to snapshot a batch so the previous step's state can keep
// being read while the next step overwrites the original.
func Duplicate(src *Segment, id MemoryID) (*Segment, error) {
	seg, err := Create(id, src.size, true, src.includeTerminalPadding)
	if err != nil {
		return nil, err
	}
	copy(seg.buf, src.buf)
	return seg, nil
}

// ID returns the OS identifier other processes use to attach.
func (s *Segment) ID() string { return s.id }

// Size returns the total mapped size in bytes, including terminal padding.
func (s *Segment) Size() int { return s.size }

// Markers decodes the layout markers at the start of the segment.
func (s *Segment) Markers() (Markers, error) {
	return decodeMarkers(s.buf)
}

// ValidateMarkers recomputes the expected region boundaries from the stored
// markers and compares them against the actual segment. Used as a corruption
// check after attaching to a region created by another process.
func (s *Segment) ValidateMarkers() error {
	markers, err := s.Markers()
	if err != nil {
		return err
	}
	return markers.validate(s.size)
}

const (
	regionSchema = iota
	regionHeader
	regionMetadata
	regionData
)

func (m Markers) region(idx int) (offset, size int) {
	switch idx {
	case regionSchema:
		return int(m.SchemaOffset), int(m.SchemaSize)
	case regionHeader:
		return int(m.HeaderOffset), int(m.HeaderSize)
	case regionMetadata:
		return int(m.MetadataOffset), int(m.MetadataSize)
	default:
		return int(m.DataOffset), int(m.DataSize)
	}
}

func (m *Markers) setRegionSize(idx, size int) {
	resized := markersFromSizes(
		sizeFor(*m, regionSchema, idx, size),
		sizeFor(*m, regionHeader, idx, size),
		sizeFor(*m, regionMetadata, idx, size),
		sizeFor(*m, regionData, idx, size),
	)
	*m = resized
}

func sizeFor(m Markers, region, changed, newSize int) int {
	if region == changed {
		return newSize
	}
	_, size := m.region(region)
	return size
}

func (s *Segment) regionBytes(idx int) ([]byte, error) {
	markers, err := s.Markers()
	if err != nil {
		return nil, err
	}
	offset, size := markers.region(idx)
	if offset+size > s.size {
		return nil, fmt.Errorf("segment %s: region [%d, %d) outside mapped %d bytes", s.id, offset, offset+size, s.size)
	}
	return s.buf[offset : offset+size], nil
}

// SchemaBytes returns the serialized schema region.
func (s *Segment) SchemaBytes() ([]byte, error) { return s.regionBytes(regionSchema) }

// HeaderBytes returns the header region. Its first 8 bytes are always the
// persisted metaversion.
func (s *Segment) HeaderBytes() ([]byte, error) { return s.regionBytes(regionHeader) }

// MetadataBytes returns the record batch metadata region.
func (s *Segment) MetadataBytes() ([]byte, error) { return s.regionBytes(regionMetadata) }

// DataBytes returns the column data region.
func (s *Segment) DataBytes() ([]byte, error) { return s.regionBytes(regionData) }

// writeRegion replaces the contents of one region, shifting later regions
// and growing the segment as needed.
func (s *Segment) writeRegion(idx int, b []byte) (BufferChange, error) {
	oldMarkers, err := s.Markers()
	if err != nil {
		return BufferChange{}, err
	}
	offset, size := oldMarkers.region(idx)
	if len(b) == size {
		copy(s.buf[offset:], b)
		return BufferChange{}, nil
	}

	newMarkers := oldMarkers
	newMarkers.setRegionSize(idx, len(b))

	var change BufferChange
	if required := newMarkers.ContentsSize(); required > s.size {
		if err := s.Resize(required); err != nil {
			return BufferChange{}, err
		}
		change.Resized = true
	}
	change.Shifted = true

	// Later regions move to their new offsets. When the layout grows the
	// copies run back to front so a region's new location never clobbers a
	// not-yet-moved one.
	growing := newMarkers.ContentsSize() > oldMarkers.ContentsSize()
	order := []int{regionData, regionMetadata, regionHeader, regionSchema}
	if !growing {
		order = []int{regionSchema, regionHeader, regionMetadata, regionData}
	}
	for _, j := range order {
		if j <= idx {
			continue
		}
		oldOff, regSize := oldMarkers.region(j)
		newOff, _ := newMarkers.region(j)
		if oldOff != newOff {
			copy(s.buf[newOff:newOff+regSize], s.buf[oldOff:oldOff+regSize])
		}
	}

	newMarkers.encode(s.buf)
	newOff, _ := newMarkers.region(idx)
	copy(s.buf[newOff:], b)
	return change, nil
}

// WriteSchema replaces the schema region.
func (s *Segment) WriteSchema(b []byte) (BufferChange, error) { return s.writeRegion(regionSchema, b) }

// WriteHeader replaces the header region.
func (s *Segment) WriteHeader(b []byte) (BufferChange, error) { return s.writeRegion(regionHeader, b) }

// WriteMetadata replaces the record batch metadata region.
func (s *Segment) WriteMetadata(b []byte) (BufferChange, error) {
	return s.writeRegion(regionMetadata, b)
}

// WriteData replaces the column data region.
func (s *Segment) WriteData(b []byte) (BufferChange, error) { return s.writeRegion(regionData, b) }

// SetDataLength adjusts the data region's marker without touching contents,
// growing the segment if the new length does not fit.
func (s *Segment) SetDataLength(n int) (BufferChange, error) {
	markers, err := s.Markers()
	if err != nil {
		return BufferChange{}, err
	}
	if int(markers.DataSize) == n {
		return BufferChange{}, nil
	}
	markers.setRegionSize(regionData, n)

	var change BufferChange
	if required := markers.ContentsSize(); required > s.size {
		if err := s.Resize(required); err != nil {
			return BufferChange{}, err
		}
		change.Resized = true
	}
	change.Shifted = true
	markers.encode(s.buf)
	return change, nil
}

// shrinkWorthwhile bounds the number of shrink syscalls: a shrink only
// happens when it would release at least a third of the current mapping.
func (s *Segment) shrinkWorthwhile(target int) bool {
	return target <= s.size-s.size/3
}

// ShrinkToDataLength opportunistically releases memory after the data region
// contracted. Shared memory cannot shrink on darwin, so this is a no-op
// there.
func (s *Segment) ShrinkToDataLength(n int) (BufferChange, error) {
	if runtime.GOOS == "darwin" {
		return BufferChange{}, nil
	}
	markers, err := s.Markers()
	if err != nil {
		return BufferChange{}, err
	}
	if n >= int(markers.DataSize) {
		return BufferChange{}, fmt.Errorf("shrink target %d not smaller than current data region %d", n, markers.DataSize)
	}
	markers.setRegionSize(regionData, n)
	target := totalSize(markers.ContentsSize(), s.includeTerminalPadding)
	if !s.shrinkWorthwhile(target) {
		return BufferChange{}, nil
	}
	markers.encode(s.buf)
	if err := s.Resize(markers.ContentsSize()); err != nil {
		return BufferChange{}, err
	}
	return BufferChange{Shifted: true, Resized: true}, nil
}

// Resize grows or shrinks the OS region so the given content size fits,
// applying the terminal-padding policy, then remaps. Shrinking is skipped on
// darwin where the OS does not support it.
func (s *Segment) Resize(contentSize int) error {
	target := totalSize(contentSize, s.includeTerminalPadding)
	if err := validateSize(target); err != nil {
		return err
	}
	if target == s.size {
		return nil
	}
	if target < s.size && runtime.GOOS == "darwin" {
		return nil
	}
	logrus.Tracef("resizing shared-memory segment %s: %d -> %d bytes", s.id, s.size, target)
	if err := unix.Munmap(s.buf); err != nil {
		return fmt.Errorf("unmapping segment %s for resize: %w", s.id, err)
	}
	if err := s.file.Truncate(int64(target)); err != nil {
		return fmt.Errorf("resizing segment %s: %w", s.id, err)
	}
	buf, err := unix.Mmap(int(s.file.Fd()), 0, target, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remapping segment %s: %w", s.id, err)
	}
	s.buf = buf
	s.size = target
	return nil
}

// Reload re-establishes the mapping at the OS-reported length after an
// external resize. Must be called before any read when the caller's cached
// memory version is behind the persisted one.
func (s *Segment) Reload() error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("inspecting segment %s for reload: %w", s.id, err)
	}
	size := int(info.Size())
	if err := validateSize(size); err != nil {
		return err
	}
	if err := unix.Munmap(s.buf); err != nil {
		return fmt.Errorf("unmapping segment %s for reload: %w", s.id, err)
	}
	buf, err := unix.Mmap(int(s.file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remapping segment %s: %w", s.id, err)
	}
	s.buf = buf
	s.size = size
	return nil
}

// ReadPersistedMetaversion reads the batch and memory versions persisted in
// the header's first 8 bytes.
func (s *Segment) ReadPersistedMetaversion() (Metaversion, error) {
	header, err := s.HeaderBytes()
	if err != nil {
		return Metaversion{}, err
	}
	if len(header) < metaversionSize {
		return Metaversion{}, fmt.Errorf("segment %s: header of %d bytes too small to hold a metaversion", s.id, len(header))
	}
	return metaversionFromBytes(header)
}

// PersistMetaversion writes the given versions into the header's first 8
// bytes, publishing them to every process mapping this segment.
func (s *Segment) PersistMetaversion(v Metaversion) error {
	header, err := s.HeaderBytes()
	if err != nil {
		return err
	}
	if len(header) < metaversionSize {
		return fmt.Errorf("segment %s: header of %d bytes too small to hold a metaversion", s.id, len(header))
	}
	b := v.toBytes()
	copy(header, b[:])
	return nil
}

// Close releases the local mapping. If this handle created the region and is
// droppable, the OS object is unlinked as well; shared memory outlives
// processes, so a missing unlink is a leak.
func (s *Segment) Close() error {
	if s.buf != nil {
		if err := unix.Munmap(s.buf); err != nil {
			return fmt.Errorf("unmapping segment %s: %w", s.id, err)
		}
		s.buf = nil
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing segment %s: %w", s.id, err)
	}
	if s.owner {
		if !unregisterSegment(s.id) {
			logrus.Debugf("segment %s missing from the in-use set at close", s.id)
		}
		if s.droppable {
			logrus.Tracef("unlinking shared-memory segment %s", s.id)
			if err := os.Remove(segmentPath(s.id)); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("unlinking segment %s: %w", s.id, err)
			}
		}
	} else {
		logrus.Tracef("detaching shared-memory segment %s", s.id)
	}
	return nil
}
