package shm

import (
	"encoding/binary"
	"fmt"
)

// metaversionSize is the byte length of a persisted Metaversion: two
// little-endian uint32 counters at the start of the header region.
const metaversionSize = 8

// Metaversion is the consistency token every engine component keeps per
// batch. The memory counter increments only when the underlying shared
// memory region was resized or reallocated; the batch counter increments on
// every content replacement. A reader whose loaded memory counter is behind
// the persisted one must remap the region before touching data; a reader
// whose batch counter is behind must re-read the record batch metadata.
//
// Persisted metaversions always satisfy batch >= memory: reallocating memory
// invalidates the batch, so a memory bump is always accompanied by a batch
// bump.
type Metaversion struct {
	Memory uint32
	Batch  uint32
}

// NewMetaversion builds a persisted metaversion, enforcing batch >= memory.
func NewMetaversion(memory, batch uint32) (Metaversion, error) {
	if batch < memory {
		return Metaversion{}, fmt.Errorf("batch version %d older than memory version %d: batch is rewritten whenever memory is", batch, memory)
	}
	return Metaversion{Memory: memory, Batch: batch}, nil
}

func metaversionFromBytes(b []byte) (Metaversion, error) {
	if len(b) < metaversionSize {
		return Metaversion{}, fmt.Errorf("need %d bytes for a metaversion, got %d", metaversionSize, len(b))
	}
	return NewMetaversion(binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]))
}

func (v Metaversion) toBytes() [metaversionSize]byte {
	var b [metaversionSize]byte
	binary.LittleEndian.PutUint32(b[0:4], v.Memory)
	binary.LittleEndian.PutUint32(b[4:8], v.Batch)
	return b
}

// OlderThan reports whether v is strictly older than other. Both must be
// metaversions of the same batch, so the batch counters order them.
func (v Metaversion) OlderThan(other Metaversion) bool {
	return v.Batch < other.Batch
}

// NewerThan reports whether v is strictly newer than other.
func (v Metaversion) NewerThan(other Metaversion) bool {
	return v.Batch > other.Batch
}

// MaybeUpdate advances v to other if other is newer, returning whether an
// update happened.
func (v *Metaversion) MaybeUpdate(other Metaversion) bool {
	if other.Batch > v.Batch {
		*v = other
		return true
	}
	return false
}

// Increment marks both the memory region and the batch as replaced.
func (v *Metaversion) Increment() {
	v.Memory++
	v.Batch++
}

// IncrementBatch marks the batch contents as replaced in place.
func (v *Metaversion) IncrementBatch() {
	v.Batch++
}

// IncrementWith applies the reload requirements of a buffer change.
func (v *Metaversion) IncrementWith(change BufferChange) {
	switch {
	case change.Resized:
		v.Increment()
	case change.Shifted:
		v.IncrementBatch()
	}
}
