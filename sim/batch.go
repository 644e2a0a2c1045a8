package sim

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/apache/arrow/go/v17/arrow"
	"github.com/apache/arrow/go/v17/arrow/ipc"

	"github.com/agent-sim/agent-sim/shm"
)

// batchHeaderSize is the header region of every batch segment: the persisted
// metaversion followed by reserved bytes.
const batchHeaderSize = 16

// batchMetadata is the metadata region contents: what a reader needs to know
// about the record batch before deserializing the data region.
type batchMetadata struct {
	NumRows int64 `json:"num_rows"`
}

// Batch is one columnar batch backed by a shared-memory segment. The engine
// keeps the deserialized Arrow record alongside the segment; language
// runners in other processes attach to the segment by name and deserialize
// the data region themselves, using the persisted metaversion to decide
// when.
type Batch struct {
	segment *shm.Segment
	record  arrow.Record
	loaded  shm.Metaversion
}

func serializeSchema(schema *arrow.Schema) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("serializing schema: %w", err)
	}
	return buf.Bytes(), nil
}

func serializeRecord(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("serializing record batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("serializing record batch: %w", err)
	}
	return buf.Bytes(), nil
}

func deserializeRecord(b []byte) (arrow.Record, error) {
	r, err := ipc.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("deserializing record batch: %w", err)
	}
	defer r.Release()
	if !r.Next() {
		if err := r.Err(); err != nil {
			return nil, fmt.Errorf("deserializing record batch: %w", err)
		}
		return nil, fmt.Errorf("record batch stream contained no batch")
	}
	rec := r.Record()
	rec.Retain()
	return rec, nil
}

// newBatchFromRecord materializes a record into a fresh segment. The batch
// takes over the caller's reference to rec.
func newBatchFromRecord(id shm.MemoryID, rec arrow.Record) (*Batch, error) {
	schemaBytes, err := serializeSchema(rec.Schema())
	if err != nil {
		return nil, err
	}
	metadata, err := json.Marshal(batchMetadata{NumRows: rec.NumRows()})
	if err != nil {
		return nil, fmt.Errorf("encoding batch metadata: %w", err)
	}
	data, err := serializeRecord(rec)
	if err != nil {
		return nil, err
	}
	header := make([]byte, batchHeaderSize)
	segment, err := shm.FromBatchBuffers(id, schemaBytes, header, metadata, data, true)
	if err != nil {
		return nil, err
	}
	batch := &Batch{segment: segment, record: rec}
	if err := segment.PersistMetaversion(batch.loaded); err != nil {
		segment.Close()
		return nil, err
	}
	return batch, nil
}

// openBatch attaches to a batch segment created elsewhere and loads its
// record.
func openBatch(osID string) (*Batch, error) {
	segment, err := shm.Open(osID, false, true)
	if err != nil {
		return nil, err
	}
	if err := segment.ValidateMarkers(); err != nil {
		segment.Close()
		return nil, fmt.Errorf("attached segment %s failed validation: %w", osID, err)
	}
	batch := &Batch{segment: segment}
	if err := batch.Reload(); err != nil {
		segment.Close()
		return nil, err
	}
	return batch, nil
}

// Record returns the loaded record. The batch retains ownership.
func (b *Batch) Record() arrow.Record { return b.record }

// SegmentID is the OS identifier language runners use to attach.
func (b *Batch) SegmentID() string { return b.segment.ID() }

// Flush replaces the batch contents with rec, taking over the caller's
// reference, and publishes the new metaversion.
func (b *Batch) Flush(rec arrow.Record) error {
	metadata, err := json.Marshal(batchMetadata{NumRows: rec.NumRows()})
	if err != nil {
		return fmt.Errorf("encoding batch metadata: %w", err)
	}
	data, err := serializeRecord(rec)
	if err != nil {
		return err
	}

	metaChange, err := b.segment.WriteMetadata(metadata)
	if err != nil {
		return err
	}
	dataChange, err := b.segment.WriteData(data)
	if err != nil {
		return err
	}

	if b.record != nil {
		b.record.Release()
	}
	b.record = rec

	if metaChange.Resized || dataChange.Resized {
		b.loaded.Increment()
	} else {
		// Contents were replaced even if nothing moved.
		b.loaded.IncrementBatch()
	}
	return b.segment.PersistMetaversion(b.loaded)
}

// Stale reports whether the persisted metaversion is ahead of this handle's
// loaded one, i.e. another process has replaced the contents.
func (b *Batch) Stale() (bool, error) {
	persisted, err := b.segment.ReadPersistedMetaversion()
	if err != nil {
		return false, err
	}
	return b.loaded.OlderThan(persisted), nil
}

// Reload catches this handle up with the persisted contents: remaps the
// segment if the memory version advanced, then re-reads the record if the
// batch version did.
func (b *Batch) Reload() error {
	persisted, err := b.segment.ReadPersistedMetaversion()
	if err != nil {
		return err
	}
	if persisted.Memory > b.loaded.Memory {
		if err := b.segment.Reload(); err != nil {
			return err
		}
		// The markers moved with the region; re-read the persisted version
		// from the fresh mapping before trusting anything else.
		if persisted, err = b.segment.ReadPersistedMetaversion(); err != nil {
			return err
		}
	}
	if b.record == nil || persisted.Batch > b.loaded.Batch {
		data, err := b.segment.DataBytes()
		if err != nil {
			return err
		}
		rec, err := deserializeRecord(data)
		if err != nil {
			return err
		}
		if b.record != nil {
			b.record.Release()
		}
		b.record = rec
	}
	b.loaded.MaybeUpdate(persisted)
	return nil
}

// duplicate copies the batch into a fresh segment under a new id.
func (b *Batch) duplicate(id shm.MemoryID) (*Batch, error) {
	segment, err := shm.Duplicate(b.segment, id)
	if err != nil {
		return nil, err
	}
	b.record.Retain()
	return &Batch{segment: segment, record: b.record, loaded: b.loaded}, nil
}

// Close releases the record and the segment mapping; owning handles unlink
// the OS region.
func (b *Batch) Close() error {
	if b.record != nil {
		b.record.Release()
		b.record = nil
	}
	return b.segment.Close()
}
