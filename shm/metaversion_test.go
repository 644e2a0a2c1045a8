package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetaversion_BatchBehindMemory_Fails(t *testing.T) {
	_, err := NewMetaversion(3, 2)
	assert.Error(t, err)
}

func TestMetaversion_ByteRoundTrip(t *testing.T) {
	v, err := NewMetaversion(7, 11)
	require.NoError(t, err)

	b := v.toBytes()
	got, err := metaversionFromBytes(b[:])
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestMetaversion_LittleEndianLayout(t *testing.T) {
	// The first four bytes are the memory version, the next four the batch
	// version, both little-endian; language runners depend on this layout.
	v, err := NewMetaversion(1, 0x0102)
	require.NoError(t, err)

	b := v.toBytes()
	assert.Equal(t, [8]byte{1, 0, 0, 0, 0x02, 0x01, 0, 0}, b)
}

func TestMetaversion_Ordering(t *testing.T) {
	older := Metaversion{Memory: 1, Batch: 2}
	newer := Metaversion{Memory: 1, Batch: 5}

	assert.True(t, older.OlderThan(newer))
	assert.True(t, newer.NewerThan(older))
	assert.False(t, older.NewerThan(newer))
	assert.False(t, older.OlderThan(older))
}

func TestMetaversion_MaybeUpdate(t *testing.T) {
	// GIVEN a loaded version behind the persisted one
	loaded := Metaversion{Memory: 0, Batch: 1}
	persisted := Metaversion{Memory: 2, Batch: 3}

	// WHEN the loaded version catches up
	updated := loaded.MaybeUpdate(persisted)

	// THEN both counters follow the persisted version
	if !updated {
		t.Fatal("MaybeUpdate: expected an update for a newer persisted version")
	}
	if loaded != persisted {
		t.Errorf("MaybeUpdate: got %+v, want %+v", loaded, persisted)
	}

	// AND an older version is ignored
	if loaded.MaybeUpdate(Metaversion{Memory: 0, Batch: 0}) {
		t.Error("MaybeUpdate: accepted an older version")
	}
}

func TestMetaversion_IncrementWith(t *testing.T) {
	v := Metaversion{}

	v.IncrementWith(BufferChange{})
	assert.Equal(t, Metaversion{}, v, "no change must not bump versions")

	v.IncrementWith(BufferChange{Shifted: true})
	assert.Equal(t, Metaversion{Memory: 0, Batch: 1}, v, "a shift only invalidates the batch")

	v.IncrementWith(BufferChange{Shifted: true, Resized: true})
	assert.Equal(t, Metaversion{Memory: 1, Batch: 2}, v, "a resize invalidates the mapping too")
}
