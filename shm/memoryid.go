package shm

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// namePrefix tags every OS object the engine creates. Open rejects names
// without it before attempting any OS-level attach, so a corrupted or
// foreign identifier can never be mapped.
const namePrefix = "shm_"

var memoryIDCounter atomic.Uint64

// MemoryID names one shared-memory segment. Segments are grouped by the
// experiment they belong to so that every region of one experiment can be
// cleaned up together.
type MemoryID struct {
	base  uuid.UUID
	index uint64
}

// NewMemoryID allocates a process-unique id under the given experiment id.
func NewMemoryID(base uuid.UUID) MemoryID {
	return MemoryID{base: base, index: memoryIDCounter.Add(1)}
}

// String renders the OS object name, always carrying the engine prefix.
func (id MemoryID) String() string {
	return fmt.Sprintf("%s%s_%d", namePrefix, strings.ReplaceAll(id.base.String(), "-", ""), id.index)
}

// validOSID reports whether a name follows the engine's naming convention.
func validOSID(osID string) bool {
	return strings.Contains(osID, namePrefix)
}
