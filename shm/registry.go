package shm

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// inUseSegments tracks every segment this process has created. Shared memory
// is not freed by the OS on process exit, so anything left in this set when
// the engine shuts down is a leak; CleanupByBaseID sweeps it.
var inUseSegments = struct {
	sync.Mutex
	ids map[string]struct{}
}{ids: make(map[string]struct{})}

func registerSegment(osID string) {
	inUseSegments.Lock()
	defer inUseSegments.Unlock()
	inUseSegments.ids[osID] = struct{}{}
}

func unregisterSegment(osID string) bool {
	inUseSegments.Lock()
	defer inUseSegments.Unlock()
	_, ok := inUseSegments.ids[osID]
	delete(inUseSegments.ids, osID)
	return ok
}

func segmentRegistered(osID string) bool {
	inUseSegments.Lock()
	defer inUseSegments.Unlock()
	_, ok := inUseSegments.ids[osID]
	return ok
}

// segmentDir is where segment backing files live. On Linux /dev/shm is a
// tmpfs, giving true shared memory semantics; elsewhere the temp dir is the
// closest portable substitute.
func segmentDir() string {
	if runtime.GOOS == "linux" {
		return "/dev/shm"
	}
	return os.TempDir()
}

func segmentPath(osID string) string {
	return filepath.Join(segmentDir(), osID)
}

// CleanupByBaseID unlinks every segment created by this process whose name
// contains the given base id (normally an experiment id). Called on engine
// shutdown to sweep segments whose owners never closed them.
func CleanupByBaseID(baseID string) {
	normalized := strings.ReplaceAll(baseID, "-", "")

	inUseSegments.Lock()
	var stale []string
	for id := range inUseSegments.ids {
		if strings.Contains(id, normalized) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(inUseSegments.ids, id)
	}
	inUseSegments.Unlock()

	for _, id := range stale {
		logrus.Warnf("cleaning up leaked shared-memory segment %s", id)
		if err := os.Remove(segmentPath(id)); err != nil && !os.IsNotExist(err) {
			logrus.Errorf("removing leaked segment %s: %v", id, err)
		}
	}
}
