package container

import (
	"os"
	"sync"
)

// mountRecord is refimpl's bookkeeping for one live mount, shared across all
// Wim handles opened by a single adapter instance (spec.md §4.4: mount-info
// is enumerated process-wide, not per-handle).
type mountRecord struct {
	wimPath   string
	mountPath string
	index     uint32
	commitErr error
}

// mountRegistry tracks every mount a refimpl adapter has made, so
// MountedInfo and Unmount (the mount janitor's primitives) can operate
// without a live Wim/Image handle.
type mountRegistry struct {
	mu      sync.Mutex
	records map[string]*mountRecord // keyed by mountPath
}

func newMountRegistry() *mountRegistry {
	return &mountRegistry{records: make(map[string]*mountRecord)}
}

func (r *mountRegistry) add(rec *mountRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.mountPath] = rec
}

func (r *mountRegistry) remove(mountPath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, mountPath)
}

func (r *mountRegistry) list() []MountInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]MountInfo, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, MountInfo{
			WimPath:   rec.wimPath,
			MountPath: rec.mountPath,
			Index:     rec.index,
			Flags:     staleFlags(rec),
		})
	}
	return out
}

// staleFlags inspects a mount record against the filesystem to synthesize
// the Invalid/NoWim/NoMountDir bits a real wimgapi mount-info query would
// report for a mount whose backing paths have disappeared out from under
// it (e.g. after an unclean shutdown), per spec.md §4.9.
func staleFlags(rec *mountRecord) MountInfoFlag {
	var flags MountInfoFlag
	if _, err := os.Stat(rec.wimPath); err != nil {
		flags |= MountNoWim
	}
	if info, err := os.Stat(rec.mountPath); err != nil || !info.IsDir() {
		flags |= MountNoMountDir
	}
	if flags != MountOK {
		flags |= MountInvalid
	}
	return flags
}
