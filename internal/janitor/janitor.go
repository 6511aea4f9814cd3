// Package janitor implements the mount janitor: sweeping up mount records
// the container adapter considers unhealthy (spec.md §4.9).
package janitor

import (
	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/container"
)

// unhealthy is the flag set a mount record must intersect to be swept.
const unhealthy = container.MountInvalid | container.MountNoWim | container.MountNoMountDir

// Result reports the outcome of one unmount attempt.
type Result struct {
	Info MountInfo
	Err  error
}

// MountInfo aliases container.MountInfo for callers that only need the
// janitor's view of a mount record.
type MountInfo = container.MountInfo

// Sweep enumerates every mount record known to adapter, unmounts (without
// committing) each one whose flags intersect Invalid/NoWim/NoMountDir, and
// reports each attempt's outcome.
func Sweep(adapter container.Adapter) ([]Result, error) {
	infos, err := adapter.MountedInfo()
	if err != nil {
		return nil, xerrors.Errorf("janitor: enumerating mounts: %w", err)
	}

	var results []Result
	for _, info := range infos {
		if info.Flags&unhealthy == 0 {
			continue
		}
		err := adapter.Unmount(info.MountPath, info.WimPath, info.Index, false)
		results = append(results, Result{Info: info, Err: err})
	}
	return results, nil
}
