// Package codec implements the byte-level delta/patch operations for a
// single file: full-copy, zstd-with-dictionary, and bsdiff storage.
//
// The zstd and bsdiff storages each expose a buffer-in-buffer-out form and a
// file-in-file-out form; full storage has only the file form (CopyFile). The
// file form is what PatchBuilder and PatchApplier use; the buffer form exists
// for the round-trip property tests in spec.md §8.
package codec

import "golang.org/x/xerrors"

// Storage identifies how a Modify operation's artifact is encoded.
type Storage string

const (
	StorageFull   Storage = "full"
	StorageZstd   Storage = "zstd"
	StorageBsdiff Storage = "bsdiff"
)

// Valid reports whether s is one of the three recognized storages.
func (s Storage) Valid() bool {
	switch s {
	case StorageFull, StorageZstd, StorageBsdiff:
		return true
	}
	return false
}

// Preset is the compression-level preset exposed on the create CLI surface.
// It only affects zstd storage; bsdiff ignores it.
type Preset string

const (
	PresetFast    Preset = "fast"
	PresetMedium  Preset = "medium"
	PresetBest    Preset = "best"
	PresetExtreme Preset = "extreme"
)

// ZstdLevel maps a Preset to the zstd compression level used for the
// dictionary-keyed encoder, per spec.md §4.1.
func ZstdLevel(p Preset) (int, error) {
	switch p {
	case PresetFast:
		return 3, nil
	case PresetMedium:
		return 9, nil
	case PresetBest:
		return 19, nil
	case PresetExtreme:
		return 22, nil
	default:
		return 0, xerrors.Errorf("unknown preset %q", p)
	}
}

// Diff produces the artifact that, together with base, reconstructs target
// under Apply. Only StorageZstd and StorageBsdiff are valid storages for
// Diff/Apply — full storage has no delta artifact, see full.go.
func Diff(storage Storage, base, target []byte, level int) ([]byte, error) {
	switch storage {
	case StorageZstd:
		return ZstdDiff(base, target, level)
	case StorageBsdiff:
		return BsdiffDiff(base, target)
	default:
		return nil, xerrors.Errorf("codec: Diff: unsupported storage %q", storage)
	}
}

// Apply reconstructs the target bytes from base and a Diff artifact.
func Apply(storage Storage, base, artifact []byte) ([]byte, error) {
	switch storage {
	case StorageZstd:
		return ZstdApply(base, artifact)
	case StorageBsdiff:
		return BsdiffApply(base, artifact)
	default:
		return nil, xerrors.Errorf("codec: Apply: unsupported storage %q", storage)
	}
}
