package codec

import (
	"golang.org/x/xerrors"

	"github.com/gabstv/go-bsdiff/pkg/bsdiff"
	"github.com/gabstv/go-bsdiff/pkg/bspatch"
)

// BsdiffDiff produces the canonical bsdiff stream between base and target,
// grounded on original_source/src/bsdiff.rs's BsDiff::file_diff.
func BsdiffDiff(base, target []byte) ([]byte, error) {
	patch, err := bsdiff.Bytes(base, target)
	if err != nil {
		return nil, xerrors.Errorf("codec: computing bsdiff: %w", err)
	}
	return patch, nil
}

// BsdiffApply reconstructs target from base and a bsdiff patch stream.
func BsdiffApply(base, patch []byte) ([]byte, error) {
	target, err := bspatch.Bytes(base, patch)
	if err != nil {
		return nil, xerrors.Errorf("codec: applying bsdiff: %w", err)
	}
	return target, nil
}

// BsdiffFileDiff is the file-in-file-out form used by PatchBuilder.
func BsdiffFileDiff(baseFile, targetFile, patchFile string) error {
	if err := bsdiff.File(baseFile, targetFile, patchFile); err != nil {
		return xerrors.Errorf("codec: computing bsdiff: %w", err)
	}
	return nil
}

// BsdiffFileApply is the file-in-file-out form used by PatchApplier.
func BsdiffFileApply(baseFile, patchFile, newFile string) error {
	if err := bspatch.File(baseFile, newFile, patchFile); err != nil {
		return xerrors.Errorf("codec: applying bsdiff: %w", err)
	}
	return nil
}
