// Package merge implements Merger: concatenating several patch WIMs'
// images, in input order, into a single output WIM (spec.md §4.7).
package merge

import (
	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/container"
)

// Options configures a single Merge invocation.
type Options struct {
	InputPaths           []string
	OutputPath           string
	ContainerCompression container.CompressionType
}

// Merger drives the merge operation against a container.Adapter.
type Merger struct {
	adapter container.Adapter
}

// New returns a Merger that reads and writes images through adapter.
func New(adapter container.Adapter) *Merger {
	return &Merger{adapter: adapter}
}

// Merge concatenates every input WIM's images, in input order, into a fresh
// output WIM. No manifest rewriting occurs: consumers of the merged patch
// apply it by matching against each image's own embedded manifest, exactly
// as they would against an unmerged patch, per spec.md §4.7.
func (m *Merger) Merge(opts Options) error {
	if len(opts.InputPaths) == 0 {
		return xerrors.Errorf("merge: no input paths given")
	}

	out, err := m.adapter.Open(opts.OutputPath, container.AccessWrite, container.CreateAlways, opts.ContainerCompression)
	if err != nil {
		return xerrors.Errorf("merge: opening output %s: %w", opts.OutputPath, err)
	}
	defer out.Close()

	for _, path := range opts.InputPaths {
		if err := m.mergeOne(path, out); err != nil {
			return xerrors.Errorf("merge: %s: %w", path, err)
		}
	}
	return nil
}

func (m *Merger) mergeOne(path string, out container.Wim) error {
	in, err := m.adapter.Open(path, container.AccessRead|container.AccessMount, container.OpenExisting, "")
	if err != nil {
		return xerrors.Errorf("opening input: %w", err)
	}
	defer in.Close()

	count := in.ImageCount()
	for i := uint32(1); i <= count; i++ {
		img, err := in.LoadImage(i)
		if err != nil {
			return xerrors.Errorf("loading image %d: %w", i, err)
		}
		if err := out.ExportImage(img); err != nil {
			img.Close()
			return xerrors.Errorf("exporting image %d: %w", i, err)
		}
		if err := img.Close(); err != nil {
			return err
		}
	}
	return nil
}
