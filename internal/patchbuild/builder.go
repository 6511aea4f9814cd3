// Package patchbuild implements PatchBuilder, the build-time half of the
// differential engine: mount base and target images, diff them, synthesize
// per-file artifacts, capture a patch image, and splice in the manifest
// (spec.md §4.5).
package patchbuild

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/codec"
	"github.com/wimpatch/wimpatch/internal/config"
	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/dirdiff"
	"github.com/wimpatch/wimpatch/internal/manifest"
)

// Options configures a single Build invocation, mirroring the create CLI
// surface in spec.md §4.5.
type Options struct {
	BasePath   string
	TargetPath string
	OutputPath string

	// BaseIndex and TargetIndex are both nil (iterate every common index)
	// or both non-nil (build exactly one pair). Build rejects a mixed
	// specification with an error.
	BaseIndex   *uint32
	TargetIndex *uint32

	Storage              codec.Storage
	Preset               codec.Preset
	Version              string
	Author               string
	Name                 string
	Description          string
	ExcludePatterns      []string
	ContainerCompression container.CompressionType
}

// Builder drives PatchBuilder against a container.Adapter.
type Builder struct {
	adapter container.Adapter
	cfg     *config.Config
}

// New returns a Builder that mounts and captures images through adapter,
// using cfg's scratch directory and buffer size.
func New(adapter container.Adapter, cfg *config.Config) *Builder {
	return &Builder{adapter: adapter, cfg: cfg}
}

// Build performs the per-pair build loop described in spec.md §4.5,
// producing one patch image per (base_index, target_index) pair.
func (b *Builder) Build(opts Options) error {
	baseWim, err := b.adapter.Open(opts.BasePath, container.AccessRead|container.AccessMount, container.OpenExisting, "")
	if err != nil {
		return xerrors.Errorf("patchbuild: opening base %s: %w", opts.BasePath, err)
	}
	defer baseWim.Close()

	targetWim, err := b.adapter.Open(opts.TargetPath, container.AccessRead|container.AccessMount, container.OpenExisting, "")
	if err != nil {
		return xerrors.Errorf("patchbuild: opening target %s: %w", opts.TargetPath, err)
	}
	defer targetWim.Close()

	baseAttrs, err := baseWim.Attributes()
	if err != nil {
		return xerrors.Errorf("patchbuild: base attributes: %w", err)
	}
	targetAttrs, err := targetWim.Attributes()
	if err != nil {
		return xerrors.Errorf("patchbuild: target attributes: %w", err)
	}

	pairs, err := selectPairs(baseAttrs.ImageCount, targetAttrs.ImageCount, opts.BaseIndex, opts.TargetIndex)
	if err != nil {
		return err
	}

	for i, pair := range pairs {
		if err := b.buildPair(opts, baseWim, targetWim, baseAttrs, targetAttrs, pair[0], pair[1], i == 0); err != nil {
			return xerrors.Errorf("patchbuild: pair (%d, %d): %w", pair[0], pair[1], err)
		}
	}
	return nil
}

// selectPairs implements spec.md §4.5's index-selection rule.
func selectPairs(baseCount, targetCount uint32, baseIndex, targetIndex *uint32) ([][2]uint32, error) {
	if (baseIndex == nil) != (targetIndex == nil) {
		return nil, xerrors.Errorf("patchbuild: base-index and target-index must both be given or both omitted")
	}
	if baseIndex != nil {
		if *baseIndex == 0 || *baseIndex > baseCount {
			return nil, xerrors.Errorf("patchbuild: base index %d out of range (1..%d)", *baseIndex, baseCount)
		}
		if *targetIndex == 0 || *targetIndex > targetCount {
			return nil, xerrors.Errorf("patchbuild: target index %d out of range (1..%d)", *targetIndex, targetCount)
		}
		return [][2]uint32{{*baseIndex, *targetIndex}}, nil
	}
	n := baseCount
	if targetCount < n {
		n = targetCount
	}
	pairs := make([][2]uint32, 0, n)
	for i := uint32(1); i <= n; i++ {
		pairs = append(pairs, [2]uint32{i, i})
	}
	return pairs, nil
}

func (b *Builder) buildPair(opts Options, baseWim, targetWim container.Wim, baseAttrs, targetAttrs container.WimAttributes, baseIndex, targetIndex uint32, isFirstPair bool) error {
	baseImg, err := baseWim.LoadImage(baseIndex)
	if err != nil {
		return xerrors.Errorf("loading base image %d: %w", baseIndex, err)
	}
	targetImg, err := targetWim.LoadImage(targetIndex)
	if err != nil {
		return xerrors.Errorf("loading target image %d: %w", targetIndex, err)
	}

	baseXML, err := baseImg.XML()
	if err != nil {
		return xerrors.Errorf("reading base image XML: %w", err)
	}
	targetXML, err := targetImg.XML()
	if err != nil {
		return xerrors.Errorf("reading target image XML: %w", err)
	}
	baseInfo, err := manifest.ParseImageInfo(baseXML)
	if err != nil {
		return xerrors.Errorf("parsing base image info: %w", err)
	}
	targetInfo, err := manifest.ParseImageInfo(targetXML)
	if err != nil {
		return xerrors.Errorf("parsing target image info: %w", err)
	}

	baseMount, err := b.cfg.Scratch(fmt.Sprintf("build-base-%d-%d", baseIndex, targetIndex))
	if err != nil {
		return err
	}
	if err := baseImg.Mount(baseMount, container.MountReadOnly); err != nil {
		return xerrors.Errorf("mounting base image: %w", err)
	}
	defer baseImg.Unmount()

	targetMount, err := b.cfg.Scratch(fmt.Sprintf("build-target-%d-%d", baseIndex, targetIndex))
	if err != nil {
		return err
	}
	if err := targetImg.Mount(targetMount, container.MountReadOnly); err != nil {
		return xerrors.Errorf("mounting target image: %w", err)
	}
	defer targetImg.Unmount()

	working, err := b.cfg.Scratch(fmt.Sprintf("build-working-%d-%d", baseIndex, targetIndex))
	if err != nil {
		return err
	}

	m := manifest.New(opts.Name, opts.Description, opts.Author, opts.Version)
	m.BaseImageGuid = hex.EncodeToString(baseAttrs.GUID[:])
	m.TargetImageGuid = hex.EncodeToString(targetAttrs.GUID[:])
	m.BaseImageInfo = baseInfo.Clone()
	m.TargetImageInfo = targetInfo.Clone()

	level, err := codec.ZstdLevel(opts.Preset)
	if err != nil {
		return err
	}
	excludeFilter := container.DefaultFilter(opts.ExcludePatterns)

	var stepErr error
	diffErr := dirdiff.Compare(baseMount, targetMount, dirdiff.Options{BufferSize: b.cfg.BufferSize}, func(ev dirdiff.Event) bool {
		if !excludeFilter(ev.RelPath) {
			return true
		}
		if err := b.applyEvent(ev, working, baseMount, targetMount, opts.Storage, level, m); err != nil {
			stepErr = err
			return false
		}
		return true
	})
	if diffErr == dirdiff.ErrAborted && stepErr != nil {
		return xerrors.Errorf("diffing %d -> %d: %w", baseIndex, targetIndex, stepErr)
	}
	if diffErr != nil {
		return xerrors.Errorf("diffing %d -> %d: %w", baseIndex, targetIndex, diffErr)
	}

	if err := baseImg.Unmount(); err != nil {
		return xerrors.Errorf("unmounting base image: %w", err)
	}
	if err := targetImg.Unmount(); err != nil {
		return xerrors.Errorf("unmounting target image: %w", err)
	}
	if err := baseImg.Close(); err != nil {
		return err
	}
	if err := targetImg.Close(); err != nil {
		return err
	}

	disposition := container.OpenAlways
	if isFirstPair {
		disposition = container.CreateAlways
	}
	outputWim, err := b.adapter.Open(opts.OutputPath, container.AccessWrite, disposition, opts.ContainerCompression)
	if err != nil {
		return xerrors.Errorf("opening output patch %s: %w", opts.OutputPath, err)
	}
	defer outputWim.Close()

	captureFilter := container.DefaultFilter(b.cfg.ExcludeSystemPaths)
	img, err := outputWim.Capture(working, captureFilter)
	if err != nil {
		return xerrors.Errorf("capturing working directory: %w", err)
	}
	capturedXML, err := img.XML()
	if err != nil {
		return err
	}
	splicedXML, err := m.SpliceIntoImage(capturedXML)
	if err != nil {
		return xerrors.Errorf("splicing manifest into image XML: %w", err)
	}
	if err := img.SetXML(splicedXML); err != nil {
		return err
	}
	return img.Close()
}

func (b *Builder) applyEvent(ev dirdiff.Event, working, baseMount, targetMount string, storage codec.Storage, level int, m *manifest.PatchManifest) error {
	workingPath := filepath.Join(working, ev.RelPath)

	switch ev.Type {
	case dirdiff.Add:
		info, err := os.Stat(ev.TargetPath)
		if err != nil {
			return xerrors.Errorf("stat %s: %w", ev.TargetPath, err)
		}
		if info.IsDir() {
			if err := os.MkdirAll(workingPath, 0755); err != nil {
				return err
			}
			m.AddAdd(ev.RelPath, uint64(info.Size()))
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(workingPath), 0755); err != nil {
			return err
		}
		if err := codec.CopyFile(b.cfgBufferSize(), workingPath, ev.TargetPath); err != nil {
			return xerrors.Errorf("copying %s: %w", ev.RelPath, err)
		}
		m.AddAdd(ev.RelPath, uint64(info.Size()))
		return nil

	case dirdiff.Delete:
		m.AddDelete(ev.RelPath)
		return nil

	case dirdiff.Modify:
		if err := os.MkdirAll(filepath.Dir(workingPath), 0755); err != nil {
			return err
		}
		targetInfo, err := os.Stat(ev.TargetPath)
		if err != nil {
			return xerrors.Errorf("stat %s: %w", ev.TargetPath, err)
		}
		switch storage {
		case codec.StorageFull:
			// Stores the target bytes, not the base bytes: see the build/apply
			// storage-direction decision in SPEC_FULL.md §6.1.
			if err := codec.CopyFile(b.cfgBufferSize(), workingPath, ev.TargetPath); err != nil {
				return xerrors.Errorf("copying %s: %w", ev.RelPath, err)
			}
		case codec.StorageZstd:
			if err := codec.ZstdFileDiff(b.cfgBufferSize(), ev.BasePath, ev.TargetPath, workingPath+".diff", level); err != nil {
				return xerrors.Errorf("zstd diffing %s: %w", ev.RelPath, err)
			}
		case codec.StorageBsdiff:
			if err := codec.BsdiffFileDiff(ev.BasePath, ev.TargetPath, workingPath+".diff"); err != nil {
				return xerrors.Errorf("bsdiffing %s: %w", ev.RelPath, err)
			}
		default:
			return xerrors.Errorf("unknown storage %q", storage)
		}
		m.AddModify(ev.RelPath, uint64(targetInfo.Size()), string(storage))
		return nil
	}
	return xerrors.Errorf("unknown diff event type %v", ev.Type)
}

func (b *Builder) cfgBufferSize() int { return b.cfg.BufferSize }
