package patchapply

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/codec"
	"github.com/wimpatch/wimpatch/internal/config"
	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/manifest"
)

// Options configures a single Apply invocation, mirroring the apply CLI
// surface in spec.md §4.6.
type Options struct {
	BasePath   string
	PatchPath  string
	OutputPath string

	// BaseIndex restricts application to the single chain starting at this
	// base image index. Nil applies every chain found.
	BaseIndex *uint32

	// Force downgrades a content-check mismatch, a missing Add source, or a
	// failed Modify artifact from a fatal error to a logged warning,
	// per spec.md §4.6.
	Force bool

	ExcludePatterns []string
}

// Applier drives PatchApplier against a container.Adapter.
type Applier struct {
	adapter container.Adapter
	cfg     *config.Config
}

// New returns an Applier that mounts and exports images through adapter,
// using cfg's scratch directory and buffer size.
func New(adapter container.Adapter, cfg *config.Config) *Applier {
	return &Applier{adapter: adapter, cfg: cfg}
}

// Apply implements spec.md §4.6 end to end: resolve chains, replay each
// chain's operations onto a working copy of the base WIM, then export every
// base image (patched or not) into a freshly created target WIM.
func (a *Applier) Apply(opts Options) error {
	baseImages, baseGUID, err := a.readBaseDescriptors(opts.BasePath)
	if err != nil {
		return err
	}

	patchWim, err := a.adapter.Open(opts.PatchPath, container.AccessRead|container.AccessMount, container.OpenExisting, "")
	if err != nil {
		return xerrors.Errorf("patchapply: opening patch %s: %w", opts.PatchPath, err)
	}
	defer patchWim.Close()

	patches, err := readPatchEntries(patchWim)
	if err != nil {
		return err
	}

	chains, err := ResolveChains(baseGUID, baseImages, patches, opts.BaseIndex, opts.Force)
	if err != nil {
		return xerrors.Errorf("patchapply: resolving chains: %w", err)
	}

	workingBase, err := a.cfg.Scratch("apply-base")
	if err != nil {
		return err
	}
	workingBasePath := filepath.Join(workingBase, filepath.Base(opts.BasePath))
	if err := codec.CopyFile(a.cfg.BufferSize, workingBasePath, opts.BasePath); err != nil {
		return xerrors.Errorf("patchapply: copying base WIM to scratch: %w", err)
	}

	baseCopy, err := a.adapter.Open(workingBasePath, container.AccessRead|container.AccessWrite|container.AccessMount, container.OpenExisting, "")
	if err != nil {
		return xerrors.Errorf("patchapply: opening base copy: %w", err)
	}
	defer baseCopy.Close()

	excludeFilter := container.DefaultFilter(opts.ExcludePatterns)

	for _, chain := range chains {
		if err := a.applyChain(chain, baseCopy, patchWim, excludeFilter, opts.Force); err != nil {
			return xerrors.Errorf("patchapply: chain starting at base image %d: %w", chain.BaseIndex, err)
		}
	}

	targetWim, err := a.adapter.Open(opts.OutputPath, container.AccessWrite, container.CreateAlways, container.CompressionLzx)
	if err != nil {
		return xerrors.Errorf("patchapply: opening target %s: %w", opts.OutputPath, err)
	}
	defer targetWim.Close()

	count := baseCopy.ImageCount()
	for i := uint32(1); i <= count; i++ {
		img, err := baseCopy.LoadImage(i)
		if err != nil {
			return xerrors.Errorf("patchapply: loading base copy image %d for export: %w", i, err)
		}
		if err := targetWim.ExportImage(img); err != nil {
			return xerrors.Errorf("patchapply: exporting image %d: %w", i, err)
		}
		if err := img.Close(); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) readBaseDescriptors(basePath string) ([]manifest.ImageInfo, string, error) {
	wim, err := a.adapter.Open(basePath, container.AccessRead, container.OpenExisting, "")
	if err != nil {
		return nil, "", xerrors.Errorf("patchapply: opening base %s: %w", basePath, err)
	}
	defer wim.Close()

	attrs, err := wim.Attributes()
	if err != nil {
		return nil, "", xerrors.Errorf("patchapply: base attributes: %w", err)
	}
	guid := fmt.Sprintf("%x", attrs.GUID[:])

	images := make([]manifest.ImageInfo, 0, attrs.ImageCount)
	for i := uint32(1); i <= attrs.ImageCount; i++ {
		img, err := wim.LoadImage(i)
		if err != nil {
			return nil, "", xerrors.Errorf("patchapply: loading base image %d: %w", i, err)
		}
		xmlDoc, err := img.XML()
		if err != nil {
			return nil, "", err
		}
		info, err := manifest.ParseImageInfo(xmlDoc)
		if err != nil {
			return nil, "", xerrors.Errorf("patchapply: parsing base image %d info: %w", i, err)
		}
		images = append(images, info)
		if err := img.Close(); err != nil {
			return nil, "", err
		}
	}
	return images, guid, nil
}

func readPatchEntries(patchWim container.Wim) ([]PatchEntry, error) {
	count := patchWim.ImageCount()
	entries := make([]PatchEntry, 0, count)
	for i := uint32(1); i <= count; i++ {
		img, err := patchWim.LoadImage(i)
		if err != nil {
			return nil, xerrors.Errorf("patchapply: loading patch image %d: %w", i, err)
		}
		xmlDoc, err := img.XML()
		if err != nil {
			return nil, err
		}
		m, err := manifest.ExtractFromImageXML(xmlDoc)
		if err != nil {
			return nil, xerrors.Errorf("patchapply: patch image %d: %w", i, err)
		}
		entries = append(entries, PatchEntry{Index: i, Manifest: m})
		if err := img.Close(); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (a *Applier) applyChain(chain Chain, baseCopy, patchWim container.Wim, excludeFilter container.Filter, force bool) error {
	baseImg, err := baseCopy.LoadImage(chain.BaseIndex)
	if err != nil {
		return xerrors.Errorf("loading base image %d: %w", chain.BaseIndex, err)
	}
	defer baseImg.Close()

	baseMount, err := a.cfg.Scratch(fmt.Sprintf("apply-base-mount-%d", chain.BaseIndex))
	if err != nil {
		return err
	}
	if err := baseImg.Mount(baseMount, container.MountReadWrite); err != nil {
		return xerrors.Errorf("mounting base image %d read-write: %w", chain.BaseIndex, err)
	}
	defer baseImg.Unmount()

	for _, entry := range chain.Entries {
		if err := a.applyEntry(entry, baseImg, baseMount, patchWim, excludeFilter, force); err != nil {
			return xerrors.Errorf("applying patch image %d: %w", entry.Index, err)
		}
	}

	return baseImg.Unmount()
}

func (a *Applier) applyEntry(entry PatchEntry, baseImg container.Image, baseMount string, patchWim container.Wim, excludeFilter container.Filter, force bool) error {
	patchImg, err := patchWim.LoadImage(entry.Index)
	if err != nil {
		return xerrors.Errorf("loading patch image: %w", err)
	}

	patchMount, err := a.cfg.Scratch(fmt.Sprintf("apply-patch-mount-%d", entry.Index))
	if err != nil {
		return err
	}
	if err := patchImg.Mount(patchMount, container.MountReadOnly); err != nil {
		return xerrors.Errorf("mounting patch image: %w", err)
	}

	if err := a.executeOperations(entry.Manifest.Operations(), baseMount, patchMount, excludeFilter, force); err != nil {
		patchImg.Unmount()
		patchImg.Close()
		return err
	}

	if err := baseImg.Commit(); err != nil {
		patchImg.Unmount()
		patchImg.Close()
		return xerrors.Errorf("committing base image: %w", err)
	}

	baseXML, err := baseImg.XML()
	if err != nil {
		patchImg.Unmount()
		patchImg.Close()
		return err
	}
	baseXML = rewriteImageFields(baseXML, entry.Manifest.TargetImageInfo)
	if err := baseImg.SetXML(baseXML); err != nil {
		patchImg.Unmount()
		patchImg.Close()
		return xerrors.Errorf("rewriting base image XML: %w", err)
	}

	if err := patchImg.Unmount(); err != nil {
		patchImg.Close()
		return xerrors.Errorf("unmounting patch image: %w", err)
	}
	return patchImg.Close()
}

// rewriteImageFields replaces NAME/DISPLAYNAME/FLAGS/DESCRIPTION/
// DISPLAYDESCRIPTION in xmlDoc from whichever of those fields target carries,
// per spec.md §4.6 step 3.d.
func rewriteImageFields(xmlDoc string, target manifest.ImageInfo) string {
	if target.Name != nil {
		xmlDoc = manifest.ReplaceXMLField(xmlDoc, "NAME", *target.Name)
	}
	if target.DisplayName != nil {
		xmlDoc = manifest.ReplaceXMLField(xmlDoc, "DISPLAYNAME", *target.DisplayName)
	}
	if target.Flags != nil {
		xmlDoc = manifest.ReplaceXMLField(xmlDoc, "FLAGS", *target.Flags)
	}
	if target.Description != nil {
		xmlDoc = manifest.ReplaceXMLField(xmlDoc, "DESCRIPTION", *target.Description)
	}
	if target.DisplayDescription != nil {
		xmlDoc = manifest.ReplaceXMLField(xmlDoc, "DISPLAYDESCRIPTION", *target.DisplayDescription)
	}
	return xmlDoc
}

// executeOperations replays a manifest's operation list onto baseMount using
// patchMount as the source of Add/Modify artifacts, per spec.md §4.6
// "Operation execution".
func (a *Applier) executeOperations(ops []manifest.Operation, baseMount, patchMount string, excludeFilter container.Filter, force bool) error {
	for _, op := range ops {
		if !excludeFilter(op.Path) {
			continue
		}
		var err error
		switch op.Action {
		case manifest.ActionAdd:
			err = a.executeAdd(op, baseMount, patchMount)
		case manifest.ActionDelete:
			err = a.executeDelete(op, baseMount)
		case manifest.ActionModify:
			err = a.executeModify(op, baseMount, patchMount)
		default:
			err = xerrors.Errorf("unknown operation action %q", op.Action)
		}
		if err != nil {
			if force {
				log.Printf("patchapply: %s %s failed, skipping (force): %v", op.Action, op.Path, err)
				continue
			}
			return xerrors.Errorf("%s %s: %w", op.Action, op.Path, err)
		}
	}
	return nil
}

func (a *Applier) executeAdd(op manifest.Operation, baseMount, patchMount string) error {
	src := filepath.Join(patchMount, op.Path)
	dst := filepath.Join(baseMount, op.Path)

	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return os.MkdirAll(dst, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return codec.CopyFile(a.cfg.BufferSize, dst, src)
}

func (a *Applier) executeDelete(op manifest.Operation, baseMount string) error {
	dst := filepath.Join(baseMount, op.Path)
	info, err := os.Stat(dst)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return os.RemoveAll(dst)
	}
	return os.Remove(dst)
}

func (a *Applier) executeModify(op manifest.Operation, baseMount, patchMount string) error {
	dst := filepath.Join(baseMount, op.Path)
	storage := ""
	if op.Storage != nil {
		storage = *op.Storage
	}
	newFile := dst + ".wimpatch-new"

	switch codecStorage := storage; codecStorage {
	case "full":
		src := filepath.Join(patchMount, op.Path)
		if err := codec.CopyFile(a.cfg.BufferSize, newFile, src); err != nil {
			return err
		}
	case "zstd":
		artifact := filepath.Join(patchMount, op.Path+".diff")
		if err := codec.ZstdFileApply(a.cfg.BufferSize, dst, artifact, newFile); err != nil {
			return err
		}
	case "bsdiff":
		artifact := filepath.Join(patchMount, op.Path+".diff")
		if err := codec.BsdiffFileApply(dst, artifact, newFile); err != nil {
			return err
		}
	default:
		return xerrors.Errorf("unknown storage %q", storage)
	}
	return os.Rename(newFile, dst)
}
