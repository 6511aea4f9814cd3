// Package patchinfo renders a human- or machine-readable summary of a patch
// WIM's embedded manifests (spec.md §4.8), mirroring
// original_source/src/patch.rs's get_patch_info layout.
package patchinfo

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/manifest"
)

// Options configures a single Render invocation.
type Options struct {
	PatchPath string
	// XML, when true, emits the raw concatenation of each image's manifest
	// XML instead of the pretty block form.
	XML bool
}

const labelWidth = 18

// Render implements spec.md §4.8: given a patch path, produce either the
// raw manifest XML for every image or a pretty per-image summary block.
func Render(adapter container.Adapter, opts Options) (string, error) {
	wim, err := adapter.Open(opts.PatchPath, container.AccessRead, container.OpenExisting, "")
	if err != nil {
		return "", xerrors.Errorf("patchinfo: opening %s: %w", opts.PatchPath, err)
	}
	defer wim.Close()

	fileInfo, err := os.Stat(opts.PatchPath)
	if err != nil {
		return "", xerrors.Errorf("patchinfo: stat %s: %w", opts.PatchPath, err)
	}

	count := wim.ImageCount()
	var blocks []string
	for i := uint32(1); i <= count; i++ {
		img, err := wim.LoadImage(i)
		if err != nil {
			return "", xerrors.Errorf("patchinfo: loading image %d: %w", i, err)
		}
		xmlDoc, err := img.XML()
		if err != nil {
			return "", err
		}
		if err := img.Close(); err != nil {
			return "", err
		}

		m, err := manifest.ExtractFromImageXML(xmlDoc)
		if err != nil {
			return "", xerrors.Errorf("patchinfo: image %d: %w", i, err)
		}

		if opts.XML {
			manifestXML, err := m.ToXML()
			if err != nil {
				return "", err
			}
			blocks = append(blocks, manifestXML)
			continue
		}
		blocks = append(blocks, prettyBlock(opts.PatchPath, i, fileInfo.Size(), m))
	}

	return strings.Join(blocks, "\n"), nil
}

func prettyBlock(path string, index uint32, size int64, m *manifest.PatchManifest) string {
	var b strings.Builder
	totalWidth := labelWidth + len(path) + 1

	b.WriteString("Patch Summary:\n")
	writeRule(&b, totalWidth)
	writeField(&b, "File:", path)
	writeField(&b, "Index:", index)
	writeField(&b, "UUID:", m.ID)
	writeField(&b, "Size:", humanBytes(uint64(size)))
	writeField(&b, "Version:", m.PatchVersion)
	writeField(&b, "Name:", m.Name)
	writeField(&b, "Author:", m.Author)
	writeField(&b, "Description:", m.Description)
	writeField(&b, "Tool Version:", m.ToolVersion)
	writeField(&b, "created:", localTimestamp(m.Timestamp))

	adds, modifies, deletes := m.Counts()
	writeField(&b, "Operations:", fmt.Sprintf("+%d / ~%d / -%d (total: %d)", adds, modifies, deletes, adds+modifies+deletes))

	b.WriteString("\nBase Image Information:\n")
	writeRule(&b, totalWidth)
	writeImageInfo(&b, m.BaseImageInfo, true)

	b.WriteString("\nTarget Image Information:\n")
	writeRule(&b, totalWidth)
	writeImageInfo(&b, m.TargetImageInfo, false)

	b.WriteString("\n")
	return b.String()
}

func writeImageInfo(b *strings.Builder, info manifest.ImageInfo, withHardLinkBytes bool) {
	writeField(b, "Index:", info.Index)
	if info.Name != nil {
		writeField(b, "Name:", *info.Name)
	}
	if info.DisplayName != nil {
		writeField(b, "Display Name:", *info.DisplayName)
	}
	if info.Flags != nil {
		writeField(b, "Flags:", *info.Flags)
	}
	writeField(b, "Dir Count:", info.DirCount)
	writeField(b, "File Count:", info.FileCount)
	if withHardLinkBytes {
		writeField(b, "Hard Link Bytes:", info.HardLinkBytes)
	}
	writeField(b, "Total Bytes:", humanBytes(info.TotalBytes))
}

func writeField(b *strings.Builder, label string, value interface{}) {
	fmt.Fprintf(b, "%-*s %v\n", labelWidth, label, value)
}

func writeRule(b *strings.Builder, width int) {
	b.WriteString(strings.Repeat("-", width))
	b.WriteString("\n")
}

// humanBytes renders a byte count the way original_source/src/utils.rs's
// format_bytes does: one decimal place above 1 KB, a bare count below it.
func humanBytes(n uint64) string {
	const unit = 1024.0
	f := float64(n)
	switch {
	case f >= unit*unit*unit:
		return fmt.Sprintf("%.1f GB", f/(unit*unit*unit))
	case f >= unit*unit:
		return fmt.Sprintf("%.1f MB", f/(unit*unit))
	case f >= unit:
		return fmt.Sprintf("%.1f KB", f/unit)
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// localTimestamp converts an RFC-3339 manifest timestamp to local time,
// returning the original string unchanged if it doesn't parse as RFC-3339,
// per spec.md §4.8.
func localTimestamp(ts string) string {
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return ts
	}
	return parsed.Local().Format("2006-01-02 15:04:05")
}
