package patchbuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/wimpatch/wimpatch/internal/codec"
	"github.com/wimpatch/wimpatch/internal/config"
	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/manifest"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, contents := range files {
		full := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(contents), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func newTestBuilder(t *testing.T) (*Builder, container.Adapter, *config.Config) {
	t.Helper()
	cfg, err := config.New(0, false, t.TempDir(), "en")
	if err != nil {
		t.Fatal(err)
	}
	adapter := container.NewAdapter()
	return New(adapter, cfg), adapter, cfg
}

func captureWim(t *testing.T, adapter container.Adapter, path string, files map[string]string) {
	t.Helper()
	src := t.TempDir()
	writeTree(t, src, files)
	wim, err := adapter.Open(path, container.AccessWrite, container.CreateAlways, container.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wim.Capture(src, container.AllowAll); err != nil {
		t.Fatal(err)
	}
	if err := wim.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBuildSingleImagePair(t *testing.T) {
	b, adapter, cfg := newTestBuilder(t)
	dir := t.TempDir()

	basePath := filepath.Join(dir, "base.wimpatch")
	targetPath := filepath.Join(dir, "target.wimpatch")
	outputPath := filepath.Join(dir, "patch.wimpatch")

	captureWim(t, adapter, basePath, map[string]string{
		"keep.txt":    "unchanged",
		"removed.txt": "gone in target",
		"edit.txt":    "old contents for edit",
	})
	captureWim(t, adapter, targetPath, map[string]string{
		"keep.txt":  "unchanged",
		"added.txt": "new in target",
		"edit.txt":  "new contents for edit, longer than before",
	})

	opts := Options{
		BasePath:             basePath,
		TargetPath:           targetPath,
		OutputPath:           outputPath,
		Storage:              codec.StorageZstd,
		Preset:               codec.PresetFast,
		Version:              "1.0.0",
		Author:               "tester",
		Name:                 "test patch",
		Description:          "unit test patch",
		ContainerCompression: container.CompressionNone,
	}

	if err := b.Build(opts); err != nil {
		t.Fatalf("Build: %v", err)
	}

	patchWim, err := adapter.Open(outputPath, container.AccessRead|container.AccessMount, container.OpenExisting, container.CompressionNone)
	if err != nil {
		t.Fatalf("opening output patch: %v", err)
	}
	if patchWim.ImageCount() != 1 {
		t.Fatalf("ImageCount() = %d, want 1", patchWim.ImageCount())
	}

	img, err := patchWim.LoadImage(1)
	if err != nil {
		t.Fatal(err)
	}
	xmlDoc, err := img.XML()
	if err != nil {
		t.Fatal(err)
	}
	m, err := manifest.ExtractFromImageXML(xmlDoc)
	if err != nil {
		t.Fatalf("ExtractFromImageXML: %v", err)
	}

	adds, modifies, deletes := m.Counts()
	if adds != 1 {
		t.Errorf("adds = %d, want 1 (added.txt)", adds)
	}
	if modifies != 1 {
		t.Errorf("modifies = %d, want 1 (edit.txt)", modifies)
	}
	if deletes != 1 {
		t.Errorf("deletes = %d, want 1 (removed.txt)", deletes)
	}

	mountDir, err := cfg.Scratch("verify-mount")
	if err != nil {
		t.Fatal(err)
	}
	if err := img.Mount(mountDir, container.MountReadOnly); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(mountDir, "added.txt")); err != nil {
		t.Errorf("patch image missing added.txt payload: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mountDir, "edit.txt.diff")); err != nil {
		t.Errorf("patch image missing edit.txt.diff artifact: %v", err)
	}
}

func TestSelectPairsBothOmittedIteratesCommonRange(t *testing.T) {
	pairs, err := selectPairs(3, 2, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	want := [][2]uint32{{1, 1}, {2, 2}}
	if len(pairs) != len(want) {
		t.Fatalf("selectPairs returned %d pairs, want %d", len(pairs), len(want))
	}
	for i := range want {
		if pairs[i] != want[i] {
			t.Errorf("pairs[%d] = %v, want %v", i, pairs[i], want[i])
		}
	}
}

func TestSelectPairsSingleIndexPair(t *testing.T) {
	base := uint32(2)
	target := uint32(3)
	pairs, err := selectPairs(5, 5, &base, &target)
	if err != nil {
		t.Fatal(err)
	}
	if len(pairs) != 1 || pairs[0] != [2]uint32{2, 3} {
		t.Fatalf("selectPairs = %v, want [[2 3]]", pairs)
	}
}

func TestSelectPairsRejectsMixedSpecification(t *testing.T) {
	base := uint32(1)
	if _, err := selectPairs(2, 2, &base, nil); err == nil {
		t.Error("selectPairs should reject base-index without target-index")
	}
}

func TestSelectPairsRejectsOutOfRange(t *testing.T) {
	base := uint32(9)
	target := uint32(1)
	if _, err := selectPairs(2, 2, &base, &target); err == nil {
		t.Error("selectPairs should reject an out-of-range base index")
	}
}
