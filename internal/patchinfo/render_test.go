package patchinfo

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wimpatch/wimpatch/internal/codec"
	"github.com/wimpatch/wimpatch/internal/config"
	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/patchbuild"
)

func buildTestPatch(t *testing.T) (container.Adapter, string) {
	t.Helper()
	cfg, err := config.New(0, false, t.TempDir(), "en")
	if err != nil {
		t.Fatal(err)
	}
	adapter := container.NewAdapter()
	dir := t.TempDir()

	basePath := filepath.Join(dir, "base.wimpatch")
	targetPath := filepath.Join(dir, "target.wimpatch")
	patchPath := filepath.Join(dir, "patch.wimpatch")

	baseSrc := t.TempDir()
	if err := os.WriteFile(filepath.Join(baseSrc, "a.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}
	baseWim, err := adapter.Open(basePath, container.AccessWrite, container.CreateAlways, container.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := baseWim.Capture(baseSrc, container.AllowAll); err != nil {
		t.Fatal(err)
	}
	if err := baseWim.Close(); err != nil {
		t.Fatal(err)
	}

	targetSrc := t.TempDir()
	if err := os.WriteFile(filepath.Join(targetSrc, "a.txt"), []byte("new contents"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(targetSrc, "b.txt"), []byte("added"), 0644); err != nil {
		t.Fatal(err)
	}
	targetWim, err := adapter.Open(targetPath, container.AccessWrite, container.CreateAlways, container.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := targetWim.Capture(targetSrc, container.AllowAll); err != nil {
		t.Fatal(err)
	}
	if err := targetWim.Close(); err != nil {
		t.Fatal(err)
	}

	builder := patchbuild.New(adapter, cfg)
	if err := builder.Build(patchbuild.Options{
		BasePath:             basePath,
		TargetPath:           targetPath,
		OutputPath:           patchPath,
		Storage:              codec.StorageZstd,
		Preset:               codec.PresetFast,
		Version:              "2.3.1",
		Author:               "render-test",
		Name:                 "render test patch",
		Description:          "exercises patchinfo rendering",
		ContainerCompression: container.CompressionNone,
	}); err != nil {
		t.Fatal(err)
	}
	return adapter, patchPath
}

func TestRenderPrettyIncludesKeyFields(t *testing.T) {
	adapter, patchPath := buildTestPatch(t)
	out, err := Render(adapter, Options{PatchPath: patchPath})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for _, want := range []string{
		"Patch Summary:",
		"render test patch",
		"render-test",
		"2.3.1",
		"+1 / ~1 / -0 (total: 2)",
		"Base Image Information:",
		"Target Image Information:",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Render output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderXMLEmitsManifestXML(t *testing.T) {
	adapter, patchPath := buildTestPatch(t)
	out, err := Render(adapter, Options{PatchPath: patchPath, XML: true})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "<PatchManifest>") {
		t.Errorf("xml output missing <PatchManifest>:\n%s", out)
	}
}
