package container

import (
	"os"
	"path/filepath"
	"testing"
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

func TestCaptureMountRoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.txt":        "hello",
		"sub/b.txt":    "world",
		"sub/deep/c.c": "int main() {}",
	})

	adapter := NewAdapter()
	wimPath := filepath.Join(t.TempDir(), "image.wimpatch")
	wim, err := adapter.Open(wimPath, AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	img, err := wim.Capture(src, AllowAll)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if img.Index() != 1 {
		t.Errorf("Index() = %d, want 1", img.Index())
	}

	mountDir := t.TempDir()
	if err := img.Mount(mountDir, MountReadOnly); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(mountDir, "sub", "b.txt"))
	if err != nil {
		t.Fatalf("reading mounted file: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("mounted sub/b.txt = %q, want %q", got, "world")
	}

	if err := img.Close(); err != nil {
		t.Fatal(err)
	}
	if err := wim.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := adapter.Open(wimPath, AccessRead, OpenExisting, CompressionNone)
	if err != nil {
		t.Fatalf("reopening: %v", err)
	}
	if reopened.ImageCount() != 1 {
		t.Fatalf("ImageCount() = %d, want 1", reopened.ImageCount())
	}
	attrs, err := reopened.Attributes()
	if err != nil {
		t.Fatal(err)
	}
	if attrs.ImageCount != 1 {
		t.Errorf("Attributes().ImageCount = %d, want 1", attrs.ImageCount)
	}
}

func TestCaptureFilterExcludesPaths(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"keep.txt":        "a",
		"pagefile.sys":    "b",
		"sub/hiberfil.sys": "c",
	})

	adapter := NewAdapter()
	wim, err := adapter.Open(filepath.Join(t.TempDir(), "image.wimpatch"), AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	filter := DefaultFilter([]string{"pagefile.sys", "hiberfil.sys"})
	img, err := wim.Capture(src, filter)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	mountDir := t.TempDir()
	if err := img.Mount(mountDir, MountReadOnly); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(mountDir, "keep.txt")); err != nil {
		t.Errorf("keep.txt should have survived the filter: %v", err)
	}
	if _, err := os.Stat(filepath.Join(mountDir, "pagefile.sys")); err == nil {
		t.Error("pagefile.sys should have been excluded by the filter")
	}
	if _, err := os.Stat(filepath.Join(mountDir, "sub", "hiberfil.sys")); err == nil {
		t.Error("sub/hiberfil.sys should have been excluded by the filter")
	}
}

func TestMountReadWriteCommit(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "original"})

	adapter := NewAdapter()
	wim, err := adapter.Open(filepath.Join(t.TempDir(), "image.wimpatch"), AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	img, err := wim.Capture(src, AllowAll)
	if err != nil {
		t.Fatal(err)
	}

	mountDir := t.TempDir()
	if err := img.Mount(mountDir, MountReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(mountDir, "b.txt"), []byte("added"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := img.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := img.Unmount(); err != nil {
		t.Fatal(err)
	}

	remount := t.TempDir()
	if err := img.Mount(remount, MountReadOnly); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(remount, "b.txt")); err != nil {
		t.Errorf("committed file b.txt missing after remount: %v", err)
	}
}

func TestXMLRoundTripsThroughPersist(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "x"})

	wimPath := filepath.Join(t.TempDir(), "image.wimpatch")
	adapter := NewAdapter()
	wim, err := adapter.Open(wimPath, AccessWrite, CreateAlways, CompressionXpress)
	if err != nil {
		t.Fatal(err)
	}
	img, err := wim.Capture(src, AllowAll)
	if err != nil {
		t.Fatal(err)
	}
	if err := img.SetXML("<IMAGE INDEX=\"1\"><NAME>patched</NAME></IMAGE>"); err != nil {
		t.Fatal(err)
	}
	if err := wim.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := adapter.Open(wimPath, AccessRead, OpenExisting, CompressionXpress)
	if err != nil {
		t.Fatal(err)
	}
	reimg, err := reopened.LoadImage(1)
	if err != nil {
		t.Fatal(err)
	}
	xml, err := reimg.XML()
	if err != nil {
		t.Fatal(err)
	}
	if xml != "<IMAGE INDEX=\"1\"><NAME>patched</NAME></IMAGE>" {
		t.Errorf("XML() = %q, did not round trip through a compressed persist", xml)
	}
}

func TestExportImage(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "x"})

	adapter := NewAdapter()
	srcWim, err := adapter.Open(filepath.Join(t.TempDir(), "src.wimpatch"), AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	srcImg, err := srcWim.Capture(src, AllowAll)
	if err != nil {
		t.Fatal(err)
	}

	dstWim, err := adapter.Open(filepath.Join(t.TempDir(), "dst.wimpatch"), AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if err := dstWim.ExportImage(srcImg); err != nil {
		t.Fatalf("ExportImage: %v", err)
	}
	if dstWim.ImageCount() != 1 {
		t.Fatalf("ImageCount() = %d, want 1", dstWim.ImageCount())
	}
}

func TestMountedInfoAndJanitorUnmount(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "x"})

	adapter := NewAdapter()
	wimPath := filepath.Join(t.TempDir(), "image.wimpatch")
	wim, err := adapter.Open(wimPath, AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	img, err := wim.Capture(src, AllowAll)
	if err != nil {
		t.Fatal(err)
	}
	mountDir := t.TempDir()
	if err := img.Mount(mountDir, MountReadOnly); err != nil {
		t.Fatal(err)
	}

	infos, err := adapter.MountedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("MountedInfo() returned %d records, want 1", len(infos))
	}
	if infos[0].Flags != MountOK {
		t.Errorf("fresh mount has flags %v, want MountOK", infos[0].Flags)
	}

	if err := adapter.Unmount(mountDir, wimPath, 1, false); err != nil {
		t.Fatalf("Unmount: %v", err)
	}
	infos, err = adapter.MountedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 0 {
		t.Errorf("MountedInfo() after janitor unmount returned %d records, want 0", len(infos))
	}
}

func TestMountedInfoDetectsStaleMountDir(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{"a.txt": "x"})

	adapter := NewAdapter()
	wim, err := adapter.Open(filepath.Join(t.TempDir(), "image.wimpatch"), AccessWrite, CreateAlways, CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	img, err := wim.Capture(src, AllowAll)
	if err != nil {
		t.Fatal(err)
	}
	mountDir := filepath.Join(t.TempDir(), "mnt")
	if err := img.Mount(mountDir, MountReadOnly); err != nil {
		t.Fatal(err)
	}

	if err := os.RemoveAll(mountDir); err != nil {
		t.Fatal(err)
	}

	infos, err := adapter.MountedInfo()
	if err != nil {
		t.Fatal(err)
	}
	if len(infos) != 1 {
		t.Fatalf("MountedInfo() returned %d records, want 1", len(infos))
	}
	if infos[0].Flags&MountNoMountDir == 0 {
		t.Errorf("Flags = %v, want MountNoMountDir set", infos[0].Flags)
	}
	if infos[0].Flags&MountInvalid == 0 {
		t.Errorf("Flags = %v, want MountInvalid set", infos[0].Flags)
	}
}
