package codec

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestZstdRoundTrip(t *testing.T) {
	base := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog"), 200)
	target := append(append([]byte{}, base...), []byte("extra tail bytes that differ from base")...)
	target[10] = 'X'

	level, err := ZstdLevel(PresetFast)
	if err != nil {
		t.Fatal(err)
	}
	artifact, err := ZstdDiff(base, target, level)
	if err != nil {
		t.Fatalf("ZstdDiff: %v", err)
	}
	got, err := ZstdApply(base, artifact)
	if err != nil {
		t.Fatalf("ZstdApply: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(target))
	}
}

func TestZstdFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := bytes.Repeat([]byte{0x00}, 1<<20)
	target := append([]byte{}, base...)
	target[524288] = 0xFF

	baseFile := filepath.Join(dir, "base.bin")
	targetFile := filepath.Join(dir, "target.bin")
	patchFile := filepath.Join(dir, "target.bin.diff")
	newFile := filepath.Join(dir, "new.bin")

	if err := os.WriteFile(baseFile, base, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(targetFile, target, 0644); err != nil {
		t.Fatal(err)
	}

	level, _ := ZstdLevel(PresetMedium)
	if err := ZstdFileDiff(65536, baseFile, targetFile, patchFile, level); err != nil {
		t.Fatalf("ZstdFileDiff: %v", err)
	}
	if err := ZstdFileApply(65536, baseFile, patchFile, newFile); err != nil {
		t.Fatalf("ZstdFileApply: %v", err)
	}
	got, err := os.ReadFile(newFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, target) {
		t.Fatal("zstd file round trip did not reconstruct target")
	}
}

func TestBsdiffRoundTrip(t *testing.T) {
	base := bytes.Repeat([]byte{0x00}, 1<<20)
	target := append([]byte{}, base...)
	target[524288] = 0xFF

	patch, err := BsdiffDiff(base, target)
	if err != nil {
		t.Fatalf("BsdiffDiff: %v", err)
	}
	got, err := BsdiffApply(base, patch)
	if err != nil {
		t.Fatalf("BsdiffApply: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatal("bsdiff round trip did not reconstruct target")
	}
}

func TestBsdiffFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	base := []byte("0123456789")
	target := []byte("0123456789 with a tail appended for good measure")

	baseFile := filepath.Join(dir, "base.bin")
	targetFile := filepath.Join(dir, "target.bin")
	patchFile := filepath.Join(dir, "target.bin.diff")
	newFile := filepath.Join(dir, "new.bin")

	if err := os.WriteFile(baseFile, base, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(targetFile, target, 0644); err != nil {
		t.Fatal(err)
	}

	if err := BsdiffFileDiff(baseFile, targetFile, patchFile); err != nil {
		t.Fatalf("BsdiffFileDiff: %v", err)
	}
	if err := BsdiffFileApply(baseFile, patchFile, newFile); err != nil {
		t.Fatalf("BsdiffFileApply: %v", err)
	}
	got, err := os.ReadFile(newFile)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, target) {
		t.Fatal("bsdiff file round trip did not reconstruct target")
	}
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	want := []byte("full storage copies bytes verbatim")
	if err := os.WriteFile(src, want, 0644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(4096, dst, src); err != nil {
		t.Fatalf("CopyFile: %v", err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("CopyFile did not copy bytes verbatim")
	}
}

func TestStorageValid(t *testing.T) {
	for _, s := range []Storage{StorageFull, StorageZstd, StorageBsdiff} {
		if !s.Valid() {
			t.Errorf("Storage(%q).Valid() = false, want true", s)
		}
	}
	if Storage("bogus").Valid() {
		t.Error(`Storage("bogus").Valid() = true, want false`)
	}
}
