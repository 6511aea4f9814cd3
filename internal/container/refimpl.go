package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cavaliercoder/go-cpio"
	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"
)

// magic identifies a wimpatch reference-container file on disk. The format
// is wimpatch's own invention — there is no open-source WIM binary format
// implementation in the dependency graph — but it reuses exactly the
// archive and compression libraries the teacher already depends on for its
// own package-image archives (cmd/distri/initrd.go's cpio+pgzip pipeline).
var magic = [8]byte{'W', 'I', 'M', 'P', 'A', 'T', 'C', 'H'}

// RefAdapter is the reference Adapter implementation: a WIM stand-in backed
// by a flat file of concatenated cpio-archived images, each with its own
// XML metadata blob. It is the adapter wired into wimpatch's tests and,
// absent a real wimgapi binding, its command-line tool.
type RefAdapter struct {
	registry *mountRegistry
}

// NewAdapter constructs a RefAdapter with an empty mount registry.
func NewAdapter() *RefAdapter {
	return &RefAdapter{registry: newMountRegistry()}
}

func (a *RefAdapter) Open(path string, access AccessMask, disposition Disposition, compression CompressionType) (Wim, error) {
	w := &fileWim{
		path:        path,
		access:      access,
		compression: compression,
		registry:    a.registry,
	}
	switch disposition {
	case OpenExisting:
		if err := w.load(); err != nil {
			return nil, xerrors.Errorf("container: opening %s: %w", path, err)
		}
	case CreateAlways:
		w.guid = uuid.New()
		if err := w.persist(); err != nil {
			return nil, xerrors.Errorf("container: creating %s: %w", path, err)
		}
	case OpenAlways:
		if err := w.load(); err != nil {
			if !os.IsNotExist(err) {
				return nil, xerrors.Errorf("container: opening %s: %w", path, err)
			}
			w.guid = uuid.New()
			if err := w.persist(); err != nil {
				return nil, xerrors.Errorf("container: creating %s: %w", path, err)
			}
		}
	default:
		return nil, xerrors.Errorf("container: unknown disposition %d", disposition)
	}
	return w, nil
}

func (a *RefAdapter) MountedInfo() ([]MountInfo, error) {
	return a.registry.list(), nil
}

func (a *RefAdapter) Unmount(mountPath, wimPath string, index uint32, commit bool) error {
	// commit is best-effort for a stale or orphaned mount: there is no live
	// Image handle to commit through, so the reference adapter only drops
	// the bookkeeping record. A real wimgapi binding would re-open wimPath
	// to honor commit; the mount janitor (spec.md §4.9) never asks for it.
	_ = commit
	a.registry.remove(mountPath)
	return nil
}

// fileImage is the persisted representation of one image inside a
// reference-container file.
type fileImage struct {
	index       uint32
	xml         string
	payload     []byte // decompressed cpio archive bytes
	compression CompressionType
}

type fileWim struct {
	path        string
	access      AccessMask
	compression CompressionType
	guid        uuid.UUID
	images      []*fileImage
	dirty       bool
	registry    *mountRegistry
}

func (w *fileWim) load() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var gotMagic [8]byte
	if _, err := io.ReadFull(f, gotMagic[:]); err != nil {
		return xerrors.Errorf("reading container header: %w", err)
	}
	if gotMagic != magic {
		return xerrors.Errorf("%s is not a wimpatch container file", w.path)
	}
	guidBytes := make([]byte, 16)
	if _, err := io.ReadFull(f, guidBytes); err != nil {
		return xerrors.Errorf("reading container guid: %w", err)
	}
	copy(w.guid[:], guidBytes)

	count, err := readUint32(f)
	if err != nil {
		return xerrors.Errorf("reading image count: %w", err)
	}

	for i := uint32(0); i < count; i++ {
		img, err := readImageRecord(f)
		if err != nil {
			return xerrors.Errorf("reading image %d: %w", i+1, err)
		}
		w.images = append(w.images, img)
	}
	return nil
}

// persist rewrites the whole container file atomically, grounded on
// cmd/distri/initrd.go's renameio.TempFile + CloseAtomicallyReplace
// pattern.
func (w *fileWim) persist() error {
	out, err := renameio.TempFile("", w.path)
	if err != nil {
		return xerrors.Errorf("container: creating temp file: %w", err)
	}
	defer out.Cleanup()

	if _, err := out.Write(magic[:]); err != nil {
		return err
	}
	if _, err := out.Write(w.guid[:]); err != nil {
		return err
	}
	if err := writeUint32(out, uint32(len(w.images))); err != nil {
		return err
	}
	for _, img := range w.images {
		if err := writeImageRecord(out, img); err != nil {
			return xerrors.Errorf("container: writing image %d: %w", img.index, err)
		}
	}
	return out.CloseAtomicallyReplace()
}

func (w *fileWim) Close() error {
	if w.dirty && w.access&(AccessWrite|AccessWriteForPatch) != 0 {
		if err := w.persist(); err != nil {
			return err
		}
		w.dirty = false
	}
	return nil
}

func (w *fileWim) Attributes() (WimAttributes, error) {
	return WimAttributes{
		GUID:        w.guid,
		ImageCount:  uint32(len(w.images)),
		Compression: w.compression,
		PartNumber:  1,
		TotalParts:  1,
	}, nil
}

func (w *fileWim) ImageCount() uint32 { return uint32(len(w.images)) }

func (w *fileWim) LoadImage(index uint32) (Image, error) {
	if index == 0 || int(index) > len(w.images) {
		return nil, xerrors.Errorf("container: no image at index %d", index)
	}
	return &imageHandle{wim: w, data: w.images[index-1]}, nil
}

func (w *fileWim) Capture(dir string, filter Filter) (Image, error) {
	if filter == nil {
		filter = AllowAll
	}
	payload, info, err := buildPayload(dir, filter)
	if err != nil {
		return nil, xerrors.Errorf("container: capturing %s: %w", dir, err)
	}
	index := uint32(len(w.images)) + 1
	img := &fileImage{
		index:       index,
		xml:         synthesizeImageXML(index, info),
		payload:     payload,
		compression: w.compression,
	}
	w.images = append(w.images, img)
	w.dirty = true
	return &imageHandle{wim: w, data: img}, nil
}

func (w *fileWim) ExportImage(src Image) error {
	srcHandle, ok := src.(*imageHandle)
	if !ok {
		return xerrors.Errorf("container: ExportImage: src is not a reference-adapter image")
	}
	index := uint32(len(w.images)) + 1
	clone := &fileImage{
		index:       index,
		xml:         srcHandle.data.xml,
		payload:     append([]byte{}, srcHandle.data.payload...),
		compression: srcHandle.data.compression,
	}
	w.images = append(w.images, clone)
	w.dirty = true
	return nil
}

type imageHandle struct {
	wim       *fileWim
	data      *fileImage
	mountDir  string
	mountFlag MountFlag
	mounted   bool
}

func (h *imageHandle) Close() error { return nil }

func (h *imageHandle) Index() uint32 { return h.data.index }

func (h *imageHandle) Mount(dir string, flag MountFlag) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return xerrors.Errorf("container: creating mount directory %s: %w", dir, err)
	}
	if err := extractPayload(h.data.payload, dir); err != nil {
		return xerrors.Errorf("container: mounting image %d at %s: %w", h.data.index, dir, err)
	}
	h.mountDir = dir
	h.mountFlag = flag
	h.mounted = true
	h.wim.registry.add(&mountRecord{
		wimPath:   h.wim.path,
		mountPath: dir,
		index:     h.data.index,
	})
	return nil
}

func (h *imageHandle) Commit() error {
	if !h.mounted {
		return xerrors.Errorf("container: Commit: image %d is not mounted", h.data.index)
	}
	if h.mountFlag != MountReadWrite {
		return xerrors.Errorf("container: Commit: image %d is mounted read-only", h.data.index)
	}
	payload, info, err := buildPayload(h.mountDir, AllowAll)
	if err != nil {
		return xerrors.Errorf("container: committing image %d: %w", h.data.index, err)
	}
	h.data.payload = payload
	h.data.xml = synthesizeImageXML(h.data.index, info)
	h.wim.dirty = true
	return nil
}

func (h *imageHandle) Unmount() error {
	if !h.mounted {
		return nil
	}
	h.wim.registry.remove(h.mountDir)
	h.mounted = false
	return nil
}

func (h *imageHandle) XML() (string, error) {
	return h.data.xml, nil
}

func (h *imageHandle) SetXML(xml string) error {
	h.data.xml = xml
	h.wim.dirty = true
	return nil
}

// captureInfo carries the counted fields synthesizeImageXML needs, computed
// once while walking during buildPayload.
type captureInfo struct {
	dirCount  uint64
	fileCount uint64
	totalSize uint64
}

func synthesizeImageXML(index uint32, info captureInfo) string {
	return fmt.Sprintf(
		`<IMAGE INDEX="%d"><DIRCOUNT>%d</DIRCOUNT><FILECOUNT>%d</FILECOUNT><TOTALBYTES>%d</TOTALBYTES><HARDLINKBYTES>0</HARDLINKBYTES></IMAGE>`,
		index, info.dirCount, info.fileCount, info.totalSize)
}

// buildPayload walks root, applying filter to every relative, slash
// separated path, and returns a cpio archive of the surviving tree plus its
// counted fields.
func buildPayload(root string, filter Filter) ([]byte, captureInfo, error) {
	ws := &writerseeker.WriterSeeker{}
	wr := cpio.NewWriter(ws)
	var info captureInfo

	err := filepath.Walk(root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !filter(rel) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		switch {
		case fi.IsDir():
			info.dirCount++
			return wr.WriteHeader(&cpio.Header{
				Name: rel,
				Mode: cpio.ModeDir | cpio.FileMode(fi.Mode().Perm()),
			})
		case fi.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := wr.WriteHeader(&cpio.Header{
				Name: rel,
				Mode: cpio.ModeSymlink | 0644,
				Size: int64(len(target)),
			}); err != nil {
				return err
			}
			_, err = wr.Write([]byte(target))
			info.fileCount++
			return err
		default:
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := wr.WriteHeader(&cpio.Header{
				Name:    rel,
				Mode:    cpio.FileMode(fi.Mode().Perm()),
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
			}); err != nil {
				return err
			}
			if _, err := io.Copy(wr, f); err != nil {
				return err
			}
			info.fileCount++
			info.totalSize += uint64(fi.Size())
			return nil
		}
	})
	if err != nil {
		return nil, captureInfo{}, err
	}
	if err := wr.Close(); err != nil {
		return nil, captureInfo{}, err
	}
	payload, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, captureInfo{}, err
	}
	return payload, info, nil
}

// extractPayload unpacks a cpio archive onto dir, restoring each regular
// file's recorded modification time (cpio keeps whole seconds).
func extractPayload(payload []byte, dir string) error {
	rd := cpio.NewReader(bytes.NewReader(payload))
	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, filepath.FromSlash(hdr.Name))
		switch {
		case hdr.Mode&cpio.ModeDir != 0:
			if err := os.MkdirAll(dst, permOf(hdr.Mode)|0700); err != nil {
				return err
			}
		case hdr.Mode&cpio.ModeSymlink != 0:
			target, err := io.ReadAll(rd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			if err := os.Symlink(string(target), dst); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, permOf(hdr.Mode)|0600)
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, rd); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			if err := os.Chtimes(dst, hdr.ModTime, hdr.ModTime); err != nil {
				return err
			}
		}
	}
}

func permOf(m cpio.FileMode) os.FileMode {
	return os.FileMode(m & 0777)
}

func readImageRecord(r io.Reader) (*fileImage, error) {
	index, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	compTag, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	xmlLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	xmlBytes := make([]byte, xmlLen)
	if _, err := io.ReadFull(r, xmlBytes); err != nil {
		return nil, err
	}
	payloadLen, err := readUint64(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	compression := compressionFromTag(compTag)
	raw, err := decompressPayload(payload, compression)
	if err != nil {
		return nil, err
	}
	return &fileImage{index: index, xml: string(xmlBytes), payload: raw, compression: compression}, nil
}

func writeImageRecord(w io.Writer, img *fileImage) error {
	compressed, err := compressPayload(img.payload, img.compression)
	if err != nil {
		return err
	}
	if err := writeUint32(w, img.index); err != nil {
		return err
	}
	if err := writeUint32(w, tagFromCompression(img.compression)); err != nil {
		return err
	}
	xmlBytes := []byte(img.xml)
	if err := writeUint32(w, uint32(len(xmlBytes))); err != nil {
		return err
	}
	if _, err := w.Write(xmlBytes); err != nil {
		return err
	}
	if err := writeUint64(w, uint64(len(compressed))); err != nil {
		return err
	}
	_, err = w.Write(compressed)
	return err
}

func tagFromCompression(c CompressionType) uint32 {
	switch c {
	case CompressionXpress:
		return 1
	case CompressionLzx:
		return 2
	default:
		return 0
	}
}

func compressionFromTag(tag uint32) CompressionType {
	switch tag {
	case 1:
		return CompressionXpress
	case 2:
		return CompressionLzx
	default:
		return CompressionNone
	}
}

// compressPayload and decompressPayload implement the container compression
// mapping decided in SPEC_FULL.md §6.4: none is stored raw, xpress uses
// klauspost/pgzip (fast, parallel), lzx uses klauspost/compress/zstd at a
// high level (best ratio).
func compressPayload(data []byte, c CompressionType) ([]byte, error) {
	switch c {
	case CompressionXpress:
		var buf bytes.Buffer
		zw := pgzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionLzx:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return data, nil
	}
}

func decompressPayload(data []byte, c CompressionType) ([]byte, error) {
	switch c {
	case CompressionXpress:
		zr, err := pgzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case CompressionLzx:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return data, nil
	}
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}
