// Package container declares the capability surface wimpatch needs from a
// WIM container library (spec.md §4.4) and ships a reference adapter
// (refimpl.go) backed by cpio archives instead of a real wimgapi binding.
//
// The core (patchbuild, patchapply, merge) depends only on the Adapter
// interface declared here, never on refimpl's concrete types, so a
// production build can swap in a real WIM binding without touching the
// differential engine.
package container

// AccessMask selects how a WIM is opened, mirroring wimgapi's access flags.
type AccessMask uint32

const (
	AccessRead AccessMask = 1 << iota
	AccessWrite
	AccessMount
	AccessWriteForPatch
)

// Disposition selects creation behavior on Open, mirroring CreateFile's
// dwCreationDisposition parameter as used by wimgapi.
type Disposition int

const (
	OpenExisting Disposition = iota
	CreateAlways
	OpenAlways
)

// CompressionType is the container-level compression chosen at create time.
type CompressionType string

const (
	CompressionNone   CompressionType = "none"
	CompressionXpress CompressionType = "xpress"
	CompressionLzx    CompressionType = "lzx"
)

// MountFlag selects whether Mount exposes the image read-only or read-write.
type MountFlag int

const (
	MountReadOnly MountFlag = iota
	MountReadWrite
)

// MountInfoFlag is a bitmask describing a mount record's health, as returned
// by Adapter.MountedInfo.
type MountInfoFlag uint32

const (
	// MountOK means the mount is healthy; none of the other bits are set.
	MountOK MountInfoFlag = 0
	// MountInvalid marks a mount record the container library itself
	// considers inconsistent.
	MountInvalid MountInfoFlag = 1 << (iota - 1)
	// MountNoWim means the WIM file backing the mount is no longer
	// reachable at its recorded path.
	MountNoWim
	// MountNoMountDir means the mount directory no longer exists on disk.
	MountNoMountDir
)

// WimAttributes is the container-level identity and metadata of a WIM file,
// per spec.md §3 "WIM attributes".
type WimAttributes struct {
	GUID        [16]byte
	ImageCount  uint32
	Compression CompressionType
	PartNumber  uint16
	TotalParts  uint16
	BootIndex   uint32
	Attributes  uint32
	Flags       uint32
}

// MountInfo is one entry in Adapter.MountedInfo's result, per spec.md §4.4.
type MountInfo struct {
	WimPath   string
	MountPath string
	Index     uint32
	Flags     MountInfoFlag
}

// Filter is the capture-time callback the core supplies to Capture. It
// receives a path relative to the directory being captured and returns
// whether the path should be kept in the resulting image. This is the
// simplified shape the REDESIGN FLAGS call for in place of the source's
// native message-callback ABI.
type Filter func(path string) (keep bool)

// Adapter is the capability set the core needs from a WIM container
// library: open/close, mounted-image enumeration, and unmount-by-path. Per
// image and per WIM operations are further declared on Wim and Image.
type Adapter interface {
	// Open opens or creates path with the given access, disposition, and
	// (when creating) compression.
	Open(path string, access AccessMask, disposition Disposition, compression CompressionType) (Wim, error)

	// MountedInfo enumerates all mount records the adapter currently knows
	// about, across every WIM it has opened in this process.
	MountedInfo() ([]MountInfo, error)

	// Unmount unmounts the image mounted at mountPath without requiring the
	// caller to hold an open Wim/Image handle, for the mount janitor
	// (spec.md §4.9). commit is best-effort; a stale mount with a missing
	// backing WIM cannot be committed and the implementation silently skips
	// the commit step in that case.
	Unmount(mountPath, wimPath string, index uint32, commit bool) error
}

// Wim is an open WIM container handle.
type Wim interface {
	// Close releases the handle. If the WIM was opened for write and has
	// uncommitted image additions, Close persists them.
	Close() error

	// Attributes returns the container-level identity and metadata.
	Attributes() (WimAttributes, error)

	// ImageCount returns the number of images currently in the WIM.
	ImageCount() uint32

	// LoadImage opens image handle index (1-based).
	LoadImage(index uint32) (Image, error)

	// Capture walks dir, applying filter to every relative path, and adds
	// the result as a new image. The new image's 1-based index is
	// ImageCount() after the call.
	Capture(dir string, filter Filter) (Image, error)

	// ExportImage appends a copy of src (which may belong to a different
	// Wim) as a new image in this WIM, per the merge operation's
	// image-export primitive (spec.md §4.7).
	ExportImage(src Image) error
}

// Image is an open image handle within a Wim.
type Image interface {
	// Close releases the handle without unmounting; Unmount must be called
	// first if the image is mounted.
	Close() error

	// Index returns the image's 1-based index within its Wim.
	Index() uint32

	// Mount makes the image's payload visible as a live directory tree at
	// dir.
	Mount(dir string, flag MountFlag) error

	// Commit persists changes made under the image's mount directory back
	// into the image payload and recomputed XML counts. Valid only while
	// mounted read-write.
	Commit() error

	// Unmount tears down the mount directory. Changes are only persisted
	// if Commit was called first.
	Unmount() error

	// XML returns the image's current <IMAGE>...</IMAGE> metadata document.
	XML() (string, error)

	// SetXML replaces the image's metadata document verbatim. Used by
	// PatchBuilder to splice in the embedded PatchManifest.
	SetXML(xml string) error
}
