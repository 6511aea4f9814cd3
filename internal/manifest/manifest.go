// Package manifest implements the in-memory model and XML (de)serialization
// of a patch image's PatchManifest, grounded on
// original_source/src/manifest.rs.
package manifest

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch"
)

// Action identifies what an Operation does to a path.
type Action string

const (
	ActionAdd    Action = "Add"
	ActionDelete Action = "Delete"
	ActionModify Action = "Modify"
)

// ImageInfo mirrors the subset of a WIM image's own XML metadata the
// container library synthesizes, reused verbatim (same element names) per
// spec.md §4.3.
type ImageInfo struct {
	Index               uint32  `xml:"INDEX,attr"`
	Name                *string `xml:"NAME,omitempty"`
	DisplayName         *string `xml:"DISPLAYNAME,omitempty"`
	Description         *string `xml:"DESCRIPTION,omitempty"`
	DisplayDescription  *string `xml:"DISPLAYDESCRIPTION,omitempty"`
	Flags               *string `xml:"FLAGS,omitempty"`
	DirCount            uint64  `xml:"DIRCOUNT"`
	FileCount           uint64  `xml:"FILECOUNT"`
	HardLinkBytes       uint64  `xml:"HARDLINKBYTES"`
	TotalBytes          uint64  `xml:"TOTALBYTES"`
}

// Equal reports whether two descriptors are equal per spec.md §3: all
// counted fields pairwise equal. Names are descriptive, not identifying,
// and are deliberately excluded — unlike the original tool's derived
// PartialEq, which compared every field including the optional names.
func (i ImageInfo) Equal(other ImageInfo) bool {
	return i.Index == other.Index &&
		i.DirCount == other.DirCount &&
		i.FileCount == other.FileCount &&
		i.HardLinkBytes == other.HardLinkBytes &&
		i.TotalBytes == other.TotalBytes
}

// Clone returns a deep copy, safe to embed in a manifest without aliasing
// the source's optional string pointers.
func (i ImageInfo) Clone() ImageInfo {
	clone := i
	clone.Name = clonePtr(i.Name)
	clone.DisplayName = clonePtr(i.DisplayName)
	clone.Description = clonePtr(i.Description)
	clone.DisplayDescription = clonePtr(i.DisplayDescription)
	clone.Flags = clonePtr(i.Flags)
	return clone
}

func clonePtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ParseImageInfo parses a standalone image-info XML fragment, as returned
// by the container adapter's GetImageInfo for a loaded image handle.
func ParseImageInfo(data string) (ImageInfo, error) {
	var info ImageInfo
	if err := xml.Unmarshal([]byte(data), &info); err != nil {
		return ImageInfo{}, xerrors.Errorf("manifest: parsing image info: %w", err)
	}
	return info, nil
}

// Operation is one entry in a manifest's operation list (spec.md §3).
type Operation struct {
	Action  Action  `xml:"action,attr"`
	Path    string  `xml:"Path"`
	Size    *uint64 `xml:"Size,omitempty"`
	Storage *string `xml:"Storage,omitempty"`
}

type operationList struct {
	Operations []Operation `xml:"Operation"`
}

// PatchManifest is the document embedded in each patch image's XML,
// enumerating the operations required to move the base image to the target
// image, per spec.md §3 and §6.
type PatchManifest struct {
	XMLName xml.Name `xml:"PatchManifest"`

	ID           string `xml:"ID"`
	Name         string `xml:"Name"`
	PatchVersion string `xml:"PatchVersion"`
	Timestamp    string `xml:"Timestamp"`
	ToolVersion  string `xml:"ToolVersion"`
	Author       string `xml:"Author"`
	Description  string `xml:"Description"`

	BaseImageGuid   string    `xml:"BaseImageGuid"`
	BaseImageInfo   ImageInfo `xml:"BaseImageInfo"`
	TargetImageGuid string    `xml:"TargetImageGuid"`
	TargetImageInfo ImageInfo `xml:"TargetImageInfo"`

	// OpList holds the ordered operations. Exported so encoding/xml can see
	// it; callers should go through AddAdd/AddDelete/AddModify/Operations
	// rather than mutating it directly, to preserve insertion order.
	OpList operationList `xml:"operations"`
}

// New creates a manifest with a fresh UUIDv4 id, an RFC-3339 UTC timestamp,
// and the embedded build's tool version, per spec.md §4.3.
func New(name, description, author, version string) *PatchManifest {
	return &PatchManifest{
		ID:           uuid.NewString(),
		Name:         name,
		PatchVersion: version,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		ToolVersion:  wimpatch.ToolVersion,
		Author:       author,
		Description:  description,
	}
}

// Operations returns the ordered operation list.
func (m *PatchManifest) Operations() []Operation {
	return m.OpList.Operations
}

// AddAdd appends an Add operation, preserving insertion order.
func (m *PatchManifest) AddAdd(path string, size uint64) {
	m.OpList.Operations = append(m.OpList.Operations, Operation{
		Action: ActionAdd,
		Path:   path,
		Size:   &size,
	})
}

// AddDelete appends a Delete operation.
func (m *PatchManifest) AddDelete(path string) {
	m.OpList.Operations = append(m.OpList.Operations, Operation{
		Action: ActionDelete,
		Path:   path,
	})
}

// AddModify appends a Modify operation with the given storage.
func (m *PatchManifest) AddModify(path string, size uint64, storage string) {
	m.OpList.Operations = append(m.OpList.Operations, Operation{
		Action:  ActionModify,
		Path:    path,
		Size:    &size,
		Storage: &storage,
	})
}

// Counts returns the number of Add, Modify, and Delete operations, for
// info rendering (spec.md §4.8).
func (m *PatchManifest) Counts() (adds, modifies, deletes int) {
	for _, op := range m.OpList.Operations {
		switch op.Action {
		case ActionAdd:
			adds++
		case ActionModify:
			modifies++
		case ActionDelete:
			deletes++
		}
	}
	return
}

// ToXML serializes the manifest, round-trip stable with FromXML per
// spec.md §4.3.
func (m *PatchManifest) ToXML() (string, error) {
	m.XMLName = xml.Name{Local: "PatchManifest"}
	out, err := xml.Marshal(m)
	if err != nil {
		return "", xerrors.Errorf("manifest: serializing: %w", err)
	}
	return string(out), nil
}

// FromXML parses a <PatchManifest>...</PatchManifest> document.
func FromXML(data string) (*PatchManifest, error) {
	var m PatchManifest
	if err := xml.Unmarshal([]byte(data), &m); err != nil {
		return nil, xerrors.Errorf("manifest: parsing: %w", err)
	}
	return &m, nil
}

// ErrManifestNotFound is returned by ExtractFromImageXML when the image XML
// carries no <PatchManifest> element.
var ErrManifestNotFound = errors.New("manifest: no <PatchManifest> element found")

// ExtractFromImageXML locates and parses the <PatchManifest>...</PatchManifest>
// substring within a full <IMAGE> XML document, grounded on
// original_source/src/patch.rs's parse_patch_info.
func ExtractFromImageXML(imageXML string) (*PatchManifest, error) {
	start := strings.Index(imageXML, "<PatchManifest>")
	if start < 0 {
		return nil, ErrManifestNotFound
	}
	end := strings.Index(imageXML, "</PatchManifest>")
	if end < 0 {
		return nil, ErrManifestNotFound
	}
	end += len("</PatchManifest>")
	manifestXML := imageXML[start:end]
	m, err := FromXML(manifestXML)
	if err != nil {
		return nil, xerrors.Errorf("manifest: %w", err)
	}
	return m, nil
}

// ReplaceXMLField replaces the contents of <fieldName>...</fieldName>
// within xmlDoc, grounded on original_source/src/utils.rs's
// replace_xml_field. If the field isn't present, xmlDoc is returned
// unchanged.
func ReplaceXMLField(xmlDoc, fieldName, value string) string {
	startTag := "<" + fieldName + ">"
	endTag := "</" + fieldName + ">"

	startPos := strings.Index(xmlDoc, startTag)
	if startPos < 0 {
		return xmlDoc
	}
	contentStart := startPos + len(startTag)
	endPos := strings.Index(xmlDoc[contentStart:], endTag)
	if endPos < 0 {
		return xmlDoc
	}
	contentEnd := contentStart + endPos

	var b strings.Builder
	b.Grow(len(xmlDoc) + len(value))
	b.WriteString(xmlDoc[:contentStart])
	b.WriteString(value)
	b.WriteString(xmlDoc[contentEnd:])
	return b.String()
}

// SpliceIntoImage inserts the manifest's NAME/DESCRIPTION/DISPLAYNAME/
// DISPLAYDESCRIPTION/FLAGS fields and the serialized PatchManifest
// immediately before </IMAGE>, per spec.md §3 invariant 6 and §4.5 step 5.
func (m *PatchManifest) SpliceIntoImage(imageXML string) (string, error) {
	pos := strings.LastIndex(imageXML, "</IMAGE>")
	if pos < 0 {
		return "", xerrors.Errorf("manifest: <IMAGE> tag not found")
	}
	manifestXML, err := m.ToXML()
	if err != nil {
		return "", err
	}
	prefix := imageXML[:pos]
	suffix := imageXML[pos:]
	var b strings.Builder
	b.WriteString(prefix)
	fmt.Fprintf(&b, "<NAME>%s</NAME>", xmlEscape(m.Name))
	fmt.Fprintf(&b, "<DESCRIPTION>%s</DESCRIPTION>", xmlEscape(m.Description))
	fmt.Fprintf(&b, "<DISPLAYNAME>%s</DISPLAYNAME>", xmlEscape(m.Name))
	fmt.Fprintf(&b, "<DISPLAYDESCRIPTION>%s</DISPLAYDESCRIPTION>", xmlEscape(m.Description))
	b.WriteString("<FLAGS></FLAGS>")
	b.WriteString(manifestXML)
	b.WriteString(suffix)
	return b.String(), nil
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
