package archive

import (
	"archive/tar"
	"os"
	"path"
	"strings"
	"time"
)

// EntryKind classifies an archive entry by the filesystem object it creates.
type EntryKind int

const (
	KindRegular EntryKind = iota
	KindDirectory
	KindSymlink
	KindHardlink
	KindOther
)

// Whiteout marker names used by AUFS-style layer archives. A plain
// whiteout deletes one sibling path; the opaque marker hides an entire
// directory's lower-layer contents and is recognized but not applied.
const (
	WhiteoutPrefix = ".wh."
	OpaqueWhiteout = ".wh..wh..opq"
)

// Entry is one record of a layer archive. It is immutable once read;
// derive modified copies with WithMode instead of mutating in place.
type Entry struct {
	Path       string
	Kind       EntryKind
	Mode       os.FileMode
	UID        int
	GID        int
	Uname      string
	Gname      string
	ModTime    time.Time
	Size       int64
	LinkTarget string
}

// entryFromHeader converts a tar header into an Entry. The path is
// normalized to a clean, slash-separated relative path.
func entryFromHeader(hdr *tar.Header) Entry {
	e := Entry{
		Path:       cleanPath(hdr.Name),
		Mode:       hdr.FileInfo().Mode(),
		UID:        hdr.Uid,
		GID:        hdr.Gid,
		Uname:      hdr.Uname,
		Gname:      hdr.Gname,
		ModTime:    hdr.ModTime,
		Size:       hdr.Size,
		LinkTarget: hdr.Linkname,
	}

	switch hdr.Typeflag {
	case tar.TypeReg:
		e.Kind = KindRegular
	case tar.TypeDir:
		e.Kind = KindDirectory
	case tar.TypeSymlink:
		e.Kind = KindSymlink
	case tar.TypeLink:
		e.Kind = KindHardlink
	default:
		e.Kind = KindOther
	}

	return e
}

// cleanPath normalizes a tar member name to a slash path relative to the
// archive root.
func cleanPath(name string) string {
	p := path.Clean(strings.TrimPrefix(name, "/"))
	if p == "." {
		return ""
	}
	return p
}

// IsDir reports whether the entry creates a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// IsWhiteout reports whether the entry's final path segment carries the
// whiteout prefix. Opaque markers count as whiteouts too; callers that
// need to tell them apart use IsOpaqueWhiteout.
func (e Entry) IsWhiteout() bool {
	return strings.HasPrefix(path.Base(e.Path), WhiteoutPrefix)
}

// IsOpaqueWhiteout reports whether the entry is an opaque-directory
// marker.
func (e Entry) IsOpaqueWhiteout() bool {
	return path.Base(e.Path) == OpaqueWhiteout
}

// WhiteoutTarget returns the path that a whiteout entry deletes: the
// marker's directory joined with the final segment stripped of the
// whiteout prefix. Result is undefined for non-whiteout entries.
func (e Entry) WhiteoutTarget() string {
	base := path.Base(e.Path)
	return path.Join(path.Dir(e.Path), strings.TrimPrefix(base, WhiteoutPrefix))
}

// WithMode returns a copy of the entry with a different mode. The
// receiver is left untouched.
func (e Entry) WithMode(mode os.FileMode) Entry {
	e.Mode = mode
	return e
}
