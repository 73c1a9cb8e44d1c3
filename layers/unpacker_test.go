package layers

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/undock/archive"
)

type sourceItem struct {
	entry archive.Entry
	body  string
}

// sliceSource feeds prepared entries to the unpacker the way a layer tar
// would.
type sliceSource struct {
	items []sourceItem
	pos   int
}

func (s *sliceSource) Next() (archive.Entry, io.Reader, error) {
	if s.pos >= len(s.items) {
		return archive.Entry{}, nil, io.EOF
	}
	it := s.items[s.pos]
	s.pos++
	return it.entry, strings.NewReader(it.body), nil
}

func fileEntry(path, body string, perm os.FileMode) sourceItem {
	return sourceItem{
		entry: archive.Entry{
			Path:    path,
			Kind:    archive.KindRegular,
			Mode:    perm,
			UID:     os.Getuid(),
			GID:     os.Getgid(),
			ModTime: time.Unix(1500000000, 0),
			Size:    int64(len(body)),
		},
		body: body,
	}
}

func dirEntry(path string, perm os.FileMode, mtime time.Time) sourceItem {
	return sourceItem{
		entry: archive.Entry{
			Path:    path,
			Kind:    archive.KindDirectory,
			Mode:    os.ModeDir | perm,
			UID:     os.Getuid(),
			GID:     os.Getgid(),
			ModTime: mtime,
		},
	}
}

func newTestUnpacker(t *testing.T) *Unpacker {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewUnpacker(Options{NumericOwner: true}, log)
}

func extract(t *testing.T, u *Unpacker, root string, items ...sourceItem) []archive.Entry {
	t.Helper()
	entries, err := u.Extract(&sliceSource{items: items}, root)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	return entries
}

func TestExtractRegularFile(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	extract(t, u, root, fileEntry("etc/motd", "welcome", 0o640))

	target := filepath.Join(root, "etc", "motd")
	body, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read extracted file: %v", err)
	}
	if string(body) != "welcome" {
		t.Errorf("content = %q, want %q", body, "welcome")
	}

	fi, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o640 {
		t.Errorf("mode = %o, want 640", fi.Mode().Perm())
	}
	if !fi.ModTime().Equal(time.Unix(1500000000, 0)) {
		t.Errorf("mtime = %v", fi.ModTime())
	}
}

func TestDirectoryModeKeepsOwnerWrite(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	// Recorded without owner-write; the finalize pass must force it back
	// in so higher layers can still extract into the directory.
	extract(t, u, root, dirEntry("opt", 0o555, time.Unix(1400000000, 0)))

	fi, err := os.Stat(filepath.Join(root, "opt"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o755 {
		t.Errorf("mode = %o, want 755", fi.Mode().Perm())
	}
}

func TestDeferredDirectoryAttributes(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	parentTime := time.Unix(1400000000, 0)
	childTime := time.Unix(1400001000, 0)

	// Children are written after the parent directory, which disturbs
	// the parent's mtime; the deferred pass restores the recorded one.
	extract(t, u, root,
		dirEntry("a", 0o755, parentTime),
		dirEntry("a/b", 0o750, childTime),
		fileEntry("a/b/f", "x", 0o600),
	)

	fiParent, err := os.Stat(filepath.Join(root, "a"))
	if err != nil {
		t.Fatal(err)
	}
	if !fiParent.ModTime().Equal(parentTime) {
		t.Errorf("parent mtime = %v, want %v", fiParent.ModTime(), parentTime)
	}

	fiChild, err := os.Stat(filepath.Join(root, "a", "b"))
	if err != nil {
		t.Fatal(err)
	}
	if !fiChild.ModTime().Equal(childTime) {
		t.Errorf("child mtime = %v, want %v", fiChild.ModTime(), childTime)
	}
	if fiChild.Mode().Perm() != 0o750 {
		t.Errorf("child mode = %o, want 750", fiChild.Mode().Perm())
	}
}

func TestLaterLayerOverwritesEarlier(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	extract(t, u, root, fileEntry("config", "from base", 0o644))
	extract(t, u, root, fileEntry("config", "from overlay", 0o600))

	body, err := os.ReadFile(filepath.Join(root, "config"))
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "from overlay" {
		t.Errorf("content = %q, want overlay's", body)
	}
	fi, _ := os.Stat(filepath.Join(root, "config"))
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want overlay's 600", fi.Mode().Perm())
	}
}

func TestLaterLayerWritesIntoRestrictedDirectory(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	extract(t, u, root, dirEntry("etc", 0o555, time.Unix(1400000000, 0)))
	extract(t, u, root, fileEntry("etc/app.conf", "cfg", 0o644))

	if _, err := os.Stat(filepath.Join(root, "etc", "app.conf")); err != nil {
		t.Errorf("file in restricted directory not extracted: %v", err)
	}
}

func TestExtractSymlink(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	extract(t, u, root,
		fileEntry("bin/sh", "#!", 0o755),
		sourceItem{entry: archive.Entry{
			Path:       "bin/bash",
			Kind:       archive.KindSymlink,
			LinkTarget: "sh",
			UID:        os.Getuid(),
			GID:        os.Getgid(),
		}},
	)

	got, err := os.Readlink(filepath.Join(root, "bin", "bash"))
	if err != nil {
		t.Fatalf("readlink: %v", err)
	}
	if got != "sh" {
		t.Errorf("link target = %q, want sh", got)
	}
}

func TestExtractHardlink(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	extract(t, u, root,
		fileEntry("data", "shared", 0o644),
		sourceItem{entry: archive.Entry{
			Path:       "alias",
			Kind:       archive.KindHardlink,
			LinkTarget: "data",
			Mode:       0o644,
			UID:        os.Getuid(),
			GID:        os.Getgid(),
			ModTime:    time.Unix(1500000000, 0),
		}},
	)

	body, err := os.ReadFile(filepath.Join(root, "alias"))
	if err != nil {
		t.Fatalf("read hardlink: %v", err)
	}
	if string(body) != "shared" {
		t.Errorf("content = %q", body)
	}
}

func TestHardlinkAppliesRecordedAttributes(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	linkTime := time.Unix(1500000500, 0)
	extract(t, u, root,
		fileEntry("data", "shared", 0o644),
		sourceItem{entry: archive.Entry{
			Path:       "alias",
			Kind:       archive.KindHardlink,
			LinkTarget: "data",
			Mode:       0o600,
			UID:        os.Getuid(),
			GID:        os.Getgid(),
			ModTime:    linkTime,
		}},
	)

	// Both names share an inode, so the link's recorded attributes win.
	fi, err := os.Stat(filepath.Join(root, "alias"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o600 {
		t.Errorf("mode = %o, want 600", fi.Mode().Perm())
	}
	if !fi.ModTime().Equal(linkTime) {
		t.Errorf("mtime = %v, want %v", fi.ModTime(), linkTime)
	}
}

func TestAttributeFailurePolicy(t *testing.T) {
	// A deferred directory replaced by a dangling symlink in the same
	// layer makes the finalize chown fail without requiring root: the
	// chown follows the link to a path that does not exist.
	layer := func() []sourceItem {
		return []sourceItem{
			dirEntry("app", 0o755, time.Unix(1400000000, 0)),
			{entry: archive.Entry{
				Path:       "app",
				Kind:       archive.KindSymlink,
				LinkTarget: "missing",
				UID:        os.Getuid(),
				GID:        os.Getgid(),
			}},
		}
	}

	t.Run("relaxed logs and continues", func(t *testing.T) {
		root := t.TempDir()
		u := newTestUnpacker(t)
		if _, err := u.Extract(&sliceSource{items: layer()}, root); err != nil {
			t.Fatalf("Extract failed: %v", err)
		}
	})

	t.Run("strict propagates", func(t *testing.T) {
		root := t.TempDir()
		log := logrus.New()
		log.SetOutput(io.Discard)
		u := NewUnpacker(Options{NumericOwner: true, Strict: true}, log)
		_, err := u.Extract(&sliceSource{items: layer()}, root)
		if err == nil {
			t.Fatal("expected an attribute error in strict mode")
		}
		var aerr *AttributeError
		if !errors.As(err, &aerr) {
			t.Errorf("err = %T, want *AttributeError", err)
		}
	})
}

func TestEscapingEntrySkipped(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "out")
	if err := os.Mkdir(root, 0o755); err != nil {
		t.Fatal(err)
	}
	u := newTestUnpacker(t)

	extract(t, u, root, fileEntry("../evil", "nope", 0o644))

	if _, err := os.Lstat(filepath.Join(base, "evil")); !os.IsNotExist(err) {
		t.Error("entry escaped the output root")
	}
}

func TestWhiteoutMarkerMaterializedAsEmptyFile(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	// Markers encoded as hardlinks point at paths that do not exist on
	// disk; they must still land as plain empty files.
	extract(t, u, root, sourceItem{entry: archive.Entry{
		Path:       ".wh.config",
		Kind:       archive.KindHardlink,
		LinkTarget: ".wh..wh.plnk/42",
	}})

	fi, err := os.Lstat(filepath.Join(root, ".wh.config"))
	if err != nil {
		t.Fatalf("marker not materialized: %v", err)
	}
	if !fi.Mode().IsRegular() || fi.Size() != 0 {
		t.Errorf("marker is not an empty regular file: %v, size %d", fi.Mode(), fi.Size())
	}
}

func TestDirectoryReplacesFile(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	extract(t, u, root, fileEntry("data", "file", 0o644))
	extract(t, u, root, dirEntry("data", 0o755, time.Unix(1400000000, 0)))

	fi, err := os.Stat(filepath.Join(root, "data"))
	if err != nil {
		t.Fatal(err)
	}
	if !fi.IsDir() {
		t.Error("path should have been replaced by a directory")
	}
}

func TestUnsupportedKindSkipped(t *testing.T) {
	root := t.TempDir()
	u := newTestUnpacker(t)

	entries := extract(t, u, root, sourceItem{entry: archive.Entry{
		Path: "dev/null",
		Kind: archive.KindOther,
	}})

	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
	if _, err := os.Lstat(filepath.Join(root, "dev", "null")); !os.IsNotExist(err) {
		t.Error("unsupported entry should not be created")
	}
}
