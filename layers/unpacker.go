// Package layers materializes image layers onto a shared output tree the
// way a union filesystem would: layers are written base-to-top, later
// layers overwrite earlier ones, and whiteout markers delete paths that
// lower layers provided.
//
// Directories get special treatment. They are created immediately with a
// permissive scratch mode so that every later entry, from this layer or
// a higher one, can always write into them, and their recorded owner,
// timestamp and mode are applied in a second pass once the whole layer
// is on disk, deepest path first. Without the deferral a restrictive
// directory mode recorded in one layer would silently block a higher
// layer from adding files to the same directory.
package layers

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/undock/archive"
)

// scratchDirMode is the mode directories are created with during the
// immediate pass: owner rwx, nothing else. The recorded mode lands in
// the finalize pass.
const scratchDirMode = 0o700

// Source yields one layer's entries in archive order. The content reader
// is only valid until the following Next call; io.EOF ends the layer.
type Source interface {
	Next() (archive.Entry, io.Reader, error)
}

// Options configures an Unpacker.
type Options struct {
	// NumericOwner applies ownership by uid/gid only, ignoring the
	// user and group names recorded in the archive.
	NumericOwner bool
	// Strict turns attribute-application failures (owner, timestamp,
	// mode) into hard errors. By default they are logged and skipped;
	// content-write and link-creation failures are fatal either way.
	Strict bool
}

// AttributeError reports a failed owner/timestamp/mode application.
type AttributeError struct {
	Path string
	Op   string
	Err  error
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("apply %s on %s: %v", e.Op, e.Path, e.Err)
}

func (e *AttributeError) Unwrap() error { return e.Err }

// Unpacker extracts layer entries onto an output tree.
type Unpacker struct {
	opts Options
	log  *logrus.Logger
}

// NewUnpacker returns an Unpacker writing diagnostics to log.
func NewUnpacker(opts Options, log *logrus.Logger) *Unpacker {
	if log == nil {
		log = logrus.New()
	}
	return &Unpacker{opts: opts, log: log}
}

// Extract writes one layer onto root and returns the entries it saw, in
// archive order, for the whiteout pass that follows.
//
// Directories are created immediately with scratchDirMode and queued;
// everything else is extracted fully, attributes included, as it is
// read. Once the layer is consumed the queued directories are finalized
// in descending path order so children settle before their parents.
func (u *Unpacker) Extract(src Source, root string) ([]archive.Entry, error) {
	var entries []archive.Entry
	var deferred []archive.Entry

	for {
		e, r, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return entries, fmt.Errorf("read layer entry: %w", err)
		}
		entries = append(entries, e)

		target, ok := securePath(root, e.Path)
		if !ok {
			u.log.WithField("path", e.Path).Warn("entry escapes output root, skipped")
			continue
		}

		if e.IsDir() {
			deferred = append(deferred, e)
			if err := u.makeDir(e.WithMode(scratchDirMode), target); err != nil {
				return entries, err
			}
			continue
		}

		if err := u.extractEntry(e, r, root, target); err != nil {
			return entries, err
		}
	}

	// Children before parents: applying a parent's attributes last keeps
	// its mtime undisturbed and its restrictive mode out of the way.
	sort.Slice(deferred, func(i, j int) bool {
		return deferred[i].Path > deferred[j].Path
	})
	for _, e := range deferred {
		target, ok := securePath(root, e.Path)
		if !ok {
			continue
		}
		if err := u.finalizeDir(e, target); err != nil {
			if u.opts.Strict {
				return entries, err
			}
			u.log.WithError(err).WithField("path", e.Path).Warn("directory attributes not applied")
		}
	}

	return entries, nil
}

// makeDir creates a directory with the scratch mode. A regular file left
// at the same path by a lower layer is replaced.
func (u *Unpacker) makeDir(e archive.Entry, target string) error {
	if fi, err := os.Lstat(target); err == nil && !fi.IsDir() {
		if err := os.Remove(target); err != nil {
			return fmt.Errorf("replace %s with directory: %w", e.Path, err)
		}
	}
	if err := os.MkdirAll(target, e.Mode.Perm()); err != nil {
		return fmt.Errorf("mkdir %s: %w", e.Path, err)
	}
	return nil
}

// extractEntry writes a non-directory entry and applies its attributes
// in one step. Creation failures always propagate; attribute failures
// follow the strictness policy.
func (u *Unpacker) extractEntry(e archive.Entry, r io.Reader, root, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("mkdir parents of %s: %w", e.Path, err)
	}

	switch {
	case e.IsWhiteout():
		// Markers are sometimes encoded as hardlinks to paths that do
		// not exist on disk; materialize them as empty files so the
		// whiteout pass has something to unlink.
		if err := writeFile(target, nil, 0o600); err != nil {
			return fmt.Errorf("write whiteout marker %s: %w", e.Path, err)
		}
		return nil

	case e.Kind == archive.KindRegular:
		if err := writeFile(target, r, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", e.Path, err)
		}

	case e.Kind == archive.KindSymlink:
		os.Remove(target)
		if err := os.Symlink(e.LinkTarget, target); err != nil {
			return fmt.Errorf("symlink %s -> %s: %w", e.Path, e.LinkTarget, err)
		}
		// Symlinks carry no mode or times of their own; set ownership
		// on the link itself and stop there.
		if err := u.lchown(e, target); err != nil {
			return u.attrFailure(err)
		}
		return nil

	case e.Kind == archive.KindHardlink:
		linkTarget, ok := securePath(root, e.LinkTarget)
		if !ok {
			return fmt.Errorf("hardlink %s: target %s escapes output root", e.Path, e.LinkTarget)
		}
		os.Remove(target)
		if err := os.Link(linkTarget, target); err != nil {
			return fmt.Errorf("hardlink %s -> %s: %w", e.Path, e.LinkTarget, err)
		}

	default:
		// Character/block devices and fifos need privileges this tool
		// does not assume.
		u.log.WithField("path", e.Path).Debug("unsupported entry kind, skipped")
		return nil
	}

	if err := u.applyAttrs(e, target); err != nil {
		return u.attrFailure(err)
	}
	return nil
}

// finalizeDir applies the deferred owner, timestamp and mode of a
// directory. The final mode is forced to keep the owner-write bit so a
// higher layer extracting into this directory is never blocked.
func (u *Unpacker) finalizeDir(e archive.Entry, target string) error {
	if err := u.chown(e, target); err != nil {
		return &AttributeError{Path: e.Path, Op: "owner", Err: err}
	}
	if err := os.Chtimes(target, e.ModTime, e.ModTime); err != nil {
		return &AttributeError{Path: e.Path, Op: "mtime", Err: err}
	}
	mode := e.Mode.Perm()
	if e.Mode.IsDir() {
		mode |= 0o200
	}
	if err := os.Chmod(target, mode); err != nil {
		return &AttributeError{Path: e.Path, Op: "mode", Err: err}
	}
	return nil
}

// applyAttrs sets owner, mtime and mode on a freshly written file.
func (u *Unpacker) applyAttrs(e archive.Entry, target string) error {
	if err := u.chown(e, target); err != nil {
		return &AttributeError{Path: e.Path, Op: "owner", Err: err}
	}
	if err := os.Chtimes(target, e.ModTime, e.ModTime); err != nil {
		return &AttributeError{Path: e.Path, Op: "mtime", Err: err}
	}
	if err := os.Chmod(target, e.Mode.Perm()); err != nil {
		return &AttributeError{Path: e.Path, Op: "mode", Err: err}
	}
	return nil
}

func (u *Unpacker) attrFailure(err error) error {
	if u.opts.Strict {
		return err
	}
	u.log.WithError(err).Warn("attributes not applied")
	return nil
}

// chown resolves the entry's owner and applies it. Name resolution is
// preferred unless NumericOwner is set; unresolvable names fall back to
// the recorded ids.
func (u *Unpacker) chown(e archive.Entry, target string) error {
	uid, gid := u.resolveOwner(e)
	return os.Chown(target, uid, gid)
}

func (u *Unpacker) lchown(e archive.Entry, target string) error {
	uid, gid := u.resolveOwner(e)
	return os.Lchown(target, uid, gid)
}

func (u *Unpacker) resolveOwner(e archive.Entry) (int, int) {
	uid, gid := e.UID, e.GID
	if u.opts.NumericOwner {
		return uid, gid
	}
	if e.Uname != "" {
		if usr, err := user.Lookup(e.Uname); err == nil {
			if n, err := strconv.Atoi(usr.Uid); err == nil {
				uid = n
			}
		}
	}
	if e.Gname != "" {
		if grp, err := user.LookupGroup(e.Gname); err == nil {
			if n, err := strconv.Atoi(grp.Gid); err == nil {
				gid = n
			}
		}
	}
	return uid, gid
}

func writeFile(target string, content io.Reader, mode os.FileMode) error {
	// A lower layer may have left a symlink or read-only file here;
	// unlink first so the create cannot be redirected or refused.
	os.Remove(target)
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if content != nil {
		if _, err := io.Copy(f, content); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// securePath joins a slash path onto root, rejecting anything that would
// resolve outside of it.
func securePath(rootDir, p string) (string, bool) {
	clean := filepath.Clean(filepath.FromSlash(p))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", false
	}
	return filepath.Join(rootDir, clean), true
}
