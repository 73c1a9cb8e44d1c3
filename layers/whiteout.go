package layers

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/undock/archive"
)

// WhiteoutError reports a deletion that failed for a reason other than
// the target already being gone.
type WhiteoutError struct {
	Path string
	Err  error
}

func (e *WhiteoutError) Error() string {
	return fmt.Sprintf("whiteout %s: %v", e.Path, e.Err)
}

func (e *WhiteoutError) Unwrap() error { return e.Err }

// ProcessWhiteouts applies the whiteout markers found in one layer's
// entries to the output tree. For every marker it removes the marker
// file itself and the sibling path the marker names. Already-absent
// targets are fine: deletion is idempotent across layers. Any other
// failure aborts, since the merged tree would no longer match the
// layer's view.
//
// Opaque-directory markers (.wh..wh..opq) are a separate mechanism this
// tool does not implement; the directory contents are kept, but the
// marker file itself is still unlinked so it does not end up in the
// merged tree.
func (u *Unpacker) ProcessWhiteouts(entries []archive.Entry, root string) error {
	for _, e := range entries {
		if !e.IsWhiteout() {
			continue
		}
		if e.IsOpaqueWhiteout() {
			u.log.WithField("path", e.Path).Warn("opaque whiteout not supported, directory contents kept")
			if marker, ok := securePath(root, e.Path); ok {
				if err := remove(marker); err != nil {
					return &WhiteoutError{Path: e.Path, Err: err}
				}
			}
			continue
		}

		marker, ok := securePath(root, e.Path)
		if !ok {
			continue
		}
		target, ok := securePath(root, e.WhiteoutTarget())
		if !ok {
			continue
		}

		u.log.WithFields(logrus.Fields{
			"marker": e.Path,
			"target": e.WhiteoutTarget(),
		}).Info("removing whiteout path")

		for _, p := range []string{marker, target} {
			if err := remove(p); err != nil {
				return &WhiteoutError{Path: e.Path, Err: err}
			}
		}
	}
	return nil
}

// remove deletes a single path, treating a missing target as already
// deleted. Anything else, permission problems and non-empty directories
// included, is a real failure.
func remove(p string) error {
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
