// Package engine sequences a full image extraction: resolve the image
// reference, walk the layer chain, then lay each layer onto the output
// tree base-to-top, running that layer's whiteouts before moving on.
//
// The per-layer ordering is the correctness core. A layer's whiteout can
// only ever delete what lower layers placed, and a higher layer's files
// win over a lower layer's same-path files simply because extraction
// overwrites. Layers are processed strictly one after another; there is
// no parallelism and no rollback, so an aborted run leaves a partially
// merged tree.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/bibin-skaria/undock/archive"
	"github.com/bibin-skaria/undock/layers"
	"github.com/bibin-skaria/undock/manifest"
)

// Options configures one extraction run.
type Options struct {
	// Image is the reference to extract ("name", "name:tag" or empty
	// when the archive holds a single repository).
	Image string
	// Output is the directory the merged tree is written to. Created
	// if absent.
	Output string
	// Layers, when non-empty, restricts extraction to the listed layer
	// ids. Skipped layers contribute neither files nor whiteouts.
	Layers []string
	// NoWhiteouts leaves whiteout markers on disk instead of applying
	// them.
	NoWhiteouts bool
	// NumericOwner and Strict are passed through to the unpacker.
	NumericOwner bool
	Strict       bool
}

// Extractor composes archive access, manifest resolution, the chain walk
// and per-layer union extraction over one opened image archive.
type Extractor struct {
	img  *archive.Image
	opts Options
	log  *logrus.Logger
}

// New returns an Extractor over an opened archive.
func New(img *archive.Image, opts Options, log *logrus.Logger) *Extractor {
	if log == nil {
		log = logrus.New()
	}
	if opts.Output == "" {
		opts.Output = "."
	}
	return &Extractor{img: img, opts: opts, log: log}
}

// Repositories loads the archive's repository map, falling back to the
// manifest.json member when the legacy repositories member is absent.
func (e *Extractor) Repositories() (manifest.RepositoryMap, error) {
	if r, err := e.img.Member(manifest.RepositoriesMember); err == nil {
		return manifest.ParseRepositories(r)
	} else if !errors.Is(err, archive.ErrMemberMissing) {
		return nil, err
	}
	r, err := e.img.Member(manifest.ManifestMember)
	if err != nil {
		return nil, fmt.Errorf("archive has neither %s nor %s: %w",
			manifest.RepositoriesMember, manifest.ManifestMember, err)
	}
	return manifest.ParseDockerManifest(r)
}

// Chain resolves the configured image reference and returns its layer
// chain in extraction (base-to-top) order.
func (e *Extractor) Chain() ([]string, error) {
	repos, err := e.Repositories()
	if err != nil {
		return nil, err
	}
	top, err := repos.Resolve(e.opts.Image)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{"image": e.opts.Image, "top": top}).Info("resolved image")

	chain, err := manifest.BuildChain(top, e.layerMeta, e.log)
	if err != nil {
		return nil, err
	}
	return manifest.Reversed(chain), nil
}

// Run performs the full extraction.
func (e *Extractor) Run() error {
	chain, err := e.Chain()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(e.opts.Output, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	unpacker := layers.NewUnpacker(layers.Options{
		NumericOwner: e.opts.NumericOwner,
		Strict:       e.opts.Strict,
	}, e.log)

	for _, id := range chain {
		if !e.selected(id) {
			e.log.WithField("layer", id).Debug("layer not selected, skipped")
			continue
		}
		e.log.WithField("layer", id).Info("extracting layer")

		src, err := e.img.Layer(id)
		if err != nil {
			return err
		}
		entries, err := unpacker.Extract(src, e.opts.Output)
		if cerr := src.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract layer %s: %w", id, err)
		}
		if e.opts.NoWhiteouts {
			continue
		}
		if err := unpacker.ProcessWhiteouts(entries, e.opts.Output); err != nil {
			return fmt.Errorf("layer %s: %w", id, err)
		}
	}
	return nil
}

// layerMeta reads the metadata document stored at <id>/json.
func (e *Extractor) layerMeta(id string) (manifest.LayerMeta, error) {
	r, err := e.img.Member(id + "/json")
	if err != nil {
		return manifest.LayerMeta{}, err
	}
	var meta manifest.LayerMeta
	if err := json.NewDecoder(r).Decode(&meta); err != nil {
		return manifest.LayerMeta{}, fmt.Errorf("decode metadata: %w", err)
	}
	return meta, nil
}

// selected reports whether a layer survives the allow-list filter.
func (e *Extractor) selected(id string) bool {
	if len(e.opts.Layers) == 0 {
		return true
	}
	for _, want := range e.opts.Layers {
		if want == id {
			return true
		}
	}
	return false
}
