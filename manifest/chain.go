package manifest

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Chain walk failures. Either means the extraction order cannot be
// trusted, so callers abort the whole run.
var (
	ErrLayerMetadataMissing = errors.New("layer metadata missing")
	ErrCyclicLayerChain     = errors.New("cyclic layer chain")
)

// LayerMeta is the per-layer metadata document stored at <id>/json.
// Only Parent drives anything; the rest is diagnostics.
type LayerMeta struct {
	ID           string `json:"id"`
	Parent       string `json:"parent,omitempty"`
	OS           string `json:"os,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Author       string `json:"author,omitempty"`
	Created      string `json:"created,omitempty"`
}

// MetaFunc looks up the metadata document for one layer id.
type MetaFunc func(id string) (LayerMeta, error)

// BuildChain follows parent pointers from the top layer down to the base
// and returns the ids in top-to-base order. Callers wanting extraction
// order reverse it. The walk is iterative with a visited set: each id is
// looked up exactly once, and a parent pointer leading back to an
// already-visited id fails with ErrCyclicLayerChain instead of looping.
func BuildChain(top string, lookup MetaFunc, log *logrus.Logger) ([]string, error) {
	if log == nil {
		log = logrus.New()
	}

	var chain []string
	visited := make(map[string]bool)

	for id := top; id != ""; {
		if visited[id] {
			return nil, fmt.Errorf("layer %s already in chain: %w", id, ErrCyclicLayerChain)
		}
		visited[id] = true

		meta, err := lookup(id)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w: %v", id, ErrLayerMetadataMissing, err)
		}
		log.WithFields(logrus.Fields{
			"layer":        id,
			"os":           meta.OS,
			"architecture": meta.Architecture,
			"author":       meta.Author,
			"created":      meta.Created,
		}).Debug("resolved layer")

		chain = append(chain, id)
		id = meta.Parent
	}

	return chain, nil
}

// Reversed returns a copy of a chain in the opposite order. Applied to a
// top-to-base chain this yields the base-to-top extraction order.
func Reversed(chain []string) []string {
	out := make([]string, len(chain))
	for i, id := range chain {
		out[len(chain)-1-i] = id
	}
	return out
}
