// Package manifest resolves image references against the metadata members
// of a docker-save archive.
//
// Two manifest styles are supported: the legacy `repositories` member, a
// JSON object mapping repository name -> tag -> top layer id, and the
// newer `manifest.json` member, from which the same mapping is derived.
// Resolution turns a user-supplied reference ("name", "name:tag" or
// nothing at all) into the single top layer id the extraction starts
// from; the chain walker then follows parent pointers down to the base.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
)

// Archive member names holding image metadata.
const (
	RepositoriesMember = "repositories"
	ManifestMember     = "manifest.json"
)

// Resolution failures. Both are fatal to the caller: without a single
// top layer id there is no extraction order to trust.
var (
	ErrAmbiguousImage = errors.New("no image specified and archive contains multiple images")
	ErrImageNotFound  = errors.New("image not found in archive")
)

// RepositoryMap maps repository name -> tag -> top layer id.
type RepositoryMap map[string]map[string]string

// ParseRepositories decodes the legacy `repositories` member.
func ParseRepositories(r io.Reader) (RepositoryMap, error) {
	var m RepositoryMap
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", RepositoriesMember, err)
	}
	return m, nil
}

// ParseDockerManifest derives a RepositoryMap from the `manifest.json`
// member written by newer docker versions. Each descriptor's RepoTags
// name the image and its last layer (stripped of the /layer.tar suffix)
// is the top of the chain.
func ParseDockerManifest(r io.Reader) (RepositoryMap, error) {
	var descs tarball.Manifest
	if err := json.NewDecoder(r).Decode(&descs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ManifestMember, err)
	}

	m := make(RepositoryMap)
	for _, d := range descs {
		if len(d.Layers) == 0 {
			continue
		}
		top := strings.TrimSuffix(d.Layers[len(d.Layers)-1], "/layer.tar")
		for _, repoTag := range d.RepoTags {
			name, tag, ok := strings.Cut(repoTag, ":")
			if !ok {
				tag = "latest"
			}
			if m[name] == nil {
				m[name] = make(map[string]string)
			}
			m[name][tag] = top
		}
	}
	return m, nil
}

// Resolve maps an image reference to a top layer id.
//
// An empty reference is allowed when the archive holds exactly one
// repository. A reference without a tag picks the lexicographically
// smallest tag of that repository, so resolution is deterministic
// regardless of JSON decoding order.
func (m RepositoryMap) Resolve(ref string) (string, error) {
	if ref == "" {
		if len(m) != 1 {
			return "", ErrAmbiguousImage
		}
		for name := range m {
			ref = name
		}
	}

	name, tag, explicit := strings.Cut(ref, ":")
	tags, ok := m[name]
	if !ok || len(tags) == 0 {
		return "", fmt.Errorf("%q: %w", ref, ErrImageNotFound)
	}
	if !explicit {
		tag = smallestTag(tags)
	}

	top, ok := tags[tag]
	if !ok {
		return "", fmt.Errorf("%s:%s: %w", name, tag, ErrImageNotFound)
	}
	return top, nil
}

// Names returns the repository names in sorted order.
func (m RepositoryMap) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tags returns the tags of one repository in sorted order.
func (m RepositoryMap) Tags(name string) []string {
	tags := make([]string, 0, len(m[name]))
	for tag := range m[name] {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

func smallestTag(tags map[string]string) string {
	var smallest string
	for tag := range tags {
		if smallest == "" || tag < smallest {
			smallest = tag
		}
	}
	return smallest
}
