// Package content defines where the data of a new version comes from. A
// Source yields ordered groups of ordered leaves; the engine's stager is the
// only consumer. Parsing, chunking and embedding computation happen upstream
// of a Source, not here.
package content

import (
	"context"
	"fmt"

	"github.com/hybridflow/tristore/pkg/version"
)

// Leaf is one leaf record of the content hierarchy.
type Leaf struct {
	ID        string    `json:"id" yaml:"id"`
	Ordinal   int       `json:"ordinal" yaml:"ordinal"`
	Text      string    `json:"text" yaml:"text"`
	Vector    []float32 `json:"vector" yaml:"vector"`
	CrossRefs []string  `json:"crossRefs,omitempty" yaml:"crossRefs,omitempty"`
}

// Group is a top-level content group with its leaves in sequence order.
type Group struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Ordinal int    `json:"ordinal" yaml:"ordinal"`
	Leaves  []Leaf `json:"leaves" yaml:"leaves"`
}

// Bundle is the complete content of one version.
type Bundle struct {
	Groups []Group
}

// LeafCount returns the total number of leaves across all groups.
func (b *Bundle) LeafCount() int {
	n := 0
	for _, g := range b.Groups {
		n += len(g.Leaves)
	}
	return n
}

// Validate rejects bundles the stager could never materialize consistently:
// empty identifiers, leaves outside their group's identifier subtree, or
// duplicate identifiers inside the bundle itself.
func (b *Bundle) Validate() error {
	seen := make(map[string]struct{}, b.LeafCount())
	for _, g := range b.Groups {
		if g.ID == "" {
			return fmt.Errorf("content: group %q has an empty identifier", g.Title)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("content: duplicate group identifier %q", g.ID)
		}
		seen[g.ID] = struct{}{}
		for _, l := range g.Leaves {
			if l.ID == "" {
				return fmt.Errorf("content: group %s has a leaf with an empty identifier", g.ID)
			}
			if !version.Contained(l.ID, g.ID) {
				return fmt.Errorf("content: leaf %s is not contained in group %s", l.ID, g.ID)
			}
			if _, dup := seen[l.ID]; dup {
				return fmt.Errorf("content: duplicate leaf identifier %q", l.ID)
			}
			seen[l.ID] = struct{}{}
		}
	}
	return nil
}

// Source yields the content of one version.
type Source interface {
	// Load materializes the bundle. Implementations must be safe to call
	// more than once; the stager reloads on resume.
	Load(ctx context.Context) (*Bundle, error)
}

// Static wraps an in-memory bundle as a Source. Used by tests and by callers
// that already hold the content.
func Static(groups []Group) Source {
	return staticSource{bundle: &Bundle{Groups: groups}}
}

type staticSource struct {
	bundle *Bundle
}

func (s staticSource) Load(_ context.Context) (*Bundle, error) {
	return s.bundle, nil
}
