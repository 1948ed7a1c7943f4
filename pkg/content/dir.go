package content

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// manifest is the top-level content layout file. Each group entry names a
// file, relative to the manifest directory, holding that group's leaves.
type manifest struct {
	Groups []manifestGroup `json:"groups" yaml:"groups"`
}

type manifestGroup struct {
	ID      string `json:"id" yaml:"id"`
	Title   string `json:"title" yaml:"title"`
	Ordinal int    `json:"ordinal" yaml:"ordinal"`
	File    string `json:"file" yaml:"file"`
}

// DirSource reads a content bundle from a directory containing a
// manifest.yaml (or manifest.json) plus one leaves file per group.
type DirSource struct {
	dir string
}

// NewDirSource creates a DirSource rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Load implements Source.
func (s *DirSource) Load(ctx context.Context) (*Bundle, error) {
	m, err := s.readManifest()
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{Groups: make([]Group, 0, len(m.Groups))}
	for _, mg := range m.Groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		leaves, err := s.readLeaves(mg.File)
		if err != nil {
			return nil, fmt.Errorf("content: group %s: %w", mg.ID, err)
		}
		bundle.Groups = append(bundle.Groups, Group{
			ID:      mg.ID,
			Title:   mg.Title,
			Ordinal: mg.Ordinal,
			Leaves:  leaves,
		})
	}

	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (s *DirSource) readManifest() (*manifest, error) {
	for _, name := range []string{"manifest.yaml", "manifest.yml", "manifest.json"} {
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("content: read manifest: %w", err)
		}
		var m manifest
		if err := decodeByExt(path, data, &m); err != nil {
			return nil, fmt.Errorf("content: parse manifest %s: %w", name, err)
		}
		if len(m.Groups) == 0 {
			return nil, fmt.Errorf("content: manifest %s declares no groups", name)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("content: no manifest found in %s", s.dir)
}

func (s *DirSource) readLeaves(file string) ([]Leaf, error) {
	path := filepath.Join(s.dir, filepath.Clean(file))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read leaves file: %w", err)
	}
	var leaves []Leaf
	if err := decodeByExt(path, data, &leaves); err != nil {
		return nil, fmt.Errorf("parse leaves file %s: %w", file, err)
	}
	return leaves, nil
}

func decodeByExt(path string, data []byte, v any) error {
	if strings.HasSuffix(path, ".json") {
		return json.Unmarshal(data, v)
	}
	return yaml.Unmarshal(data, v)
}
