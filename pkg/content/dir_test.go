package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644))
}

func TestDirSourceLoadsYAMLManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.yaml", `
groups:
  - id: bk:g01
    title: First
    ordinal: 1
    file: g01.yaml
  - id: bk:g02
    title: Second
    ordinal: 2
    file: g02.json
`)
	writeFile(t, dir, "g01.yaml", `
- id: bk:g01:l001
  ordinal: 1
  text: one
  vector: [1, 0]
- id: bk:g01:l002
  ordinal: 2
  text: two
  vector: [0, 1]
  crossRefs: [bk:g02:l001]
`)
	writeFile(t, dir, "g02.json", `[
  {"id": "bk:g02:l001", "ordinal": 1, "text": "three", "vector": [1, 1]}
]`)

	bundle, err := NewDirSource(dir).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, bundle.Groups, 2)
	assert.Equal(t, 3, bundle.LeafCount())
	assert.Equal(t, "First", bundle.Groups[0].Title)
	assert.Equal(t, []string{"bk:g02:l001"}, bundle.Groups[0].Leaves[1].CrossRefs)
	assert.Equal(t, []float32{1, 1}, bundle.Groups[1].Leaves[0].Vector)
}

func TestDirSourceLoadsJSONManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.json", `{
  "groups": [{"id": "bk:g01", "title": "Only", "ordinal": 1, "file": "g01.json"}]
}`)
	writeFile(t, dir, "g01.json", `[{"id": "bk:g01:l001", "ordinal": 1, "text": "x", "vector": [1]}]`)

	bundle, err := NewDirSource(dir).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, bundle.LeafCount())
}

func TestDirSourceMissingManifest(t *testing.T) {
	_, err := NewDirSource(t.TempDir()).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no manifest")
}

func TestDirSourceEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.yaml", "groups: []\n")

	_, err := NewDirSource(dir).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no groups")
}

func TestDirSourceMissingLeavesFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.yaml", `
groups:
  - id: bk:g01
    title: First
    ordinal: 1
    file: gone.yaml
`)

	_, err := NewDirSource(dir).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bk:g01")
}

func TestDirSourceRejectsInvalidBundle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "manifest.yaml", `
groups:
  - id: bk:g01
    title: First
    ordinal: 1
    file: g01.yaml
`)
	// Leaf identifier outside the group's subtree.
	writeFile(t, dir, "g01.yaml", `
- id: other:l001
  ordinal: 1
  text: stray
  vector: [1]
`)

	_, err := NewDirSource(dir).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not contained")
}
