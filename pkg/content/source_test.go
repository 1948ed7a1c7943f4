package content

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validGroups() []Group {
	return []Group{
		{
			ID:      "bk:g01",
			Title:   "First",
			Ordinal: 1,
			Leaves: []Leaf{
				{ID: "bk:g01:l001", Ordinal: 1, Text: "one", Vector: []float32{1, 0}},
				{ID: "bk:g01:l002", Ordinal: 2, Text: "two", Vector: []float32{0, 1}},
			},
		},
		{
			ID:      "bk:g02",
			Title:   "Second",
			Ordinal: 2,
			Leaves: []Leaf{
				{ID: "bk:g02:l001", Ordinal: 1, Text: "three", Vector: []float32{1, 1}},
			},
		},
	}
}

func TestBundleValidateAcceptsConsistentContent(t *testing.T) {
	b := &Bundle{Groups: validGroups()}
	require.NoError(t, b.Validate())
	assert.Equal(t, 3, b.LeafCount())
}

func TestBundleValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(groups []Group) []Group
		wantErr string
	}{
		{
			name: "empty group identifier",
			mutate: func(groups []Group) []Group {
				groups[0].ID = ""
				return groups
			},
			wantErr: "empty identifier",
		},
		{
			name: "duplicate group identifier",
			mutate: func(groups []Group) []Group {
				groups[1].ID = groups[0].ID
				return groups
			},
			wantErr: "duplicate group identifier",
		},
		{
			name: "empty leaf identifier",
			mutate: func(groups []Group) []Group {
				groups[0].Leaves[0].ID = ""
				return groups
			},
			wantErr: "empty identifier",
		},
		{
			name: "leaf outside its group subtree",
			mutate: func(groups []Group) []Group {
				groups[0].Leaves[1].ID = "other:g09:l001"
				return groups
			},
			wantErr: "not contained",
		},
		{
			name: "duplicate leaf identifier",
			mutate: func(groups []Group) []Group {
				groups[0].Leaves[1].ID = groups[0].Leaves[0].ID
				return groups
			},
			wantErr: "duplicate leaf identifier",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			b := &Bundle{Groups: tc.mutate(validGroups())}
			err := b.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestStaticSourceReloads(t *testing.T) {
	src := Static(validGroups())

	ctx := context.Background()
	first, err := src.Load(ctx)
	require.NoError(t, err)
	second, err := src.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.LeafCount(), second.LeafCount())
}
