package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterByStateAndType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	registerCommitted(t, store, TypeBaseline)
	registerCommitted(t, store, TypeMinor)
	registerCommitted(t, store, TypeMajor)

	records, _, total, err := store.List(ctx, ListOptions{Filter: "state = committed AND type != baseline"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, r := range records {
		assert.NotEqual(t, TypeBaseline, r.Type)
		assert.Equal(t, StateCommitted, r.State)
	}
}

func TestFilterNumericComparison(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		vtype := TypeMinor
		if i == 0 {
			vtype = TypeBaseline
		}
		registerCommitted(t, store, vtype)
	}

	records, _, _, err := store.List(ctx, ListOptions{Filter: "seq >= 3"})
	require.NoError(t, err)
	assert.Len(t, records, 2)
	for _, r := range records {
		assert.GreaterOrEqual(t, r.Seq, int64(3))
	}
}

func TestFilterQuotedValuesAndLowercaseAnd(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := registerCommitted(t, store, TypeBaseline)

	records, _, _, err := store.List(ctx, ListOptions{Filter: `actor = "tester" and seq < 2`})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.ID, records[0].ID)
}

func TestFilterRejectsMalformedExpressions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, expr := range []string{
		"bogusfield = x",
		"state ~ committed",
		"seq = notanumber",
		"state > committed",
		"state =",
	} {
		_, _, _, err := store.List(ctx, ListOptions{Filter: expr})
		assert.Error(t, err, "filter %q", expr)
	}
}
