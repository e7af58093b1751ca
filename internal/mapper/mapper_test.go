package mapper

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

func newNode(t *testing.T) (context.Context, *crdt.Map) {
	t.Helper()
	ctx := context.Background()
	doc := crdt.NewDoc("test")
	root := doc.Map(ctx, "records")
	node, err := root.SetMap(ctx, "r1")
	require.NoError(t, err)
	return ctx, node
}

func TestPopulateAndSnapshot(t *testing.T) {
	ctx, node := newNode(t)

	state := map[string]any{
		"name":    "Alice",
		"age":     30,
		"skipped": nil,
		"tags":    []string{"admin", "ops"},
		"address": map[string]any{
			"city": "Lisbon",
			"geo":  map[string]any{"lat": 38.7},
		},
	}
	require.NoError(t, Populate(ctx, node, state))

	assert.False(t, node.Has(ctx, "skipped"), "nil fields must not be stored")

	addr, ok := node.Get(ctx, "address")
	require.True(t, ok)
	assert.IsType(t, &crdt.Map{}, addr)
	tags, _ := node.Get(ctx, "tags")
	assert.IsType(t, &crdt.Array{}, tags)

	assert.Equal(t, map[string]any{
		"name": "Alice",
		"age":  30,
		"tags": []any{"admin", "ops"},
		"address": map[string]any{
			"city": "Lisbon",
			"geo":  map[string]any{"lat": 38.7},
		},
	}, Snapshot(ctx, node))
}

func TestUpdatePartial(t *testing.T) {
	ctx, node := newNode(t)
	require.NoError(t, Populate(ctx, node, map[string]any{
		"name":    "Alice",
		"nick":    "al",
		"tags":    []any{"a", "b"},
		"address": map[string]any{"city": "Lisbon", "zip": "1000"},
	}))
	addr, _ := node.Get(ctx, "address")

	require.NoError(t, UpdatePartial(ctx, node, map[string]any{
		"nick":    nil,
		"tags":    []any{"c"},
		"address": map[string]any{"zip": "2000"},
		"prefs":   map[string]any{"theme": "dark"},
		"name":    "Alicia",
	}))

	// The nested map is merged in place, not replaced.
	sameAddr, _ := node.Get(ctx, "address")
	assert.Same(t, addr, sameAddr)

	assert.Equal(t, map[string]any{
		"name":    "Alicia",
		"tags":    []any{"c"},
		"address": map[string]any{"city": "Lisbon", "zip": "2000"},
		"prefs":   map[string]any{"theme": "dark"},
	}, Snapshot(ctx, node))
}

func TestUpdatePartialReplacesScalarWithMap(t *testing.T) {
	ctx, node := newNode(t)
	require.NoError(t, Populate(ctx, node, map[string]any{"meta": "plain"}))
	require.NoError(t, UpdatePartial(ctx, node, map[string]any{"meta": map[string]any{"k": true}}))
	assert.Equal(t, map[string]any{"meta": map[string]any{"k": true}}, Snapshot(ctx, node))
}

func TestPopulateRejectsUnsupportedValues(t *testing.T) {
	ctx, node := newNode(t)
	err := Populate(ctx, node, map[string]any{"bad": struct{}{}})
	assert.ErrorIs(t, err, crdt.ErrUnsupportedValue)
}

func TestRecordsUsesModelName(t *testing.T) {
	ctx := context.Background()
	doc := crdt.NewDoc("test")
	users := types.NewModel("users")
	m := Records(ctx, doc, users)
	assert.Equal(t, "users", m.Key())
	assert.Same(t, m, doc.Map(ctx, "users"))
}
