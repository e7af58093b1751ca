package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type key struct {
	doc   string
	model string
}

type ref struct{ name string }

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	r := New[key, *ref]()
	calls := 0
	create := func() *ref { calls++; return &ref{name: "users"} }

	a := r.GetOrCreate(key{"d1", "users"}, create)
	b := r.GetOrCreate(key{"d1", "users"}, create)
	c := r.GetOrCreate(key{"d2", "users"}, create)

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, r.Len())
}

func TestReleaseEvictsAfterLastHold(t *testing.T) {
	r := New[string, *ref]()
	first := r.GetOrCreate("doc", func() *ref { return &ref{} })

	assert.True(t, r.Retain("doc"))
	assert.True(t, r.Retain("doc"))
	assert.Equal(t, 2, r.Holds("doc"))

	assert.False(t, r.Release("doc"))
	assert.Same(t, first, r.GetOrCreate("doc", func() *ref { return &ref{} }))

	assert.True(t, r.Release("doc"))
	_, ok := r.Lookup("doc")
	assert.False(t, ok)

	second := r.GetOrCreate("doc", func() *ref { return &ref{} })
	assert.NotSame(t, first, second)
}

func TestRetainMissingKey(t *testing.T) {
	r := New[string, int]()
	assert.False(t, r.Retain("nope"))
	assert.False(t, r.Release("nope"))
	assert.Equal(t, 0, r.Holds("nope"))
}

func TestSweepKeepsHeldEntries(t *testing.T) {
	r := New[string, int]()
	r.GetOrCreate("held", func() int { return 1 })
	r.GetOrCreate("loose", func() int { return 2 })
	r.Retain("held")

	assert.Equal(t, 1, r.Sweep())
	_, ok := r.Lookup("held")
	assert.True(t, ok)
	_, ok = r.Lookup("loose")
	assert.False(t, ok)

	r.Clear()
	assert.Equal(t, 0, r.Len())
}
