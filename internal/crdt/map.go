package crdt

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Map errors.
var (
	ErrDetached         = errors.New("map is no longer part of the document")
	ErrUnsupportedValue = errors.New("unsupported scalar value")
)

// Operation kinds.
const (
	kindSet    = "set"
	kindDelete = "del"
	kindMap    = "map"
	kindArray  = "arr"
)

type pathElem struct {
	Key   string `json:"k"`
	Stamp stamp  `json:"s"`
}

type op struct {
	Path  []pathElem `json:"p"`
	Key   string     `json:"k"`
	Stamp stamp      `json:"s"`
	Kind  string     `json:"t"`
	Value any        `json:"v,omitempty"`
}

// Map is a replicated string-keyed map. Values are scalars, nested maps or
// arrays.
type Map struct {
	doc     *Doc
	parent  *Map
	key     string
	created stamp
	entries map[string]*entry
}

func newMap(d *Doc, parent *Map, key string, created stamp) *Map {
	return &Map{doc: d, parent: parent, key: key, created: created, entries: make(map[string]*entry)}
}

// Array is an immutable list value. Arrays are replaced whole.
type Array struct {
	items []any
}

// NewArray returns an array holding a copy of items.
func NewArray(items []any) *Array {
	return &Array{items: append([]any{}, items...)}
}

// Len returns the number of items.
func (a *Array) Len() int { return len(a.items) }

// Items returns a copy of the items.
func (a *Array) Items() []any { return append([]any{}, a.items...) }

// Doc returns the document the map belongs to.
func (m *Map) Doc() *Doc { return m.doc }

// Key returns the key of the map in its parent, or its top-level name.
func (m *Map) Key() string { return m.key }

func (m *Map) path() []string {
	if m.parent == nil {
		return []string{m.key}
	}
	return append(m.parent.path(), m.key)
}

func (m *Map) pathElems() []pathElem {
	if m.parent == nil {
		return []pathElem{{Key: m.key}}
	}
	return append(m.parent.pathElems(), pathElem{Key: m.key, Stamp: m.created})
}

// Get returns the value at key: a scalar, *Map or *Array.
func (m *Map) Get(ctx context.Context, key string) (any, bool) {
	var (
		v  any
		ok bool
	)
	m.doc.read(ctx, func() {
		e := m.entries[key]
		if e != nil && !e.deleted {
			v, ok = e.value, true
		}
	})
	return v, ok
}

// Has reports whether key holds a value.
func (m *Map) Has(ctx context.Context, key string) bool {
	var ok bool
	m.doc.read(ctx, func() { ok = m.hasLocked(key) })
	return ok
}

// Keys returns the live keys in sorted order.
func (m *Map) Keys(ctx context.Context) []string {
	var keys []string
	m.doc.read(ctx, func() {
		for k, e := range m.entries {
			if !e.deleted {
				keys = append(keys, k)
			}
		}
	})
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (m *Map) Len(ctx context.Context) int {
	var n int
	m.doc.read(ctx, func() { n = m.lenLocked() })
	return n
}

func (m *Map) hasLocked(key string) bool {
	e := m.entries[key]
	return e != nil && !e.deleted
}

func (m *Map) lenLocked() int {
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Set stores a scalar value at key.
func (m *Map) Set(ctx context.Context, key string, value any) error {
	if !isScalar(value) {
		return fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
	return m.localOp(ctx, key, kindSet, value)
}

// SetArray stores an array at key, replacing any previous value.
func (m *Map) SetArray(ctx context.Context, key string, items []any) error {
	return m.localOp(ctx, key, kindArray, append([]any{}, items...))
}

// SetMap stores a new empty nested map at key and returns it.
func (m *Map) SetMap(ctx context.Context, key string) (*Map, error) {
	var child *Map
	err := m.doc.write(ctx, func(txn *Transaction) error {
		if err := m.apply(txn, key, kindMap, nil); err != nil {
			return err
		}
		child = m.entries[key].value.(*Map)
		return nil
	})
	return child, err
}

// Delete removes key. Deleting a missing key is a no-op.
func (m *Map) Delete(ctx context.Context, key string) error {
	return m.doc.write(ctx, func(txn *Transaction) error {
		if !m.hasLocked(key) {
			return nil
		}
		return m.apply(txn, key, kindDelete, nil)
	})
}

func (m *Map) localOp(ctx context.Context, key, kind string, value any) error {
	return m.doc.write(ctx, func(txn *Transaction) error {
		return m.apply(txn, key, kind, value)
	})
}

func (m *Map) apply(txn *Transaction, key, kind string, value any) error {
	path := m.pathElems()
	if m.doc.resolveLocked(path) != m {
		return ErrDetached
	}
	o := op{Path: path, Key: key, Stamp: m.doc.nextStamp(), Kind: kind, Value: value}
	m.doc.applyLocked(txn, &o)
	return nil
}

// resolveLocked finds the map addressed by path, or nil when any step was
// superseded.
func (d *Doc) resolveLocked(path []pathElem) *Map {
	if len(path) == 0 {
		return nil
	}
	cur := d.rootLocked(path[0].Key)
	for _, el := range path[1:] {
		e := cur.entries[el.Key]
		if e == nil || e.deleted || e.stamp != el.Stamp {
			return nil
		}
		child, ok := e.value.(*Map)
		if !ok {
			return nil
		}
		cur = child
	}
	return cur
}

// applyLocked merges one operation. Operations that lose against the
// current entry, or whose target map was superseded, are dropped.
func (d *Doc) applyLocked(txn *Transaction, o *op) {
	target := d.resolveLocked(o.Path)
	if target == nil {
		return
	}
	if cur := target.entries[o.Key]; cur != nil && !cur.stamp.less(o.Stamp) {
		return
	}
	if o.Stamp.Clock > d.clock {
		d.clock = o.Stamp.Clock
	}
	txn.record(target, o.Key)

	e := &entry{stamp: o.Stamp}
	switch o.Kind {
	case kindSet:
		e.value = o.Value
	case kindArray:
		items, _ := o.Value.([]any)
		e.value = &Array{items: items}
	case kindMap:
		e.value = newMap(d, target, o.Key, o.Stamp)
	case kindDelete:
		e.deleted = true
	default:
		return
	}
	target.entries[o.Key] = e
	txn.ops = append(txn.ops, *o)
}

func (m *Map) encodeLocked(ops []op) []op {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	path := m.pathElems()
	for _, k := range keys {
		e := m.entries[k]
		o := op{Path: path, Key: k, Stamp: e.stamp}
		switch v := e.value.(type) {
		case nil:
			o.Kind = kindDelete
		case *Map:
			o.Kind = kindMap
		case *Array:
			o.Kind = kindArray
			o.Value = v.items
		default:
			o.Kind = kindSet
			o.Value = v
		}
		if e.deleted {
			o.Kind, o.Value = kindDelete, nil
		}
		ops = append(ops, o)
		if child, ok := e.value.(*Map); ok && !e.deleted {
			ops = child.encodeLocked(ops)
		}
	}
	return ops
}

func isScalar(v any) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	default:
		return false
	}
}
