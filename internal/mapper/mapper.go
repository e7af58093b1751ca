// Package mapper converts record state to and from the substrate's nested
// map and array shape. A nil value stands for an absent field: Populate
// skips it and UpdatePartial deletes the field.
package mapper

import (
	"context"
	"fmt"
	"reflect"

	"github.com/mesh-intelligence/docsync/internal/crdt"
	"github.com/mesh-intelligence/docsync/pkg/types"
)

// Records returns the top-level container that holds the records of model.
func Records(ctx context.Context, doc *crdt.Doc, model *types.Model) *crdt.Map {
	return doc.Map(ctx, model.Name)
}

// Populate writes state into node. Slices become arrays, nested maps become
// nested substrate maps, nil values are omitted.
func Populate(ctx context.Context, node *crdt.Map, state map[string]any) error {
	for key, value := range state {
		if err := write(ctx, node, key, value); err != nil {
			return err
		}
	}
	return nil
}

// UpdatePartial merges partial into node. For each key: nil deletes, a slice
// replaces, a nested map merges into the existing nested map (or a new one),
// and a scalar overwrites.
func UpdatePartial(ctx context.Context, node *crdt.Map, partial map[string]any) error {
	for key, value := range partial {
		if value == nil {
			if err := node.Delete(ctx, key); err != nil {
				return err
			}
			continue
		}
		if nested, ok := asMap(value); ok {
			existing, _ := node.Get(ctx, key)
			if child, ok := existing.(*crdt.Map); ok {
				if err := UpdatePartial(ctx, child, nested); err != nil {
					return err
				}
				continue
			}
			child, err := node.SetMap(ctx, key)
			if err != nil {
				return err
			}
			if err := Populate(ctx, child, nested); err != nil {
				return err
			}
			continue
		}
		if err := write(ctx, node, key, value); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot reconstructs a plain value tree from node.
func Snapshot(ctx context.Context, node *crdt.Map) map[string]any {
	out := make(map[string]any)
	for _, key := range node.Keys(ctx) {
		v, ok := node.Get(ctx, key)
		if !ok {
			continue
		}
		out[key] = plain(ctx, v)
	}
	return out
}

func plain(ctx context.Context, v any) any {
	switch t := v.(type) {
	case *crdt.Map:
		return Snapshot(ctx, t)
	case *crdt.Array:
		return t.Items()
	default:
		return t
	}
}

func write(ctx context.Context, node *crdt.Map, key string, value any) error {
	if value == nil {
		return nil
	}
	if nested, ok := asMap(value); ok {
		child, err := node.SetMap(ctx, key)
		if err != nil {
			return err
		}
		return Populate(ctx, child, nested)
	}
	if items, ok := asSlice(value); ok {
		return node.SetArray(ctx, key, items)
	}
	if err := node.Set(ctx, key, value); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func asMap(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]any, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}

func asSlice(v any) ([]any, bool) {
	if s, ok := v.([]any); ok {
		return s, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
